package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sipkit/bac"
	"sipkit/core"
)

// Trigger is the event that prompted an award check.
type Trigger string

const (
	TriggerDrinkAdded   Trigger = "drink_added"
	TriggerSessionEnded Trigger = "session_ended"
)

// ErrUnknownTrigger is returned for a trigger with no candidate categories.
var ErrUnknownTrigger = errors.New("unknown trigger")

// triggerCategories is the fixed dispatch table from trigger to the badge
// categories it checks. Once-per-user badges can be earned mid-session;
// per-session badges wait for the session to end so later drinks cannot
// invalidate them.
var triggerCategories = map[Trigger][]core.Category{
	TriggerDrinkAdded:   {core.CategoryMilestone, core.CategoryGlobal},
	TriggerSessionEnded: {core.CategorySession, core.CategorySocial},
}

// CategoriesFor returns the categories a trigger checks.
func CategoriesFor(t Trigger) ([]core.Category, bool) {
	cats, ok := triggerCategories[t]
	return append([]core.Category(nil), cats...), ok
}

// Result aggregates one CheckAndAward run.
type Result struct {
	Awarded     int              `json:"awarded"`
	AlreadyHeld int              `json:"already_held"`
	Failed      int              `json:"failed"`
	NotEligible int              `json:"not_eligible"`
	Awards      []core.UserBadge `json:"awards,omitempty"`
}

// Add folds another result into r.
func (r *Result) Add(o Result) {
	r.Awarded += o.Awarded
	r.AlreadyHeld += o.AlreadyHeld
	r.Failed += o.Failed
	r.NotEligible += o.NotEligible
	r.Awards = append(r.Awards, o.Awards...)
}

// BadgeService evaluates and awards badges on drink and session events, and
// exposes BAC estimates for display. It keeps no award state in process;
// uniqueness is enforced by the store.
type BadgeService struct {
	store       Store
	bus         *EventBus
	bac         *bac.Engine
	resolver    *MetricResolver
	policy      *AwardPolicy
	logger      *slog.Logger
	now         Clock
	parallelism int
}

// ServiceOption configures a BadgeService.
type ServiceOption func(*BadgeService)

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *BadgeService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(c Clock) ServiceOption {
	return func(s *BadgeService) {
		if c != nil {
			s.now = c
		}
	}
}

func WithBACEngine(e *bac.Engine) ServiceOption {
	return func(s *BadgeService) {
		if e != nil {
			s.bac = e
		}
	}
}

// WithParallelism bounds how many badges are checked concurrently.
func WithParallelism(n int) ServiceOption {
	return func(s *BadgeService) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

func NewBadgeService(store Store, bus *EventBus, opts ...ServiceOption) *BadgeService {
	if store == nil || bus == nil {
		panic("NewBadgeService requires non-nil store and bus")
	}
	s := &BadgeService{
		store:       store,
		bus:         bus,
		bac:         bac.Default(),
		logger:      slog.Default(),
		now:         systemClock,
		parallelism: 4,
	}
	for _, o := range opts {
		o(s)
	}
	s.resolver = NewMetricResolver(store, s.bac, s.now)
	s.policy = NewAwardPolicy(store, s.now)
	return s
}

// Subscribe convenience method.
func (s *BadgeService) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return s.bus.Subscribe(typ, handler)
}

func (s *BadgeService) Publish(ctx context.Context, ev core.Event) { s.bus.Publish(ctx, ev) }

// Resolver exposes the metric resolver used for award checks.
func (s *BadgeService) Resolver() *MetricResolver { return s.resolver }

// BAC exposes the estimation engine.
func (s *BadgeService) BAC() *bac.Engine { return s.bac }

// CheckAndAward evaluates the badges the trigger selects and awards the
// eligible ones. Per-badge failures are counted, logged and never abort the
// batch. An error is returned only when the check cannot start at all: an
// unknown trigger, a missing user or session, or a failed badge listing.
func (s *BadgeService) CheckAndAward(ctx context.Context, trigger Trigger, user core.UserID, session core.SessionID) (Result, error) {
	categories, ok := triggerCategories[trigger]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTrigger, trigger)
	}
	if err := core.RequireUserID(user); err != nil {
		return Result{}, err
	}
	if trigger == TriggerSessionEnded {
		if err := s.requireClosed(ctx, session); err != nil {
			return Result{}, err
		}
	}
	if _, err := s.store.FetchProfile(ctx, user); err != nil {
		return Result{}, fmt.Errorf("check and award for %s: %w", user, core.Persistence("fetch profile", err))
	}
	badges, err := s.store.FetchActiveAutomaticBadges(ctx, categories)
	if err != nil {
		return Result{}, fmt.Errorf("check and award for %s: %w", user, core.Persistence("fetch badges", err))
	}
	badges = filterCandidates(badges, categories)

	evaluator := NewEvaluator(newMemoResolver(s.resolver))
	var (
		mu     sync.Mutex
		result Result
		fresh  []awarded
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, badge := range badges {
		g.Go(func() error {
			d, err := s.checkBadge(gctx, evaluator, trigger, badge, user, session)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				s.logger.Warn("badge check failed",
					"badge", badge.ID,
					"user_id", user,
					"session_id", session,
					"trigger", trigger,
					"error", err)
				return nil
			}
			switch d.Kind {
			case Award:
				result.Awarded++
				fresh = append(fresh, awarded{badge: badge, decision: d})
			case AlreadyHeld:
				result.AlreadyHeld++
			default:
				result.NotEligible++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(fresh, func(i, j int) bool { return fresh[i].badge.ID < fresh[j].badge.ID })
	for _, a := range fresh {
		ub := core.UserBadge{
			ID:        a.decision.UserBadgeID,
			UserID:    user,
			BadgeID:   a.badge.ID,
			SessionID: a.decision.Scope,
			EarnedAt:  a.decision.EarnedAt,
			Metadata:  a.decision.Metadata,
		}
		result.Awards = append(result.Awards, ub)
		s.bus.Publish(ctx, core.NewBadgeAwarded(ub, a.badge))
	}

	s.logger.Debug("badge check complete",
		"user_id", user,
		"session_id", session,
		"trigger", trigger,
		"candidates", len(badges),
		"awarded", result.Awarded,
		"already_held", result.AlreadyHeld,
		"failed", result.Failed)
	return result, nil
}

// requireClosed keeps session and social badges from being judged on a
// partial window.
func (s *BadgeService) requireClosed(ctx context.Context, session core.SessionID) error {
	if session.IsZero() {
		return fmt.Errorf("%w: session_ended requires a session", core.ErrMissingSessionContext)
	}
	sess, err := s.store.FetchSession(ctx, session)
	if err != nil {
		return core.Persistence("fetch session", err)
	}
	if now := s.now(); !sess.Closed(now) {
		return fmt.Errorf("%w: %s ends at %s", core.ErrSessionNotEnded, session, sess.EndTime.Format(time.RFC3339))
	}
	return nil
}

type awarded struct {
	badge    core.Badge
	decision Decision
}

func (s *BadgeService) checkBadge(ctx context.Context, ev *Evaluator, trigger Trigger, badge core.Badge, user core.UserID, session core.SessionID) (Decision, error) {
	el, err := ev.Evaluate(ctx, badge.Criteria, user, session)
	if err != nil {
		return Decision{}, err
	}
	d, err := s.policy.Award(ctx, badge, el, user, session, awardMetadata(trigger, session, el))
	if err != nil {
		return Decision{}, err
	}
	if d.Kind == NotEligible {
		s.recordProgress(ctx, badge, user, el)
	}
	return d, nil
}

func awardMetadata(trigger Trigger, session core.SessionID, el Eligibility) map[string]any {
	values := make(map[string]float64, len(el.Values))
	for k, v := range el.Values {
		values[string(k)] = v
	}
	md := map[string]any{"trigger": string(trigger), "values": values}
	if !session.IsZero() {
		md["triggered_by_session"] = string(session)
	}
	return md
}

// recordProgress stores an advisory progress snapshot when the store supports
// it. The value is the first condition's metric.
func (s *BadgeService) recordProgress(ctx context.Context, badge core.Badge, user core.UserID, el Eligibility) {
	ps, ok := s.store.(ProgressStore)
	if !ok || len(badge.Criteria.Conditions) == 0 {
		return
	}
	p := core.BadgeProgress{
		UserID:       user,
		BadgeID:      badge.ID,
		CurrentValue: el.Values[badge.Criteria.Conditions[0].Metric],
		LastUpdated:  s.now(),
	}
	if err := ps.UpsertProgress(ctx, p); err != nil {
		s.logger.Debug("progress update failed", "badge", badge.ID, "user_id", user, "error", err)
	}
}

// filterCandidates keeps active, automatic badges of the given categories,
// in case a store returns a wider set.
func filterCandidates(badges []core.Badge, categories []core.Category) []core.Badge {
	allowed := make(map[core.Category]struct{}, len(categories))
	for _, c := range categories {
		allowed[c] = struct{}{}
	}
	out := badges[:0:0]
	for _, b := range badges {
		if _, ok := allowed[b.Category]; ok && b.IsActive && b.IsAutomatic {
			out = append(out, b)
		}
	}
	return out
}

// Estimate is a display helper: the user's BAC at an instant across all of
// their drinks.
type Estimate struct {
	UserID  core.UserID   `json:"user_id"`
	At      time.Time     `json:"at"`
	BAC     float64       `json:"bac"`
	Trend   bac.Direction `json:"trend"`
	SoberAt *time.Time    `json:"sober_at,omitempty"`
}

// EstimateBAC returns the estimate, trend and projected sober time at at.
func (s *BadgeService) EstimateBAC(ctx context.Context, user core.UserID, at time.Time) (Estimate, error) {
	if err := core.RequireUserID(user); err != nil {
		return Estimate{}, err
	}
	profile, err := s.store.FetchProfile(ctx, user)
	if err != nil {
		return Estimate{}, core.Persistence("fetch profile", err)
	}
	drinks, err := s.store.FetchDrinks(ctx, user, "")
	if err != nil {
		return Estimate{}, core.Persistence("fetch drinks", err)
	}
	v, err := s.bac.Estimate(drinks, profile, at)
	if err != nil {
		return Estimate{}, err
	}
	trend, err := s.bac.Trend(drinks, profile, at)
	if err != nil {
		return Estimate{}, err
	}
	out := Estimate{UserID: user, At: at, BAC: v, Trend: trend}
	sober, err := s.bac.SoberAt(drinks, profile, at)
	if err != nil {
		return Estimate{}, err
	}
	if !sober.IsZero() {
		out.SoberAt = &sober
	}
	return out, nil
}

// SessionBAC samples the user's BAC over the observable session window.
func (s *BadgeService) SessionBAC(ctx context.Context, user core.UserID, session core.SessionID) (bac.Summary, error) {
	if err := core.RequireUserID(user); err != nil {
		return bac.Summary{}, err
	}
	if session.IsZero() {
		return bac.Summary{}, core.ErrMissingSessionContext
	}
	sess, err := s.store.FetchSession(ctx, session)
	if err != nil {
		return bac.Summary{}, core.Persistence("fetch session", err)
	}
	profile, err := s.store.FetchProfile(ctx, user)
	if err != nil {
		return bac.Summary{}, core.Persistence("fetch profile", err)
	}
	drinks, err := s.store.FetchDrinks(ctx, user, session)
	if err != nil {
		return bac.Summary{}, core.Persistence("fetch drinks", err)
	}
	from, to := sess.Window(s.now())
	return s.bac.Summarize(drinks, profile, from, to, true)
}

func (s *BadgeService) Close() { s.bus.Close() }
