// Package kit assembles a ready-to-use badge service: repository, event bus,
// BAC engine and event sinks.
package kit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mem "sipkit/adapters/memory"
	"sipkit/bac"
	"sipkit/catalog"
	"sipkit/core"
	"sipkit/engine"
	"sipkit/realtime"
)

// Handler receives events from the bus.
type Handler interface {
	OnEvent(ctx context.Context, e core.Event)
}

// Option configures the builder.
type Option func(*config)

type sink struct {
	h     Handler
	types []core.EventType
}

type config struct {
	repo        engine.Repository
	mode        engine.DispatchMode
	hub         *realtime.Hub
	bac         *bac.Engine
	logger      *slog.Logger
	clock       engine.Clock
	parallelism int
	sinks       []sink
	badges      []core.Badge
}

var allEvents = []core.EventType{core.EventDrinkLogged, core.EventSessionEnded, core.EventBadgeAwarded}

// WithRepository sets the persistence adapter.
func WithRepository(r engine.Repository) Option { return func(c *config) { c.repo = r } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithRealtime forwards every event to a realtime hub.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

func WithBAC(p bac.Params) Option { return func(c *config) { c.bac = bac.New(p) } }

func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

func WithClock(clock engine.Clock) Option { return func(c *config) { c.clock = clock } }

func WithParallelism(n int) Option { return func(c *config) { c.parallelism = n } }

// WithSink subscribes h to the given event types, or to every type when
// none are given.
func WithSink(h Handler, types ...core.EventType) Option {
	return func(c *config) {
		if len(types) == 0 {
			types = allEvents
		}
		c.sinks = append(c.sinks, sink{h: h, types: types})
	}
}

// WithCatalog seeds badge definitions into the repository on New.
func WithCatalog(badges []core.Badge) Option {
	return func(c *config) { c.badges = append(c.badges, badges...) }
}

// Kit is the assembled service.
type Kit struct {
	Repo    engine.Repository
	Bus     *engine.EventBus
	Service *engine.BadgeService
	Hub     *realtime.Hub

	logger *slog.Logger
	now    engine.Clock
}

// New builds a Kit. Defaults: in-memory repository, async dispatch, textbook
// BAC constants, no seeded badges.
func New(ctx context.Context, opts ...Option) (*Kit, error) {
	cfg := &config{mode: engine.DispatchAsync}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.repo == nil {
		cfg.repo = mem.New()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.clock == nil {
		cfg.clock = func() time.Time { return time.Now().UTC() }
	}
	if len(cfg.badges) > 0 {
		if err := catalog.Seed(ctx, cfg.repo, cfg.badges); err != nil {
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
	}

	bus := engine.NewEventBus(cfg.mode)
	svc := engine.NewBadgeService(cfg.repo, bus,
		engine.WithBACEngine(cfg.bac),
		engine.WithLogger(cfg.logger),
		engine.WithClock(cfg.clock),
		engine.WithParallelism(cfg.parallelism),
	)
	if cfg.hub != nil {
		for _, t := range allEvents {
			bus.Subscribe(t, cfg.hub.Broadcast)
		}
	}
	for _, s := range cfg.sinks {
		for _, t := range s.types {
			bus.Subscribe(t, s.h.OnEvent)
		}
	}
	return &Kit{
		Repo:    cfg.repo,
		Bus:     bus,
		Service: svc,
		Hub:     cfg.hub,
		logger:  cfg.logger,
		now:     cfg.clock,
	}, nil
}

// SaveProfile stores p under its normalized id, the same id LogDrink and
// EndSession use.
func (k *Kit) SaveProfile(ctx context.Context, p core.Profile) (core.Profile, error) {
	id, err := core.NormalizeUserID(p.ID)
	if err != nil {
		return core.Profile{}, err
	}
	p.ID = id
	if err := core.ValidateProfile(p); err != nil {
		return core.Profile{}, err
	}
	if err := k.Repo.SaveProfile(ctx, p); err != nil {
		return core.Profile{}, core.Persistence("save profile", err)
	}
	return p, nil
}

// LogDrink validates and stores a drink, publishes drink_logged and runs the
// drink_added award check. The drink is kept even when the check fails.
func (k *Kit) LogDrink(ctx context.Context, d core.DrinkEntry) (core.DrinkEntry, engine.Result, error) {
	user, err := core.NormalizeUserID(d.UserID)
	if err != nil {
		return core.DrinkEntry{}, engine.Result{}, err
	}
	d.UserID = user
	if d.ConsumedAt.IsZero() {
		d.ConsumedAt = k.now()
	}
	if err := core.ValidateDrink(d); err != nil {
		return core.DrinkEntry{}, engine.Result{}, err
	}
	if _, err := k.Repo.FetchSession(ctx, d.SessionID); err != nil {
		return core.DrinkEntry{}, engine.Result{}, core.Persistence("fetch session", err)
	}
	saved, err := k.Repo.LogDrink(ctx, d)
	if err != nil {
		return core.DrinkEntry{}, engine.Result{}, core.Persistence("log drink", err)
	}
	k.Bus.Publish(ctx, core.NewDrinkLogged(saved))

	res, err := k.Service.CheckAndAward(ctx, engine.TriggerDrinkAdded, user, saved.SessionID)
	if err != nil {
		k.logger.Warn("drink award check failed", "user_id", user, "session_id", saved.SessionID, "error", err)
		return saved, res, err
	}
	return saved, res, nil
}

// EndSession publishes session_ended for the user and runs the
// session_ended award check. It refuses sessions whose end time is still
// ahead with core.ErrSessionNotEnded.
func (k *Kit) EndSession(ctx context.Context, user core.UserID, session core.SessionID) (engine.Result, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return engine.Result{}, err
	}
	if session.IsZero() {
		return engine.Result{}, core.ErrMissingSessionContext
	}
	sess, err := k.Repo.FetchSession(ctx, session)
	if err != nil {
		return engine.Result{}, core.Persistence("fetch session", err)
	}
	if !sess.Closed(k.now()) {
		return engine.Result{}, fmt.Errorf("%w: %s ends at %s", core.ErrSessionNotEnded, session, sess.EndTime.Format(time.RFC3339))
	}
	k.Bus.Publish(ctx, core.NewSessionEnded(user, session))
	return k.Service.CheckAndAward(ctx, engine.TriggerSessionEnded, user, session)
}

// Sweeper returns a session sweeper bound to the kit's repository.
func (k *Kit) Sweeper(interval time.Duration, opts ...engine.SweeperOption) *engine.SessionSweeper {
	opts = append([]engine.SweeperOption{engine.WithSweepLogger(k.logger), engine.WithSweepClock(k.now)}, opts...)
	return engine.NewSessionSweeper(k.Repo, k.Service, interval, opts...)
}

// Close drains the event bus.
func (k *Kit) Close() { k.Bus.Close() }
