package engine

import (
	"context"
	"fmt"
	"time"

	"sipkit/core"
)

// DecisionKind is the outcome of the award policy.
type DecisionKind int

const (
	NotEligible DecisionKind = iota
	Award
	AlreadyHeld
)

func (k DecisionKind) String() string {
	switch k {
	case NotEligible:
		return "not_eligible"
	case Award:
		return "award"
	case AlreadyHeld:
		return "already_held"
	}
	return fmt.Sprintf("decision(%d)", int(k))
}

// Decision is what the policy decided for one badge. Scope is the session the
// award is keyed on, empty for once-per-user badges.
type Decision struct {
	Kind        DecisionKind
	Scope       core.SessionID
	UserBadgeID string
	EarnedAt    time.Time
	Metadata    map[string]any
}

type awardScope int

const (
	scopeOncePerUser awardScope = iota
	scopePerSession
)

// scopeByCategory maps each category to its uniqueness scope. New categories
// must be added here; unknown ones are rejected.
var scopeByCategory = map[core.Category]awardScope{
	core.CategoryMilestone: scopeOncePerUser,
	core.CategoryGlobal:    scopeOncePerUser,
	core.CategorySession:   scopePerSession,
	core.CategorySocial:    scopePerSession,
}

// AwardPolicy decides the award scope for a badge and performs the atomic
// award-if-absent through the store. It holds no award state of its own.
type AwardPolicy struct {
	store Store
	now   Clock
}

func NewAwardPolicy(store Store, now Clock) *AwardPolicy {
	if now == nil {
		now = systemClock
	}
	return &AwardPolicy{store: store, now: now}
}

// Decide is the pure half of the policy: NotEligible, or Award with the scope
// the award must be keyed on.
func (p *AwardPolicy) Decide(badge core.Badge, el Eligibility, session core.SessionID) (Decision, error) {
	if !el.Eligible {
		return Decision{Kind: NotEligible}, nil
	}
	scope, ok := scopeByCategory[badge.Category]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q on badge %q", core.ErrUnknownCategory, badge.Category, badge.ID)
	}
	if scope == scopeOncePerUser {
		return Decision{Kind: Award}, nil
	}
	if session.IsZero() {
		return Decision{}, fmt.Errorf("%w: badge %q is awarded per session", core.ErrMissingSessionContext, badge.ID)
	}
	return Decision{Kind: Award, Scope: session}, nil
}

// Apply turns an Award decision into an award-if-absent request. A
// Created=false answer from the store is AlreadyHeld, not an error.
func (p *AwardPolicy) Apply(ctx context.Context, badge core.Badge, user core.UserID, d Decision, metadata map[string]any) (Decision, error) {
	if d.Kind != Award {
		return d, nil
	}
	req := core.AwardRequest{
		UserID:    user,
		BadgeID:   badge.ID,
		SessionID: d.Scope,
		EarnedAt:  p.now(),
		Metadata:  metadata,
	}
	res, err := p.store.AwardIfAbsent(ctx, req)
	if err != nil {
		return Decision{}, core.Persistence("award if absent", err)
	}
	d.UserBadgeID = res.UserBadgeID
	d.EarnedAt = req.EarnedAt
	d.Metadata = metadata
	if !res.Created {
		d.Kind = AlreadyHeld
	}
	return d, nil
}

// Award decides and applies in one step.
func (p *AwardPolicy) Award(ctx context.Context, badge core.Badge, el Eligibility, user core.UserID, session core.SessionID, metadata map[string]any) (Decision, error) {
	d, err := p.Decide(badge, el, session)
	if err != nil {
		return Decision{}, err
	}
	return p.Apply(ctx, badge, user, d, metadata)
}
