package engine

import (
	"context"

	"sipkit/core"
)

// Eligibility is the outcome of evaluating a criteria document.
type Eligibility struct {
	Eligible bool                        `json:"eligible"`
	Values   map[core.MetricName]float64 `json:"values"`
}

// Evaluator checks criteria documents against resolved metrics. It has no
// side effects beyond the reads its resolver performs.
type Evaluator struct {
	resolver Resolver
}

func NewEvaluator(resolver Resolver) *Evaluator {
	return &Evaluator{resolver: resolver}
}

// Evaluate resolves every condition in document order and ANDs the results.
// All conditions are resolved even after one fails so Values is complete.
// The session is passed to a condition only when its timeframe is session.
func (e *Evaluator) Evaluate(ctx context.Context, doc core.CriteriaDoc, user core.UserID, session core.SessionID) (Eligibility, error) {
	if err := doc.Validate(); err != nil {
		return Eligibility{}, err
	}
	out := Eligibility{Eligible: true, Values: make(map[core.MetricName]float64, len(doc.Conditions))}
	for _, c := range doc.Conditions {
		var scope core.SessionID
		if c.EffectiveTimeframe() == core.TimeframeSession {
			scope = session
		}
		v, err := e.resolver.Resolve(ctx, c.Metric, user, scope)
		if err != nil {
			return Eligibility{}, err
		}
		out.Values[c.Metric] = v
		ok, err := c.Operator.Apply(v, c.Value)
		if err != nil {
			return Eligibility{}, err
		}
		if !ok {
			out.Eligible = false
		}
	}
	return out, nil
}
