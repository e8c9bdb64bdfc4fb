package core

import (
	"fmt"
	"math"
)

// MetricName names a scalar metric a criteria condition can test.
type MetricName string

const (
	MetricTotalDrinks            MetricName = "total_drinks"
	MetricSessionCount           MetricName = "session_count"
	MetricDrinksInSession        MetricName = "drinks_in_session"
	MetricUniqueFriendsInSession MetricName = "unique_friends_in_session"
	MetricMaxBACInSession        MetricName = "max_bac_in_session"
	MetricAvgBACInSession        MetricName = "avg_bac_in_session"
)

// Timeframe selects the aggregation window of a metric.
type Timeframe string

const (
	TimeframeAllTime Timeframe = "all_time"
	TimeframeSession Timeframe = "session"
)

// metricTimeframes is the fixed metric catalog with each metric's declared timeframe.
var metricTimeframes = map[MetricName]Timeframe{
	MetricTotalDrinks:            TimeframeAllTime,
	MetricSessionCount:           TimeframeAllTime,
	MetricDrinksInSession:        TimeframeSession,
	MetricUniqueFriendsInSession: TimeframeSession,
	MetricMaxBACInSession:        TimeframeSession,
	MetricAvgBACInSession:        TimeframeSession,
}

// DeclaredTimeframe returns the timeframe a catalog metric aggregates over.
func DeclaredTimeframe(m MetricName) (Timeframe, bool) {
	tf, ok := metricTimeframes[m]
	return tf, ok
}

// Operator compares a resolved metric value against a threshold.
type Operator string

const (
	OpGTE Operator = ">="
	OpLTE Operator = "<="
	OpEQ  Operator = "=="
	OpGT  Operator = ">"
	OpLT  Operator = "<"
)

// equalityTolerance absorbs float noise in == comparisons.
const equalityTolerance = 1e-9

// Apply evaluates "value <op> threshold".
func (o Operator) Apply(value, threshold float64) (bool, error) {
	switch o {
	case OpGTE:
		return value >= threshold, nil
	case OpLTE:
		return value <= threshold, nil
	case OpEQ:
		return math.Abs(value-threshold) <= equalityTolerance, nil
	case OpGT:
		return value > threshold, nil
	case OpLT:
		return value < threshold, nil
	}
	return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidCriteria, o)
}

// Condition is one threshold test inside a criteria document.
type Condition struct {
	Metric    MetricName `json:"metric" yaml:"metric"`
	Operator  Operator   `json:"operator" yaml:"operator"`
	Value     float64    `json:"value" yaml:"value"`
	Timeframe Timeframe  `json:"timeframe,omitempty" yaml:"timeframe,omitempty"`
}

// EffectiveTimeframe returns the condition timeframe, falling back to the
// metric's declared timeframe when unset.
func (c Condition) EffectiveTimeframe() Timeframe {
	if c.Timeframe != "" {
		return c.Timeframe
	}
	if tf, ok := DeclaredTimeframe(c.Metric); ok {
		return tf
	}
	return TimeframeAllTime
}

// CriteriaDoc is an AND-combined list of conditions.
type CriteriaDoc struct {
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// Validate checks the document shape. Metric names are checked against the
// catalog so misconfigured badges fail at load time, not award time.
func (d CriteriaDoc) Validate() error {
	if len(d.Conditions) == 0 {
		return fmt.Errorf("%w: no conditions", ErrInvalidCriteria)
	}
	for i, c := range d.Conditions {
		if _, ok := DeclaredTimeframe(c.Metric); !ok {
			return fmt.Errorf("condition %d: %w: %q", i, ErrUnknownMetric, c.Metric)
		}
		if _, err := c.Operator.Apply(0, 0); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
		switch c.Timeframe {
		case "", TimeframeAllTime, TimeframeSession:
		default:
			return fmt.Errorf("condition %d: %w: unknown timeframe %q", i, ErrInvalidCriteria, c.Timeframe)
		}
		if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
			return fmt.Errorf("condition %d: %w: value must be finite", i, ErrInvalidCriteria)
		}
	}
	return nil
}
