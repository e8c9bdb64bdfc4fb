package core

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperatorApply(t *testing.T) {
	tests := []struct {
		op    Operator
		value float64
		want  bool
	}{
		{OpGTE, 0.08, true},
		{OpGTE, 0.07, false},
		{OpLTE, 0.08, true},
		{OpEQ, 0.08 + 1e-12, true},
		{OpGT, 0.08, false},
		{OpLT, 0.05, true},
	}
	for _, tt := range tests {
		got, err := tt.op.Apply(tt.value, 0.08)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v %s 0.08", tt.value, tt.op)
	}

	_, err := Operator("!=").Apply(1, 1)
	assert.ErrorIs(t, err, ErrInvalidCriteria)
}

func TestCriteriaDocValidate(t *testing.T) {
	ok := CriteriaDoc{Conditions: []Condition{
		{Metric: MetricMaxBACInSession, Operator: OpGTE, Value: 0.08, Timeframe: TimeframeSession},
		{Metric: MetricTotalDrinks, Operator: OpGT, Value: 0},
	}}
	require.NoError(t, ok.Validate())

	assert.ErrorIs(t, CriteriaDoc{}.Validate(), ErrInvalidCriteria)

	unknown := CriteriaDoc{Conditions: []Condition{{Metric: "karaoke_songs", Operator: OpGTE, Value: 1}}}
	assert.ErrorIs(t, unknown.Validate(), ErrUnknownMetric)

	badTF := CriteriaDoc{Conditions: []Condition{{Metric: MetricTotalDrinks, Operator: OpGTE, Value: 1, Timeframe: "weekly"}}}
	assert.True(t, errors.Is(badTF.Validate(), ErrInvalidCriteria))

	nan := CriteriaDoc{Conditions: []Condition{{Metric: MetricTotalDrinks, Operator: OpGTE, Value: math.NaN()}}}
	assert.ErrorIs(t, nan.Validate(), ErrInvalidCriteria)
}

func TestEffectiveTimeframe(t *testing.T) {
	assert.Equal(t, TimeframeSession, Condition{Metric: MetricUniqueFriendsInSession}.EffectiveTimeframe())
	assert.Equal(t, TimeframeAllTime, Condition{Metric: MetricTotalDrinks}.EffectiveTimeframe())
	assert.Equal(t, TimeframeAllTime, Condition{Metric: MetricMaxBACInSession, Timeframe: TimeframeAllTime}.EffectiveTimeframe())
}
