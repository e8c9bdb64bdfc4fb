// Package bac estimates blood alcohol concentration with a simplified
// Widmark model: every drink is absorbed instantly at its consumption time
// and alcohol is eliminated linearly from the first drink onwards.
package bac

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"sipkit/core"
)

// Params holds the model constants. The defaults are textbook Widmark values
// and are configurable rather than tied to any regulatory standard.
type Params struct {
	MaleRatio       float64       `json:"male_ratio" env:"SIPKIT_BAC_MALE_RATIO"`
	FemaleRatio     float64       `json:"female_ratio" env:"SIPKIT_BAC_FEMALE_RATIO"`
	EliminationRate float64       `json:"elimination_rate" env:"SIPKIT_BAC_ELIMINATION_RATE"` // percentage points per hour
	EthanolDensity  float64       `json:"ethanol_density" env:"SIPKIT_BAC_ETHANOL_DENSITY"`   // g/ml
	Step            time.Duration `json:"step" env:"SIPKIT_BAC_STEP"`
}

// DefaultParams returns the standard constants and a 10 minute sample step.
func DefaultParams() Params {
	return Params{
		MaleRatio:       0.68,
		FemaleRatio:     0.55,
		EliminationRate: 0.015,
		EthanolDensity:  0.789,
		Step:            10 * time.Minute,
	}
}

// Validate rejects constants that would make the model meaningless.
func (p Params) Validate() error {
	var errs []string
	if p.MaleRatio <= 0 {
		errs = append(errs, "male_ratio must be positive")
	}
	if p.FemaleRatio <= 0 {
		errs = append(errs, "female_ratio must be positive")
	}
	if p.EliminationRate <= 0 {
		errs = append(errs, "elimination_rate must be positive")
	}
	if p.EthanolDensity <= 0 {
		errs = append(errs, "ethanol_density must be positive")
	}
	if p.Step <= 0 {
		errs = append(errs, "step must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Engine evaluates the model. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	params Params
}

// New returns an engine using p. Non-positive fields fall back to the
// defaults so a zero Params still yields a usable engine.
func New(p Params) *Engine {
	d := DefaultParams()
	if p.MaleRatio <= 0 {
		p.MaleRatio = d.MaleRatio
	}
	if p.FemaleRatio <= 0 {
		p.FemaleRatio = d.FemaleRatio
	}
	if p.EliminationRate <= 0 {
		p.EliminationRate = d.EliminationRate
	}
	if p.EthanolDensity <= 0 {
		p.EthanolDensity = d.EthanolDensity
	}
	if p.Step <= 0 {
		p.Step = d.Step
	}
	return &Engine{params: p}
}

// Default returns an engine with DefaultParams.
func Default() *Engine { return New(DefaultParams()) }

// Params returns the constants in use.
func (e *Engine) Params() Params { return e.params }

// Grams converts a drink to grams of pure ethanol.
func (e *Engine) Grams(d core.DrinkEntry) float64 {
	return d.VolumeMl * (d.AlcoholPercentage / 100) * e.params.EthanolDensity
}

// ratio validates the profile and returns its distribution ratio.
func (e *Engine) ratio(p core.Profile) (float64, error) {
	if !(p.WeightKg > 0) || math.IsInf(p.WeightKg, 1) {
		return 0, fmt.Errorf("%w: weight_kg must be positive and finite, got %v", core.ErrInvalidProfile, p.WeightKg)
	}
	switch p.Gender {
	case core.GenderMale:
		return e.params.MaleRatio, nil
	case core.GenderFemale:
		return e.params.FemaleRatio, nil
	}
	return 0, fmt.Errorf("%w: unrecognized gender %q", core.ErrInvalidProfile, p.Gender)
}

// Estimate returns the BAC (percent) at instant at. Drinks consumed after at
// are ignored.
func (e *Engine) Estimate(drinks []core.DrinkEntry, p core.Profile, at time.Time) (float64, error) {
	r, err := e.ratio(p)
	if err != nil {
		return 0, err
	}
	return e.estimate(drinks, r, p.WeightKg, at), nil
}

// estimate assumes a validated ratio and weight.
func (e *Engine) estimate(drinks []core.DrinkEntry, r, weightKg float64, at time.Time) float64 {
	raw, first, ok := e.absorbed(drinks, r, weightKg, at)
	if !ok {
		return 0
	}
	hours := at.Sub(first).Hours()
	return max(0, raw-e.params.EliminationRate*hours)
}

// absorbed returns the undecayed concentration of every drink consumed at or
// before at, and the time of the earliest such drink.
func (e *Engine) absorbed(drinks []core.DrinkEntry, r, weightKg float64, at time.Time) (float64, time.Time, bool) {
	var (
		grams float64
		first time.Time
		found bool
	)
	for _, d := range drinks {
		if d.ConsumedAt.After(at) {
			continue
		}
		grams += e.Grams(d)
		if !found || d.ConsumedAt.Before(first) {
			first = d.ConsumedAt
		}
		found = true
	}
	if !found {
		return 0, time.Time{}, false
	}
	return grams / (r * weightKg * 1000) * 100, first, true
}

// SoberAt returns the instant the estimate reaches zero assuming no drinks
// after at. It returns the zero time when the estimate at at is already zero.
func (e *Engine) SoberAt(drinks []core.DrinkEntry, p core.Profile, at time.Time) (time.Time, error) {
	r, err := e.ratio(p)
	if err != nil {
		return time.Time{}, err
	}
	if e.estimate(drinks, r, p.WeightKg, at) <= 0 {
		return time.Time{}, nil
	}
	raw, first, _ := e.absorbed(drinks, r, p.WeightKg, at)
	hours := raw / e.params.EliminationRate
	return first.Add(time.Duration(hours * float64(time.Hour))), nil
}
