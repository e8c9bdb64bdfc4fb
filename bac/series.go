package bac

import (
	"iter"
	"time"

	"sipkit/core"
)

// Sample is one point of a BAC series.
type Sample struct {
	At  time.Time `json:"at"`
	BAC float64   `json:"bac"`
}

// Series returns the samples at from, from+step, ... up to and including to.
// The sequence is finite and can be ranged over any number of times. A
// non-positive step uses the engine step; from after to yields nothing.
func (e *Engine) Series(drinks []core.DrinkEntry, p core.Profile, from, to time.Time, step time.Duration) (iter.Seq2[time.Time, float64], error) {
	r, err := e.ratio(p)
	if err != nil {
		return nil, err
	}
	if step <= 0 {
		step = e.params.Step
	}
	snapshot := append([]core.DrinkEntry(nil), drinks...)
	weight := p.WeightKg
	return func(yield func(time.Time, float64) bool) {
		for t := from; !t.After(to); t = t.Add(step) {
			if !yield(t, e.estimate(snapshot, r, weight, t)) {
				return
			}
		}
	}, nil
}

// Summary aggregates a sampled series.
type Summary struct {
	Peak    float64  `json:"peak"`
	Average float64  `json:"average"`
	Samples []Sample `json:"samples,omitempty"`
}

// Summarize samples [from, to] with the engine step and collects peak and
// average. keepSamples controls whether the raw samples are retained.
func (e *Engine) Summarize(drinks []core.DrinkEntry, p core.Profile, from, to time.Time, keepSamples bool) (Summary, error) {
	seq, err := e.Series(drinks, p, from, to, 0)
	if err != nil {
		return Summary{}, err
	}
	var (
		out   Summary
		sum   float64
		count int
	)
	for at, v := range seq {
		if v > out.Peak {
			out.Peak = v
		}
		sum += v
		count++
		if keepSamples {
			out.Samples = append(out.Samples, Sample{At: at, BAC: v})
		}
	}
	if count > 0 {
		out.Average = sum / float64(count)
	}
	return out, nil
}

// Peak is the maximum sampled value over [from, to].
func (e *Engine) Peak(drinks []core.DrinkEntry, p core.Profile, from, to time.Time) (float64, error) {
	s, err := e.Summarize(drinks, p, from, to, false)
	return s.Peak, err
}

// Average is the arithmetic mean of the sampled values over [from, to].
func (e *Engine) Average(drinks []core.DrinkEntry, p core.Profile, from, to time.Time) (float64, error) {
	s, err := e.Summarize(drinks, p, from, to, false)
	return s.Average, err
}

// Direction describes where the estimate is heading.
type Direction string

const (
	Rising  Direction = "rising"
	Falling Direction = "falling"
	Steady  Direction = "steady"
	Sober   Direction = "sober"
)

const trendTolerance = 1e-6

// Trend compares the estimate at at with the estimate one step earlier.
func (e *Engine) Trend(drinks []core.DrinkEntry, p core.Profile, at time.Time) (Direction, error) {
	r, err := e.ratio(p)
	if err != nil {
		return "", err
	}
	now := e.estimate(drinks, r, p.WeightKg, at)
	before := e.estimate(drinks, r, p.WeightKg, at.Add(-e.params.Step))
	switch {
	case now == 0 && before == 0:
		return Sober, nil
	case now-before > trendTolerance:
		return Rising, nil
	case before-now > trendTolerance:
		return Falling, nil
	}
	return Steady, nil
}
