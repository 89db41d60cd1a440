// Package estimator implements the Duration Estimator: it reads History
// Records out of the Status Store and returns an upper-confidence-bound
// duration for a step template, falling back to "unknown" below a minimum
// sample count.
package estimator

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cuemby/labord/pkg/store"
	"github.com/cuemby/labord/pkg/types"
)

// DefaultConfidence is the UCB confidence level used when a caller does not
// supply one.
const DefaultConfidence = 0.95

// DefaultMinSamples is the minimum number of comparable history records
// required before a non-"unknown" estimate is returned.
const DefaultMinSamples = 5

// Template describes the step whose duration is being estimated.
type Template struct {
	IsMovement      bool
	SourceKind      types.DeviceKind
	TargetKind      types.DeviceKind
	Fct             string
	Params          map[string]string
}

// key mirrors a three-tier match:
// (a) movement steps match on the (source_kind, target_kind) pair,
// (b) operations match on fct+params, (c) otherwise fct alone.
func (t Template) key() string {
	if t.IsMovement {
		return fmt.Sprintf("move:%s>%s", t.SourceKind, t.TargetKind)
	}
	if len(t.Params) > 0 {
		return fmt.Sprintf("fct:%s:%s", t.Fct, paramsKey(t.Params))
	}
	return "fct:" + t.Fct
}

func paramsKey(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		s += k + "=" + params[k] + ";"
	}
	return s
}

// Estimator is a read-only view over Store history, configurable per the
// minimum sample count and default confidence.
type Estimator struct {
	store      store.Store
	minSamples int
}

// New creates an Estimator reading from st.
func New(st store.Store) *Estimator {
	return &Estimator{store: st, minSamples: DefaultMinSamples}
}

// WithMinSamples overrides the minimum sample count.
func (e *Estimator) WithMinSamples(n int) *Estimator {
	e.minSamples = n
	return e
}

// Estimate returns the UCB duration at confidence for the given template, or
// ok=false if fewer than minSamples comparable records exist — the caller
// (Scheduler) must then fall back to the operation's declared expected_duration.
func (e *Estimator) Estimate(t Template, confidence float64) (d time.Duration, ok bool, err error) {
	if confidence <= 0 {
		confidence = DefaultConfidence
	}
	records, err := e.store.ListHistory()
	if err != nil {
		return 0, false, err
	}

	var samples []float64
	want := t.key()
	for _, r := range records {
		if r.Status != types.ObservationOK {
			continue
		}
		rt := templateOf(r)
		if rt.key() != want {
			continue
		}
		samples = append(samples, r.Finish.Sub(r.Start).Seconds())
	}

	if len(samples) < e.minSamples {
		return 0, false, nil
	}

	mean, stddev := meanStddev(samples)
	z := zScore(confidence)
	ucb := mean + z*stddev
	if ucb < 0 {
		ucb = mean
	}
	return time.Duration(ucb * float64(time.Second)), true, nil
}

// templateOf reconstructs the matching key fields from a persisted history
// record. Movement steps are identified by a device-kind pair embedded in
// Params by the Executor at commit time (movement-step
// specialization); everything else keys on Params["fct"].
func templateOf(r *types.HistoryRecord) Template {
	if r.Params["is_movement"] == "true" {
		return Template{
			IsMovement: true,
			SourceKind: types.DeviceKind(r.Params["move_from_kind"]),
			TargetKind: types.DeviceKind(r.Params["move_to_kind"]),
		}
	}
	return Template{Fct: r.Params["fct"], Params: r.Params}
}

func meanStddev(samples []float64) (mean, stddev float64) {
	for _, v := range samples {
		mean += v
	}
	mean /= float64(len(samples))
	if len(samples) < 2 {
		return mean, 0
	}
	var variance float64
	for _, v := range samples {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(samples) - 1)
	return mean, math.Sqrt(variance)
}

// zScore approximates the one-sided normal z-score for common confidence
// levels used as the UCB multiplier; interpolates for anything else.
func zScore(confidence float64) float64 {
	switch {
	case confidence >= 0.99:
		return 2.33
	case confidence >= 0.975:
		return 1.96
	case confidence >= 0.95:
		return 1.645
	case confidence >= 0.90:
		return 1.28
	default:
		return 1.0
	}
}
