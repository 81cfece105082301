package detection

import (
	"hash/fnv"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/libresiem/libresiem/pkg/models"
)

// maxBaselineSamples bounds the rolling window per baseline.
const maxBaselineSamples = 1000

// flatBaselineZ stands in for the z-score when a baseline has zero spread,
// where any change is a hard deviation. Finite so it survives JSON.
const flatBaselineZ = 100.0

// anomalyState keeps the rolling baselines for one anomaly rule, one
// baseline per event type and feature so sources with different scales do
// not pollute each other.
type anomalyState struct {
	mu        sync.Mutex
	baselines map[string][]float64
}

func newAnomalyState() *anomalyState {
	return &anomalyState{baselines: make(map[string][]float64)}
}

// observe tests the feature vector against its baselines and then adds it.
// The vector is anomalous when every baseline is mature and the root mean
// square of the per-feature z-scores reaches thresholdSigma.
func (s *anomalyState) observe(eventType string, features map[string]float64, thresholdSigma float64, minSamples int) (bool, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mature := true
	var sumSq float64
	for name, value := range features {
		key := eventType + "\x00" + name
		samples := s.baselines[key]

		if len(samples) < minSamples {
			mature = false
		} else {
			mean := stat.Mean(samples, nil)
			stddev := stat.StdDev(samples, nil)
			switch {
			case stddev > 0:
				z := (value - mean) / stddev
				sumSq += z * z
			case value != mean:
				sumSq += flatBaselineZ * flatBaselineZ
			}
		}

		samples = append(samples, value)
		if len(samples) > maxBaselineSamples {
			samples = samples[len(samples)-maxBaselineSamples:]
		}
		s.baselines[key] = samples
	}

	if !mature || len(features) == 0 {
		return false, 0
	}
	deviation := math.Sqrt(sumSq / float64(len(features)))
	return deviation >= thresholdSigma, deviation
}

// featurize maps a field value onto the baseline axis. Numeric values are
// standardized as-is; strings are hashed so categorical shifts register as
// distance from the baseline.
func featurize(raw any) (float64, bool) {
	if v, ok := toFloat(raw); ok {
		return v, true
	}
	s, ok := raw.(string)
	if !ok {
		return 0, false
	}
	h := fnv.New64a()
	h.Write([]byte(s))
	return float64(h.Sum64() >> 11), true
}

// matchAnomaly evaluates an anomaly rule. Events missing any declared
// field, or carrying an unusable value, are ignored and do not affect the
// baselines.
func (r *Rule) matchAnomaly(state *anomalyState, event *models.Event) (bool, map[string]any) {
	features := make(map[string]float64, len(r.Anomaly.Fields))
	values := make(map[string]any, len(r.Anomaly.Fields)+1)
	for _, field := range r.Anomaly.Fields {
		raw, ok := event.Field(field)
		if !ok {
			return false, nil
		}
		v, ok := featurize(raw)
		if !ok {
			return false, nil
		}
		features[field] = v
		values[field] = raw
	}

	anomalous, deviation := state.observe(event.EventType, features, r.Anomaly.ThresholdSigma, r.Anomaly.MinSamples)
	if !anomalous {
		return false, nil
	}
	values["deviation"] = deviation
	return true, values
}
