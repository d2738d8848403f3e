// Package biometric holds the pure template math: combining enrollment
// samples into a template and scoring a live sample against it.
package biometric

import (
	"errors"
	"fmt"
	"math"
)

// DefaultThreshold is the default operating point for Verify.
const DefaultThreshold = 0.6

var (
	// ErrEmptySamples is returned when Aggregate is called without samples.
	ErrEmptySamples = errors.New("biometric: no samples to aggregate")
	// ErrDimensionMismatch is returned when vectors of different length meet.
	ErrDimensionMismatch = errors.New("biometric: dimension mismatch")
	// ErrEmptyVector is returned for a signature or template without components.
	ErrEmptyVector = errors.New("biometric: vector has no components")
)

// SignatureVector is one face signature as produced by the extractor.
type SignatureVector []float64

// Dim returns the vector's dimension.
func (v SignatureVector) Dim() int { return len(v) }

// Template is the stored, aggregated signature of one identity.
type Template SignatureVector

// Decision explains a MatchResult.
type Decision string

const (
	// DecisionMatch means the distance was strictly below the threshold.
	DecisionMatch Decision = "match"
	// DecisionDistanceExceeded means the distance reached or passed the threshold.
	DecisionDistanceExceeded Decision = "distance_exceeds_threshold"
)

// MatchResult is the outcome of one Verify call.
type MatchResult struct {
	Accepted  bool
	Distance  float64
	Threshold float64
	Decision  Decision
}

// Aggregate returns the componentwise arithmetic mean of samples.
func Aggregate(samples []SignatureVector) (Template, error) {
	if len(samples) == 0 {
		return nil, ErrEmptySamples
	}
	dim := samples[0].Dim()
	if dim == 0 {
		return nil, fmt.Errorf("%w: sample 0", ErrEmptyVector)
	}
	sum := make([]float64, dim)
	for i, s := range samples {
		if s.Dim() != dim {
			return nil, fmt.Errorf("%w: sample %d has %d components, want %d", ErrDimensionMismatch, i, s.Dim(), dim)
		}
		for j, c := range s {
			sum[j] += c
		}
	}
	n := float64(len(samples))
	for j := range sum {
		sum[j] /= n
	}
	return Template(sum), nil
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b SignatureVector) (float64, error) {
	if a.Dim() == 0 || b.Dim() == 0 {
		return 0, ErrEmptyVector
	}
	if a.Dim() != b.Dim() {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, a.Dim(), b.Dim())
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Verify scores candidate against reference. The candidate is accepted iff
// its distance is strictly below threshold.
func Verify(candidate SignatureVector, reference Template, threshold float64) (MatchResult, error) {
	dist, err := Distance(candidate, SignatureVector(reference))
	if err != nil {
		return MatchResult{}, err
	}
	res := MatchResult{Distance: dist, Threshold: threshold, Decision: DecisionDistanceExceeded}
	if dist < threshold {
		res.Accepted = true
		res.Decision = DecisionMatch
	}
	return res, nil
}
