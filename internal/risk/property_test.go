package risk

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Weighted sums over arbitrary boolean signals never leave [0,1].
func TestWeightedSumClampProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("weighted sum is within [0,1]", prop.ForAll(
		func(flags []bool, weights []float64) bool {
			factors := make([]Factor, 0, len(flags))
			for i, on := range flags {
				w := 0.3
				if i < len(weights) {
					w = weights[i]
				}
				v := 0.0
				if on {
					v = 1
				}
				factors = append(factors, Factor{Weight: w, Value: v})
			}
			s := WeightedSum(factors...)
			return s >= 0 && s <= 1
		},
		gen.SliceOf(gen.Bool()),
		gen.SliceOf(gen.Float64Range(-2, 2)),
	))

	properties.TestingRun(t)
}

// Bucketing never decreases as the score grows.
func TestBucketMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("a <= b implies Bucket(a) <= Bucket(b)", prop.ForAll(
		func(a, b float64) bool {
			if a > b {
				a, b = b, a
			}
			return Bucket(a).Rank() <= Bucket(b).Rank()
		},
		gen.Float64Range(-1, 2),
		gen.Float64Range(-1, 2),
	))

	properties.TestingRun(t)
}
