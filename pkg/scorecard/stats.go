package scorecard

import (
	"math"
)

// Statistic accumulates a univariate series. Raw sums are kept for the wire form;
// mean and variance come from a Welford accumulator so they stay accurate over
// long runs. The historical mean/variance is an independent prior, seeded from
// persisted snapshots.
type Statistic struct {
	count        int64
	sum          float64
	sumOfSquares float64
	min          float64
	max          float64

	mean float64
	m2   float64

	HistoricalMean     float64
	HistoricalVariance float64
}

// NewStatistic returns an empty statistic with no historical prior
func NewStatistic() *Statistic {
	return &Statistic{
		min:                math.Inf(1),
		max:                math.Inf(-1),
		HistoricalVariance: math.Inf(1),
	}
}

// Update adds one sample
func (s *Statistic) Update(x float64) {
	s.count++
	s.sum += x
	s.sumOfSquares += x * x
	if x < s.min {
		s.min = x
	}
	if x > s.max {
		s.max = x
	}
	d := x - s.mean
	s.mean += d / float64(s.count)
	s.m2 += d * (x - s.mean)
}

func (s *Statistic) Count() int64          { return s.count }
func (s *Statistic) Sum() float64          { return s.sum }
func (s *Statistic) SumOfSquares() float64 { return s.sumOfSquares }

// Min is +Inf while empty
func (s *Statistic) Min() float64 { return s.min }

// Max is -Inf while empty
func (s *Statistic) Max() float64 { return s.max }

// Mean of the accumulated samples, 0 while empty
func (s *Statistic) Mean() float64 {
	if s.count == 0 {
		return 0
	}
	return s.mean
}

// Variance is the population variance of the accumulated samples
func (s *Statistic) Variance() float64 {
	if s.count == 0 {
		return 0
	}
	v := s.m2 / float64(s.count)
	if v < 0 {
		return 0
	}
	return v
}

// HasHistory reports whether a historical prior is present
func (s *Statistic) HasHistory() bool {
	return !math.IsInf(s.HistoricalVariance, 1) && !math.IsNaN(s.HistoricalVariance)
}

// IsEmpty reports whether there is nothing worth persisting
func (s *Statistic) IsEmpty() bool {
	return s.count == 0 && !s.HasHistory()
}

// Clone returns an independent copy
func (s *Statistic) Clone() *Statistic {
	c := *s
	return &c
}

// setMoments replaces the accumulated part from its wire form
func (s *Statistic) setMoments(count int64, sum, sumOfSquares, min, max float64) {
	s.count = count
	s.sum = sum
	s.sumOfSquares = sumOfSquares
	s.min = min
	s.max = max
	s.mean, s.m2 = momentsToWelford(count, sum, sumOfSquares)
}

func momentsToWelford(count int64, sum, sumOfSquares float64) (float64, float64) {
	if count <= 0 {
		return 0, 0
	}
	n := float64(count)
	mean := sum / n
	m2 := sumOfSquares - sum*mean
	if m2 < 0 {
		m2 = 0
	}
	return mean, m2
}

// MergeStatistic folds a persisted snapshot into live data and returns the result.
// Neither argument is modified. Live samples are always kept: counts and sums add,
// extremes widen, and the historical priors combine by inverse-variance weighting.
func MergeStatistic(live, persisted *Statistic) *Statistic {
	out := live.Clone()
	if persisted == nil {
		return out
	}

	if persisted.count > 0 {
		n1, n2 := float64(out.count), float64(persisted.count)
		total := n1 + n2
		delta := persisted.Mean() - out.Mean()
		out.mean = out.Mean() + delta*n2/total
		out.m2 = out.m2 + persisted.m2 + delta*delta*n1*n2/total

		out.count += persisted.count
		out.sum += persisted.sum
		out.sumOfSquares += persisted.sumOfSquares
	}
	out.min = math.Min(out.min, persisted.min)
	out.max = math.Max(out.max, persisted.max)

	if persisted.HasHistory() {
		if out.HasHistory() {
			out.HistoricalMean, out.HistoricalVariance = combineEstimates(
				out.HistoricalMean, out.HistoricalVariance,
				persisted.HistoricalMean, persisted.HistoricalVariance)
		} else {
			out.HistoricalMean = persisted.HistoricalMean
			out.HistoricalVariance = persisted.HistoricalVariance
		}
	}
	return out
}

// combineEstimates fuses two independent estimates of the same quantity
func combineEstimates(m1, v1, m2, v2 float64) (float64, float64) {
	denom := v1 + v2
	if denom == 0 {
		return (m1 + m2) / 2, 0
	}
	return (v2*m1 + v1*m2) / denom, v1 * v2 / denom
}

// Merge folds persisted into s in place
func (s *Statistic) Merge(persisted *Statistic) {
	*s = *MergeStatistic(s, persisted)
}
