package connected

import (
	"math"

	"github.com/sajari/regression"
)

// DefaultTrendWindow is the number of samples the throughput trend is fitted over
const DefaultTrendWindow = 20

const minTrendPoints = 3

// ThroughputTrend fits a line through recent (time, packets per second) samples
type ThroughputTrend struct {
	window int
	t      []float64 // seconds
	pps    []float64
}

// NewThroughputTrend creates a trend over the last window samples
func NewThroughputTrend(window int) *ThroughputTrend {
	if window < minTrendPoints {
		window = minTrendPoints
	}
	return &ThroughputTrend{window: window}
}

// Add records the combined tx+rx success rate at millis
func (tt *ThroughputTrend) Add(millis int64, pps float64) {
	tt.t = append(tt.t, float64(millis)/1000)
	tt.pps = append(tt.pps, pps)
	if len(tt.t) > tt.window {
		tt.t = tt.t[len(tt.t)-tt.window:]
		tt.pps = tt.pps[len(tt.pps)-tt.window:]
	}
}

// Reset drops all samples
func (tt *ThroughputTrend) Reset() {
	tt.t = nil
	tt.pps = nil
}

// Len returns the number of samples in the window
func (tt *ThroughputTrend) Len() int {
	return len(tt.t)
}

// Slope returns the fitted change in packets per second per second. ok is false
// until enough distinct samples exist for a fit.
func (tt *ThroughputTrend) Slope() (slope float64, ok bool) {
	if len(tt.t) < minTrendPoints || tt.t[0] == tt.t[len(tt.t)-1] {
		return 0, false
	}

	r := new(regression.Regression)
	r.SetObserved("pps")
	r.SetVar(0, "seconds")
	origin := tt.t[0]
	for i := range tt.t {
		r.Train(regression.DataPoint(tt.pps[i], []float64{tt.t[i] - origin}))
	}
	if err := r.Run(); err != nil {
		return 0, false
	}
	slope = r.Coeff(1)
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 0, false
	}
	return slope, true
}
