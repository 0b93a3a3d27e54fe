package connected

import (
	"math"

	"github.com/markus-lassfolk/wifiscore/pkg"
	"github.com/markus-lassfolk/wifiscore/pkg/scoring"
)

// Score constants
const (
	TransitionScore = 50
	MaxScore        = 60
	MinScore        = 0
)

const (
	DefaultRssiStandardDeviation = 2.0
	accelerationStandardDev      = 0.02

	// MinPpsForMeasuringSuccess is the traffic needed before tx success
	// probability is trusted
	MinPpsForMeasuringSuccess = 2.0

	thresholdAdjustmentStep  = 0.5
	thresholdAdjustmentFloor = -7.0
	thresholdNearMargin      = 2.0
	steadyRateLimit          = 0.2
	minTxSuccessProbability  = 0.2
)

// VelocityScore forecasts the rssi with a Kalman filter and scores the
// forecast against the exit threshold
type VelocityScore struct {
	params *scoring.Params
	filter *kalmanFilter
	sigma  float64

	lastMillis          int64
	frequency           int
	thresholdAdjustment float64
}

// NewVelocityScore creates a scorer reading thresholds from params
func NewVelocityScore(params *scoring.Params) *VelocityScore {
	return &VelocityScore{
		params: params,
		filter: newKalmanFilter(accelerationStandardDev),
		sigma:  DefaultRssiStandardDeviation,
	}
}

// Reset forgets all samples and the threshold adjustment
func (v *VelocityScore) Reset() {
	v.filter.reset()
	v.lastMillis = 0
	v.frequency = 0
	v.thresholdAdjustment = 0
}

// UpdateUsingRssi folds in one rssi reading taken at millis. A reading that does
// not move time forward restarts the filter.
func (v *VelocityScore) UpdateUsingRssi(rssi int, millis int64, sigma float64) {
	if millis <= 0 {
		return
	}
	if !v.filter.initialised() || v.lastMillis <= 0 || millis <= v.lastMillis {
		v.filter.init(float64(rssi), sigma)
	} else {
		dt := float64(millis-v.lastMillis) * 0.001
		v.filter.setDeltaTime(dt)
		v.filter.predict()
		v.filter.update(float64(rssi), sigma*sigma)
	}
	v.lastMillis = millis
}

// Update folds in a link sample. A frequency change is a roam and restarts the
// filter, keeping the threshold adjustment.
func (v *VelocityScore) Update(link *pkg.LinkInfo, millis int64) {
	if link.Frequency != v.frequency {
		v.lastMillis = 0
		v.frequency = link.Frequency
	}
	v.UpdateUsingRssi(link.RSSI, millis, v.sigma)
	v.adjustThreshold(link)
}

// adjustThreshold lowers the exit threshold while the link keeps carrying
// traffic close to it
func (v *VelocityScore) adjustThreshold(link *pkg.LinkInfo) {
	if v.thresholdAdjustment <= thresholdAdjustmentFloor {
		return
	}
	if v.FilteredRssi() >= v.AdjustedRssiThreshold()+thresholdNearMargin {
		return
	}
	if math.Abs(v.RateOfChange()) >= steadyRateLimit {
		return
	}
	if link.TxSuccessRate < MinPpsForMeasuringSuccess || link.RxSuccessRate < MinPpsForMeasuringSuccess {
		return
	}
	attempts := link.TxSuccessRate + link.TxBadRate + link.TxRetriesRate
	if link.TxSuccessRate/attempts > minTxSuccessProbability {
		v.thresholdAdjustment -= thresholdAdjustmentStep
	}
}

// FilteredRssi returns the filtered rssi, or InvalidRSSI before any sample
func (v *VelocityScore) FilteredRssi() float64 {
	if !v.filter.initialised() {
		return pkg.InvalidRSSI
	}
	return v.filter.rssi()
}

// RateOfChange returns the estimated rssi rate in dB per second
func (v *VelocityScore) RateOfChange() float64 {
	if !v.filter.initialised() {
		return 0
	}
	return v.filter.rate()
}

// ThresholdAdjustment returns the learned offset applied to the exit threshold
func (v *VelocityScore) ThresholdAdjustment() float64 {
	return v.thresholdAdjustment
}

// AdjustedRssiThreshold returns the exit threshold for the current band plus
// the learned adjustment
func (v *VelocityScore) AdjustedRssiThreshold() float64 {
	return float64(v.params.ExitRssi(v.frequency)) + v.thresholdAdjustment
}

// GenerateScore returns the score for the forecast rssi. Before the first
// sample the score sits just above the transition.
func (v *VelocityScore) GenerateScore() int {
	if !v.filter.initialised() {
		return TransitionScore + 1
	}
	badRssi := v.AdjustedRssiThreshold()
	filtered := v.filter.rssi()
	forecast := v.filter.forecast(float64(v.params.HorizonSeconds()))
	if forecast > filtered {
		forecast = filtered
	}
	return int(math.Round(forecast)-badRssi) + TransitionScore
}
