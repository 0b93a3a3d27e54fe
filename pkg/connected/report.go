package connected

import (
	"math"
	"sync"
	"time"

	"github.com/markus-lassfolk/wifiscore/pkg"
	"github.com/markus-lassfolk/wifiscore/pkg/logx"
	"github.com/markus-lassfolk/wifiscore/pkg/scoring"
	"github.com/markus-lassfolk/wifiscore/pkg/telem"
)

const (
	// MinTimeToKeepBelow holds a score below the transition after a downward
	// breach so the link is not re-adopted straight away
	MinTimeToKeepBelow = 9 * time.Second

	// DefaultMinBelowDwell is how long the score must stay below the transition
	// before IsAuthoritativelyBelow reports true
	DefaultMinBelowDwell = 9 * time.Second

	NudThrottle     = 5 * time.Second
	NudTimeConstant = 30 * time.Second

	never int64 = -1
)

// EventScoreTransition is the telem event type added when the score crosses
// the transition
const EventScoreTransition = "score_transition"

// State is the side of the transition score the link is on
type State int

const (
	AboveTransition State = iota
	BelowTransition
)

func (s State) String() string {
	if s == BelowTransition {
		return "below_transition"
	}
	return "above_transition"
}

// Report is the outcome of one scored link sample
type Report struct {
	Score         int     `json:"score"`
	VelocityScore int     `json:"velocity_score"`
	State         string  `json:"state"`
	FilteredRssi  float64 `json:"filtered_rssi"`
	Threshold     float64 `json:"rssi_threshold"`
	Changed       bool    `json:"changed"`
	Crossed       bool    `json:"crossed"`
	Authoritative bool    `json:"authoritative_below"`
}

// Status is a point-in-time view of the scorer
type Status struct {
	Session             int      `json:"session"`
	Score               int      `json:"score"`
	State               string   `json:"state"`
	Samples             int      `json:"samples"`
	ConsecutiveBelow    int      `json:"consecutive_below"`
	AuthoritativeBelow  bool     `json:"authoritative_below"`
	FilteredRssi        float64  `json:"filtered_rssi"`
	RateOfChange        float64  `json:"rssi_rate"`
	ThresholdAdjustment float64  `json:"threshold_adjustment"`
	ThroughputTrend     *float64 `json:"throughput_trend,omitempty"`
	NudChecks           int      `json:"nud_checks"`
	NudRequests         int      `json:"nud_requests"`
}

// ScoreReport turns link samples into the reported connected score and decides
// when an IP layer check is worthwhile
type ScoreReport struct {
	mu      sync.Mutex
	params  *scoring.Params
	clock   pkg.Clock
	history *telem.Store
	logger  *logx.Logger

	velocity      *VelocityScore
	trend         *ThroughputTrend
	minBelowDwell time.Duration

	session            int
	score              int
	samples            int
	lastDownwardBreach int64
	lastAboveMillis    int64
	consecutiveBelow   int

	lastNudMillis int64
	lastNudScore  int
	nudRequests   int
	nudChecks     int
}

// NewScoreReport creates a scorer. history may be nil, a private buffer is used then.
func NewScoreReport(params *scoring.Params, clock pkg.Clock, history *telem.Store, logger *logx.Logger) *ScoreReport {
	if history == nil {
		history = telem.NewDefaultStore()
	}
	if logger == nil {
		logger = logx.Discard()
	}
	r := &ScoreReport{
		params:        params,
		clock:         clock,
		history:       history,
		logger:        logger,
		velocity:      NewVelocityScore(params),
		trend:         NewThroughputTrend(DefaultTrendWindow),
		minBelowDwell: DefaultMinBelowDwell,
	}
	r.resetLocked()
	return r
}

// SetMinBelowDwell changes the debounce used by IsAuthoritativelyBelow
func (r *ScoreReport) SetMinBelowDwell(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d < 0 {
		d = 0
	}
	r.minBelowDwell = d
}

// Reset starts a new connection session. Safe at any time.
func (r *ScoreReport) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *ScoreReport) resetLocked() {
	r.session++
	r.score = MaxScore
	r.samples = 0
	r.lastDownwardBreach = 0
	r.lastAboveMillis = never
	r.consecutiveBelow = 0
	r.lastNudMillis = never
	r.lastNudScore = TransitionScore
	r.velocity.Reset()
	r.trend.Reset()
}

// Score returns the last reported score
func (r *ScoreReport) Score() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.score
}

// State returns the side of the transition the last score is on
func (r *ScoreReport) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return stateOf(r.score)
}

func stateOf(score int) State {
	if score < TransitionScore {
		return BelowTransition
	}
	return AboveTransition
}

// CalculateAndReportScore scores one link sample
func (r *ScoreReport) CalculateAndReportScore(link *pkg.LinkInfo) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.ElapsedSinceBootMillis()
	if r.lastAboveMillis == never {
		r.lastAboveMillis = now
	}
	prev := r.score

	r.velocity.Update(link, now)
	velocityScore := r.velocity.GenerateScore()
	score := velocityScore

	moving := float64(r.params.DataMovingPacketsPerSecond())
	if prev > TransitionScore && score <= TransitionScore &&
		link.TxSuccessRate >= moving && link.RxSuccessRate >= moving {
		score = TransitionScore + 1
	}

	if prev > TransitionScore && score <= TransitionScore {
		// both the raw and the filtered rssi must be below entry before breaching
		entry := float64(r.params.EntryRssi(link.Frequency))
		if r.velocity.FilteredRssi() >= entry || float64(link.RSSI) >= entry {
			score = TransitionScore + 1
		}
	}

	if prev >= TransitionScore && score < TransitionScore {
		r.lastDownwardBreach = now
	} else if prev < TransitionScore && score >= TransitionScore {
		if now-r.lastDownwardBreach < MinTimeToKeepBelow.Milliseconds() {
			score = prev
		}
	}

	if score > MaxScore {
		score = MaxScore
	}
	if score < MinScore {
		score = MinScore
	}

	r.score = score
	r.samples++
	if score >= TransitionScore {
		r.lastAboveMillis = now
		r.consecutiveBelow = 0
	} else {
		r.consecutiveBelow++
	}

	r.trend.Add(now, link.TxSuccessRate+link.RxSuccessRate)
	sample := &telem.LinkSample{
		TimeMillis:    now,
		Session:       r.session,
		BSSID:         link.BSSID,
		Frequency:     link.Frequency,
		RSSI:          link.RSSI,
		FilteredRSSI:  r.velocity.FilteredRssi(),
		RssiThreshold: r.velocity.AdjustedRssiThreshold(),
		LinkSpeedMbps: link.LinkSpeedMbps,
		TxSuccessRate: link.TxSuccessRate,
		TxRetriesRate: link.TxRetriesRate,
		TxBadRate:     link.TxBadRate,
		RxSuccessRate: link.RxSuccessRate,
		VelocityScore: velocityScore,
		Score:         score,
	}
	if slope, ok := r.trend.Slope(); ok {
		sample.ThroughputRate = slope
	}
	r.history.AddSample(sample)

	crossed := stateOf(prev) != stateOf(score)
	if crossed {
		r.history.AddEvent(&telem.Event{
			Type:       EventScoreTransition,
			TimeMillis: now,
			Message:    stateOf(score).String(),
			Data: map[string]interface{}{
				"session": r.session,
				"bssid":   link.BSSID,
				"from":    stateOf(prev).String(),
				"to":      stateOf(score).String(),
				"score":   score,
				"rssi":    link.RSSI,
			},
		})
		r.logger.LogStateChange("connected_score", stateOf(prev).String(), stateOf(score).String(), "score_crossed_transition", map[string]interface{}{
			"score":         score,
			"rssi":          link.RSSI,
			"filtered_rssi": round1(r.velocity.FilteredRssi()),
			"bssid":         link.BSSID,
		})
	}

	return Report{
		Score:         score,
		VelocityScore: velocityScore,
		State:         stateOf(score).String(),
		FilteredRssi:  r.velocity.FilteredRssi(),
		Threshold:     r.velocity.AdjustedRssiThreshold(),
		Changed:       score != prev,
		Crossed:       crossed,
		Authoritative: r.authoritativeLocked(now),
	}
}

// IsAuthoritativelyBelow reports whether the score has stayed below the
// transition for at least the minimum dwell
func (r *ScoreReport) IsAuthoritativelyBelow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authoritativeLocked(r.clock.ElapsedSinceBootMillis())
}

func (r *ScoreReport) authoritativeLocked(now int64) bool {
	if r.samples == 0 || r.score >= TransitionScore {
		return false
	}
	return now-r.lastAboveMillis >= r.minBelowDwell.Milliseconds()
}

// ConsecutiveBelow returns how many samples in a row scored below the transition
func (r *ScoreReport) ConsecutiveBelow() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutiveBelow
}

// ShouldCheckIpLayer reports whether an IP reachability probe is due. The nud
// knob scales how far below the transition the score must be; 0 disables probes.
func (r *ScoreReport) ShouldCheckIpLayer() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	nud := r.params.NudKnob()
	if nud == 0 {
		return false
	}
	now := r.clock.ElapsedSinceBootMillis()
	delta := int64(math.MaxInt64)
	if r.lastNudMillis != never {
		delta = now - r.lastNudMillis
	}
	if delta < NudThrottle.Milliseconds() {
		return false
	}

	deltaLevel := float64(11 - nud)
	bar := float64(TransitionScore)
	if r.lastNudScore < TransitionScore && delta < 5*NudTimeConstant.Milliseconds() {
		a := math.Exp(-float64(delta) / float64(NudTimeConstant.Milliseconds()))
		bar = a*(float64(r.lastNudScore)-deltaLevel) + (1-a)*bar
	}
	if float64(r.score) >= bar {
		return false
	}
	r.nudRequests++
	return true
}

// NoteIpCheck records that a probe was started at the current score
func (r *ScoreReport) NoteIpCheck() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastNudMillis = r.clock.ElapsedSinceBootMillis()
	r.lastNudScore = r.score
	r.nudChecks++
}

// History returns the link samples recorded after sinceMillis
func (r *ScoreReport) History(sinceMillis int64) []*telem.LinkSample {
	return r.history.Samples(sinceMillis)
}

// ThroughputTrend returns the fitted throughput slope of the current session
func (r *ScoreReport) ThroughputTrend() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trend.Slope()
}

// Status returns a snapshot for diagnostics
func (r *ScoreReport) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		Session:             r.session,
		Score:               r.score,
		State:               stateOf(r.score).String(),
		Samples:             r.samples,
		ConsecutiveBelow:    r.consecutiveBelow,
		AuthoritativeBelow:  r.authoritativeLocked(r.clock.ElapsedSinceBootMillis()),
		FilteredRssi:        r.velocity.FilteredRssi(),
		RateOfChange:        r.velocity.RateOfChange(),
		ThresholdAdjustment: r.velocity.ThresholdAdjustment(),
		NudChecks:           r.nudChecks,
		NudRequests:         r.nudRequests,
	}
	if slope, ok := r.trend.Slope(); ok {
		st.ThroughputTrend = &slope
	}
	return st
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
