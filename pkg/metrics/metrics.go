// Package metrics exposes the selection and scoring counters to Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/markus-lassfolk/wifiscore/pkg/connected"
	"github.com/markus-lassfolk/wifiscore/pkg/selector"
)

var (
	// SelectionsTotal counts selection cycles by outcome
	SelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wifiscore_selections_total",
		Help: "Selection cycles by outcome (selected or the skip reason)",
	}, []string{"outcome"})

	// CandidatesCount tracks the size of the last candidate set
	CandidatesCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wifiscore_candidates",
		Help: "Candidates in the last evaluated selection cycle",
	})

	// ConnectableCount tracks the observations that survived filtering
	ConnectableCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wifiscore_connectable_observations",
		Help: "Scan observations that passed filtering in the last cycle",
	})

	// FilteredTotal counts scan observations dropped by filtering
	FilteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wifiscore_filtered_observations_total",
		Help: "Scan observations dropped before evaluation",
	})

	// CandidateFaultsTotal counts rejected candidate insertions
	CandidateFaultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wifiscore_candidate_faults_total",
		Help: "Candidate insertions rejected as usage or data integrity faults",
	})

	// SelectedScore is the evaluator score of the last chosen candidate
	SelectedScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wifiscore_selected_score",
		Help: "Evaluator score of the last chosen candidate",
	})

	// ConnectedScore is the last reported connected score
	ConnectedScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wifiscore_connected_score",
		Help: "Reported connected score (0-60, transition at 50)",
	})

	// ConnectedState is 1 while the connected score is above the transition
	ConnectedState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wifiscore_connected_above_transition",
		Help: "1 while the connected score is above the transition score",
	})

	// FilteredRssi is the Kalman filtered rssi of the current link
	FilteredRssi = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wifiscore_filtered_rssi_dbm",
		Help: "Filtered rssi of the current link",
	})

	// TransitionsTotal counts connected score crossings by direction
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wifiscore_score_transitions_total",
		Help: "Connected score crossings of the transition score",
	}, []string{"to"})

	// NudChecksTotal counts IP layer checks that were requested
	NudChecksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wifiscore_nud_checks_total",
		Help: "IP layer reachability checks requested",
	})

	// LedgerLoadsTotal counts persisted ledger reads by outcome
	LedgerLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wifiscore_ledger_loads_total",
		Help: "Access point ledger reads by outcome",
	}, []string{"outcome"})

	// LedgerBytesWritten counts bytes handed to the blob store
	LedgerBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wifiscore_ledger_bytes_written_total",
		Help: "Bytes of access point ledgers written to the blob store",
	})

	// LedgerWritesTotal counts ledger blobs written
	LedgerWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wifiscore_ledger_writes_total",
		Help: "Access point ledgers written to the blob store",
	})

	// ParamsUpdatesTotal counts scoring parameter updates by result
	ParamsUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wifiscore_params_updates_total",
		Help: "Scoring parameter updates by result",
	}, []string{"result"})
)

// Outcome label used when a candidate was chosen
const OutcomeSelected = "selected"

// RecordSelection records the outcome of one selection cycle
func RecordSelection(sel *selector.Selection) {
	if sel == nil {
		return
	}
	if sel.Skipped != "" {
		SelectionsTotal.WithLabelValues(sel.Skipped).Inc()
		return
	}
	SelectionsTotal.WithLabelValues(OutcomeSelected).Inc()
	ConnectableCount.Set(float64(len(sel.Connectable)))
	FilteredTotal.Add(float64(sel.Filtered))
	if sel.Candidates != nil {
		CandidatesCount.Set(float64(sel.Candidates.Size()))
	}
	if sel.Candidate != nil {
		SelectedScore.Set(float64(sel.Candidate.Score))
	}
}

// RecordCandidateFaults adds rejected candidate insertions
func RecordCandidateFaults(n int) {
	if n > 0 {
		CandidateFaultsTotal.Add(float64(n))
	}
}

// RecordReport records one scored link sample
func RecordReport(rep connected.Report) {
	ConnectedScore.Set(float64(rep.Score))
	FilteredRssi.Set(rep.FilteredRssi)
	if rep.Score >= connected.TransitionScore {
		ConnectedState.Set(1)
	} else {
		ConnectedState.Set(0)
	}
	if rep.Crossed {
		TransitionsTotal.WithLabelValues(rep.State).Inc()
	}
}

// RecordNudCheck records an IP layer check
func RecordNudCheck() {
	NudChecksTotal.Inc()
}

// RecordParamsUpdate records a scoring parameter update
func RecordParamsUpdate(ok bool) {
	if ok {
		ParamsUpdatesTotal.WithLabelValues("accepted").Inc()
		return
	}
	ParamsUpdatesTotal.WithLabelValues("rejected").Inc()
}

// Recorder feeds selector and scorecard notifications into the metrics above
type Recorder struct{}

// SelectionMade implements selector.Listener
func (Recorder) SelectionMade(sel *selector.Selection) {
	RecordSelection(sel)
	if sel != nil && sel.Candidates != nil {
		RecordCandidateFaults(sel.Candidates.FaultCount())
	}
}

// LedgerLoaded implements scorecard.Observer
func (Recorder) LedgerLoaded(outcome string) {
	LedgerLoadsTotal.WithLabelValues(outcome).Inc()
}

// LedgerWritten implements scorecard.Observer
func (Recorder) LedgerWritten(bytes int) {
	LedgerWritesTotal.Inc()
	LedgerBytesWritten.Add(float64(bytes))
}
