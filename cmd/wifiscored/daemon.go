package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/markus-lassfolk/wifiscore/pkg"
	"github.com/markus-lassfolk/wifiscore/pkg/audit"
	"github.com/markus-lassfolk/wifiscore/pkg/connected"
	"github.com/markus-lassfolk/wifiscore/pkg/evaluator"
	"github.com/markus-lassfolk/wifiscore/pkg/logx"
	"github.com/markus-lassfolk/wifiscore/pkg/metrics"
	"github.com/markus-lassfolk/wifiscore/pkg/mqtt"
	"github.com/markus-lassfolk/wifiscore/pkg/scorecard"
	"github.com/markus-lassfolk/wifiscore/pkg/scoring"
	"github.com/markus-lassfolk/wifiscore/pkg/selector"
	"github.com/markus-lassfolk/wifiscore/pkg/store"
	"github.com/markus-lassfolk/wifiscore/pkg/telem"
	"github.com/markus-lassfolk/wifiscore/pkg/uci"
)

// Input event types, one JSON object per line
const (
	evProfile           = "profile"
	evScan              = "scan"
	evConnectAttempt    = "connect_attempt"
	evConnected         = "connected"
	evConnectionFailure = "connection_failure"
	evSignalPoll        = "signal_poll"
	evIPConfigured      = "ip_configured"
	evValidated         = "validated"
	evReachabilityLost  = "reachability_lost"
	evRoam              = "roam"
	evRoamFailure       = "roam_failure"
	evDisconnected      = "disconnected"
	evWifiDisabled      = "wifi_disabled"
	evUserSelect        = "user_select"
	evBlacklist         = "blacklist"
	evParams            = "params"
	evScores            = "scores"
	evFlush             = "flush"
)

// event is one line of daemon input
type event struct {
	Type      string                    `json:"type"`
	Scans     []*pkg.ScanObservation    `json:"scans,omitempty"`
	Profiles  []*pkg.NetworkProfile     `json:"profiles,omitempty"`
	Link      *pkg.LinkInfo             `json:"link,omitempty"`
	NetworkID *int                      `json:"network_id,omitempty"`
	BSSID     string                    `json:"bssid,omitempty"`
	Params    string                    `json:"params,omitempty"`
	Scores    []evaluator.ExternalScore `json:"scores,omitempty"`
}

// output is one line of daemon output
type output struct {
	Type      string                  `json:"type"`
	TimeMs    int64                   `json:"time_ms"`
	CycleID   string                  `json:"cycle_id,omitempty"`
	Skipped   string                  `json:"skipped,omitempty"`
	NetworkID *int                    `json:"network_id,omitempty"`
	BSSID     string                  `json:"bssid,omitempty"`
	Score     *int                    `json:"score,omitempty"`
	Report    *connected.Report       `json:"report,omitempty"`
	Roaming   *selector.RoamingConfig `json:"roaming,omitempty"`
	Unscored  []string                `json:"unscored,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// bootClock measures time since the daemon started
type bootClock struct{ start time.Time }

func (c bootClock) ElapsedSinceBootMillis() int64 {
	return time.Since(c.start).Milliseconds()
}

// daemon owns every component and mutates them only from its event loop
type daemon struct {
	cfg    *uci.Config
	logger *logx.Logger
	clock  pkg.Clock
	out    *json.Encoder

	params    *scoring.Params
	blobs     scorecard.BlobStore
	scoreCard *scorecard.ScoreCard
	profiles  *evaluator.MemoryProfileStore
	scores    *evaluator.MemoryScoreCache
	scored    *evaluator.ScoredNetworkEvaluator
	selector  *selector.Selector
	report    *connected.ScoreReport
	telemetry *telem.Store
	journal   *audit.Journal
	publisher *mqtt.Publisher

	posted chan func()
	done   chan struct{} // closed when run returns

	state   selector.ConnectionState
	current *pkg.NetworkProfile
	link    *pkg.LinkInfo
	roaming []byte
}

// components are the collaborators built by main, nil where disabled
type components struct {
	// openStore builds the ledger store around the loop dispatcher. The
	// ledgers stay in memory when it is nil.
	openStore func(dispatch store.Dispatcher) (scorecard.BlobStore, error)
	journal   *audit.Journal
	publisher *mqtt.Publisher
}

func newDaemon(cfg *uci.Config, clock pkg.Clock, c components, out io.Writer, logger *logx.Logger) (*daemon, error) {
	params, err := cfg.Params()
	if err != nil {
		return nil, fmt.Errorf("invalid scoring params: %w", err)
	}
	telemetry, err := telem.NewStore(cfg.HistorySamples, telem.DefaultEventCapacity)
	if err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:       cfg,
		logger:    logger,
		clock:     clock,
		out:       json.NewEncoder(out),
		params:    params,
		telemetry: telemetry,
		journal:   c.journal,
		publisher: c.publisher,
		posted:    make(chan func(), 64),
		done:      make(chan struct{}),
	}

	var blobs scorecard.BlobStore
	if c.openStore != nil {
		if blobs, err = c.openStore(d.dispatch); err != nil {
			return nil, fmt.Errorf("failed to open ledger store: %w", err)
		}
	} else {
		blobs = store.NewMemoryStore(d.dispatch)
	}
	d.blobs = blobs
	d.scoreCard = scorecard.New(clock, scorecard.NewKeyDeriver(cfg.L2KeySeed), blobs, logger.With("component", "scorecard"))
	d.scoreCard.SetObserver(metrics.Recorder{})

	caps := evaluator.StaticCapabilities{
		FirmwareRoaming: cfg.FirmwareRoaming,
		MaxBlacklist:    cfg.MaxBlacklist,
		MaxWhitelist:    cfg.MaxWhitelist,
	}
	d.profiles = evaluator.NewMemoryProfileStore()
	evaluators := []evaluator.Evaluator{
		evaluator.NewSavedNetworkEvaluator(params, d.profiles, caps, logger.With("component", "saved")).WithScoreCard(d.scoreCard),
	}
	if cfg.EnableCarrier {
		carrier := &evaluator.StaticCarrierConfig{Available: true, EncryptionAvailable: true, Networks: cfg.CarrierNetworks}
		evaluators = append(evaluators, evaluator.NewCarrierNetworkEvaluator(params, d.profiles, carrier, logger.With("component", "carrier")))
	}

	if cfg.ExternalScores {
		d.scores = evaluator.NewMemoryScoreCache()
		d.scored = evaluator.NewScoredNetworkEvaluator(d.profiles, d.scores, logger.With("component", "scored"))
		evaluators = append(evaluators, d.scored)
	}

	selCfg := selector.DefaultConfig()
	selCfg.MinSelectionInterval = cfg.MinSelectionInterval()
	selCfg.UntrustedAllowed = cfg.UntrustedAllowed
	selCfg.AllowExternallyScored = cfg.ExternalScores
	d.selector = selector.New(selCfg, params, clock, caps, logger.With("component", "selector"), evaluators...).
		WithScoreCard(d.scoreCard).
		WithCandidateCache(d.profiles)
	d.selector.AddListener(metrics.Recorder{})
	if d.journal != nil {
		d.selector.AddListener(d.journal)
	}
	if d.publisher != nil {
		d.selector.AddListener(d.publisher)
	}
	telemetry.SetEventCallback(d.eventAdded)

	d.report = connected.NewScoreReport(params, clock, telemetry, logger.With("component", "connected"))
	d.report.SetMinBelowDwell(cfg.MinBelowDwell())
	return d, nil
}

// dispatch posts a store completion onto the event loop. Work posted after
// the loop stopped is dropped.
func (d *daemon) dispatch(fn func()) {
	select {
	case d.posted <- fn:
	case <-d.done:
	default:
		// the loop itself may be the caller, never block it
		go func() {
			select {
			case d.posted <- fn:
			case <-d.done:
			}
		}()
	}
}

// eventAdded runs off the loop, see telem.Store.AddEvent. run stops these
// callbacks before it returns, so the journal is never written after main
// closes it.
func (d *daemon) eventAdded(ev *telem.Event) {
	if d.journal != nil {
		d.journal.EventAdded(ev)
	}
	if d.publisher != nil {
		d.publisher.PublishEvent(ev)
	}
}

// readEvents decodes input lines until r is exhausted
func readEvents(ctx context.Context, r io.Reader, events chan<- *event, logger *logx.Logger) {
	defer close(events)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev := &event{}
		if err := json.Unmarshal(line, ev); err != nil {
			logger.Warn("skipping malformed input line", "error", err)
			continue
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("input read failed", "error", err)
	}
}

// run is the single threaded event loop
func (d *daemon) run(ctx context.Context, events <-chan *event) error {
	writeTicker := time.NewTicker(d.cfg.WriteInterval())
	defer writeTicker.Stop()
	pruneTicker := time.NewTicker(time.Hour)
	defer pruneTicker.Stop()
	var statusC <-chan time.Time
	if d.publisher != nil {
		statusTicker := time.NewTicker(30 * time.Second)
		defer statusTicker.Stop()
		statusC = statusTicker.C
	}

	d.logger.Info("event loop started", "evaluators", d.selector.Evaluators())
	defer close(d.done)
	defer d.telemetry.StopCallbacks()
	defer d.flush()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("event loop stopped")
			return nil

		case ev, ok := <-events:
			if !ok {
				d.logger.Info("input closed")
				d.drainPosted()
				return nil
			}
			if err := d.handle(ev); err != nil {
				d.logger.Warn("event rejected", "type", ev.Type, "error", err)
				d.emit(&output{Type: "error", Error: err.Error()})
			}

		case fn := <-d.posted:
			fn()

		case <-writeTicker.C:
			d.flush()

		case <-statusC:
			d.publishStatus()

		case <-pruneTicker.C:
			if d.journal != nil {
				if _, err := d.journal.Prune(ctx); err != nil {
					d.logger.Warn("journal prune failed", "error", err)
				}
			}
		}
	}
}

func (d *daemon) drainPosted() {
	for {
		select {
		case fn := <-d.posted:
			fn()
		default:
			return
		}
	}
}

func (d *daemon) flush() {
	n, err := d.scoreCard.DoWrites()
	if err != nil {
		d.logger.Warn("ledger write failed", "written", n, "error", err)
		return
	}
	if n > 0 {
		d.logger.Debug("ledgers written", "count", n)
	}
}

func (d *daemon) handle(ev *event) error {
	switch ev.Type {
	case evProfile:
		for i, p := range ev.Profiles {
			if p == nil {
				return fmt.Errorf("profile %d is null", i)
			}
			if pkg.UnquoteSSID(p.SSID) == "" {
				return fmt.Errorf("profile %d has no ssid", i)
			}
		}
		for _, p := range ev.Profiles {
			d.profiles.Add(p)
		}
		d.logger.Debug("profiles updated", "count", len(ev.Profiles))

	case evScan:
		d.selectNetwork(ev.Scans)

	case evConnectAttempt:
		if ev.Link == nil || ev.NetworkID == nil {
			return fmt.Errorf("%s needs link and network_id", ev.Type)
		}
		profile := d.profiles.ProfileByID(*ev.NetworkID)
		if profile == nil {
			return fmt.Errorf("unknown network_id %d", *ev.NetworkID)
		}
		d.setState(selector.Connecting, "connect_attempt")
		d.current = profile
		d.link = ev.Link
		d.scoreCard.NoteConnectionAttempt(ev.Link)
		d.report.Reset()

	case evConnected:
		if d.current == nil {
			return fmt.Errorf("connected without a connection attempt")
		}
		if ev.Link != nil {
			d.link = ev.Link
		}
		d.setState(selector.Connected, "associated")

	case evConnectionFailure:
		d.scoreCard.NoteConnectionFailure(d.linkOf(ev))
		d.disconnect("connection_failure")

	case evSignalPoll:
		if ev.Link == nil {
			return fmt.Errorf("%s needs link", ev.Type)
		}
		d.signalPoll(ev.Link)

	case evIPConfigured:
		d.scoreCard.NoteIPConfiguration(d.linkOf(ev))

	case evValidated:
		d.scoreCard.NoteValidationSuccess(d.linkOf(ev))

	case evReachabilityLost:
		d.scoreCard.NoteIPReachabilityLost(d.linkOf(ev))

	case evRoam:
		d.scoreCard.NoteRoam(d.linkOf(ev))

	case evRoamFailure:
		d.scoreCard.NoteRoamFailure(d.linkOf(ev))

	case evDisconnected:
		if d.link != nil {
			d.scoreCard.NoteSwitchAway(d.linkOf(ev))
		}
		d.disconnect("disconnected")

	case evWifiDisabled:
		if d.link != nil {
			d.scoreCard.NoteWifiDisabled(d.linkOf(ev))
		}
		d.disconnect("wifi_disabled")

	case evUserSelect:
		if ev.NetworkID == nil {
			return fmt.Errorf("%s needs network_id", ev.Type)
		}
		d.selector.NoteUserSelection(*ev.NetworkID)

	case evBlacklist:
		if ev.BSSID == "" {
			d.selector.ClearBlacklist()
			return nil
		}
		return d.selector.Blacklist(ev.BSSID)

	case evParams:
		return d.applyParams(ev.Params)

	case evScores:
		if d.scores == nil {
			return fmt.Errorf("external scores are disabled")
		}
		if err := d.scores.Put(ev.Scores...); err != nil {
			return err
		}
		d.logger.Debug("external scores updated", "count", len(ev.Scores), "cached", d.scores.Len())

	case evFlush:
		d.flush()

	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}

func (d *daemon) applyParams(text string) error {
	err := d.params.UpdateErr(text)
	metrics.RecordParamsUpdate(err == nil)
	if err != nil {
		return err
	}
	d.logger.Info("scoring params updated", "input", scoring.Sanitize(text), "generation", d.params.Generation())
	return nil
}

// reload applies the runtime tunables of a re-read configuration
func (d *daemon) reload(cfg *uci.Config) {
	if err := d.applyParams(cfg.ScoringParams); err != nil {
		d.logger.Warn("reloaded scoring params rejected", "error", err)
	}
	d.report.SetMinBelowDwell(cfg.MinBelowDwell())
	d.logger.SetLevel(cfg.LogLevel)
}

func (d *daemon) publishStatus() {
	err := d.publisher.PublishStatus(map[string]interface{}{
		"state":       d.state.String(),
		"params":      d.params.String(),
		"ledgers":     d.scoreCard.Len(),
		"connected":   d.report.Status(),
		"blacklisted": d.selector.Blacklisted(),
	})
	if err != nil {
		d.logger.Debug("status not published", "error", err)
	}
}

// linkOf prefers the link carried by the event over the last known one
func (d *daemon) linkOf(ev *event) *pkg.LinkInfo {
	if ev.Link != nil {
		return ev.Link
	}
	if d.link != nil {
		return d.link
	}
	return &pkg.LinkInfo{RSSI: pkg.InvalidRSSI, NetworkID: pkg.InvalidNetworkID}
}

func (d *daemon) setState(next selector.ConnectionState, reason string) {
	if d.state == next {
		return
	}
	d.logger.LogStateChange("wifiscored", d.state.String(), next.String(), reason, nil)
	d.state = next
}

func (d *daemon) disconnect(reason string) {
	d.setState(selector.Disconnected, reason)
	d.current = nil
	d.link = nil
	d.scoreCard.ResetConnectionState()
	d.report.Reset()
}

func (d *daemon) selectNetwork(scans []*pkg.ScanObservation) {
	if d.scored != nil {
		d.requestScores(scans)
	}
	sel := d.selector.SelectNetwork(&selector.Request{
		Scans:   scans,
		State:   d.state,
		Link:    d.link,
		Current: d.current,
	})
	o := &output{Type: "selection", TimeMs: sel.TimeMillis, CycleID: sel.CycleID, Skipped: sel.Skipped}
	if sel.Profile != nil && sel.Candidate != nil {
		id := sel.Profile.NetworkID
		score := sel.Candidate.Score
		o.NetworkID = &id
		o.BSSID = sel.Candidate.Key.BSSID.String()
		o.Score = &score
	}
	d.emit(o)
	d.telemetry.AddEvent(&telem.Event{
		Type:       "selection",
		TimeMillis: sel.TimeMillis,
		CycleID:    sel.CycleID,
		Message:    sel.Skipped,
	})

	if d.cfg.FirmwareRoaming {
		d.emitRoaming()
	}
}

// requestScores asks the external scorer to rate access points it has not seen
func (d *daemon) requestScores(scans []*pkg.ScanObservation) {
	unscored := d.scored.UnscoredNetworks(scans)
	if len(unscored) == 0 {
		return
	}
	bssids := make([]string, 0, len(unscored))
	for _, scan := range unscored {
		bssids = append(bssids, scan.BSSID)
	}
	d.emit(&output{Type: "score_request", TimeMs: d.clock.ElapsedSinceBootMillis(), Unscored: bssids})
}

// emitRoaming writes the firmware roaming lists when they changed
func (d *daemon) emitRoaming() {
	rc := d.selector.FirmwareRoamingConfig(d.current)
	encoded, err := json.Marshal(rc)
	if err != nil || string(encoded) == string(d.roaming) {
		return
	}
	d.roaming = encoded
	d.emit(&output{Type: "roaming_config", TimeMs: d.clock.ElapsedSinceBootMillis(), Roaming: &rc})
}

func (d *daemon) signalPoll(link *pkg.LinkInfo) {
	d.link = link
	if d.state != selector.Connected {
		return
	}
	d.scoreCard.NoteSignalPoll(link)
	rep := d.report.CalculateAndReportScore(link)
	metrics.RecordReport(rep)
	if d.publisher != nil {
		if err := d.publisher.PublishScore(link.BSSID, rep); err != nil {
			d.logger.Debug("score not published", "error", err)
		}
	}
	d.emit(&output{Type: "score", TimeMs: d.clock.ElapsedSinceBootMillis(), BSSID: link.BSSID, Report: &rep})

	if d.report.ShouldCheckIpLayer() {
		d.report.NoteIpCheck()
		metrics.RecordNudCheck()
		d.emit(&output{Type: "nud_check", TimeMs: d.clock.ElapsedSinceBootMillis(), BSSID: link.BSSID})
	}
}

func (d *daemon) emit(o *output) {
	if err := d.out.Encode(o); err != nil {
		d.logger.Error("failed to write output", "error", err)
	}
}
