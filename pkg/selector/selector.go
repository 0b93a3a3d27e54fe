package selector

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/wifiscore/pkg"
	"github.com/markus-lassfolk/wifiscore/pkg/candidates"
	"github.com/markus-lassfolk/wifiscore/pkg/evaluator"
	"github.com/markus-lassfolk/wifiscore/pkg/logx"
	"github.com/markus-lassfolk/wifiscore/pkg/scorecard"
	"github.com/markus-lassfolk/wifiscore/pkg/scoring"
)

// Defaults for Config
const (
	DefaultMinSelectionInterval = 10 * time.Second
	DefaultUserSelectionWindow  = 60 * time.Second
	DefaultActiveStreamPPS      = 16.0
)

const noSelectionYet int64 = -1

// Skip reasons reported in Selection.Skipped
const (
	SkipNoScans      = "no_scan_results"
	SkipTooSoon      = "too_soon_since_last_selection"
	SkipSufficient   = "current_network_sufficient"
	SkipInProgress   = "connection_in_progress"
	SkipNoCandidates = "no_candidates"
)

// Config tunes the selection policy
type Config struct {
	MinSelectionInterval time.Duration
	UserSelectionWindow  time.Duration
	ActiveStreamPPS      float64
	UntrustedAllowed     bool

	// AllowExternallyScored lets the scored network evaluator take part
	AllowExternallyScored bool
}

// DefaultConfig returns the stock policy
func DefaultConfig() Config {
	return Config{
		MinSelectionInterval: DefaultMinSelectionInterval,
		UserSelectionWindow:  DefaultUserSelectionWindow,
		ActiveStreamPPS:      DefaultActiveStreamPPS,
	}
}

// ConnectionState is the association the selection runs under
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (c ConnectionState) String() string {
	switch c {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Request is the input of one selection cycle
type Request struct {
	Scans   []*pkg.ScanObservation
	State   ConnectionState
	Link    *pkg.LinkInfo       // current link sample, when connected
	Current *pkg.NetworkProfile // current profile, when connected
}

// Selection is the outcome of one cycle
type Selection struct {
	CycleID     string
	Skipped     string
	Profile     *pkg.NetworkProfile
	Candidate   *candidates.Candidate
	Candidates  *candidates.Set
	Connectable []*pkg.ScanObservation
	Filtered    int
	TimeMillis  int64
	Evaluators  map[string]string // evaluator name -> SSID it favoured
}

// Listener is told about every cycle outcome
type Listener interface {
	SelectionMade(sel *Selection)
}

// CandidateCache remembers per-profile candidates between cycles
type CandidateCache interface {
	ClearCandidates()
}

// Selector runs the evaluators in precedence order and picks the association target
type Selector struct {
	mu         sync.Mutex
	cfg        Config
	params     *scoring.Params
	clock      pkg.Clock
	caps       evaluator.Capabilities
	evaluators []evaluator.Evaluator
	scoreCard  *scorecard.ScoreCard
	cache      CandidateCache
	listeners  []Listener
	logger     *logx.Logger

	lastSelectionMillis int64
	userSelectedID      int
	userSelectedMillis  int64
	blacklist           []string
	connectable         []*pkg.ScanObservation
}

// New creates a Selector. The evaluators are run in ascending id order whatever
// order they are given in.
func New(cfg Config, params *scoring.Params, clock pkg.Clock, caps evaluator.Capabilities, logger *logx.Logger, evaluators ...evaluator.Evaluator) *Selector {
	if caps == nil {
		caps = evaluator.StaticCapabilities{}
	}
	if logger == nil {
		logger = logx.Discard()
	}
	ordered := append([]evaluator.Evaluator(nil), evaluators...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID() < ordered[j].ID() })

	return &Selector{
		cfg:                 cfg,
		params:              params,
		clock:               clock,
		caps:                caps,
		evaluators:          ordered,
		logger:              logger,
		lastSelectionMillis: noSelectionYet,
		userSelectedID:      pkg.InvalidNetworkID,
	}
}

// WithScoreCard attaches access point history to candidates
func (s *Selector) WithScoreCard(sc *scorecard.ScoreCard) *Selector {
	s.scoreCard = sc
	return s
}

// WithCandidateCache clears cached profile candidates at the start of every cycle
func (s *Selector) WithCandidateCache(c CandidateCache) *Selector {
	s.cache = c
	return s
}

// AddListener registers an outcome listener
func (s *Selector) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Evaluators returns the evaluator names in run order
func (s *Selector) Evaluators() []string {
	names := make([]string, len(s.evaluators))
	for i, e := range s.evaluators {
		names[i] = e.Name()
	}
	return names
}

// NoteUserSelection records that the user picked a network by hand
func (s *Selector) NoteUserSelection(networkID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userSelectedID = networkID
	s.userSelectedMillis = s.clock.ElapsedSinceBootMillis()
}

// Blacklist excludes a BSSID from selection
func (s *Selector) Blacklist(bssid string) error {
	mac, err := pkg.ParseMacAddress(bssid)
	if err != nil {
		return err
	}
	key := mac.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.blacklist {
		if b == key {
			s.blacklist = append(s.blacklist[:i], s.blacklist[i+1:]...)
			break
		}
	}
	s.blacklist = append(s.blacklist, key)
	return nil
}

// Blacklisted returns the blacklisted BSSIDs, oldest first
func (s *Selector) Blacklisted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.blacklist...)
}

// ClearBlacklist empties the blacklist
func (s *Selector) ClearBlacklist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist = nil
}

func (s *Selector) isBlacklisted(mac pkg.MacAddress) bool {
	key := mac.String()
	for _, b := range s.blacklist {
		if b == key {
			return true
		}
	}
	return false
}

// Connectable returns the observations that passed filtering in the last cycle
func (s *Selector) Connectable() []*pkg.ScanObservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*pkg.ScanObservation(nil), s.connectable...)
}

// SelectNetwork runs one selection cycle
func (s *Selector) SelectNetwork(req *Request) *Selection {
	s.mu.Lock()
	sel := s.selectLocked(req)
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.SelectionMade(sel)
	}
	return sel
}

func (s *Selector) selectLocked(req *Request) *Selection {
	now := s.clock.ElapsedSinceBootMillis()
	sel := &Selection{
		CycleID:    uuid.NewString(),
		TimeMillis: now,
		Evaluators: make(map[string]string),
	}
	log := s.logger.With("cycle", sel.CycleID)

	if reason := s.selectionNeeded(req, now); reason != "" {
		sel.Skipped = reason
		log.Debug("network selection skipped", "reason", reason, "state", req.State.String())
		return sel
	}

	scans, filtered := s.filter(req.Scans)
	sel.Filtered = filtered
	s.connectable = nil
	if s.cache != nil {
		s.cache.ClearCandidates()
	}

	set := candidates.New(log)
	if s.scoreCard != nil {
		set.WithScoreCard(s.scoreCard)
	}
	currentBssid := ""
	if req.State == Connected && req.Current != nil {
		id := req.Current.Identity()
		if req.Link != nil {
			currentBssid = req.Link.BSSID
		}
		set.SetCurrent(&id, currentBssid)
	}

	evalReq := &evaluator.Request{
		Scans:                 scans,
		CurrentBssid:          currentBssid,
		AllowExternallyScored: s.cfg.AllowExternallyScored,
		UntrustedAllowed:      s.cfg.UntrustedAllowed,
		Candidates:            set,
		OnConnectable: func(scan *pkg.ScanObservation, _ *pkg.NetworkProfile, _ int) {
			s.connectable = append(s.connectable, scan)
		},
	}
	if req.State == Connected {
		evalReq.Current = req.Current
	}

	for _, e := range s.evaluators {
		if choice := e.Evaluate(evalReq); choice != nil {
			sel.Evaluators[e.Name()] = choice.SSID
		}
	}
	s.lastSelectionMillis = now
	sel.Candidates = set
	sel.Connectable = append([]*pkg.ScanObservation(nil), s.connectable...)

	winner := set.Choose(candidates.EvaluatorScorer{})
	if winner == nil {
		sel.Skipped = SkipNoCandidates
		log.Info("no candidate network", "scans", len(req.Scans), "filtered", filtered)
		return sel
	}
	sel.Candidate = winner.Candidate
	sel.Profile = winner.Candidate.Profile

	log.Info("network selected",
		"ssid", sel.Profile.SSID,
		"bssid", winner.Candidate.Scan.BSSID,
		"score", winner.Candidate.Score,
		"evaluator", winner.Candidate.EvaluatorID,
		"candidates", set.Size(),
		"faults", set.FaultCount())
	return sel
}

// selectionNeeded returns "" when a cycle should run, or the reason to skip it
func (s *Selector) selectionNeeded(req *Request, now int64) string {
	if len(req.Scans) == 0 {
		return SkipNoScans
	}
	switch req.State {
	case Disconnected:
		return ""
	case Connected:
		if s.lastSelectionMillis != noSelectionYet &&
			now-s.lastSelectionMillis < s.cfg.MinSelectionInterval.Milliseconds() {
			return SkipTooSoon
		}
		if s.isSufficient(req, now) {
			return SkipSufficient
		}
		return ""
	}
	return SkipInProgress
}

// isSufficient reports whether the current network is good enough to stay on
func (s *Selector) isSufficient(req *Request, now int64) bool {
	profile, link := req.Current, req.Link
	if profile == nil || link == nil {
		return false
	}
	if s.userSelectedID != pkg.InvalidNetworkID && profile.NetworkID == s.userSelectedID &&
		now-s.userSelectedMillis <= s.cfg.UserSelectionWindow.Milliseconds() {
		return true
	}
	if profile.Ephemeral || profile.IsOpen() || profile.NoInternetAccess {
		return false
	}

	qualifiedRssi := link.RSSI > s.params.SufficientRssi(link.Frequency)
	activeStream := link.TxSuccessRate > s.cfg.ActiveStreamPPS || link.RxSuccessRate > s.cfg.ActiveStreamPPS
	if qualifiedRssi && activeStream {
		return true
	}
	if link.Is24GHz() && has5GHz(req.Scans) {
		return false
	}
	return qualifiedRssi
}

func has5GHz(scans []*pkg.ScanObservation) bool {
	for _, scan := range scans {
		if scan != nil && scan.Is5GHz() {
			return true
		}
	}
	return false
}

// filter drops observations that can never become candidates
func (s *Selector) filter(scans []*pkg.ScanObservation) ([]*pkg.ScanObservation, int) {
	out := make([]*pkg.ScanObservation, 0, len(scans))
	dropped := 0
	for _, scan := range scans {
		if scan == nil || scan.SSID == "" {
			dropped++
			continue
		}
		mac, err := pkg.ParseMacAddress(scan.BSSID)
		if err != nil || mac.IsZero() {
			dropped++
			continue
		}
		if s.isBlacklisted(mac) {
			dropped++
			continue
		}
		if scan.RSSI < s.params.EntryRssi(scan.Frequency) {
			dropped++
			continue
		}
		out = append(out, scan)
	}
	return out, dropped
}

// RoamingConfig is what the firmware is told for autonomous roaming
type RoamingConfig struct {
	BlacklistBssids []string `json:"blacklist_bssids"`
	WhitelistSsids  []string `json:"whitelist_ssids"`
}

// FirmwareRoamingConfig trims the blacklist and the preferred SSIDs to the
// firmware limits. The most recent blacklist entries are kept.
func (s *Selector) FirmwareRoamingConfig(current *pkg.NetworkProfile) RoamingConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc := RoamingConfig{}
	if !s.caps.FirmwareRoamingSupported() {
		return rc
	}
	bl := s.blacklist
	if limit := s.caps.MaxBlacklistSize(); len(bl) > limit {
		bl = bl[len(bl)-limit:]
	}
	rc.BlacklistBssids = append([]string{}, bl...)

	seen := make(map[string]bool)
	add := func(ssid string) {
		if seen[ssid] || len(rc.WhitelistSsids) >= s.caps.MaxWhitelistSize() {
			return
		}
		seen[ssid] = true
		rc.WhitelistSsids = append(rc.WhitelistSsids, ssid)
	}
	if current != nil {
		add(current.SSID)
	}
	for _, scan := range s.connectable {
		add(pkg.QuoteSSID(scan.SSID))
	}
	return rc
}
