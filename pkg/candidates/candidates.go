package candidates

import (
	"sort"

	"github.com/markus-lassfolk/wifiscore/pkg"
	"github.com/markus-lassfolk/wifiscore/pkg/logx"
	"github.com/markus-lassfolk/wifiscore/pkg/scorecard"
)

// Key identifies one physical access point of one logical network
type Key struct {
	Identity pkg.NetworkIdentity
	BSSID    pkg.MacAddress
	Security pkg.SecurityType
}

// Candidate is one scored opportunity produced by an evaluator
type Candidate struct {
	Key           Key
	Scan          *pkg.ScanObservation
	Profile       *pkg.NetworkProfile
	EvaluatorID   int
	Score         int
	TieBreakScore float64

	IsCurrentNetwork bool
	IsCurrentBssid   bool

	// History is the access point ledger, when a ScoreCard is attached
	History *scorecard.AccessPoint
}

// Group is every candidate of one logical network
type Group struct {
	Identity   pkg.NetworkIdentity
	Candidates []*Candidate
}

// Set collects the candidates of one selection cycle. It is not safe for
// concurrent use.
type Set struct {
	logger    *logx.Logger
	scoreCard *scorecard.ScoreCard

	candidates map[Key]*Candidate
	picky      bool

	currentIdentity *pkg.NetworkIdentity
	currentBssid    pkg.MacAddress

	lastFault  error
	faultCount int
}

// New creates an empty set
func New(logger *logx.Logger) *Set {
	if logger == nil {
		logger = logx.Discard()
	}
	return &Set{
		logger:     logger,
		candidates: make(map[Key]*Candidate),
	}
}

// SetPicky makes faults visible to the caller of AddE instead of only counting them
func (s *Set) SetPicky(picky bool) *Set {
	s.picky = picky
	return s
}

// WithScoreCard attaches the access point ledgers to accepted candidates
func (s *Set) WithScoreCard(sc *scorecard.ScoreCard) *Set {
	s.scoreCard = sc
	return s
}

// SetCurrent records the association the cycle runs under. A nil identity
// means disconnected.
func (s *Set) SetCurrent(identity *pkg.NetworkIdentity, bssid string) {
	s.currentIdentity = nil
	s.currentBssid = pkg.MacAddress{}
	if identity != nil {
		id := identity.Canonical()
		s.currentIdentity = &id
		if mac, err := pkg.ParseMacAddress(bssid); err == nil {
			s.currentBssid = mac
		}
	}
	for _, c := range s.candidates {
		s.markCurrent(c)
	}
}

func (s *Set) markCurrent(c *Candidate) {
	c.IsCurrentNetwork = s.currentIdentity != nil && c.Key.Identity == *s.currentIdentity
	c.IsCurrentBssid = c.IsCurrentNetwork && !s.currentBssid.IsZero() && c.Key.BSSID == s.currentBssid
}

// Add inserts a candidate and reports whether the set changed. A nil scan or
// profile is a no-op. Faults are recorded, see LastFault.
func (s *Set) Add(scan *pkg.ScanObservation, profile *pkg.NetworkProfile, evaluatorID, score int, tieBreakScore float64) bool {
	changed, _ := s.AddE(scan, profile, evaluatorID, score, tieBreakScore)
	return changed
}

// AddE is Add that also returns the fault when the set is picky
func (s *Set) AddE(scan *pkg.ScanObservation, profile *pkg.NetworkProfile, evaluatorID, score int, tieBreakScore float64) (bool, error) {
	if scan == nil || profile == nil {
		return false, nil
	}

	mac, err := pkg.ParseMacAddress(scan.BSSID)
	if err != nil {
		return false, s.fault(pkg.NewFault(pkg.DataIntegrityFault, "candidates.add", "malformed bssid",
			map[string]interface{}{"bssid": scan.BSSID}).Wrap(err))
	}
	if pkg.QuoteSSID(scan.SSID) != profile.SSID {
		return false, s.fault(pkg.NewFault(pkg.DataIntegrityFault, "candidates.add", "ssid mismatch",
			map[string]interface{}{"scan_ssid": pkg.QuoteSSID(scan.SSID), "profile_ssid": profile.SSID}))
	}

	key := Key{
		Identity: profile.Identity().Canonical(),
		BSSID:    mac,
		Security: profile.Security,
	}
	if old, ok := s.candidates[key]; ok {
		switch {
		case evaluatorID < old.EvaluatorID:
			return false, s.fault(pkg.NewFault(pkg.UsageFault, "candidates.add", "evaluator id went backwards",
				map[string]interface{}{"bssid": mac.String(), "stored": old.EvaluatorID, "offered": evaluatorID}))
		case evaluatorID == old.EvaluatorID && score <= old.Score:
			return false, nil
		}
	}

	c := &Candidate{
		Key:           key,
		Scan:          scan,
		Profile:       profile,
		EvaluatorID:   evaluatorID,
		Score:         score,
		TieBreakScore: tieBreakScore,
	}
	s.markCurrent(c)
	if s.scoreCard != nil {
		err := s.scoreCard.Update(profile.SSID, scan.BSSID, func(ap *scorecard.AccessPoint) {
			ap.SetSecurityType(profile.Security)
			c.History = ap
		})
		if err != nil {
			s.logger.Debug("no ledger for candidate", "bssid", scan.BSSID, "error", err)
		}
	}
	s.candidates[key] = c
	return true, nil
}

func (s *Set) fault(f *pkg.Fault) error {
	s.lastFault = f
	s.faultCount++
	s.logger.Debug("candidate fault", "kind", f.Kind.String(), "detail", f.Detail, "count", s.faultCount)
	if s.picky {
		return f
	}
	return nil
}

// Remove deletes c if it is still the stored candidate for its key
func (s *Set) Remove(c *Candidate) bool {
	if c == nil {
		return false
	}
	if cur, ok := s.candidates[c.Key]; !ok || cur != c {
		return false
	}
	delete(s.candidates, c.Key)
	return true
}

// Size returns the number of candidates
func (s *Set) Size() int {
	return len(s.candidates)
}

// Get returns the candidate stored under key
func (s *Set) Get(key Key) (*Candidate, bool) {
	c, ok := s.candidates[key]
	return c, ok
}

// Candidates returns every candidate in grouping order
func (s *Set) Candidates() []*Candidate {
	out := make([]*Candidate, 0, len(s.candidates))
	for _, g := range s.GroupedCandidates() {
		out = append(out, g.Candidates...)
	}
	return out
}

// GroupedCandidates groups candidates by network identity. Groups are ordered by
// SSID then security, members by BSSID, so the result does not depend on
// insertion order.
func (s *Set) GroupedCandidates() []Group {
	byIdentity := make(map[pkg.NetworkIdentity][]*Candidate)
	for _, c := range s.candidates {
		byIdentity[c.Key.Identity] = append(byIdentity[c.Key.Identity], c)
	}
	groups := make([]Group, 0, len(byIdentity))
	for id, members := range byIdentity {
		sort.Slice(members, func(i, j int) bool {
			return lessKey(members[i].Key, members[j].Key)
		})
		groups = append(groups, Group{Identity: id, Candidates: members})
	}
	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i].Identity, groups[j].Identity
		if a.SSID != b.SSID {
			return a.SSID < b.SSID
		}
		return a.Security < b.Security
	})
	return groups
}

func lessKey(a, b Key) bool {
	if a.BSSID != b.BSSID {
		return a.BSSID.String() < b.BSSID.String()
	}
	return a.Security < b.Security
}

// LastFault is the most recent fault, nil if none
func (s *Set) LastFault() error { return s.lastFault }

// FaultCount counts faults since creation or ClearFaults
func (s *Set) FaultCount() int { return s.faultCount }

// ClearFaults resets the fault log
func (s *Set) ClearFaults() {
	s.lastFault = nil
	s.faultCount = 0
}
