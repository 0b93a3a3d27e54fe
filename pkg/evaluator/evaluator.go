package evaluator

import (
	"sync"

	"github.com/markus-lassfolk/wifiscore/pkg"
	"github.com/markus-lassfolk/wifiscore/pkg/candidates"
)

// Evaluator ids. They order precedence in a CandidateSet: a later evaluator may
// replace an earlier one's candidate for the same access point.
const (
	IDSaved      = 0
	IDSuggestion = 1
	IDPasspoint  = 2
	IDCarrier    = 3
	IDScored     = 4
)

// OnConnectable is told about every access point an evaluator found joinable
type OnConnectable func(scan *pkg.ScanObservation, profile *pkg.NetworkProfile, score int)

// Request is the input of one evaluation pass
type Request struct {
	Scans        []*pkg.ScanObservation
	Current      *pkg.NetworkProfile // nil when disconnected
	CurrentBssid string

	// AllowExternallyScored lets evaluators that consume external scores take part
	AllowExternallyScored bool
	UntrustedAllowed      bool

	Candidates    *candidates.Set
	OnConnectable OnConnectable
}

func (r *Request) connectable(scan *pkg.ScanObservation, profile *pkg.NetworkProfile, score int) {
	if r.OnConnectable != nil {
		r.OnConnectable(scan, profile, score)
	}
}

// Evaluator turns scan observations into candidates
type Evaluator interface {
	ID() int
	Name() string
	// Evaluate adds candidates to req.Candidates and returns the profile of the best one
	Evaluate(req *Request) *pkg.NetworkProfile
}

// Capabilities describes the radio firmware. It is read once per evaluation.
type Capabilities interface {
	FirmwareRoamingSupported() bool
	MaxBlacklistSize() int
	MaxWhitelistSize() int
}

// StaticCapabilities is a fixed capability set
type StaticCapabilities struct {
	FirmwareRoaming bool
	MaxBlacklist    int
	MaxWhitelist    int
}

func (c StaticCapabilities) FirmwareRoamingSupported() bool { return c.FirmwareRoaming }
func (c StaticCapabilities) MaxBlacklistSize() int          { return c.MaxBlacklist }
func (c StaticCapabilities) MaxWhitelistSize() int          { return c.MaxWhitelist }

// ProfileStore is the saved network configuration
type ProfileStore interface {
	// ProfileForScan returns the profile matching the observation, or nil
	ProfileForScan(scan *pkg.ScanObservation) *pkg.NetworkProfile
	// SetCandidate remembers the best observation seen for a profile
	SetCandidate(networkID int, scan *pkg.ScanObservation, score int)
	// AddOrUpdateEphemeral stores a synthesised profile and returns the stored copy
	AddOrUpdateEphemeral(profile *pkg.NetworkProfile) (*pkg.NetworkProfile, error)
}

// CandidateRecord is the best observation remembered for a profile
type CandidateRecord struct {
	Scan  *pkg.ScanObservation
	Score int
}

// MemoryProfileStore is a ProfileStore held in memory
type MemoryProfileStore struct {
	mu         sync.RWMutex
	profiles   []*pkg.NetworkProfile
	candidates map[int]CandidateRecord
	nextID     int
}

// NewMemoryProfileStore creates a store seeded with profiles. Profiles without an
// id are assigned one; nil entries are skipped.
func NewMemoryProfileStore(profiles ...*pkg.NetworkProfile) *MemoryProfileStore {
	s := &MemoryProfileStore{candidates: make(map[int]CandidateRecord)}
	for _, p := range profiles {
		s.put(p)
	}
	return s
}

func (s *MemoryProfileStore) put(p *pkg.NetworkProfile) *pkg.NetworkProfile {
	if p == nil {
		return nil
	}
	if p.NetworkID == pkg.InvalidNetworkID {
		p.NetworkID = s.nextID
	}
	if p.NetworkID >= s.nextID {
		s.nextID = p.NetworkID + 1
	}
	for i, cur := range s.profiles {
		if cur.NetworkID == p.NetworkID {
			s.profiles[i] = p
			return p
		}
	}
	s.profiles = append(s.profiles, p)
	return p
}

// Add stores or replaces a profile. Adding nil is a no-op returning nil.
func (s *MemoryProfileStore) Add(p *pkg.NetworkProfile) *pkg.NetworkProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(p)
}

// Profiles returns every stored profile
func (s *MemoryProfileStore) Profiles() []*pkg.NetworkProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*pkg.NetworkProfile(nil), s.profiles...)
}

// ProfileByID looks a profile up by network id
func (s *MemoryProfileStore) ProfileByID(id int) *pkg.NetworkProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles {
		if p.NetworkID == id {
			return p
		}
	}
	return nil
}

func (s *MemoryProfileStore) ProfileForScan(scan *pkg.ScanObservation) *pkg.NetworkProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := scan.Identity()
	for _, p := range s.profiles {
		if p.Identity().Matches(id) {
			return p
		}
	}
	return nil
}

// SetCandidate keeps the higher score, or the stronger signal on equal score
func (s *MemoryProfileStore) SetCandidate(networkID int, scan *pkg.ScanObservation, score int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.candidates[networkID]
	if ok && (score < cur.Score || (score == cur.Score && scan.RSSI <= cur.Scan.RSSI)) {
		return
	}
	s.candidates[networkID] = CandidateRecord{Scan: scan, Score: score}
}

// Candidate returns the remembered observation for a profile
func (s *MemoryProfileStore) Candidate(networkID int) (CandidateRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.candidates[networkID]
	return c, ok
}

// ClearCandidates forgets remembered observations; called at the start of a cycle
func (s *MemoryProfileStore) ClearCandidates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = make(map[int]CandidateRecord)
}

func (s *MemoryProfileStore) AddOrUpdateEphemeral(p *pkg.NetworkProfile) (*pkg.NetworkProfile, error) {
	if p == nil {
		return nil, pkg.NewFault(pkg.UsageFault, "profiles.ephemeral", "nil profile", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *p
	stored.Ephemeral = true
	stored.NetworkID = pkg.InvalidNetworkID
	for _, cur := range s.profiles {
		if cur.Identity() != p.Identity() {
			continue
		}
		if !cur.Ephemeral {
			// a user-saved profile is never overwritten
			return cur, nil
		}
		stored.NetworkID = cur.NetworkID
		stored.SelectionDisabled = cur.SelectionDisabled
		break
	}
	return s.put(&stored), nil
}

// rssiScore is the saturating signal part shared by the evaluators
func rssiScore(rssi, good, offset, slope int) int {
	if rssi > good {
		rssi = good
	}
	return (rssi + offset) * slope
}
