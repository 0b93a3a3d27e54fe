package scoring

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/markus-lassfolk/wifiscore/pkg"
)

// Band selectors; any frequency below Band5 uses the 2.4 GHz thresholds
const (
	Band2 = 2400
	Band5 = 5000
)

// Parameter keys, in canonical order
const (
	KeyRSSI2       = "rssi2"
	KeyRSSI5       = "rssi5"
	KeyPPS         = "pps"
	KeyHorizon     = "horizon"
	KeyNud         = "nud"
	KeyExpID       = "expid"
	KeySlope       = "slope"
	KeyOffset      = "offset"
	KeyBand5Award  = "band5"
	KeySecureAward = "secure"
	KeySameBssid   = "samebssid"
	KeySameNetwork = "samenet"
)

const (
	exitIdx = iota
	entryIdx
	sufficientIdx
	goodIdx
)

const (
	minRSSI = -126
	maxRSSI = -1

	maxAward = 1000

	// sanitizeLimit bounds the length of untrusted input echoed into logs
	sanitizeLimit = 100
)

var entryPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=[0-9.:+-]+$`)

type fieldSpec struct {
	key      string
	defaults []int
	min, max int
	ordered  bool // elements must be non-decreasing
}

var fieldSpecs = []fieldSpec{
	{key: KeyRSSI2, defaults: []int{-83, -80, -73, -60}, min: minRSSI, max: maxRSSI, ordered: true},
	{key: KeyRSSI5, defaults: []int{-80, -77, -70, -57}, min: minRSSI, max: maxRSSI, ordered: true},
	{key: KeyPPS, defaults: []int{0, 1, 100}, min: 0, max: math.MaxInt32, ordered: true},
	{key: KeyHorizon, defaults: []int{15}, min: -10, max: 60},
	{key: KeyNud, defaults: []int{8}, min: 0, max: 10},
	{key: KeyExpID, defaults: []int{0}, min: 0, max: math.MaxInt32},
	{key: KeySlope, defaults: []int{4}, min: 0, max: 10},
	{key: KeyOffset, defaults: []int{85}, min: 0, max: 200},
	{key: KeyBand5Award, defaults: []int{16}, min: 0, max: maxAward},
	{key: KeySecureAward, defaults: []int{80}, min: 0, max: maxAward},
	{key: KeySameBssid, defaults: []int{24}, min: 0, max: maxAward},
	{key: KeySameNetwork, defaults: []int{16}, min: 0, max: maxAward},
}

func specFor(key string) (fieldSpec, bool) {
	for _, fs := range fieldSpecs {
		if fs.key == key {
			return fs, true
		}
	}
	return fieldSpec{}, false
}

type values map[string][]int

func defaultValues() values {
	v := make(values, len(fieldSpecs))
	for _, fs := range fieldSpecs {
		v[fs.key] = append([]int(nil), fs.defaults...)
	}
	return v
}

func (v values) clone() values {
	out := make(values, len(v))
	for k, arr := range v {
		out[k] = append([]int(nil), arr...)
	}
	return out
}

func (v values) validate() error {
	for _, fs := range fieldSpecs {
		arr := v[fs.key]
		if len(arr) != len(fs.defaults) {
			return fmt.Errorf("%s: want %d values, got %d", fs.key, len(fs.defaults), len(arr))
		}
		low := fs.min
		for i, x := range arr {
			if x < low || x > fs.max {
				return fmt.Errorf("%s[%d]=%d out of range [%d,%d]", fs.key, i, x, low, fs.max)
			}
			if fs.ordered {
				low = x
			}
		}
	}
	return nil
}

// Params is the shared, tunable set of scoring knobs. Readers always observe a
// complete, validated snapshot; updates are applied atomically or not at all.
type Params struct {
	mu         sync.RWMutex
	val        values
	generation uint64
}

// NewParams returns the defaults
func NewParams() *Params {
	return &Params{val: defaultValues()}
}

// NewParamsFromString starts from the defaults and applies s
func NewParamsFromString(s string) (*Params, error) {
	p := NewParams()
	if err := p.UpdateErr(s); err != nil {
		return nil, err
	}
	return p, nil
}

// Update applies a comma-separated key=value list. Unknown keys are ignored.
// It returns false and leaves the parameters untouched if anything is wrong.
func (p *Params) Update(kvList string) bool {
	return p.UpdateErr(kvList) == nil
}

// UpdateErr is Update with the reason for rejection
func (p *Params) UpdateErr(kvList string) error {
	if kvList == "" {
		return nil
	}

	p.mu.RLock()
	next := p.val.clone()
	p.mu.RUnlock()

	if err := parseInto(next, kvList); err != nil {
		return pkg.NewFault(pkg.ConfigurationError, "scoring.update", err.Error(),
			map[string]interface{}{"input": Sanitize(kvList)})
	}
	if err := next.validate(); err != nil {
		return pkg.NewFault(pkg.ConfigurationError, "scoring.update", err.Error(),
			map[string]interface{}{"input": Sanitize(kvList)})
	}

	p.mu.Lock()
	p.val = next
	p.generation++
	p.mu.Unlock()
	return nil
}

func parseInto(v values, kvList string) error {
	seen := make(map[string]bool)
	// a single leading comma is allowed
	kvList = strings.TrimPrefix(kvList, ",")
	for _, item := range strings.Split(kvList, ",") {
		if !entryPattern.MatchString(item) {
			return fmt.Errorf("malformed entry %q", item)
		}
		eq := strings.IndexByte(item, '=')
		key, raw := item[:eq], item[eq+1:]
		if seen[key] {
			return fmt.Errorf("duplicate key %q", key)
		}
		seen[key] = true

		fs, known := specFor(key)
		if !known {
			continue
		}
		parts := strings.Split(raw, ":")
		if len(parts) != len(fs.defaults) {
			return fmt.Errorf("%s: want %d values, got %d", key, len(fs.defaults), len(parts))
		}
		arr := make([]int, len(parts))
		for i, part := range parts {
			n, err := strconv.Atoi(part)
			if err != nil {
				return fmt.Errorf("%s: bad integer %q", key, part)
			}
			arr[i] = n
		}
		v[key] = arr
	}
	return nil
}

// String renders the canonical form, which Update accepts unchanged
func (p *Params) String() string { return p.Snapshot().String() }

// Generation counts successful updates
func (p *Params) Generation() uint64 { return p.Snapshot().Generation() }

// Snapshot returns the parameters as of the last successful update. Scoring
// code takes one per pass so a concurrent update never mixes generations.
func (p *Params) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	// updates replace val, they never modify it in place
	return Snapshot{val: p.val, generation: p.generation}
}

func (p *Params) ExitRssi(frequency int) int       { return p.Snapshot().ExitRssi(frequency) }
func (p *Params) EntryRssi(frequency int) int      { return p.Snapshot().EntryRssi(frequency) }
func (p *Params) SufficientRssi(frequency int) int { return p.Snapshot().SufficientRssi(frequency) }
func (p *Params) GoodRssi(frequency int) int       { return p.Snapshot().GoodRssi(frequency) }
func (p *Params) DataMovingPacketsPerSecond() int  { return p.Snapshot().DataMovingPacketsPerSecond() }
func (p *Params) HorizonSeconds() int              { return p.Snapshot().HorizonSeconds() }
func (p *Params) NudKnob() int                     { return p.Snapshot().NudKnob() }
func (p *Params) ExperimentID() int                { return p.Snapshot().ExperimentID() }
func (p *Params) RssiScoreSlope() int              { return p.Snapshot().RssiScoreSlope() }
func (p *Params) RssiScoreOffset() int             { return p.Snapshot().RssiScoreOffset() }
func (p *Params) Band5Award() int                  { return p.Snapshot().Band5Award() }
func (p *Params) SecurityAward() int               { return p.Snapshot().SecurityAward() }
func (p *Params) SameBssidAward() int              { return p.Snapshot().SameBssidAward() }
func (p *Params) SameNetworkAward() int            { return p.Snapshot().SameNetworkAward() }

// Snapshot is an immutable view of one parameter generation
type Snapshot struct {
	val        values
	generation uint64
}

// Generation is the number of successful updates before this snapshot
func (s Snapshot) Generation() uint64 { return s.generation }

// String renders the canonical form
func (s Snapshot) String() string {
	var b strings.Builder
	for i, fs := range fieldSpecs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(fs.key)
		b.WriteByte('=')
		for j, x := range s.val[fs.key] {
			if j > 0 {
				b.WriteByte(':')
			}
			b.WriteString(strconv.Itoa(x))
		}
	}
	return b.String()
}

func (s Snapshot) rssi(frequency, idx int) int {
	if frequency < Band5 {
		return s.val[KeyRSSI2][idx]
	}
	return s.val[KeyRSSI5][idx]
}

func (s Snapshot) scalar(key string) int { return s.val[key][0] }

// ExitRssi is the level below which a connected link should be abandoned
func (s Snapshot) ExitRssi(frequency int) int { return s.rssi(frequency, exitIdx) }

// EntryRssi is the minimum level for a new association
func (s Snapshot) EntryRssi(frequency int) int { return s.rssi(frequency, entryIdx) }

// SufficientRssi is the level at which the current link is good enough to keep
func (s Snapshot) SufficientRssi(frequency int) int { return s.rssi(frequency, sufficientIdx) }

// GoodRssi is the saturation level; stronger signal earns no extra score
func (s Snapshot) GoodRssi(frequency int) int { return s.rssi(frequency, goodIdx) }

// DataMovingPacketsPerSecond is the packet rate above which data is considered to be moving
func (s Snapshot) DataMovingPacketsPerSecond() int { return s.val[KeyPPS][2] }

// HorizonSeconds is how far ahead the connected score forecasts the RSSI trend
func (s Snapshot) HorizonSeconds() int { return s.scalar(KeyHorizon) }

// NudKnob controls how eagerly IP reachability checks are requested (0 = never)
func (s Snapshot) NudKnob() int { return s.scalar(KeyNud) }

// ExperimentID tags the parameter set in metrics
func (s Snapshot) ExperimentID() int { return s.scalar(KeyExpID) }

// RssiScoreSlope is the score earned per dB of RSSI
func (s Snapshot) RssiScoreSlope() int { return s.scalar(KeySlope) }

// RssiScoreOffset shifts RSSI into a positive range before applying the slope
func (s Snapshot) RssiScoreOffset() int { return s.scalar(KeyOffset) }

// Band5Award is the bonus for 5 GHz and above
func (s Snapshot) Band5Award() int { return s.scalar(KeyBand5Award) }

// SecurityAward is the bonus for authenticated networks
func (s Snapshot) SecurityAward() int { return s.scalar(KeySecureAward) }

// SameBssidAward is the bonus for the currently associated access point
func (s Snapshot) SameBssidAward() int { return s.scalar(KeySameBssid) }

// SameNetworkAward is the bonus for the currently associated network
func (s Snapshot) SameNetworkAward() int { return s.scalar(KeySameNetwork) }

// Sanitize makes untrusted parameter strings safe to log. It is never used for parsing.
func Sanitize(params string) string {
	var b strings.Builder
	for _, r := range params {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune("_=,:.+-", r):
			b.WriteRune(r)
		default:
			b.WriteByte('?')
		}
	}
	out := b.String()
	if len(out) > sanitizeLimit {
		out = out[:sanitizeLimit-2] + "..."
	}
	return out
}
