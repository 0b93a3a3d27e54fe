package evaluator

import (
	"fmt"
	"sync"

	"github.com/markus-lassfolk/wifiscore/pkg"
	"github.com/markus-lassfolk/wifiscore/pkg/logx"
)

// RssiCurve maps signal strength to an external score. Bucket i covers
// [Start+i*BucketWidth, Start+(i+1)*BucketWidth); RSSI outside the curve uses
// the nearest bucket.
type RssiCurve struct {
	Start       int   `json:"start"`
	BucketWidth int   `json:"bucket_width"`
	Buckets     []int `json:"buckets"`

	// ActiveBoost is added to the RSSI of the access point currently in use
	ActiveBoost int `json:"active_boost,omitempty"`
}

// Lookup returns the score for rssi
func (c RssiCurve) Lookup(rssi int, active bool) int {
	if active {
		rssi += c.ActiveBoost
	}
	idx := 0
	if c.BucketWidth > 0 && rssi > c.Start {
		idx = (rssi - c.Start) / c.BucketWidth
	}
	if idx >= len(c.Buckets) {
		idx = len(c.Buckets) - 1
	}
	return c.Buckets[idx]
}

// ExternalScore is what an external network scorer reported for one access point
type ExternalScore struct {
	SSID    string    `json:"ssid"` // unquoted
	BSSID   string    `json:"bssid"`
	Curve   RssiCurve `json:"curve"`
	Metered bool      `json:"metered"`
}

// ScoreCache holds external scores
type ScoreCache interface {
	// Lookup returns the score entry for the access point, or false when unscored
	Lookup(scan *pkg.ScanObservation) (*ExternalScore, bool)
}

type scoreKey struct {
	ssid  string
	bssid pkg.MacAddress
}

// MemoryScoreCache is a ScoreCache held in memory
type MemoryScoreCache struct {
	mu     sync.RWMutex
	scores map[scoreKey]*ExternalScore
}

// NewMemoryScoreCache creates an empty cache
func NewMemoryScoreCache() *MemoryScoreCache {
	return &MemoryScoreCache{scores: make(map[scoreKey]*ExternalScore)}
}

// Put validates and stores scores. Nothing is stored when any entry is invalid.
func (c *MemoryScoreCache) Put(scores ...ExternalScore) error {
	entries := make(map[scoreKey]*ExternalScore, len(scores))
	for i := range scores {
		s := scores[i]
		mac, err := pkg.ParseMacAddress(s.BSSID)
		if err != nil {
			return pkg.NewFault(pkg.DataIntegrityFault, "scores.put", "malformed bssid",
				map[string]interface{}{"bssid": s.BSSID}).Wrap(err)
		}
		if s.SSID == "" || len(s.Curve.Buckets) == 0 || s.Curve.BucketWidth < 0 {
			return pkg.NewFault(pkg.DataIntegrityFault, "scores.put",
				fmt.Sprintf("score for %s needs an ssid and a curve", mac), nil)
		}
		s.Curve.Buckets = append([]int(nil), s.Curve.Buckets...)
		entries[scoreKey{ssid: s.SSID, bssid: mac}] = &s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range entries {
		c.scores[k] = v
	}
	return nil
}

// Lookup implements ScoreCache
func (c *MemoryScoreCache) Lookup(scan *pkg.ScanObservation) (*ExternalScore, bool) {
	mac, err := pkg.ParseMacAddress(scan.BSSID)
	if err != nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.scores[scoreKey{ssid: scan.SSID, bssid: mac}]
	return s, ok
}

// Len returns the number of scored access points
func (c *MemoryScoreCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.scores)
}

// Clear forgets every score
func (c *MemoryScoreCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scores = make(map[scoreKey]*ExternalScore)
}

// ScoredNetworkEvaluator picks networks by the scores of an external scorer:
// saved profiles that opted into external scores, and untrusted open networks
// when those are allowed
type ScoredNetworkEvaluator struct {
	profiles ProfileStore
	cache    ScoreCache
	logger   *logx.Logger
}

// NewScoredNetworkEvaluator creates the evaluator
func NewScoredNetworkEvaluator(profiles ProfileStore, cache ScoreCache, logger *logx.Logger) *ScoredNetworkEvaluator {
	if logger == nil {
		logger = logx.Discard()
	}
	return &ScoredNetworkEvaluator{profiles: profiles, cache: cache, logger: logger}
}

func (e *ScoredNetworkEvaluator) ID() int      { return IDScored }
func (e *ScoredNetworkEvaluator) Name() string { return "scored" }

// UnscoredNetworks returns one observation per access point the scorer has not
// rated yet
func (e *ScoredNetworkEvaluator) UnscoredNetworks(scans []*pkg.ScanObservation) []*pkg.ScanObservation {
	if e.cache == nil {
		return nil
	}
	seen := make(map[scoreKey]bool)
	var out []*pkg.ScanObservation
	for _, scan := range scans {
		if scan == nil || scan.SSID == "" {
			continue
		}
		mac, err := pkg.ParseMacAddress(scan.BSSID)
		if err != nil {
			continue
		}
		k := scoreKey{ssid: scan.SSID, bssid: mac}
		if seen[k] {
			continue
		}
		seen[k] = true
		if _, ok := e.cache.Lookup(scan); !ok {
			out = append(out, scan)
		}
	}
	return out
}

// Evaluate implements Evaluator. Nothing is produced unless externally scored
// networks are allowed. A saved profile beats an untrusted network with the
// same score.
func (e *ScoredNetworkEvaluator) Evaluate(req *Request) *pkg.NetworkProfile {
	if !req.AllowExternallyScored || e.cache == nil {
		return nil
	}

	var (
		best        *pkg.NetworkProfile
		bestScore   int
		bestTrusted bool
	)
	for _, scan := range req.Scans {
		if scan == nil {
			continue
		}
		ext, ok := e.cache.Lookup(scan)
		if !ok {
			continue
		}
		profile := e.profiles.ProfileForScan(scan)
		if (profile == nil || profile.Ephemeral) && !req.UntrustedAllowed {
			continue
		}
		if profile == nil {
			// only networks that need no credentials can be joined unsaved
			if !scan.Security().IsOpen() {
				continue
			}
			stored, err := e.profiles.AddOrUpdateEphemeral(&pkg.NetworkProfile{
				NetworkID: pkg.InvalidNetworkID,
				SSID:      pkg.QuoteSSID(scan.SSID),
				Security:  scan.Security(),
				Ephemeral: true,
				Metered:   ext.Metered,
			})
			if err != nil {
				e.logger.Warn("failed to add scored network", "ssid", scan.SSID, "error", err)
				continue
			}
			profile = stored
		}
		if !profile.Ephemeral && !profile.UseExternalScores {
			continue
		}
		if profile.SelectionDisabled {
			e.logger.Trace("skipping disabled network", "ssid", profile.SSID, "bssid", scan.BSSID)
			continue
		}

		active := req.Current != nil && req.Current.NetworkID == profile.NetworkID &&
			sameMac(req.CurrentBssid, scan.BSSID)
		score := ext.Curve.Lookup(scan.RSSI, active)
		e.profiles.SetCandidate(profile.NetworkID, scan, score)

		tieBreak := 0.0
		if profile.Trusted {
			tieBreak = 1
		}
		if !req.Candidates.Add(scan, profile, IDScored, score, tieBreak) {
			continue
		}
		req.connectable(scan, profile, score)

		if best == nil || score > bestScore || (score == bestScore && profile.Trusted && !bestTrusted) {
			best = profile
			bestScore = score
			bestTrusted = profile.Trusted
		}
	}
	if best != nil {
		e.logger.Debug("scored network evaluation", "best", best.SSID, "score", bestScore, "trusted", bestTrusted)
	}
	return best
}
