package evaluator

import (
	"github.com/markus-lassfolk/wifiscore/pkg"
	"github.com/markus-lassfolk/wifiscore/pkg/logx"
	"github.com/markus-lassfolk/wifiscore/pkg/scorecard"
	"github.com/markus-lassfolk/wifiscore/pkg/scoring"
)

// SavedNetworkEvaluator scores access points of networks the user has saved
type SavedNetworkEvaluator struct {
	params    *scoring.Params
	profiles  ProfileStore
	caps      Capabilities
	scoreCard *scorecard.ScoreCard
	logger    *logx.Logger
}

// NewSavedNetworkEvaluator creates the evaluator. caps may be nil (no firmware roaming).
func NewSavedNetworkEvaluator(params *scoring.Params, profiles ProfileStore, caps Capabilities, logger *logx.Logger) *SavedNetworkEvaluator {
	if caps == nil {
		caps = StaticCapabilities{}
	}
	if logger == nil {
		logger = logx.Discard()
	}
	return &SavedNetworkEvaluator{params: params, profiles: profiles, caps: caps, logger: logger}
}

// WithScoreCard lets connection history break score ties
func (e *SavedNetworkEvaluator) WithScoreCard(sc *scorecard.ScoreCard) *SavedNetworkEvaluator {
	e.scoreCard = sc
	return e
}

func (e *SavedNetworkEvaluator) ID() int      { return IDSaved }
func (e *SavedNetworkEvaluator) Name() string { return "saved" }

// Evaluate implements Evaluator
func (e *SavedNetworkEvaluator) Evaluate(req *Request) *pkg.NetworkProfile {
	firmwareRoaming := e.caps.FirmwareRoamingSupported()
	params := e.params.Snapshot()

	var (
		best      *pkg.NetworkProfile
		bestScore int
	)
	for _, scan := range req.Scans {
		if scan == nil {
			continue
		}
		profile := e.profiles.ProfileForScan(scan)
		if profile == nil {
			continue
		}
		if profile.Ephemeral || (!profile.HasCredentials && !profile.IsOpen()) {
			continue
		}
		if profile.SelectionDisabled {
			e.logger.Trace("skipping disabled network", "ssid", profile.SSID, "bssid", scan.BSSID)
			continue
		}
		if !profile.Trusted && !req.UntrustedAllowed {
			continue
		}

		score := e.score(params, scan, profile, req.Current, req.CurrentBssid, firmwareRoaming)
		e.profiles.SetCandidate(profile.NetworkID, scan, score)

		if profile.UseExternalScores {
			e.logger.Trace("network has external score", "ssid", profile.SSID)
			continue
		}

		tieBreak := 0.0
		if e.scoreCard != nil {
			if rate, ok := e.scoreCard.ConnectionSuccessRate(profile.SSID, scan.BSSID); ok {
				tieBreak = rate
			}
		}
		if !req.Candidates.Add(scan, profile, IDSaved, score, tieBreak) {
			continue
		}
		req.connectable(scan, profile, score)

		if best == nil || score > bestScore {
			best = profile
			bestScore = score
		}
	}
	if best != nil {
		e.logger.Debug("saved network evaluation", "best", best.SSID, "score", bestScore)
	}
	return best
}

// Score computes the desirability of one access point. RSSI above the good
// threshold earns nothing extra.
func (e *SavedNetworkEvaluator) Score(scan *pkg.ScanObservation, profile, current *pkg.NetworkProfile, currentBssid string, firmwareRoaming bool) int {
	return e.score(e.params.Snapshot(), scan, profile, current, currentBssid, firmwareRoaming)
}

func (e *SavedNetworkEvaluator) score(p scoring.Snapshot, scan *pkg.ScanObservation, profile, current *pkg.NetworkProfile, currentBssid string, firmwareRoaming bool) int {
	score := rssiScore(scan.RSSI, p.GoodRssi(scan.Frequency), p.RssiScoreOffset(), p.RssiScoreSlope())

	if scan.Is5GHz() {
		score += p.Band5Award()
	}

	sameBssid := currentBssid != "" && sameMac(currentBssid, scan.BSSID)
	if current != nil && isSameNetwork(profile, current) {
		score += p.SameNetworkAward()
		if firmwareRoaming && currentBssid != "" && !sameBssid {
			score += p.SameBssidAward()
		}
	}
	if sameBssid {
		score += p.SameBssidAward()
	}

	if !profile.IsOpen() {
		score += p.SecurityAward()
	}
	return score
}

func isSameNetwork(a, b *pkg.NetworkProfile) bool {
	if a.NetworkID != pkg.InvalidNetworkID && a.NetworkID == b.NetworkID {
		return true
	}
	return a.Identity().Matches(b.Identity())
}

func sameMac(a, b string) bool {
	ma, err := pkg.ParseMacAddress(a)
	if err != nil {
		return false
	}
	mb, err := pkg.ParseMacAddress(b)
	if err != nil {
		return false
	}
	return ma == mb
}
