package evaluator

import (
	"github.com/markus-lassfolk/wifiscore/pkg"
	"github.com/markus-lassfolk/wifiscore/pkg/logx"
	"github.com/markus-lassfolk/wifiscore/pkg/scoring"
)

// CarrierConfig answers questions about the mobile carrier's Wi-Fi networks
type CarrierConfig interface {
	IsCarrierNetworkAvailable() bool
	IsCarrierEncryptionInfoAvailable() bool
	IsCarrierNetwork(ssid string) bool
	EAPMethod(ssid string) pkg.EAPMethod
}

// StaticCarrierConfig is a fixed CarrierConfig keyed by unquoted SSID
type StaticCarrierConfig struct {
	Available           bool
	EncryptionAvailable bool
	Networks            map[string]pkg.EAPMethod
}

func (c *StaticCarrierConfig) IsCarrierNetworkAvailable() bool        { return c.Available }
func (c *StaticCarrierConfig) IsCarrierEncryptionInfoAvailable() bool { return c.EncryptionAvailable }

func (c *StaticCarrierConfig) IsCarrierNetwork(ssid string) bool {
	_, ok := c.Networks[ssid]
	return ok
}

func (c *StaticCarrierConfig) EAPMethod(ssid string) pkg.EAPMethod {
	return c.Networks[ssid]
}

// CarrierNetworkEvaluator creates ephemeral profiles for carrier networks that
// authenticate with the SIM
type CarrierNetworkEvaluator struct {
	params   *scoring.Params
	profiles ProfileStore
	carrier  CarrierConfig
	logger   *logx.Logger
}

// NewCarrierNetworkEvaluator creates the evaluator
func NewCarrierNetworkEvaluator(params *scoring.Params, profiles ProfileStore, carrier CarrierConfig, logger *logx.Logger) *CarrierNetworkEvaluator {
	if logger == nil {
		logger = logx.Discard()
	}
	return &CarrierNetworkEvaluator{params: params, profiles: profiles, carrier: carrier, logger: logger}
}

func (e *CarrierNetworkEvaluator) ID() int      { return IDCarrier }
func (e *CarrierNetworkEvaluator) Name() string { return "carrier" }

// Evaluate implements Evaluator. Nothing is produced unless carrier networks and
// their encryption info are both available.
func (e *CarrierNetworkEvaluator) Evaluate(req *Request) *pkg.NetworkProfile {
	if e.carrier == nil || !e.carrier.IsCarrierNetworkAvailable() || !e.carrier.IsCarrierEncryptionInfoAvailable() {
		return nil
	}
	p := e.params.Snapshot()

	var (
		best     *pkg.NetworkProfile
		bestRssi int
	)
	for _, scan := range req.Scans {
		if scan == nil || !scan.IsEAP() || !e.carrier.IsCarrierNetwork(scan.SSID) {
			continue
		}
		method := e.carrier.EAPMethod(scan.SSID)
		if !method.IsSIMBased() {
			e.logger.Debug("carrier network without SIM auth", "ssid", scan.SSID, "eap_method", int(method))
			continue
		}

		profile := &pkg.NetworkProfile{
			NetworkID:      pkg.InvalidNetworkID,
			SSID:           pkg.QuoteSSID(scan.SSID),
			Security:       scan.Security(),
			HasCredentials: true,
			Ephemeral:      true,
			Trusted:        true,
			EAPMethod:      method,
		}
		if existing := e.profiles.ProfileForScan(scan); existing != nil && existing.SelectionDisabled {
			e.logger.Debug("carrier network disabled", "ssid", existing.SSID)
			continue
		}
		stored, err := e.profiles.AddOrUpdateEphemeral(profile)
		if err != nil {
			e.logger.Warn("failed to add carrier network", "ssid", profile.SSID, "error", err)
			continue
		}
		if stored.SelectionDisabled {
			continue
		}

		score := rssiScore(scan.RSSI, p.GoodRssi(scan.Frequency), p.RssiScoreOffset(), p.RssiScoreSlope())
		if scan.Is5GHz() {
			score += p.Band5Award()
		}
		e.profiles.SetCandidate(stored.NetworkID, scan, score)

		if !req.Candidates.Add(scan, stored, IDCarrier, score, 0) {
			continue
		}
		req.connectable(scan, stored, score)

		if best == nil || scan.RSSI > bestRssi {
			best = stored
			bestRssi = scan.RSSI
		}
	}
	return best
}
