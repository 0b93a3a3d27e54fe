package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/wifiscore/pkg"
	"github.com/markus-lassfolk/wifiscore/pkg/candidates"
	"github.com/markus-lassfolk/wifiscore/pkg/scorecard"
	"github.com/markus-lassfolk/wifiscore/pkg/scoring"
)

const (
	bssidA = "6c:f3:7f:ae:8c:f3"
	bssidB = "6c:f3:7f:ae:8c:f4"
	bssidC = "6c:f3:7f:ae:8d:f1"
)

func psk(ssid, bssid string, freq, rssi int) *pkg.ScanObservation {
	return &pkg.ScanObservation{SSID: ssid, BSSID: bssid, Frequency: freq, RSSI: rssi, Capabilities: "[WPA2-PSK-CCMP][ESS]"}
}

func open(ssid, bssid string, freq, rssi int) *pkg.ScanObservation {
	return &pkg.ScanObservation{SSID: ssid, BSSID: bssid, Frequency: freq, RSSI: rssi, Capabilities: "[ESS]"}
}

func eap(ssid, bssid string, freq, rssi int) *pkg.ScanObservation {
	return &pkg.ScanObservation{SSID: ssid, BSSID: bssid, Frequency: freq, RSSI: rssi, Capabilities: "[WPA2-EAP-CCMP][ESS]"}
}

func saved(id int, ssid string, st pkg.SecurityType) *pkg.NetworkProfile {
	return &pkg.NetworkProfile{NetworkID: id, SSID: pkg.QuoteSSID(ssid), Security: st, HasCredentials: true, Trusted: true}
}

type connectableLog struct {
	calls []string
}

func (l *connectableLog) record(scan *pkg.ScanObservation, _ *pkg.NetworkProfile, _ int) {
	l.calls = append(l.calls, scan.BSSID)
}

func newRequest(scans ...*pkg.ScanObservation) (*Request, *connectableLog) {
	log := &connectableLog{}
	return &Request{
		Scans:         scans,
		Candidates:    candidates.New(nil),
		OnConnectable: log.record,
	}, log
}

// TestSavedScoreFormula tests the additive score composition with default awards
func TestSavedScoreFormula(t *testing.T) {
	params := scoring.NewParams()
	e := NewSavedNetworkEvaluator(params, NewMemoryProfileStore(), nil, nil)
	home := saved(1, "home", pkg.SecurityPSK)

	// (min(-70,-60)+85)*4 + secure
	assert.Equal(t, 60+80, e.Score(psk("home", bssidA, 2437, -70), home, nil, "", false))
	// saturated at good rssi, plus band award
	assert.Equal(t, (-57+85)*4+16+80, e.Score(psk("home", bssidA, 5180, -30), home, nil, "", false))
	// open network, no security award
	cafe := saved(2, "cafe", pkg.SecurityOpen)
	assert.Equal(t, 60, e.Score(open("cafe", bssidA, 2437, -70), cafe, nil, "", false))

	// current network and bssid
	assert.Equal(t, 60+80+16+24, e.Score(psk("home", bssidA, 2437, -70), home, home, bssidA, false))
	assert.Equal(t, 60+80+16, e.Score(psk("home", bssidB, 2437, -70), home, home, bssidA, false))
	assert.Equal(t, 60+80+16+24, e.Score(psk("home", bssidB, 2437, -70), home, home, bssidA, true))
	assert.Equal(t, 60+80+16+24, e.Score(psk("home", bssidA, 2437, -70), home, home, bssidA, true),
		"the current bssid gets the award once")
}

func TestSavedScoreUsesConfiguredAwards(t *testing.T) {
	params, err := scoring.NewParamsFromString("slope=5,offset=90,band5=40,secure=10,samebssid=7,samenet=3")
	require.NoError(t, err)
	e := NewSavedNetworkEvaluator(params, NewMemoryProfileStore(), nil, nil)
	home := saved(1, "home", pkg.SecurityPSK)

	got := e.Score(psk("home", bssidA, 5180, -70), home, home, bssidA, false)
	assert.Equal(t, (-70+90)*5+40+10+3+7, got)
}

func TestFiveGhzBeatsTwoGhzAtSufficientRssi(t *testing.T) {
	params := scoring.NewParams()
	e := NewSavedNetworkEvaluator(params, NewMemoryProfileStore(), nil, nil)
	home := saved(1, "home", pkg.SecurityPSK)

	for _, rssi := range []int{params.SufficientRssi(2437), params.SufficientRssi(5180)} {
		s24 := e.Score(psk("home", bssidA, 2437, rssi), home, nil, "", false)
		s5 := e.Score(psk("home", bssidB, 5180, rssi), home, nil, "", false)
		assert.Greater(t, s5, s24, "rssi %d", rssi)
	}
}

func TestSavedScoreMonotonicAndSaturating(t *testing.T) {
	params := scoring.NewParams()
	e := NewSavedNetworkEvaluator(params, NewMemoryProfileStore(), nil, nil)
	home := saved(1, "home", pkg.SecurityPSK)

	for _, freq := range []int{2412, 5745} {
		good := params.GoodRssi(freq)
		prev := -1 << 30
		for rssi := -110; rssi <= -10; rssi++ {
			score := e.Score(psk("home", bssidA, freq, rssi), home, nil, "", false)
			assert.GreaterOrEqual(t, score, prev)
			if rssi > good {
				assert.Equal(t, prev, score, "no gain above good rssi at %d", rssi)
			} else if rssi > -110 {
				assert.Greater(t, score, prev)
			}
			prev = score
		}
	}
}

func TestSavedEvaluateExclusions(t *testing.T) {
	ephemeral := saved(1, "eph", pkg.SecurityPSK)
	ephemeral.Ephemeral = true
	noCreds := saved(2, "nocreds", pkg.SecurityPSK)
	noCreds.HasCredentials = false
	external := saved(3, "external", pkg.SecurityPSK)
	external.UseExternalScores = true
	disabled := saved(4, "disabled", pkg.SecurityPSK)
	disabled.SelectionDisabled = true
	untrusted := saved(5, "untrusted", pkg.SecurityPSK)
	untrusted.Trusted = false
	good := saved(6, "good", pkg.SecurityPSK)
	openNoCreds := saved(7, "free", pkg.SecurityOpen)
	openNoCreds.HasCredentials = false

	store := NewMemoryProfileStore(ephemeral, noCreds, external, disabled, untrusted, good, openNoCreds)
	e := NewSavedNetworkEvaluator(scoring.NewParams(), store, nil, nil)

	req, log := newRequest(
		psk("eph", "00:00:00:00:00:01", 5180, -50),
		psk("nocreds", "00:00:00:00:00:02", 5180, -50),
		psk("external", "00:00:00:00:00:03", 5180, -50),
		psk("disabled", "00:00:00:00:00:04", 5180, -50),
		psk("untrusted", "00:00:00:00:00:05", 5180, -50),
		psk("good", "00:00:00:00:00:06", 2437, -70),
		open("free", "00:00:00:00:00:07", 2437, -80),
		psk("unknown", "00:00:00:00:00:08", 5180, -40),
		nil,
	)
	best := e.Evaluate(req)

	require.NotNil(t, best)
	assert.Equal(t, `"good"`, best.SSID)
	assert.Equal(t, 2, req.Candidates.Size())
	assert.Equal(t, []string{"00:00:00:00:00:06", "00:00:00:00:00:07"}, log.calls)

	_, ok := store.Candidate(external.NetworkID)
	assert.True(t, ok, "externally scored networks still record their scan")
	_, ok = store.Candidate(disabled.NetworkID)
	assert.False(t, ok)

	req, _ = newRequest(psk("untrusted", "00:00:00:00:00:05", 5180, -50))
	req.UntrustedAllowed = true
	assert.NotNil(t, e.Evaluate(req))
}

func TestSavedEvaluatePicksHighestScore(t *testing.T) {
	store := NewMemoryProfileStore(saved(1, "home", pkg.SecurityPSK), saved(2, "cafe", pkg.SecurityOpen))
	e := NewSavedNetworkEvaluator(scoring.NewParams(), store, nil, nil)

	req, log := newRequest(
		open("cafe", bssidC, 5180, -40),
		psk("home", bssidA, 2437, -75),
		psk("home", bssidB, 5180, -65),
	)
	best := e.Evaluate(req)
	require.NotNil(t, best)
	assert.Equal(t, `"home"`, best.SSID)
	assert.Len(t, log.calls, 3)

	rec, ok := store.Candidate(1)
	require.True(t, ok)
	assert.Equal(t, bssidB, rec.Scan.BSSID)
}

func TestTransitionModeScanMatchesSaeProfile(t *testing.T) {
	sae := saved(1, "home", pkg.SecuritySAE)
	store := NewMemoryProfileStore(sae)
	e := NewSavedNetworkEvaluator(scoring.NewParams(), store, nil, nil)

	scan := psk("home", bssidA, 5180, -60)
	scan.Capabilities = "[WPA2-PSK+SAE-CCMP][ESS]"
	req, _ := newRequest(scan)
	assert.Same(t, sae, e.Evaluate(req))
}

func chooseBssid(t *testing.T, e *SavedNetworkEvaluator, current *pkg.NetworkProfile, currentBssid string, scans ...*pkg.ScanObservation) string {
	t.Helper()
	req, _ := newRequest(scans...)
	req.Current = current
	req.CurrentBssid = currentBssid
	e.Evaluate(req)
	winner := req.Candidates.Choose(candidates.EvaluatorScorer{})
	require.NotNil(t, winner)
	return winner.Candidate.Scan.BSSID
}

// TestStickToCurrentBssidWithinAwardMargin tests the same-bssid award against rssi deltas
func TestStickToCurrentBssidWithinAwardMargin(t *testing.T) {
	home := saved(1, "home", pkg.SecurityPSK)
	params := scoring.NewParams()
	margin := params.SameBssidAward() / params.RssiScoreSlope()

	noRoaming := NewSavedNetworkEvaluator(params, NewMemoryProfileStore(home), StaticCapabilities{}, nil)
	assert.Equal(t, bssidA, chooseBssid(t, noRoaming, home, bssidA,
		psk("home", bssidA, 5180, -62), psk("home", bssidB, 5180, -60)))
	assert.Equal(t, bssidB, chooseBssid(t, noRoaming, home, bssidA,
		psk("home", bssidA, 5180, -60-margin-1), psk("home", bssidB, 5180, -60)))

	roaming := NewSavedNetworkEvaluator(params, NewMemoryProfileStore(home), StaticCapabilities{FirmwareRoaming: true}, nil)
	assert.Equal(t, bssidB, chooseBssid(t, roaming, home, bssidA,
		psk("home", bssidA, 5180, -62), psk("home", bssidB, 5180, -60)),
		"with firmware roaming every bssid of the current network gets the award")
}

// TestFirmwareRoamingBandScenario mirrors a dual-band network where the current
// link is on 2.4 GHz and the 5 GHz radio of the same network is visible
func TestFirmwareRoamingBandScenario(t *testing.T) {
	home := saved(1, "home", pkg.SecurityPSK)
	params := scoring.NewParams()
	scans := []*pkg.ScanObservation{psk("home", bssidA, 2437, -65), psk("home", bssidB, 5180, -65)}

	noRoaming := NewSavedNetworkEvaluator(params, NewMemoryProfileStore(home), StaticCapabilities{}, nil)
	assert.Equal(t, bssidA, chooseBssid(t, noRoaming, home, bssidA, scans...))

	roaming := NewSavedNetworkEvaluator(params, NewMemoryProfileStore(home), StaticCapabilities{FirmwareRoaming: true}, nil)
	assert.Equal(t, bssidB, chooseBssid(t, roaming, home, bssidA, scans...))
}

type fixedClock int64

func (c fixedClock) ElapsedSinceBootMillis() int64 { return int64(c) }

func TestHistoryBreaksTies(t *testing.T) {
	card := scorecard.New(fixedClock(0), nil, nil, nil)
	info := &pkg.LinkInfo{SSID: "home", BSSID: bssidB, Frequency: 5180, RSSI: -60}
	card.NoteConnectionAttempt(info)
	card.NoteValidationSuccess(info)

	home := saved(1, "home", pkg.SecurityPSK)
	e := NewSavedNetworkEvaluator(scoring.NewParams(), NewMemoryProfileStore(home), nil, nil).WithScoreCard(card)
	assert.Equal(t, bssidB, chooseBssid(t, e, nil, "",
		psk("home", bssidA, 5180, -60), psk("home", bssidB, 5180, -60)))
}

func carrierSetup(cfg *StaticCarrierConfig) (*CarrierNetworkEvaluator, *MemoryProfileStore) {
	store := NewMemoryProfileStore()
	return NewCarrierNetworkEvaluator(scoring.NewParams(), store, cfg, nil), store
}

func carrierConfig(available, encryption bool) *StaticCarrierConfig {
	return &StaticCarrierConfig{
		Available:           available,
		EncryptionAvailable: encryption,
		Networks: map[string]pkg.EAPMethod{
			"CarrierWiFi": pkg.EAPAKA,
			"CarrierPEAP": pkg.EAPPEAP,
		},
	}
}

// TestCarrierGating tests that nothing happens unless both predicates hold
func TestCarrierGating(t *testing.T) {
	for _, tc := range []struct{ available, encryption bool }{{false, false}, {true, false}, {false, true}} {
		e, store := carrierSetup(carrierConfig(tc.available, tc.encryption))
		req, log := newRequest(
			eap("CarrierWiFi", bssidA, 5180, -50),
			eap("CarrierWiFi", bssidB, 2437, -60),
			eap("CarrierWiFi", bssidC, 5180, -70),
		)
		assert.Nil(t, e.Evaluate(req))
		assert.Equal(t, 0, req.Candidates.Size())
		assert.Empty(t, log.calls)
		assert.Empty(t, store.Profiles())
	}
}

func TestCarrierEvaluate(t *testing.T) {
	e, store := carrierSetup(carrierConfig(true, true))
	req, log := newRequest(
		eap("CarrierWiFi", bssidA, 2437, -72),
		eap("CarrierWiFi", bssidB, 5180, -58),
		psk("CarrierWiFi", bssidC, 5180, -40),
		eap("CarrierPEAP", "00:00:00:00:00:09", 5180, -40),
		eap("Corp", "00:00:00:00:00:0a", 5180, -40),
	)
	best := e.Evaluate(req)

	require.NotNil(t, best)
	assert.Equal(t, `"CarrierWiFi"`, best.SSID)
	assert.True(t, best.Ephemeral)
	assert.True(t, best.HasCredentials)
	assert.Equal(t, pkg.EAPAKA, best.EAPMethod)
	assert.NotEqual(t, pkg.InvalidNetworkID, best.NetworkID)

	assert.Equal(t, []string{bssidA, bssidB}, log.calls)
	require.Len(t, store.Profiles(), 1, "one ephemeral profile per carrier network")

	c := req.Candidates.Choose(candidates.EvaluatorScorer{})
	require.NotNil(t, c)
	assert.Equal(t, bssidB, c.Candidate.Scan.BSSID)
	assert.Equal(t, IDCarrier, c.Candidate.EvaluatorID)
	assert.Equal(t, (-58+85)*4+16, c.Candidate.Score)
}

func TestCarrierReturnsStrongestRssi(t *testing.T) {
	cfg := carrierConfig(true, true)
	cfg.Networks["OtherCarrier"] = pkg.EAPSIM
	e, _ := carrierSetup(cfg)

	// bssidB scores higher thanks to the 5 GHz award, bssidA has the stronger signal
	req, _ := newRequest(
		eap("CarrierWiFi", bssidB, 5180, -62),
		eap("OtherCarrier", bssidA, 2437, -60),
	)
	best := e.Evaluate(req)
	require.NotNil(t, best)
	assert.Equal(t, `"OtherCarrier"`, best.SSID)
}

func TestCarrierSkipsDisabledProfile(t *testing.T) {
	e, store := carrierSetup(carrierConfig(true, true))
	disabled := &pkg.NetworkProfile{NetworkID: 7, SSID: `"CarrierWiFi"`, Security: pkg.SecurityEAP, Ephemeral: true, SelectionDisabled: true}
	store.Add(disabled)

	req, log := newRequest(eap("CarrierWiFi", bssidA, 5180, -50))
	assert.Nil(t, e.Evaluate(req))
	assert.Empty(t, log.calls)
	assert.Equal(t, 0, req.Candidates.Size())
}

func TestCarrierAfterSavedReplacesCandidate(t *testing.T) {
	store := NewMemoryProfileStore(saved(1, "CarrierWiFi", pkg.SecurityEAP))
	savedEval := NewSavedNetworkEvaluator(scoring.NewParams(), store, nil, nil)
	carrier := NewCarrierNetworkEvaluator(scoring.NewParams(), store, carrierConfig(true, true), nil)

	req, _ := newRequest(eap("CarrierWiFi", bssidA, 5180, -60))
	require.NotNil(t, savedEval.Evaluate(req))
	require.NotNil(t, carrier.Evaluate(req))
	assert.Equal(t, 1, req.Candidates.Size())
	assert.Equal(t, 0, req.Candidates.FaultCount())
	assert.Equal(t, IDCarrier, req.Candidates.Candidates()[0].EvaluatorID)

	// running them out of order is a caller fault
	req2, _ := newRequest(eap("CarrierWiFi", bssidA, 5180, -60))
	carrier.Evaluate(req2)
	savedEval.Evaluate(req2)
	assert.Equal(t, 1, req2.Candidates.FaultCount())
}

// curve scores 0 below -90 dBm and 10 more per 10 dB above
var testCurve = RssiCurve{Start: -100, BucketWidth: 10, Buckets: []int{0, 10, 20, 30, 40, 50, 60, 70}}

func scoredSetup(t *testing.T, profiles ...*pkg.NetworkProfile) (*ScoredNetworkEvaluator, *MemoryScoreCache, *MemoryProfileStore) {
	t.Helper()
	store := NewMemoryProfileStore(profiles...)
	cache := NewMemoryScoreCache()
	return NewScoredNetworkEvaluator(store, cache, nil), cache, store
}

func externallyScored(id int, ssid string, st pkg.SecurityType) *pkg.NetworkProfile {
	p := saved(id, ssid, st)
	p.UseExternalScores = true
	return p
}

func TestRssiCurveLookup(t *testing.T) {
	tests := []struct {
		rssi   int
		active bool
		want   int
	}{
		{-120, false, 0},
		{-100, false, 0},
		{-91, false, 0},
		{-90, false, 10},
		{-65, false, 30},
		{-65, true, 50},
		{-20, false, 70},
	}
	curve := testCurve
	curve.ActiveBoost = 20
	for _, tc := range tests {
		assert.Equal(t, tc.want, curve.Lookup(tc.rssi, tc.active), "rssi %d active %v", tc.rssi, tc.active)
	}
}

func TestScoreCachePutValidates(t *testing.T) {
	cache := NewMemoryScoreCache()
	err := cache.Put(
		ExternalScore{SSID: "cafe", BSSID: bssidA, Curve: testCurve},
		ExternalScore{SSID: "cafe", BSSID: "nope", Curve: testCurve},
	)
	require.Error(t, err)
	assert.Equal(t, 0, cache.Len(), "a rejected batch stores nothing")

	assert.Error(t, cache.Put(ExternalScore{SSID: "cafe", BSSID: bssidA}))
	assert.Error(t, cache.Put(ExternalScore{BSSID: bssidA, Curve: testCurve}))

	require.NoError(t, cache.Put(ExternalScore{SSID: "cafe", BSSID: "6C:F3:7F:AE:8C:F3", Curve: testCurve}))
	_, ok := cache.Lookup(open("cafe", bssidA, 2437, -60))
	assert.True(t, ok, "bssid case does not matter")
	cache.Clear()
	assert.Equal(t, 0, cache.Len())
}

func TestScoredRequiresExternallyScoredAllowed(t *testing.T) {
	e, cache, store := scoredSetup(t)
	require.NoError(t, cache.Put(ExternalScore{SSID: "cafe", BSSID: bssidA, Curve: testCurve}))

	req, log := newRequest(open("cafe", bssidA, 2437, -60))
	req.UntrustedAllowed = true
	assert.Nil(t, e.Evaluate(req))
	assert.Empty(t, log.calls)
	assert.Empty(t, store.Profiles())
}

func TestScoredUntrustedNotAllowed(t *testing.T) {
	e, cache, store := scoredSetup(t)
	require.NoError(t, cache.Put(ExternalScore{SSID: "cafe", BSSID: bssidA, Curve: testCurve}))

	req, _ := newRequest(open("cafe", bssidA, 2437, -60))
	req.AllowExternallyScored = true
	assert.Nil(t, e.Evaluate(req))
	assert.Equal(t, 0, req.Candidates.Size())
	assert.Empty(t, store.Profiles())
}

func TestScoredChoosesHighestScoredUntrusted(t *testing.T) {
	e, cache, store := scoredSetup(t)
	require.NoError(t, cache.Put(
		ExternalScore{SSID: "cafe", BSSID: bssidA, Curve: testCurve},
		ExternalScore{SSID: "library", BSSID: bssidB, Curve: testCurve, Metered: true},
		ExternalScore{SSID: "locked", BSSID: bssidC, Curve: testCurve},
	))

	req, log := newRequest(
		open("cafe", bssidA, 2437, -75),
		open("library", bssidB, 2437, -55),
		psk("locked", bssidC, 5180, -30),
		open("unscored", "00:00:00:00:00:09", 5180, -30),
	)
	req.AllowExternallyScored = true
	req.UntrustedAllowed = true
	best := e.Evaluate(req)

	require.NotNil(t, best)
	assert.Equal(t, `"library"`, best.SSID)
	assert.True(t, best.Ephemeral)
	assert.False(t, best.Trusted)
	assert.True(t, best.Metered)
	assert.NotEqual(t, pkg.InvalidNetworkID, best.NetworkID)

	assert.Equal(t, []string{bssidA, bssidB}, log.calls, "both open networks are connectable")
	assert.Len(t, store.Profiles(), 2)
	c := req.Candidates.Choose(candidates.EvaluatorScorer{})
	require.NotNil(t, c)
	assert.Equal(t, bssidB, c.Candidate.Scan.BSSID)
	assert.Equal(t, IDScored, c.Candidate.EvaluatorID)
	assert.Equal(t, 40, c.Candidate.Score)
}

func TestScoredTrustedWinsTie(t *testing.T) {
	home := externallyScored(1, "home", pkg.SecurityPSK)
	e, cache, _ := scoredSetup(t, home)
	require.NoError(t, cache.Put(
		ExternalScore{SSID: "cafe", BSSID: bssidA, Curve: testCurve},
		ExternalScore{SSID: "home", BSSID: bssidB, Curve: testCurve},
	))

	req, _ := newRequest(
		open("cafe", bssidA, 2437, -60),
		psk("home", bssidB, 2437, -60),
	)
	req.AllowExternallyScored = true
	req.UntrustedAllowed = true
	best := e.Evaluate(req)

	require.NotNil(t, best)
	assert.Equal(t, home.NetworkID, best.NetworkID)
	c := req.Candidates.Choose(candidates.EvaluatorScorer{})
	require.NotNil(t, c)
	assert.Equal(t, bssidB, c.Candidate.Scan.BSSID)
}

func TestScoredUntrustedWithHigherScoreWins(t *testing.T) {
	e, cache, _ := scoredSetup(t, externallyScored(1, "home", pkg.SecurityPSK))
	require.NoError(t, cache.Put(
		ExternalScore{SSID: "cafe", BSSID: bssidA, Curve: testCurve},
		ExternalScore{SSID: "home", BSSID: bssidB, Curve: testCurve},
	))

	req, _ := newRequest(
		psk("home", bssidB, 2437, -70),
		open("cafe", bssidA, 2437, -50),
	)
	req.AllowExternallyScored = true
	req.UntrustedAllowed = true
	best := e.Evaluate(req)
	require.NotNil(t, best)
	assert.Equal(t, `"cafe"`, best.SSID)
}

func TestScoredSkipsProfilesWithoutExternalScores(t *testing.T) {
	e, cache, _ := scoredSetup(t, saved(1, "home", pkg.SecurityPSK))
	require.NoError(t, cache.Put(ExternalScore{SSID: "home", BSSID: bssidA, Curve: testCurve}))

	req, log := newRequest(psk("home", bssidA, 5180, -50))
	req.AllowExternallyScored = true
	assert.Nil(t, e.Evaluate(req))
	assert.Empty(t, log.calls)
}

func TestScoredActiveNetworkBoost(t *testing.T) {
	home := externallyScored(1, "home", pkg.SecurityPSK)
	e, cache, _ := scoredSetup(t, home)
	curve := testCurve
	curve.ActiveBoost = 20
	require.NoError(t, cache.Put(
		ExternalScore{SSID: "home", BSSID: bssidA, Curve: curve},
		ExternalScore{SSID: "home", BSSID: bssidB, Curve: curve},
	))

	req, _ := newRequest(
		psk("home", bssidA, 2437, -65),
		psk("home", bssidB, 2437, -60),
	)
	req.AllowExternallyScored = true
	req.Current = home
	req.CurrentBssid = bssidA
	require.NotNil(t, e.Evaluate(req))

	c := req.Candidates.Choose(candidates.EvaluatorScorer{})
	require.NotNil(t, c)
	assert.Equal(t, bssidA, c.Candidate.Scan.BSSID)
	assert.Equal(t, 50, c.Candidate.Score)
}

func TestScoredNoScoresNoCandidate(t *testing.T) {
	e, _, store := scoredSetup(t, externallyScored(1, "home", pkg.SecurityPSK))
	req, log := newRequest(
		psk("home", bssidA, 5180, -50),
		open("cafe", bssidB, 2437, -50),
	)
	req.AllowExternallyScored = true
	req.UntrustedAllowed = true
	assert.Nil(t, e.Evaluate(req))
	assert.Empty(t, log.calls)
	assert.Len(t, store.Profiles(), 1)

	assert.Nil(t, NewScoredNetworkEvaluator(store, nil, nil).Evaluate(req))
}

func TestScoredSkipsDisabledEphemeral(t *testing.T) {
	e, cache, store := scoredSetup(t)
	store.Add(&pkg.NetworkProfile{NetworkID: 4, SSID: `"cafe"`, Security: pkg.SecurityOpen, Ephemeral: true, SelectionDisabled: true})
	require.NoError(t, cache.Put(ExternalScore{SSID: "cafe", BSSID: bssidA, Curve: testCurve}))

	req, _ := newRequest(open("cafe", bssidA, 2437, -50))
	req.AllowExternallyScored = true
	req.UntrustedAllowed = true
	assert.Nil(t, e.Evaluate(req))
	assert.Equal(t, 0, req.Candidates.Size())
}

func TestUnscoredNetworks(t *testing.T) {
	e, cache, _ := scoredSetup(t)
	require.NoError(t, cache.Put(ExternalScore{SSID: "cafe", BSSID: bssidA, Curve: testCurve}))

	unscored := e.UnscoredNetworks([]*pkg.ScanObservation{
		open("cafe", bssidA, 2437, -60),
		open("library", bssidB, 2437, -60),
		open("library", "6C:F3:7F:AE:8C:F4", 2437, -58),
		open("", bssidC, 2437, -60),
		nil,
	})
	require.Len(t, unscored, 1)
	assert.Equal(t, bssidB, unscored[0].BSSID)
}

func TestProfileStoreIgnoresNil(t *testing.T) {
	store := NewMemoryProfileStore(nil, saved(1, "home", pkg.SecurityPSK), nil)
	assert.Len(t, store.Profiles(), 1)

	assert.NotPanics(t, func() {
		assert.Nil(t, store.Add(nil))
	})
	assert.Len(t, store.Profiles(), 1)

	_, err := store.AddOrUpdateEphemeral(nil)
	assert.Error(t, err)
}
