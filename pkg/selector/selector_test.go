package selector

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/wifiscore/pkg"
	"github.com/markus-lassfolk/wifiscore/pkg/evaluator"
	"github.com/markus-lassfolk/wifiscore/pkg/scoring"
)

const (
	bssidA = "6c:f3:7f:ae:8c:f3"
	bssidB = "6c:f3:7f:ae:8c:f4"
	bssidC = "6c:f3:7f:ae:8d:f1"
)

type fakeClock struct{ now int64 }

func (c *fakeClock) ElapsedSinceBootMillis() int64 { return c.now }
func (c *fakeClock) advance(d time.Duration)       { c.now += d.Milliseconds() }

type recorder struct{ selections []*Selection }

func (r *recorder) SelectionMade(sel *Selection) { r.selections = append(r.selections, sel) }

func psk(ssid, bssid string, freq, rssi int) *pkg.ScanObservation {
	return &pkg.ScanObservation{SSID: ssid, BSSID: bssid, Frequency: freq, RSSI: rssi, Capabilities: "[WPA2-PSK-CCMP][ESS]"}
}

func profile(id int, ssid string) *pkg.NetworkProfile {
	return &pkg.NetworkProfile{NetworkID: id, SSID: pkg.QuoteSSID(ssid), Security: pkg.SecurityPSK, HasCredentials: true, Trusted: true}
}

type fixture struct {
	clock    *fakeClock
	profiles *evaluator.MemoryProfileStore
	sel      *Selector
	rec      *recorder
}

func newFixture(caps evaluator.Capabilities, profiles ...*pkg.NetworkProfile) *fixture {
	f := &fixture{clock: &fakeClock{now: 100000}, profiles: evaluator.NewMemoryProfileStore(profiles...), rec: &recorder{}}
	params := scoring.NewParams()
	saved := evaluator.NewSavedNetworkEvaluator(params, f.profiles, caps, nil)
	f.sel = New(DefaultConfig(), params, f.clock, caps, nil, saved).WithCandidateCache(f.profiles)
	f.sel.AddListener(f.rec)
	return f
}

// TestSelectWhileDisconnected tests that the best scoring access point is chosen
func TestSelectWhileDisconnected(t *testing.T) {
	f := newFixture(nil, profile(1, "home"))

	sel := f.sel.SelectNetwork(&Request{
		State: Disconnected,
		Scans: []*pkg.ScanObservation{
			psk("home", bssidA, 5180, -60),
			psk("home", bssidB, 2437, -55),
		},
	})

	require.Empty(t, sel.Skipped)
	require.NotNil(t, sel.Candidate)
	assert.Equal(t, bssidA, sel.Candidate.Scan.BSSID)
	assert.Equal(t, `"home"`, sel.Profile.SSID)
	assert.Equal(t, 196, sel.Candidate.Score)
	assert.Len(t, sel.Connectable, 2)
	assert.Equal(t, `"home"`, sel.Evaluators["saved"])

	_, err := uuid.Parse(sel.CycleID)
	assert.NoError(t, err)

	require.Len(t, f.rec.selections, 1)
	assert.Same(t, sel, f.rec.selections[0])

	rec, ok := f.profiles.Candidate(1)
	require.True(t, ok)
	assert.Equal(t, bssidA, rec.Scan.BSSID)
}

func TestSelectSkipReasons(t *testing.T) {
	f := newFixture(nil, profile(1, "home"))

	sel := f.sel.SelectNetwork(&Request{State: Disconnected})
	assert.Equal(t, SkipNoScans, sel.Skipped)

	sel = f.sel.SelectNetwork(&Request{State: Connecting, Scans: []*pkg.ScanObservation{psk("home", bssidA, 5180, -60)}})
	assert.Equal(t, SkipInProgress, sel.Skipped)

	sel = f.sel.SelectNetwork(&Request{State: Disconnected, Scans: []*pkg.ScanObservation{psk("other", bssidA, 5180, -60)}})
	assert.Equal(t, SkipNoCandidates, sel.Skipped)
	assert.Nil(t, sel.Candidate)

	assert.Len(t, f.rec.selections, 3, "listeners hear about skipped cycles too")
}

// TestScanFiltering tests that malformed, blacklisted and weak observations never become candidates
func TestScanFiltering(t *testing.T) {
	f := newFixture(nil, profile(1, "home"))
	f.sel.Blacklist(bssidB)

	sel := f.sel.SelectNetwork(&Request{
		State: Disconnected,
		Scans: []*pkg.ScanObservation{
			nil,
			psk("home", "not-a-mac", 5180, -50),
			psk("home", "00:00:00:00:00:00", 5180, -50),
			psk("", bssidC, 5180, -50),
			psk("home", bssidB, 5180, -40),
			psk("home", bssidC, 5180, -78), // below the 5 GHz entry threshold
			psk("home", bssidA, 5180, -75),
		},
	})

	assert.Equal(t, 6, sel.Filtered)
	require.NotNil(t, sel.Candidate)
	assert.Equal(t, bssidA, sel.Candidate.Scan.BSSID)
	assert.Equal(t, 1, sel.Candidates.Size())
	assert.Len(t, f.sel.Connectable(), 1)

	f.sel.ClearBlacklist()
	f.clock.advance(time.Second)
	sel = f.sel.SelectNetwork(&Request{State: Disconnected, Scans: []*pkg.ScanObservation{psk("home", bssidB, 5180, -40)}})
	require.NotNil(t, sel.Candidate)
	assert.Equal(t, bssidB, sel.Candidate.Scan.BSSID)
}

// TestMinimumSelectionInterval tests that connected selection is rate limited
func TestMinimumSelectionInterval(t *testing.T) {
	home := profile(1, "home")
	f := newFixture(nil, home)
	// below the sufficient threshold, so selection is needed
	link := &pkg.LinkInfo{BSSID: bssidA, NetworkID: 1, Frequency: 5180, RSSI: -75}
	req := &Request{State: Connected, Link: link, Current: home, Scans: []*pkg.ScanObservation{psk("home", bssidA, 5180, -75)}}

	assert.Empty(t, f.sel.SelectNetwork(req).Skipped)

	f.clock.advance(9 * time.Second)
	assert.Equal(t, SkipTooSoon, f.sel.SelectNetwork(req).Skipped)

	f.clock.advance(time.Second)
	assert.Empty(t, f.sel.SelectNetwork(req).Skipped)

	// disconnected selection is never rate limited
	req.State = Disconnected
	assert.Empty(t, f.sel.SelectNetwork(req).Skipped)
}

// TestSufficiency tests when the current network is good enough to skip selection
func TestSufficiency(t *testing.T) {
	strong5 := psk("home", bssidB, 5180, -50)

	tests := []struct {
		name       string
		current    *pkg.NetworkProfile
		link       pkg.LinkInfo
		scans      []*pkg.ScanObservation
		sufficient bool
	}{
		{
			name:       "qualified rssi with traffic",
			current:    profile(1, "home"),
			link:       pkg.LinkInfo{Frequency: 2437, RSSI: -65, TxSuccessRate: 20},
			scans:      []*pkg.ScanObservation{strong5},
			sufficient: true,
		},
		{
			name:       "qualified rssi on 2.4 GHz with 5 GHz available",
			current:    profile(1, "home"),
			link:       pkg.LinkInfo{Frequency: 2437, RSSI: -65},
			scans:      []*pkg.ScanObservation{strong5},
			sufficient: false,
		},
		{
			name:       "qualified rssi on 2.4 GHz without 5 GHz",
			current:    profile(1, "home"),
			link:       pkg.LinkInfo{Frequency: 2437, RSSI: -65},
			scans:      []*pkg.ScanObservation{psk("home", bssidB, 2412, -50)},
			sufficient: true,
		},
		{
			name:       "unqualified rssi with traffic",
			current:    profile(1, "home"),
			link:       pkg.LinkInfo{Frequency: 5180, RSSI: -75, RxSuccessRate: 100},
			scans:      []*pkg.ScanObservation{strong5},
			sufficient: false,
		},
		{
			name:       "ephemeral",
			current:    &pkg.NetworkProfile{NetworkID: 1, SSID: `"home"`, Security: pkg.SecurityPSK, Ephemeral: true},
			link:       pkg.LinkInfo{Frequency: 5180, RSSI: -40, TxSuccessRate: 100},
			scans:      []*pkg.ScanObservation{strong5},
			sufficient: false,
		},
		{
			name:       "open",
			current:    &pkg.NetworkProfile{NetworkID: 1, SSID: `"home"`, Security: pkg.SecurityOpen},
			link:       pkg.LinkInfo{Frequency: 5180, RSSI: -40, TxSuccessRate: 100},
			scans:      []*pkg.ScanObservation{strong5},
			sufficient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil, profile(1, "home"))
			link := tt.link
			link.BSSID = bssidA
			sel := f.sel.SelectNetwork(&Request{State: Connected, Current: tt.current, Link: &link, Scans: tt.scans})
			if tt.sufficient {
				assert.Equal(t, SkipSufficient, sel.Skipped)
			} else {
				assert.NotEqual(t, SkipSufficient, sel.Skipped)
			}
		})
	}
}

func TestRecentUserSelectionIsSufficient(t *testing.T) {
	cafe := &pkg.NetworkProfile{NetworkID: 3, SSID: `"cafe"`, Security: pkg.SecurityOpen}
	f := newFixture(nil, cafe)
	link := &pkg.LinkInfo{BSSID: bssidA, NetworkID: 3, Frequency: 2437, RSSI: -78}
	req := &Request{State: Connected, Current: cafe, Link: link, Scans: []*pkg.ScanObservation{psk("home", bssidB, 5180, -50)}}

	f.sel.NoteUserSelection(3)
	f.clock.advance(30 * time.Second)
	assert.Equal(t, SkipSufficient, f.sel.SelectNetwork(req).Skipped)

	f.clock.advance(31 * time.Second)
	assert.NotEqual(t, SkipSufficient, f.sel.SelectNetwork(req).Skipped)
}

// TestStickToCurrentBssid tests that the current access point wins within the award margin
func TestStickToCurrentBssid(t *testing.T) {
	home := profile(1, "home")
	f := newFixture(nil, home)
	link := &pkg.LinkInfo{BSSID: bssidA, NetworkID: 1, Frequency: 2437, RSSI: -75}

	sel := f.sel.SelectNetwork(&Request{
		State:   Connected,
		Current: home,
		Link:    link,
		Scans: []*pkg.ScanObservation{
			psk("home", bssidA, 2437, -75),
			psk("home", bssidB, 2412, -73),
		},
	})
	require.NotNil(t, sel.Candidate)
	assert.Equal(t, bssidA, sel.Candidate.Scan.BSSID)
	assert.True(t, sel.Candidate.IsCurrentBssid)

	f.clock.advance(10 * time.Second)
	sel = f.sel.SelectNetwork(&Request{
		State:   Connected,
		Current: home,
		Link:    link,
		Scans: []*pkg.ScanObservation{
			psk("home", bssidA, 2437, -75),
			psk("home", bssidB, 2412, -65),
		},
	})
	require.NotNil(t, sel.Candidate)
	assert.Equal(t, bssidB, sel.Candidate.Scan.BSSID)
}

type namedEvaluator struct {
	id    int
	name  string
	order *[]string
}

func (e namedEvaluator) ID() int      { return e.id }
func (e namedEvaluator) Name() string { return e.name }
func (e namedEvaluator) Evaluate(*evaluator.Request) *pkg.NetworkProfile {
	*e.order = append(*e.order, e.name)
	return nil
}

// TestEvaluatorsRunInPrecedenceOrder tests that the declared order does not matter
func TestEvaluatorsRunInPrecedenceOrder(t *testing.T) {
	var order []string
	s := New(DefaultConfig(), scoring.NewParams(), &fakeClock{}, nil, nil,
		namedEvaluator{id: evaluator.IDCarrier, name: "carrier", order: &order},
		namedEvaluator{id: evaluator.IDSaved, name: "saved", order: &order},
		namedEvaluator{id: evaluator.IDPasspoint, name: "passpoint", order: &order},
	)
	assert.Equal(t, []string{"saved", "passpoint", "carrier"}, s.Evaluators())

	s.SelectNetwork(&Request{State: Disconnected, Scans: []*pkg.ScanObservation{psk("home", bssidA, 5180, -60)}})
	assert.Equal(t, []string{"saved", "passpoint", "carrier"}, order)
}

// TestCarrierEvaluatorInPipeline tests that synthesised carrier profiles reach the final pass
func TestCarrierEvaluatorInPipeline(t *testing.T) {
	clock := &fakeClock{}
	params := scoring.NewParams()
	profiles := evaluator.NewMemoryProfileStore()
	carrier := &evaluator.StaticCarrierConfig{
		Available:           true,
		EncryptionAvailable: true,
		Networks:            map[string]pkg.EAPMethod{"op": pkg.EAPAKA},
	}
	s := New(DefaultConfig(), params, clock, nil, nil,
		evaluator.NewCarrierNetworkEvaluator(params, profiles, carrier, nil),
		evaluator.NewSavedNetworkEvaluator(params, profiles, nil, nil),
	)

	scan := &pkg.ScanObservation{SSID: "op", BSSID: bssidA, Frequency: 5180, RSSI: -60, Capabilities: "[WPA2-EAP-CCMP][ESS]"}
	sel := s.SelectNetwork(&Request{State: Disconnected, Scans: []*pkg.ScanObservation{scan}})

	require.NotNil(t, sel.Candidate)
	assert.Equal(t, evaluator.IDCarrier, sel.Candidate.EvaluatorID)
	assert.True(t, sel.Profile.Ephemeral)
	assert.Zero(t, sel.Candidates.FaultCount())
}

// TestScoredEvaluatorInPipeline tests that externally scored networks are only
// considered when the policy allows them
func TestScoredEvaluatorInPipeline(t *testing.T) {
	for _, allow := range []bool{false, true} {
		params := scoring.NewParams()
		profiles := evaluator.NewMemoryProfileStore()
		cache := evaluator.NewMemoryScoreCache()
		require.NoError(t, cache.Put(evaluator.ExternalScore{
			SSID:  "cafe",
			BSSID: bssidA,
			Curve: evaluator.RssiCurve{Start: -100, BucketWidth: 10, Buckets: []int{10, 20, 30, 40, 50}},
		}))
		cfg := DefaultConfig()
		cfg.UntrustedAllowed = true
		cfg.AllowExternallyScored = allow
		s := New(cfg, params, &fakeClock{}, nil, nil,
			evaluator.NewSavedNetworkEvaluator(params, profiles, nil, nil),
			evaluator.NewScoredNetworkEvaluator(profiles, cache, nil),
		)

		scan := &pkg.ScanObservation{SSID: "cafe", BSSID: bssidA, Frequency: 2437, RSSI: -65, Capabilities: "[ESS]"}
		sel := s.SelectNetwork(&Request{State: Disconnected, Scans: []*pkg.ScanObservation{scan}})
		if !allow {
			assert.Equal(t, SkipNoCandidates, sel.Skipped)
			continue
		}
		require.NotNil(t, sel.Candidate)
		assert.Equal(t, evaluator.IDScored, sel.Candidate.EvaluatorID)
		assert.Equal(t, 40, sel.Candidate.Score)
		assert.True(t, sel.Profile.Ephemeral)
		assert.Equal(t, `"cafe"`, sel.Evaluators["scored"])
	}
}

func TestFirmwareRoamingConfig(t *testing.T) {
	caps := evaluator.StaticCapabilities{FirmwareRoaming: true, MaxBlacklist: 2, MaxWhitelist: 2}
	home := profile(1, "home")
	f := newFixture(caps, home, profile(2, "work"), profile(3, "cafe"))

	f.sel.Blacklist("02:00:00:00:00:01")
	f.sel.Blacklist("02:00:00:00:00:02")
	f.sel.Blacklist("02:00:00:00:00:03")
	f.sel.Blacklist("02:00:00:00:00:01") // refreshed, now the most recent

	f.sel.SelectNetwork(&Request{
		State: Disconnected,
		Scans: []*pkg.ScanObservation{
			psk("work", bssidA, 5180, -60),
			psk("cafe", bssidB, 5180, -60),
		},
	})

	rc := f.sel.FirmwareRoamingConfig(home)
	assert.Equal(t, []string{"02:00:00:00:00:03", "02:00:00:00:00:01"}, rc.BlacklistBssids)
	assert.Equal(t, []string{`"home"`, `"work"`}, rc.WhitelistSsids)

	none := newFixture(nil, home)
	assert.Empty(t, none.sel.FirmwareRoamingConfig(home).BlacklistBssids)
}
