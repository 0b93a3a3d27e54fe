package scorecard

import (
	"fmt"
	"sort"

	"github.com/markus-lassfolk/wifiscore/pkg"
)

// Event is a connection lifecycle event that produces a signal sample
type Event int32

const (
	EventSignalPoll Event = iota + 1
	EventScanBeforeConnect
	EventFirstPollAfterConnection
	EventIPConfigurationSuccess
	EventConnectionFailure
	EventIPReachabilityLost
	EventLastPollBeforeRoam
	EventRoamSuccess
	EventWifiDisabled
	EventRoamFailure
	EventLastPollBeforeSwitch
	EventValidationSuccess
)

var eventNames = map[Event]string{
	EventSignalPoll:               "SIGNAL_POLL",
	EventScanBeforeConnect:        "SCAN_BEFORE_CONNECT",
	EventFirstPollAfterConnection: "FIRST_POLL_AFTER_CONNECTION",
	EventIPConfigurationSuccess:   "IP_CONFIGURATION_SUCCESS",
	EventConnectionFailure:        "CONNECTION_FAILURE",
	EventIPReachabilityLost:       "IP_REACHABILITY_LOST",
	EventLastPollBeforeRoam:       "LAST_POLL_BEFORE_ROAM",
	EventRoamSuccess:              "ROAM_SUCCESS",
	EventWifiDisabled:             "WIFI_DISABLED",
	EventRoamFailure:              "ROAM_FAILURE",
	EventLastPollBeforeSwitch:     "LAST_POLL_BEFORE_SWITCH",
	EventValidationSuccess:        "VALIDATION_SUCCESS",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("EVENT(%d)", int32(e))
}

// Valid reports whether e is a known event
func (e Event) Valid() bool {
	_, ok := eventNames[e]
	return ok
}

// tracksElapsed is false for events that happen continuously rather than once per connection
func (e Event) tracksElapsed() bool {
	return e != EventSignalPoll && e != EventIPReachabilityLost
}

// Signal holds the statistics for one (event, frequency) pair
type Signal struct {
	Event     Event
	Frequency int
	RSSI      *Statistic
	LinkSpeed *Statistic
	ElapsedMs *Statistic // nil for events without timing
}

func newSignal(event Event, frequency int) *Signal {
	s := &Signal{
		Event:     event,
		Frequency: frequency,
		RSSI:      NewStatistic(),
		LinkSpeed: NewStatistic(),
	}
	if event.tracksElapsed() {
		s.ElapsedMs = NewStatistic()
	}
	return s
}

func (s *Signal) merge(persisted *Signal) {
	s.RSSI.Merge(persisted.RSSI)
	s.LinkSpeed.Merge(persisted.LinkSpeed)
	if persisted.ElapsedMs != nil {
		if s.ElapsedMs == nil {
			s.ElapsedMs = NewStatistic()
		}
		s.ElapsedMs.Merge(persisted.ElapsedMs)
	}
}

type signalKey struct {
	event     Event
	frequency int
}

// AccessPoint is the statistics ledger of one physical access point. It is not
// safe for concurrent use on its own; ScoreCard serializes access to the ledgers
// it owns.
type AccessPoint struct {
	ID    int32
	SSID  string
	BSSID pkg.MacAddress

	security      pkg.SecurityType
	securityKnown bool

	l2Key       string
	signals     map[signalKey]*Signal
	changed     bool
	readPending bool
}

// NewAccessPoint creates an empty ledger. The SSID is stored in quoted form.
func NewAccessPoint(ssid string, bssid pkg.MacAddress) *AccessPoint {
	return &AccessPoint{
		SSID:    normalizeSSID(ssid),
		BSSID:   bssid,
		signals: make(map[signalKey]*Signal),
	}
}

func normalizeSSID(ssid string) string {
	if ssid == "" {
		return ""
	}
	return pkg.QuoteSSID(pkg.UnquoteSSID(ssid))
}

// L2Key is the external store key, empty for ledgers not owned by a ScoreCard
func (ap *AccessPoint) L2Key() string { return ap.l2Key }

// Changed reports whether live samples arrived since the last write
func (ap *AccessPoint) Changed() bool { return ap.changed }

// SecurityType returns the recorded security type, if any
func (ap *AccessPoint) SecurityType() (pkg.SecurityType, bool) {
	return ap.security, ap.securityKnown
}

// SetSecurityType records the security type the access point was seen with
func (ap *AccessPoint) SetSecurityType(st pkg.SecurityType) {
	if ap.securityKnown && ap.security == st {
		return
	}
	ap.security = st
	ap.securityKnown = true
	ap.changed = true
}

// LookupSignal returns the record for (event, frequency), creating it on first use.
// The same record is returned for the lifetime of the ledger.
func (ap *AccessPoint) LookupSignal(event Event, frequency int) *Signal {
	k := signalKey{event: event, frequency: frequency}
	s, ok := ap.signals[k]
	if !ok {
		s = newSignal(event, frequency)
		ap.signals[k] = s
	}
	return s
}

// RecordSample adds one observation. Invalid RSSI, non-positive link speed and
// negative elapsed time are not recorded.
func (ap *AccessPoint) RecordSample(event Event, frequency, rssi, linkSpeed int, elapsedMs int64) {
	s := ap.LookupSignal(event, frequency)
	if rssi != pkg.InvalidRSSI {
		s.RSSI.Update(float64(rssi))
		ap.changed = true
	}
	if linkSpeed > 0 {
		s.LinkSpeed.Update(float64(linkSpeed))
		ap.changed = true
	}
	if s.ElapsedMs != nil && elapsedMs >= 0 {
		s.ElapsedMs.Update(float64(elapsedMs))
		ap.changed = true
	}
}

// Signals returns the records ordered by event, then frequency
func (ap *AccessPoint) Signals() []*Signal {
	out := make([]*Signal, 0, len(ap.signals))
	for _, s := range ap.signals {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Event != out[j].Event {
			return out[i].Event < out[j].Event
		}
		return out[i].Frequency < out[j].Frequency
	})
	return out
}

// Merge folds a persisted ledger into this one. Live samples are kept. A ledger
// for a different access point, or one recorded with a different security type,
// is rejected.
func (ap *AccessPoint) Merge(persisted *AccessPoint) error {
	if persisted == nil {
		return nil
	}
	ctx := map[string]interface{}{"bssid": ap.BSSID.String(), "ssid": ap.SSID}
	if !persisted.BSSID.IsZero() && persisted.BSSID != ap.BSSID {
		ctx["persisted_bssid"] = persisted.BSSID.String()
		return pkg.NewFault(pkg.DataIntegrityFault, "scorecard.merge", "bssid mismatch", ctx)
	}
	if persisted.SSID != "" && ap.SSID != "" && persisted.SSID != ap.SSID {
		return pkg.NewFault(pkg.DataIntegrityFault, "scorecard.merge", "ssid mismatch", ctx)
	}
	if persisted.ID != 0 && ap.ID != 0 && persisted.ID != ap.ID {
		return pkg.NewFault(pkg.DataIntegrityFault, "scorecard.merge", "ledger id mismatch", ctx)
	}
	if persisted.securityKnown && ap.securityKnown && persisted.security != ap.security {
		ctx["security"] = ap.security.String()
		ctx["persisted_security"] = persisted.security.String()
		return pkg.NewFault(pkg.DataIntegrityFault, "scorecard.merge", "security type mismatch", ctx)
	}

	if persisted.securityKnown && !ap.securityKnown {
		ap.security = persisted.security
		ap.securityKnown = true
	}
	if ap.ID == 0 {
		ap.ID = persisted.ID
	}
	for _, ps := range persisted.Signals() {
		ap.LookupSignal(ps.Event, ps.Frequency).merge(ps)
	}
	return nil
}

// MergeFromPersisted decodes an address-free blob and merges it. Empty input
// returns pkg.ErrNoData and leaves the ledger untouched.
func (ap *AccessPoint) MergeFromPersisted(blob []byte) error {
	persisted, err := UnmarshalAccessPoint(blob)
	if err != nil {
		return err
	}
	return ap.Merge(persisted)
}

// ConnectionSuccessRate is the share of recorded connection outcomes that reached
// internet validation. ok is false when no outcome has been recorded.
func (ap *AccessPoint) ConnectionSuccessRate() (rate float64, ok bool) {
	var validated, failed int64
	for _, s := range ap.signals {
		switch s.Event {
		case EventValidationSuccess:
			validated += s.RSSI.Count()
		case EventConnectionFailure:
			failed += s.RSSI.Count()
		}
	}
	if validated+failed == 0 {
		return 0, false
	}
	return float64(validated) / float64(validated+failed), true
}
