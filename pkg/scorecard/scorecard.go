package scorecard

import (
	"errors"
	"sort"
	"sync"

	"github.com/markus-lassfolk/wifiscore/pkg"
	"github.com/markus-lassfolk/wifiscore/pkg/logx"
)

const noTimestamp int64 = -1

// BlobStore is the slower external key/value store backing the ledgers. Read
// completes through the callback, possibly on another goroutine and possibly
// before Read returns. A missing key is reported as an empty value with a nil error.
type BlobStore interface {
	Read(key string, done func(value []byte, err error))
	Write(key string, value []byte) error
}

// BatchWriter is implemented by stores that can write many ledgers at once.
// DoWrites prefers it over one Write per ledger.
type BatchWriter interface {
	WriteBatch(entries map[string][]byte) error
}

// Observer is notified about persistence outcomes; metrics hook in here
type Observer interface {
	LedgerLoaded(outcome string)
	LedgerWritten(bytes int)
}

// Outcomes passed to Observer.LedgerLoaded
const (
	LoadMerged    = "merged"
	LoadColdStart = "cold_start"
	LoadCorrupt   = "corrupt"
	LoadRejected  = "rejected"
	LoadError     = "error"
)

// ScoreCard owns the ledgers of every access point seen since start (or the last
// Clear) and tracks the state of the current connection attempt.
type ScoreCard struct {
	mu       sync.Mutex
	clock    pkg.Clock
	keys     *KeyDeriver
	store    BlobStore
	observer Observer
	logger   *logx.Logger

	aps map[pkg.MacAddress]*AccessPoint

	tsStart             int64
	tsConnectionAttempt int64
	tsRoam              int64
	polled              bool
	validated           bool
}

// New creates a ScoreCard. store may be nil, in which case nothing is persisted.
func New(clock pkg.Clock, keys *KeyDeriver, store BlobStore, logger *logx.Logger) *ScoreCard {
	if logger == nil {
		logger = logx.Discard()
	}
	if keys == nil {
		keys = NewKeyDeriver("")
	}
	sc := &ScoreCard{
		clock:  clock,
		keys:   keys,
		store:  store,
		logger: logger,
		aps:    make(map[pkg.MacAddress]*AccessPoint),
	}
	sc.tsStart = clock.ElapsedSinceBootMillis()
	sc.resetConnectionStateLocked()
	return sc
}

// SetObserver installs a persistence observer
func (sc *ScoreCard) SetObserver(o Observer) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.observer = o
}

// LookupBssid returns the ledger for bssid, creating it on first sight and
// requesting any persisted history. A new SSID for a known BSSID starts a fresh
// ledger.
func (sc *ScoreCard) LookupBssid(ssid, bssid string) (*AccessPoint, error) {
	mac, err := pkg.ParseMacAddress(bssid)
	if err != nil {
		return nil, pkg.NewFault(pkg.DataIntegrityFault, "scorecard.lookup", "malformed bssid",
			map[string]interface{}{"bssid": bssid}).Wrap(err)
	}
	sc.mu.Lock()
	ap, created := sc.lookupLocked(ssid, mac)
	sc.mu.Unlock()

	if created {
		sc.requestRead(ap)
	}
	return ap, nil
}

// ConnectionSuccessRate reads the success rate of a known ledger without
// creating one
func (sc *ScoreCard) ConnectionSuccessRate(ssid, bssid string) (float64, bool) {
	mac, err := pkg.ParseMacAddress(bssid)
	if err != nil {
		return 0, false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	ap, ok := sc.aps[mac]
	if !ok || ap.SSID != normalizeSSID(ssid) {
		return 0, false
	}
	return ap.ConnectionSuccessRate()
}

// Len returns the number of ledgers held
func (sc *ScoreCard) Len() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.aps)
}

// Update runs fn on the ledger for bssid under the ScoreCard lock
func (sc *ScoreCard) Update(ssid, bssid string, fn func(ap *AccessPoint)) error {
	mac, err := pkg.ParseMacAddress(bssid)
	if err != nil {
		return pkg.NewFault(pkg.DataIntegrityFault, "scorecard.update", "malformed bssid",
			map[string]interface{}{"bssid": bssid}).Wrap(err)
	}
	sc.mu.Lock()
	ap, created := sc.lookupLocked(ssid, mac)
	fn(ap)
	sc.mu.Unlock()

	if created {
		sc.requestRead(ap)
	}
	return nil
}

func (sc *ScoreCard) lookupLocked(ssid string, mac pkg.MacAddress) (*AccessPoint, bool) {
	ssid = normalizeSSID(ssid)
	if ap, ok := sc.aps[mac]; ok && ap.SSID == ssid {
		return ap, false
	}
	ap := NewAccessPoint(ssid, mac)
	ap.ID = sc.keys.ID(ssid, mac)
	ap.l2Key = sc.keys.Key(ssid, mac)
	ap.readPending = sc.store != nil
	sc.aps[mac] = ap
	return ap, true
}

func (sc *ScoreCard) requestRead(ap *AccessPoint) {
	if sc.store == nil {
		return
	}
	key := ap.L2Key()
	sc.store.Read(key, func(value []byte, err error) {
		sc.handleRead(ap, value, err)
	})
}

func (sc *ScoreCard) handleRead(ap *AccessPoint, value []byte, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	ap.readPending = false
	if current, ok := sc.aps[ap.BSSID]; !ok || current != ap {
		// replaced or cleared while the read was in flight
		return
	}
	fields := map[string]interface{}{"key": ap.L2Key()}

	if err != nil {
		fields["error"] = err.Error()
		sc.logger.Warn("ledger read failed", fields)
		sc.notifyLoaded(LoadError)
		return
	}
	err = ap.MergeFromPersisted(value)
	switch {
	case err == nil:
		sc.logger.LogDebugVerbose("ledger_merged", fields)
		sc.notifyLoaded(LoadMerged)
	case errors.Is(err, pkg.ErrNoData):
		sc.notifyLoaded(LoadColdStart)
	case errors.Is(err, pkg.ErrPersistenceCorruption):
		fields["error"] = err.Error()
		sc.logger.Warn("discarding corrupt ledger", fields)
		sc.notifyLoaded(LoadCorrupt)
		// rewrite from live samples on the next flush
		ap.changed = true
	default:
		fields["error"] = err.Error()
		sc.logger.Warn("persisted ledger rejected", fields)
		sc.notifyLoaded(LoadRejected)
		ap.changed = true
	}
}

func (sc *ScoreCard) notifyLoaded(outcome string) {
	if sc.observer != nil {
		sc.observer.LedgerLoaded(outcome)
	}
}

// DoWrites flushes every changed ledger to the store in the address-free form and
// returns the number written. Ledgers still waiting for their persisted history
// are held back so they cannot overwrite it.
func (sc *ScoreCard) DoWrites() (int, error) {
	if sc.store == nil {
		return 0, nil
	}
	type pending struct {
		ap   *AccessPoint
		blob []byte
	}

	sc.mu.Lock()
	var batch []pending
	for _, ap := range sc.sortedLocked() {
		if !ap.changed || ap.readPending {
			continue
		}
		batch = append(batch, pending{ap: ap, blob: ap.Marshal(true)})
		ap.changed = false
	}
	observer := sc.observer
	sc.mu.Unlock()

	if bw, ok := sc.store.(BatchWriter); ok && len(batch) > 0 {
		entries := make(map[string][]byte, len(batch))
		for _, p := range batch {
			entries[p.ap.L2Key()] = p.blob
		}
		if err := bw.WriteBatch(entries); err != nil {
			sc.logger.Warn("ledger batch write failed", "count", len(batch), "error", err)
			sc.mu.Lock()
			for _, p := range batch {
				p.ap.changed = true
			}
			sc.mu.Unlock()
			return 0, err
		}
		if observer != nil {
			for _, p := range batch {
				observer.LedgerWritten(len(p.blob))
			}
		}
		sc.logger.Debug("ledgers written", "count", len(batch), "batched", true)
		return len(batch), nil
	}

	written := 0
	var firstErr error
	for _, p := range batch {
		if err := sc.store.Write(p.ap.L2Key(), p.blob); err != nil {
			sc.logger.Warn("ledger write failed", "key", p.ap.L2Key(), "error", err)
			sc.mu.Lock()
			p.ap.changed = true
			sc.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written++
		if observer != nil {
			observer.LedgerWritten(len(p.blob))
		}
	}
	if written > 0 {
		sc.logger.Debug("ledgers written", "count", written)
	}
	return written, firstErr
}

func (sc *ScoreCard) sortedLocked() []*AccessPoint {
	out := make([]*AccessPoint, 0, len(sc.aps))
	for _, ap := range sc.aps {
		out = append(out, ap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SSID != out[j].SSID {
			return out[i].SSID < out[j].SSID
		}
		return lessMac(out[i].BSSID, out[j].BSSID)
	})
	return out
}

func lessMac(a, b pkg.MacAddress) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Snapshot encodes every ledger grouped by network
func (sc *ScoreCard) Snapshot(omitAddress bool) []byte {
	return sc.NetworkList().Marshal(omitAddress)
}

// NetworkList builds the snapshot structure. The ledgers are deep copies.
func (sc *ScoreCard) NetworkList() *NetworkList {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	list := &NetworkList{
		StartTimeMillis: sc.tsStart,
		EndTimeMillis:   sc.clock.ElapsedSinceBootMillis(),
	}
	byNetwork := make(map[pkg.NetworkIdentity]*Network)
	for _, ap := range sc.sortedLocked() {
		id := pkg.NewNetworkIdentity(ap.SSID, ap.security)
		n, ok := byNetwork[id]
		if !ok {
			n = &Network{SSID: ap.SSID, Security: ap.security}
			byNetwork[id] = n
			list.Networks = append(list.Networks, n)
		}
		n.AccessPoints = append(n.AccessPoints, ap.clone())
	}
	return list
}

func (ap *AccessPoint) clone() *AccessPoint {
	c := *ap
	c.signals = make(map[signalKey]*Signal, len(ap.signals))
	for k, s := range ap.signals {
		cs := *s
		cs.RSSI = s.RSSI.Clone()
		cs.LinkSpeed = s.LinkSpeed.Clone()
		if s.ElapsedMs != nil {
			cs.ElapsedMs = s.ElapsedMs.Clone()
		}
		c.signals[k] = &cs
	}
	return &c
}

// Clear drops every ledger and the connection state. Persisted blobs are not
// touched.
func (sc *ScoreCard) Clear() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.aps = make(map[pkg.MacAddress]*AccessPoint)
	sc.tsStart = sc.clock.ElapsedSinceBootMillis()
	sc.resetConnectionStateLocked()
	sc.logger.Info("scorecard cleared")
}

// ResetConnectionState forgets the current connection attempt
func (sc *ScoreCard) ResetConnectionState() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.resetConnectionStateLocked()
}

func (sc *ScoreCard) resetConnectionStateLocked() {
	sc.tsConnectionAttempt = noTimestamp
	sc.tsRoam = noTimestamp
	sc.polled = false
	sc.validated = false
}

// NoteConnectionAttempt marks the start of an association and records the scan
// RSSI the decision was made on
func (sc *ScoreCard) NoteConnectionAttempt(info *pkg.LinkInfo) {
	sc.mu.Lock()
	sc.resetConnectionStateLocked()
	sc.tsConnectionAttempt = sc.clock.ElapsedSinceBootMillis()
	created := sc.updateLocked(EventScanBeforeConnect, info)
	sc.mu.Unlock()
	sc.readCreated(created)
}

// NoteConnectionFailure records a failed attempt and ends it
func (sc *ScoreCard) NoteConnectionFailure(info *pkg.LinkInfo) {
	sc.note(EventConnectionFailure, info, func() { sc.resetConnectionStateLocked() })
}

// NoteSignalPoll records a periodic link sample; the first poll of a connection
// is also recorded separately
func (sc *ScoreCard) NoteSignalPoll(info *pkg.LinkInfo) {
	sc.mu.Lock()
	var created []*AccessPoint
	if !sc.polled && info.RSSI != pkg.InvalidRSSI {
		created = append(created, sc.updateLocked(EventFirstPollAfterConnection, info)...)
		sc.polled = true
	}
	created = append(created, sc.updateLocked(EventSignalPoll, info)...)
	if sc.tsRoam != noTimestamp && info.RSSI != pkg.InvalidRSSI {
		created = append(created, sc.updateLocked(EventRoamSuccess, info)...)
		sc.tsRoam = noTimestamp
	}
	sc.mu.Unlock()
	sc.readCreated(created)
}

// NoteIPConfiguration records that the IP layer came up
func (sc *ScoreCard) NoteIPConfiguration(info *pkg.LinkInfo) {
	sc.note(EventIPConfigurationSuccess, info, nil)
}

// NoteValidationSuccess records the first successful internet validation of a connection
func (sc *ScoreCard) NoteValidationSuccess(info *pkg.LinkInfo) {
	sc.mu.Lock()
	if sc.validated {
		sc.mu.Unlock()
		return
	}
	sc.validated = true
	created := sc.updateLocked(EventValidationSuccess, info)
	sc.mu.Unlock()
	sc.readCreated(created)
}

// NoteIPReachabilityLost records a lost gateway
func (sc *ScoreCard) NoteIPReachabilityLost(info *pkg.LinkInfo) {
	sc.note(EventIPReachabilityLost, info, nil)
}

// NoteRoam records the last poll before a firmware roam
func (sc *ScoreCard) NoteRoam(info *pkg.LinkInfo) {
	sc.note(EventLastPollBeforeRoam, info, func() {
		sc.tsRoam = sc.clock.ElapsedSinceBootMillis()
	})
}

// NoteRoamFailure records a roam that did not complete
func (sc *ScoreCard) NoteRoamFailure(info *pkg.LinkInfo) {
	sc.note(EventRoamFailure, info, func() { sc.tsRoam = noTimestamp })
}

// NoteSwitchAway records the last poll before moving to a different network
func (sc *ScoreCard) NoteSwitchAway(info *pkg.LinkInfo) {
	sc.note(EventLastPollBeforeSwitch, info, nil)
}

// NoteWifiDisabled records the last poll before the radio is turned off
func (sc *ScoreCard) NoteWifiDisabled(info *pkg.LinkInfo) {
	sc.note(EventWifiDisabled, info, func() { sc.resetConnectionStateLocked() })
}

func (sc *ScoreCard) note(event Event, info *pkg.LinkInfo, after func()) {
	sc.mu.Lock()
	created := sc.updateLocked(event, info)
	if after != nil {
		after()
	}
	sc.mu.Unlock()
	sc.readCreated(created)
}

func (sc *ScoreCard) readCreated(created []*AccessPoint) {
	for _, ap := range created {
		sc.requestRead(ap)
	}
}

// updateLocked records the sample and returns any ledger it had to create
func (sc *ScoreCard) updateLocked(event Event, info *pkg.LinkInfo) []*AccessPoint {
	if info == nil {
		return nil
	}
	mac, err := pkg.ParseMacAddress(info.BSSID)
	if err != nil || mac.IsZero() {
		sc.logger.Debug("sample without usable bssid", "event", event.String(), "bssid", info.BSSID)
		return nil
	}
	ap, created := sc.lookupLocked(info.SSID, mac)

	elapsed := noTimestamp
	if event.tracksElapsed() && sc.tsConnectionAttempt != noTimestamp {
		elapsed = sc.clock.ElapsedSinceBootMillis() - sc.tsConnectionAttempt
	}
	ap.RecordSample(event, info.Frequency, info.RSSI, info.LinkSpeedMbps, elapsed)

	if created {
		return []*AccessPoint{ap}
	}
	return nil
}
