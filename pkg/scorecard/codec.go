package scorecard

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/markus-lassfolk/wifiscore/pkg"
)

// Field numbers of the wire messages. The layout is protobuf compatible so blobs
// can be inspected with standard tooling.
const (
	// UnivariateStatistic
	fStatCount        protowire.Number = 1
	fStatSum          protowire.Number = 2
	fStatSumOfSquares protowire.Number = 3
	fStatMin          protowire.Number = 4
	fStatMax          protowire.Number = 5
	fStatHistMean     protowire.Number = 6
	fStatHistVariance protowire.Number = 7

	// Signal
	fSignalEvent     protowire.Number = 1
	fSignalFrequency protowire.Number = 2
	fSignalRSSI      protowire.Number = 3
	fSignalLinkSpeed protowire.Number = 4
	fSignalElapsedMs protowire.Number = 5

	// AccessPoint
	fAPID       protowire.Number = 1
	fAPBSSID    protowire.Number = 2
	fAPSecurity protowire.Number = 3
	fAPSignals  protowire.Number = 4

	// Network
	fNetSSID         protowire.Number = 1
	fNetSecurity     protowire.Number = 2
	fNetAccessPoints protowire.Number = 3

	// NetworkList
	fListStart    protowire.Number = 1
	fListEnd      protowire.Number = 2
	fListNetworks protowire.Number = 3
)

var errWireType = errors.New("unexpected wire type")

// Network groups ledgers of one logical network in a snapshot
type Network struct {
	SSID         string
	Security     pkg.SecurityType
	AccessPoints []*AccessPoint
}

// NetworkList is the full snapshot form of a ScoreCard
type NetworkList struct {
	StartTimeMillis int64
	EndTimeMillis   int64
	Networks        []*Network
}

// Marshal serializes the ledger. The address-free form omits the BSSID and is the
// only form written to the external store.
func (ap *AccessPoint) Marshal(omitAddress bool) []byte {
	return appendAccessPoint(nil, ap, omitAddress)
}

// UnmarshalAccessPoint decodes a ledger. Empty input yields pkg.ErrNoData; any
// malformed input yields a PersistenceCorruption fault.
func UnmarshalAccessPoint(b []byte) (*AccessPoint, error) {
	if len(b) == 0 {
		return nil, pkg.ErrNoData
	}
	ap, err := consumeAccessPoint(b)
	if err != nil {
		return nil, corruption("scorecard.unmarshal_access_point", len(b), err)
	}
	return ap, nil
}

// Marshal serializes the snapshot
func (l *NetworkList) Marshal(omitAddress bool) []byte {
	var b []byte
	if l.StartTimeMillis != 0 {
		b = protowire.AppendTag(b, fListStart, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(l.StartTimeMillis))
	}
	if l.EndTimeMillis != 0 {
		b = protowire.AppendTag(b, fListEnd, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(l.EndTimeMillis))
	}
	for _, n := range l.Networks {
		b = protowire.AppendTag(b, fListNetworks, protowire.BytesType)
		b = protowire.AppendBytes(b, appendNetwork(nil, n, omitAddress))
	}
	return b
}

// UnmarshalNetworkList decodes a snapshot with the same error contract as
// UnmarshalAccessPoint
func UnmarshalNetworkList(b []byte) (*NetworkList, error) {
	if len(b) == 0 {
		return nil, pkg.ErrNoData
	}
	l := &NetworkList{}
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fListStart, fListEnd:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return n, err
			}
			if num == fListStart {
				l.StartTimeMillis = int64(v)
			} else {
				l.EndTimeMillis = int64(v)
			}
			return n, nil
		case fListNetworks:
			raw, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			net, err := consumeNetwork(raw)
			if err != nil {
				return n, err
			}
			l.Networks = append(l.Networks, net)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, corruption("scorecard.unmarshal_network_list", len(b), err)
	}
	return l, nil
}

func corruption(op string, size int, err error) error {
	return pkg.NewFault(pkg.PersistenceCorruption, op, "malformed blob",
		map[string]interface{}{"bytes": size}).Wrap(err)
}

func appendNetwork(b []byte, n *Network, omitAddress bool) []byte {
	b = protowire.AppendTag(b, fNetSSID, protowire.BytesType)
	b = protowire.AppendString(b, n.SSID)
	b = protowire.AppendTag(b, fNetSecurity, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(n.Security))
	for _, ap := range n.AccessPoints {
		b = protowire.AppendTag(b, fNetAccessPoints, protowire.BytesType)
		b = protowire.AppendBytes(b, appendAccessPoint(nil, ap, omitAddress))
	}
	return b
}

func consumeNetwork(b []byte) (*Network, error) {
	n := &Network{}
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fNetSSID:
			raw, m, err := consumeBytes(typ, b)
			if err != nil {
				return m, err
			}
			n.SSID = string(raw)
			return m, nil
		case fNetSecurity:
			v, m, err := consumeVarint(typ, b)
			if err != nil {
				return m, err
			}
			st, err := securityFromWire(v)
			if err != nil {
				return m, err
			}
			n.Security = st
			return m, nil
		case fNetAccessPoints:
			raw, m, err := consumeBytes(typ, b)
			if err != nil {
				return m, err
			}
			ap, err := consumeAccessPoint(raw)
			if err != nil {
				return m, err
			}
			n.AccessPoints = append(n.AccessPoints, ap)
			return m, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	for _, ap := range n.AccessPoints {
		ap.SSID = normalizeSSID(n.SSID)
		if !ap.securityKnown {
			ap.security = n.Security
			ap.securityKnown = true
		}
	}
	return n, nil
}

func appendAccessPoint(b []byte, ap *AccessPoint, omitAddress bool) []byte {
	if ap.ID != 0 {
		b = protowire.AppendTag(b, fAPID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(ap.ID)))
	}
	if !omitAddress {
		b = protowire.AppendTag(b, fAPBSSID, protowire.BytesType)
		b = protowire.AppendBytes(b, ap.BSSID[:])
	}
	if ap.securityKnown {
		b = protowire.AppendTag(b, fAPSecurity, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ap.security))
	}
	for _, s := range ap.Signals() {
		b = protowire.AppendTag(b, fAPSignals, protowire.BytesType)
		b = protowire.AppendBytes(b, appendSignal(nil, s))
	}
	return b
}

func consumeAccessPoint(b []byte) (*AccessPoint, error) {
	ap := &AccessPoint{signals: make(map[signalKey]*Signal)}
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fAPID:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return n, err
			}
			ap.ID = int32(int64(v))
			return n, nil
		case fAPBSSID:
			raw, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			mac, err := pkg.MacAddressFromBytes(raw)
			if err != nil {
				return n, err
			}
			ap.BSSID = mac
			return n, nil
		case fAPSecurity:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return n, err
			}
			st, err := securityFromWire(v)
			if err != nil {
				return n, err
			}
			ap.security = st
			ap.securityKnown = true
			return n, nil
		case fAPSignals:
			raw, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			s, err := consumeSignal(raw)
			if err != nil {
				return n, err
			}
			k := signalKey{event: s.Event, frequency: s.Frequency}
			if _, dup := ap.signals[k]; dup {
				return n, fmt.Errorf("duplicate signal %s/%d", s.Event, s.Frequency)
			}
			ap.signals[k] = s
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return ap, nil
}

func appendSignal(b []byte, s *Signal) []byte {
	b = protowire.AppendTag(b, fSignalEvent, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Event))
	b = protowire.AppendTag(b, fSignalFrequency, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Frequency))
	b = appendStatistic(b, fSignalRSSI, s.RSSI)
	b = appendStatistic(b, fSignalLinkSpeed, s.LinkSpeed)
	b = appendStatistic(b, fSignalElapsedMs, s.ElapsedMs)
	return b
}

func consumeSignal(b []byte) (*Signal, error) {
	var (
		event     Event
		frequency int
		rssi      *Statistic
		linkSpeed *Statistic
		elapsed   *Statistic
	)
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fSignalEvent:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return n, err
			}
			event = Event(v)
			if uint64(event) != v || !event.Valid() {
				return n, fmt.Errorf("unknown event %d", v)
			}
			return n, nil
		case fSignalFrequency:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return n, err
			}
			if v > math.MaxInt32 {
				return n, fmt.Errorf("frequency %d out of range", v)
			}
			frequency = int(v)
			return n, nil
		case fSignalRSSI, fSignalLinkSpeed, fSignalElapsedMs:
			raw, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			st, err := consumeStatistic(raw)
			if err != nil {
				return n, err
			}
			switch num {
			case fSignalRSSI:
				rssi = st
			case fSignalLinkSpeed:
				linkSpeed = st
			default:
				elapsed = st
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if event == 0 {
		return nil, errors.New("signal without event")
	}

	s := newSignal(event, frequency)
	if rssi != nil {
		s.RSSI = rssi
	}
	if linkSpeed != nil {
		s.LinkSpeed = linkSpeed
	}
	if elapsed != nil {
		s.ElapsedMs = elapsed
	}
	return s, nil
}

func appendStatistic(b []byte, num protowire.Number, s *Statistic) []byte {
	if s == nil || s.IsEmpty() {
		return b
	}
	var inner []byte
	if s.count > 0 {
		inner = protowire.AppendTag(inner, fStatCount, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(s.count))
		inner = appendDouble(inner, fStatSum, s.sum)
		inner = appendDouble(inner, fStatSumOfSquares, s.sumOfSquares)
		inner = appendDouble(inner, fStatMin, s.min)
		inner = appendDouble(inner, fStatMax, s.max)
	}
	if s.HasHistory() {
		inner = appendDouble(inner, fStatHistMean, s.HistoricalMean)
		inner = appendDouble(inner, fStatHistVariance, s.HistoricalVariance)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func consumeStatistic(b []byte) (*Statistic, error) {
	var (
		count                   int64
		sum, sumSq              float64
		min, max                = math.Inf(1), math.Inf(-1)
		histMean, histVar       float64
		haveHistMean, haveHistV bool
	)
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fStatCount:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return n, err
			}
			if v > math.MaxInt64 {
				return n, fmt.Errorf("count %d out of range", v)
			}
			count = int64(v)
			return n, nil
		case fStatSum, fStatSumOfSquares, fStatMin, fStatMax, fStatHistMean, fStatHistVariance:
			if typ != protowire.Fixed64Type {
				return 0, errWireType
			}
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return n, nil
			}
			f := math.Float64frombits(v)
			switch num {
			case fStatSum:
				sum = f
			case fStatSumOfSquares:
				sumSq = f
			case fStatMin:
				min = f
			case fStatMax:
				max = f
			case fStatHistMean:
				histMean, haveHistMean = f, true
			default:
				histVar, haveHistV = f, true
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if count > 0 && (min > max || sumSq < 0) {
		return nil, fmt.Errorf("inconsistent statistic: count=%d min=%v max=%v", count, min, max)
	}
	if haveHistMean != haveHistV {
		return nil, errors.New("historical mean without variance")
	}
	if haveHistV && (histVar < 0 || math.IsNaN(histVar)) {
		return nil, fmt.Errorf("bad historical variance %v", histVar)
	}

	s := NewStatistic()
	if count > 0 {
		s.setMoments(count, sum, sumSq, min, max)
	}
	if haveHistV {
		s.HistoricalMean = histMean
		s.HistoricalVariance = histVar
	}
	return s, nil
}

func securityFromWire(v uint64) (pkg.SecurityType, error) {
	st := pkg.SecurityType(v)
	if v > uint64(pkg.SecurityOWE) {
		return st, fmt.Errorf("unknown security type %d", v)
	}
	return st, nil
}

// forEachField walks the top-level fields of a message. fn consumes the value of
// each field and returns the number of bytes used; a negative count is a protowire
// parse error.
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}
