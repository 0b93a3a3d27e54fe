package pkg

import (
	"fmt"
	"net"
	"strings"
)

// InvalidRSSI marks a sample without a usable signal reading
const InvalidRSSI = -127

// Band boundaries in MHz
const (
	Band24GHzStart = 2400
	Band24GHzEnd   = 2500
	Band5GHzStart  = 4900
	Band5GHzEnd    = 5900
	Band6GHzStart  = 5925
	Band6GHzEnd    = 7125
)

// Is24GHz reports whether the frequency is in the 2.4 GHz band
func Is24GHz(frequency int) bool {
	return frequency >= Band24GHzStart && frequency <= Band24GHzEnd
}

// Is5GHz reports whether the frequency is in the 5 GHz band
func Is5GHz(frequency int) bool {
	return frequency >= Band5GHzStart && frequency <= Band5GHzEnd
}

// Is6GHz reports whether the frequency is in the 6 GHz band
func Is6GHz(frequency int) bool {
	return frequency >= Band6GHzStart && frequency <= Band6GHzEnd
}

// SecurityType is the normalized security class of a network
type SecurityType int

const (
	SecurityOpen SecurityType = iota
	SecurityWEP
	SecurityPSK
	SecurityEAP
	SecuritySAE
	SecurityEAPSuiteB
	SecurityOWE
)

var securityNames = map[SecurityType]string{
	SecurityOpen:      "open",
	SecurityWEP:       "wep",
	SecurityPSK:       "psk",
	SecurityEAP:       "eap",
	SecuritySAE:       "sae",
	SecurityEAPSuiteB: "eap_suite_b",
	SecurityOWE:       "owe",
}

func (s SecurityType) String() string {
	if name, ok := securityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("security(%d)", int(s))
}

// ParseSecurityType accepts the names produced by SecurityType.String
func ParseSecurityType(name string) (SecurityType, error) {
	for st, n := range securityNames {
		if strings.EqualFold(n, name) {
			return st, nil
		}
	}
	return SecurityOpen, fmt.Errorf("unknown security type %q", name)
}

// MarshalText encodes the security type by name
func (s SecurityType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText
func (s *SecurityType) UnmarshalText(text []byte) error {
	st, err := ParseSecurityType(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// IsOpen reports whether the network carries no authentication
func (s SecurityType) IsOpen() bool {
	return s == SecurityOpen || s == SecurityOWE
}

func (s SecurityType) pskFamily() bool {
	return s == SecurityPSK || s == SecuritySAE
}

// ParseCapabilities derives the security type from a scan capability string such as
// "[WPA2-PSK-CCMP][RSN-PSK+SAE-CCMP][ESS]". The second result is true when the
// access point advertises PSK and SAE at the same time (transition mode).
func ParseCapabilities(caps string) (SecurityType, bool) {
	c := strings.ToUpper(caps)
	switch {
	case strings.Contains(c, "EAP_SUITE_B_192"):
		return SecurityEAPSuiteB, false
	case strings.Contains(c, "-EAP") || strings.Contains(c, "[EAP"):
		return SecurityEAP, false
	case strings.Contains(c, "SAE") && strings.Contains(c, "PSK"):
		return SecurityPSK, true
	case strings.Contains(c, "SAE"):
		return SecuritySAE, false
	case strings.Contains(c, "PSK"):
		return SecurityPSK, false
	case strings.Contains(c, "OWE_TRANSITION"):
		return SecurityOpen, false
	case strings.Contains(c, "OWE"):
		return SecurityOWE, false
	case strings.Contains(c, "WEP"):
		return SecurityWEP, false
	}
	return SecurityOpen, false
}

// QuoteSSID returns the quoted form used by saved profiles
func QuoteSSID(ssid string) string {
	return `"` + ssid + `"`
}

// UnquoteSSID strips one pair of surrounding quotes, if present
func UnquoteSSID(ssid string) string {
	if len(ssid) >= 2 && strings.HasPrefix(ssid, `"`) && strings.HasSuffix(ssid, `"`) {
		return ssid[1 : len(ssid)-1]
	}
	return ssid
}

// NetworkIdentity identifies a logical network: quoted SSID plus security class.
// Identities derived from profiles are plain comparable values; identities derived
// from a scan may additionally carry the PSK/SAE transition flag, which Matches
// honours.
type NetworkIdentity struct {
	SSID       string       `json:"ssid"`
	Security   SecurityType `json:"security"`
	transition bool
}

// NewNetworkIdentity builds an identity from a quoted SSID
func NewNetworkIdentity(quotedSSID string, security SecurityType) NetworkIdentity {
	return NetworkIdentity{SSID: quotedSSID, Security: security}
}

// Matches reports whether two identities denote the same logical network
func (n NetworkIdentity) Matches(other NetworkIdentity) bool {
	if n.SSID != other.SSID {
		return false
	}
	if n.Security == other.Security {
		return true
	}
	if (n.transition || other.transition) && n.Security.pskFamily() && other.Security.pskFamily() {
		return true
	}
	return false
}

// Canonical drops scan-only attributes so the value can serve as a map key
func (n NetworkIdentity) Canonical() NetworkIdentity {
	return NetworkIdentity{SSID: n.SSID, Security: n.Security}
}

func (n NetworkIdentity) String() string {
	return fmt.Sprintf("%s/%s", n.SSID, n.Security)
}

// MacAddress is a 48-bit physical address
type MacAddress [6]byte

// ParseMacAddress accepts the colon/dash separated EUI-48 forms
func ParseMacAddress(s string) (MacAddress, error) {
	var mac MacAddress
	hw, err := net.ParseMAC(s)
	if err != nil {
		return mac, fmt.Errorf("invalid mac address %q: %w", s, err)
	}
	if len(hw) != len(mac) {
		return mac, fmt.Errorf("invalid mac address %q: want 6 bytes, got %d", s, len(hw))
	}
	copy(mac[:], hw)
	return mac, nil
}

// MacAddressFromBytes converts a 6-byte slice
func MacAddressFromBytes(b []byte) (MacAddress, error) {
	var mac MacAddress
	if len(b) != len(mac) {
		return mac, fmt.Errorf("invalid mac address length %d", len(b))
	}
	copy(mac[:], b)
	return mac, nil
}

func (m MacAddress) String() string {
	return net.HardwareAddr(m[:]).String()
}

// IsZero reports whether the address is 00:00:00:00:00:00
func (m MacAddress) IsZero() bool {
	return m == MacAddress{}
}

// ScanObservation is one access point seen in a radio scan. SSID is unquoted.
type ScanObservation struct {
	SSID            string `json:"ssid"`
	BSSID           string `json:"bssid"`
	RSSI            int    `json:"rssi"`
	Frequency       int    `json:"frequency"`
	Capabilities    string `json:"capabilities"`
	TimestampMillis int64  `json:"timestamp_ms"`
}

// Security returns the security class advertised by the observation
func (o *ScanObservation) Security() SecurityType {
	st, _ := ParseCapabilities(o.Capabilities)
	return st
}

// IsEAP reports whether the observation advertises enterprise authentication
func (o *ScanObservation) IsEAP() bool {
	st := o.Security()
	return st == SecurityEAP || st == SecurityEAPSuiteB
}

// Identity derives the network identity from the scan
func (o *ScanObservation) Identity() NetworkIdentity {
	st, transition := ParseCapabilities(o.Capabilities)
	return NetworkIdentity{SSID: QuoteSSID(o.SSID), Security: st, transition: transition}
}

// Is5GHz reports whether the observation was made on a 5 GHz (or higher) channel
func (o *ScanObservation) Is5GHz() bool {
	return Is5GHz(o.Frequency) || Is6GHz(o.Frequency)
}

// EAPMethod is the enterprise authentication method of a profile
type EAPMethod int

const (
	EAPNone EAPMethod = iota
	EAPPEAP
	EAPTLS
	EAPTTLS
	EAPPWD
	EAPSIM
	EAPAKA
	EAPAKAPrime
)

// IsSIMBased reports whether credentials come from the SIM card
func (m EAPMethod) IsSIMBased() bool {
	return m == EAPSIM || m == EAPAKA || m == EAPAKAPrime
}

// InvalidNetworkID is the id of a profile not yet stored
const InvalidNetworkID = -1

// NetworkProfile is a saved (or synthesised) network configuration. SSID is quoted.
type NetworkProfile struct {
	NetworkID         int          `json:"network_id"`
	SSID              string       `json:"ssid"`
	Security          SecurityType `json:"security"`
	HasCredentials    bool         `json:"has_credentials"`
	Ephemeral         bool         `json:"ephemeral"`
	UseExternalScores bool         `json:"use_external_scores"`
	Trusted           bool         `json:"trusted"`
	SelectionDisabled bool         `json:"selection_disabled"`
	NoInternetAccess  bool         `json:"no_internet_access"`
	Metered           bool         `json:"metered"`
	EAPMethod         EAPMethod    `json:"eap_method"`
}

// Identity derives the network identity from the profile
func (p *NetworkProfile) Identity() NetworkIdentity {
	return NewNetworkIdentity(p.SSID, p.Security)
}

// IsOpen reports whether the profile has no authentication
func (p *NetworkProfile) IsOpen() bool {
	return p.Security.IsOpen()
}

// LinkInfo is one periodic sample of the associated link
type LinkInfo struct {
	SSID          string  `json:"ssid"`
	BSSID         string  `json:"bssid"`
	NetworkID     int     `json:"network_id"`
	Frequency     int     `json:"frequency"`
	RSSI          int     `json:"rssi"`
	LinkSpeedMbps int     `json:"link_speed_mbps"`
	TxSuccessRate float64 `json:"tx_success_pps"`
	TxRetriesRate float64 `json:"tx_retries_pps"`
	TxBadRate     float64 `json:"tx_bad_pps"`
	RxSuccessRate float64 `json:"rx_success_pps"`
}

// Is24GHz reports whether the link is on 2.4 GHz
func (l *LinkInfo) Is24GHz() bool {
	return Is24GHz(l.Frequency)
}

// Clock supplies monotonic elapsed-since-boot time
type Clock interface {
	ElapsedSinceBootMillis() int64
}
