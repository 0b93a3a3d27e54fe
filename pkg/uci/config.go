// Package uci loads the daemon configuration from an OpenWrt style UCI file
package uci

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/wifiscore/pkg"
	"github.com/markus-lassfolk/wifiscore/pkg/mqtt"
	"github.com/markus-lassfolk/wifiscore/pkg/scoring"
)

// DefaultPath is where the daemon looks for its configuration
const DefaultPath = "/etc/config/wifiscore"

// Defaults for the main section
const (
	DefaultLogLevel              = "info"
	DefaultStorePath             = "/var/lib/wifiscore/ledgers.db"
	DefaultJournalPath           = "/var/lib/wifiscore/journal.db"
	DefaultJournalMaxRecords     = 10000
	DefaultMaxBlacklist          = 16
	DefaultMaxWhitelist          = 8
	DefaultMinSelectionIntervalS = 10
	DefaultMinBelowDwellS        = 9
	DefaultAPIListen             = "127.0.0.1:8089"
	DefaultHistorySamples        = 3600
	DefaultWriteIntervalS        = 60
)

// Config represents the wifiscore configuration
type Config struct {
	// config wifiscore 'main'
	LogLevel              string `json:"log_level"`
	ScoringParams         string `json:"scoring_params"`
	L2KeySeed             string `json:"l2key_seed"`
	StorePath             string `json:"store_path"`
	JournalPath           string `json:"journal_path"`
	JournalMaxRecords     int    `json:"journal_max_records"`
	FirmwareRoaming       bool   `json:"firmware_roaming"`
	MaxBlacklist          int    `json:"max_blacklist"`
	MaxWhitelist          int    `json:"max_whitelist"`
	MinSelectionIntervalS int    `json:"min_selection_interval_s"`
	MinBelowDwellS        int    `json:"min_below_dwell_s"`
	UntrustedAllowed      bool   `json:"untrusted_allowed"`
	APIListen             string `json:"api_listen"`
	HistorySamples        int    `json:"history_samples"`
	WriteIntervalS        int    `json:"write_interval_s"`

	// carrier networks, "ssid:method" list entries
	EnableCarrier   bool                     `json:"enable_carrier"`
	CarrierNetworks map[string]pkg.EAPMethod `json:"carrier_networks"`

	// externally supplied scores, fed through the daemon event stream
	ExternalScores bool `json:"external_scores"`

	// config mqtt 'mqtt'
	MQTT mqtt.Config `json:"mqtt"`
}

// LoadConfig loads and validates the configuration. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := &Config{}
	cfg.setDefaults()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	if err := cfg.parseUCI(bufio.NewScanner(f)); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// ParseString parses UCI text, for tests and the ctl tool
func ParseString(text string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()
	if err := cfg.parseUCI(bufio.NewScanner(strings.NewReader(text))); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	c.LogLevel = DefaultLogLevel
	c.StorePath = DefaultStorePath
	c.JournalPath = DefaultJournalPath
	c.JournalMaxRecords = DefaultJournalMaxRecords
	c.MaxBlacklist = DefaultMaxBlacklist
	c.MaxWhitelist = DefaultMaxWhitelist
	c.MinSelectionIntervalS = DefaultMinSelectionIntervalS
	c.MinBelowDwellS = DefaultMinBelowDwellS
	c.APIListen = DefaultAPIListen
	c.HistorySamples = DefaultHistorySamples
	c.WriteIntervalS = DefaultWriteIntervalS
	c.CarrierNetworks = make(map[string]pkg.EAPMethod)
	c.MQTT = *mqtt.DefaultConfig()
}

func (c *Config) parseUCI(scanner *bufio.Scanner) error {
	var sectionType, sectionName string
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		keyword, rest := splitWord(line)
		switch keyword {
		case "config":
			sectionType, rest = splitWord(rest)
			sectionName = unquote(rest)
		case "option", "list":
			name, value := splitWord(rest)
			if name == "" {
				return fmt.Errorf("line %d: %s without a name", lineNo, keyword)
			}
			if err := c.parseOption(sectionType, sectionName, name, unquote(value)); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
		default:
			return fmt.Errorf("line %d: unexpected %q", lineNo, keyword)
		}
	}
	return scanner.Err()
}

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func (c *Config) parseOption(sectionType, sectionName, option, value string) error {
	switch sectionType {
	case "wifiscore":
		if sectionName == "main" || sectionName == "" {
			return c.parseMainOption(option, value)
		}
	case "mqtt":
		return c.parseMQTTOption(option, value)
	}
	// unknown sections belong to other tools sharing the file
	return nil
}

func (c *Config) parseMainOption(option, value string) error {
	var err error
	switch option {
	case "log_level":
		c.LogLevel = value
	case "scoring_params":
		c.ScoringParams = value
	case "l2key_seed":
		c.L2KeySeed = value
	case "store_path":
		c.StorePath = value
	case "journal_path":
		c.JournalPath = value
	case "journal_max_records":
		c.JournalMaxRecords, err = parseInt(option, value)
	case "firmware_roaming":
		c.FirmwareRoaming = value == "1"
	case "max_blacklist":
		c.MaxBlacklist, err = parseInt(option, value)
	case "max_whitelist":
		c.MaxWhitelist, err = parseInt(option, value)
	case "min_selection_interval_s":
		c.MinSelectionIntervalS, err = parseInt(option, value)
	case "min_below_dwell_s":
		c.MinBelowDwellS, err = parseInt(option, value)
	case "untrusted_allowed":
		c.UntrustedAllowed = value == "1"
	case "api_listen":
		c.APIListen = value
	case "history_samples":
		c.HistorySamples, err = parseInt(option, value)
	case "write_interval_s":
		c.WriteIntervalS, err = parseInt(option, value)
	case "enable_carrier":
		c.EnableCarrier = value == "1"
	case "carrier_network":
		err = c.addCarrierNetwork(value)
	case "external_scores":
		c.ExternalScores = value == "1"
	}
	return err
}

func (c *Config) parseMQTTOption(option, value string) error {
	var err error
	switch option {
	case "enabled":
		c.MQTT.Enabled = value == "1"
	case "broker":
		c.MQTT.Broker = value
	case "port":
		c.MQTT.Port, err = parseInt(option, value)
	case "client_id":
		c.MQTT.ClientID = value
	case "username":
		c.MQTT.Username = value
	case "password":
		c.MQTT.Password = value
	case "topic_prefix":
		c.MQTT.TopicPrefix = strings.TrimSuffix(value, "/")
	case "qos":
		c.MQTT.QoS, err = parseInt(option, value)
	case "retain":
		c.MQTT.Retain = value == "1"
	}
	return err
}

var eapMethods = map[string]pkg.EAPMethod{
	"sim":       pkg.EAPSIM,
	"aka":       pkg.EAPAKA,
	"aka_prime": pkg.EAPAKAPrime,
	"peap":      pkg.EAPPEAP,
	"tls":       pkg.EAPTLS,
	"ttls":      pkg.EAPTTLS,
	"pwd":       pkg.EAPPWD,
}

// addCarrierNetwork parses "ssid:method", the SSID itself may contain colons
func (c *Config) addCarrierNetwork(value string) error {
	i := strings.LastIndex(value, ":")
	if i <= 0 {
		return fmt.Errorf("carrier_network %q must be ssid:method", value)
	}
	method, ok := eapMethods[strings.ToLower(value[i+1:])]
	if !ok {
		return fmt.Errorf("carrier_network %q has an unknown eap method", value)
	}
	c.CarrierNetworks[value[:i]] = method
	return nil
}

func parseInt(option, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", option, err)
	}
	return n, nil
}

func (c *Config) validate() error {
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("log_level %q is not one of trace, debug, info, warn, error", c.LogLevel)
	}
	if _, err := scoring.NewParamsFromString(c.ScoringParams); err != nil {
		return fmt.Errorf("scoring_params rejected: %w", err)
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path must be set")
	}
	if c.MaxBlacklist < 0 || c.MaxWhitelist < 0 {
		return fmt.Errorf("max_blacklist and max_whitelist must not be negative")
	}
	if c.MinSelectionIntervalS < 0 || c.MinSelectionIntervalS > 3600 {
		return fmt.Errorf("min_selection_interval_s must be between 0 and 3600")
	}
	if c.MinBelowDwellS < 0 || c.MinBelowDwellS > 600 {
		return fmt.Errorf("min_below_dwell_s must be between 0 and 600")
	}
	if c.HistorySamples < 1 || c.HistorySamples > 86400 {
		return fmt.Errorf("history_samples must be between 1 and 86400")
	}
	if c.WriteIntervalS < 1 {
		return fmt.Errorf("write_interval_s must be positive")
	}
	if c.JournalMaxRecords < 0 {
		return fmt.Errorf("journal_max_records must not be negative")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker must be set when mqtt is enabled")
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt port must be between 1 and 65535")
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	for _, valid := range []string{"trace", "debug", "info", "warn", "error"} {
		if level == valid {
			return true
		}
	}
	return false
}

// Params builds the scoring parameters from scoring_params
func (c *Config) Params() (*scoring.Params, error) {
	return scoring.NewParamsFromString(c.ScoringParams)
}

// MinSelectionInterval is min_selection_interval_s as a duration
func (c *Config) MinSelectionInterval() time.Duration {
	return time.Duration(c.MinSelectionIntervalS) * time.Second
}

// MinBelowDwell is min_below_dwell_s as a duration
func (c *Config) MinBelowDwell() time.Duration {
	return time.Duration(c.MinBelowDwellS) * time.Second
}

// WriteInterval is how often changed ledgers are flushed to the store
func (c *Config) WriteInterval() time.Duration {
	return time.Duration(c.WriteIntervalS) * time.Second
}
