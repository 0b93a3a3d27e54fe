package uci

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/wifiscore/pkg"
)

const sample = `
# wifiscore daemon
config wifiscore 'main'
	option log_level 'debug'
	option scoring_params 'rssi5=-80:-77:-70:-57,nud=5'
	option l2key_seed 'f00d'
	option store_path '/tmp/wifiscore/ledgers.db'
	option firmware_roaming '1'
	option max_blacklist '4'
	option min_selection_interval_s '20'
	option min_below_dwell_s '12'
	option api_listen '0.0.0.0:9000'
	option enable_carrier '1'
	option external_scores '1'
	list carrier_network 'Carrier:WiFi:aka_prime'
	list carrier_network 'Other:sim'

config mqtt 'mqtt'
	option enabled '1'
	option broker 'broker.lan'
	option port '8883'
	option topic_prefix 'home/wifi/'
	option qos '0'

config unrelated 'x'
	option anything 'goes'
`

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultStorePath, cfg.StorePath)
	assert.Equal(t, DefaultMaxBlacklist, cfg.MaxBlacklist)
	assert.Equal(t, 10*time.Second, cfg.MinSelectionInterval())
	assert.Equal(t, 9*time.Second, cfg.MinBelowDwell())
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "wifiscore", cfg.MQTT.TopicPrefix)

	params, err := cfg.Params()
	require.NoError(t, err)
	assert.Equal(t, -80, params.ExitRssi(5180))
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wifiscore")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "f00d", cfg.L2KeySeed)
	assert.Equal(t, "/tmp/wifiscore/ledgers.db", cfg.StorePath)
	assert.Equal(t, DefaultJournalPath, cfg.JournalPath)
	assert.True(t, cfg.FirmwareRoaming)
	assert.Equal(t, 4, cfg.MaxBlacklist)
	assert.Equal(t, DefaultMaxWhitelist, cfg.MaxWhitelist)
	assert.Equal(t, 20*time.Second, cfg.MinSelectionInterval())
	assert.Equal(t, 12*time.Second, cfg.MinBelowDwell())
	assert.Equal(t, "0.0.0.0:9000", cfg.APIListen)
	assert.True(t, cfg.EnableCarrier)
	assert.True(t, cfg.ExternalScores)
	assert.Equal(t, map[string]pkg.EAPMethod{"Carrier:WiFi": pkg.EAPAKAPrime, "Other": pkg.EAPSIM}, cfg.CarrierNetworks)

	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "broker.lan", cfg.MQTT.Broker)
	assert.Equal(t, 8883, cfg.MQTT.Port)
	assert.Equal(t, "home/wifi", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 0, cfg.MQTT.QoS)

	params, err := cfg.Params()
	require.NoError(t, err)
	assert.Equal(t, 5, params.NudKnob())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"log level", "config wifiscore 'main'\n option log_level 'loud'"},
		{"scoring params", "config wifiscore 'main'\n option scoring_params 'horizon=99'"},
		{"not a number", "config wifiscore 'main'\n option max_blacklist 'many'"},
		{"negative whitelist", "config wifiscore 'main'\n option max_whitelist '-1'"},
		{"interval", "config wifiscore 'main'\n option min_selection_interval_s '7200'"},
		{"history", "config wifiscore 'main'\n option history_samples '0'"},
		{"carrier method", "config wifiscore 'main'\n list carrier_network 'x:psk'"},
		{"carrier syntax", "config wifiscore 'main'\n list carrier_network 'nocolon'"},
		{"mqtt port", "config mqtt 'mqtt'\n option enabled '1'\n option port '0'"},
		{"mqtt qos", "config mqtt 'mqtt'\n option qos '3'"},
		{"garbage", "configure everything"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseString(tt.text)
			assert.Error(t, err)
		})
	}
}

func TestParseStringAcceptsUnquotedValues(t *testing.T) {
	cfg, err := ParseString("config wifiscore main\n\toption max_whitelist 3\n\toption store_path \"/data/l.db\"\n")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxWhitelist)
	assert.Equal(t, "/data/l.db", cfg.StorePath)
}
