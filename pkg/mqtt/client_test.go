package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/wifiscore/pkg"
	"github.com/markus-lassfolk/wifiscore/pkg/candidates"
	"github.com/markus-lassfolk/wifiscore/pkg/connected"
	"github.com/markus-lassfolk/wifiscore/pkg/selector"
	"github.com/markus-lassfolk/wifiscore/pkg/telem"
)

var _ selector.Listener = (*Publisher)(nil)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	fail      error
	sent      []message
}

func (f *fakeClient) Connect() MQTT.Token {
	f.connected = f.fail == nil
	return doneToken{err: f.fail}
}
func (f *fakeClient) Disconnect(uint)   { f.connected = false }
func (f *fakeClient) IsConnected() bool { return f.connected }
func (f *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) MQTT.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}

func newTestPublisher(t *testing.T) (*Publisher, *fakeClient) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Enabled = true
	fc := &fakeClient{}
	p := newPublisher(cfg, fc, nil)
	require.NoError(t, p.Connect())
	return p, fc
}

func decode(t *testing.T, m message) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(m.payload, &out))
	return out
}

func TestDisabledPublisherIsSilent(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(DefaultConfig(), fc, nil)
	require.NoError(t, p.Connect())
	require.NoError(t, p.PublishStatus(map[string]int{"a": 1}))
	assert.False(t, p.IsConnected())
	assert.Empty(t, fc.sent)
}

func TestConnectFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	p := newPublisher(cfg, &fakeClient{fail: errors.New("refused")}, nil)
	assert.Error(t, p.Connect())
}

// TestSelectionPublished tests the document sent for a chosen candidate and a skipped cycle
func TestSelectionPublished(t *testing.T) {
	p, fc := newTestPublisher(t)

	scan := &pkg.ScanObservation{SSID: "home", BSSID: "6C:F3:7F:AE:8C:F3", Frequency: 5180, RSSI: -60, Capabilities: "[WPA2-PSK-CCMP]"}
	profile := &pkg.NetworkProfile{NetworkID: 7, SSID: `"home"`, Security: pkg.SecurityPSK}
	set := candidates.New(nil)
	require.True(t, set.Add(scan, profile, 0, 196, 0))
	chosen := set.Choose(candidates.EvaluatorScorer{})
	require.NotNil(t, chosen)

	p.SelectionMade(&selector.Selection{
		CycleID:     "c1",
		Profile:     profile,
		Candidate:   chosen.Candidate,
		Candidates:  set,
		Connectable: []*pkg.ScanObservation{scan},
		Evaluators:  map[string]string{"saved": `"home"`},
	})
	p.SelectionMade(&selector.Selection{CycleID: "c2", Skipped: selector.SkipTooSoon})

	require.Len(t, fc.sent, 2)
	assert.Equal(t, "wifiscore/selection", fc.sent[0].topic)

	got := decode(t, fc.sent[0])
	assert.Equal(t, "c1", got["cycle_id"])
	assert.Equal(t, "6c:f3:7f:ae:8c:f3", got["bssid"])
	assert.Equal(t, 196.0, got["score"])
	assert.Equal(t, 7.0, got["network_id"])
	assert.Equal(t, 1.0, got["candidates"])
	assert.Equal(t, -60.0, got["rssi"])
	assert.NotContains(t, got, "skipped")

	skipped := decode(t, fc.sent[1])
	assert.Equal(t, selector.SkipTooSoon, skipped["skipped"])
	assert.NotContains(t, skipped, "bssid")
}

func TestScoreAndEventPublished(t *testing.T) {
	p, fc := newTestPublisher(t)

	require.NoError(t, p.PublishScore("6c:f3:7f:ae:8c:f3", connected.Report{Score: 48, State: "below_transition", Changed: true}))
	p.PublishEvent(&telem.Event{Type: "score_transition", TimeMillis: 42, CycleID: "c9"})
	p.PublishEvent(nil)

	require.Len(t, fc.sent, 2)
	assert.Equal(t, "wifiscore/score", fc.sent[0].topic)
	score := decode(t, fc.sent[0])
	assert.Equal(t, 48.0, score["score"])
	assert.Equal(t, true, score["changed"])

	assert.Equal(t, "wifiscore/events", fc.sent[1].topic)
	event := decode(t, fc.sent[1])
	assert.Equal(t, "score_transition", event["type"])
	assert.Equal(t, 42.0, event["time_ms"])

	published, dropped, queued := p.Stats()
	assert.Equal(t, 2, published)
	assert.Zero(t, dropped)
	assert.Zero(t, queued)
}

// TestRateLimitedMessagesAreQueued tests that held back messages go out with the next allowed publish
func TestRateLimitedMessagesAreQueued(t *testing.T) {
	p, fc := newTestPublisher(t)
	now := time.Unix(1000, 0)
	p.limiter = NewRateLimiter(1, time.Second)
	p.limiter.now = func() time.Time { return now }
	p.maxQueue = 2

	require.NoError(t, p.PublishStatus("a"))
	require.NoError(t, p.PublishStatus("b"))
	require.NoError(t, p.PublishStatus("c"))
	require.NoError(t, p.PublishStatus("d"))
	_, dropped, queued := p.Stats()
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 2, queued)
	require.Len(t, fc.sent, 1)

	now = now.Add(time.Second)
	require.NoError(t, p.PublishStatus("e"))
	require.Len(t, fc.sent, 4)
	var order []string
	for _, m := range fc.sent {
		var s string
		require.NoError(t, json.Unmarshal(m.payload, &s))
		order = append(order, s)
	}
	assert.Equal(t, []string{"a", "c", "d", "e"}, order)
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(0, 0)
	rl := NewRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
	now = now.Add(time.Second)
	assert.True(t, rl.Allow())
}
