// Package mqtt publishes selection outcomes and connected score events
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/wifiscore/pkg/connected"
	"github.com/markus-lassfolk/wifiscore/pkg/logx"
	"github.com/markus-lassfolk/wifiscore/pkg/selector"
	"github.com/markus-lassfolk/wifiscore/pkg/telem"
)

// Topic suffixes below Config.TopicPrefix
const (
	TopicSelection = "selection"
	TopicScore     = "score"
	TopicEvents    = "events"
	TopicStatus    = "status"
)

const (
	defaultMaxQueue     = 100
	defaultRateMessages = 10
	publishTimeout      = 5 * time.Second
)

// Config holds MQTT configuration
type Config struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"-"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "wifiscored",
		TopicPrefix: "wifiscore",
		QoS:         1,
	}
}

// client is the part of the paho client the publisher needs
type client interface {
	Connect() MQTT.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
}

// Publisher sends JSON payloads to the broker. It implements selector.Listener
// and can be installed as the telem.Store event callback.
type Publisher struct {
	mu      sync.Mutex
	config  *Config
	client  client
	logger  *logx.Logger
	limiter *RateLimiter

	queue       []*QueuedMessage
	maxQueue    int
	published   int
	dropped     int
	lastPublish time.Time
}

// QueuedMessage is a message held back by the rate limiter
type QueuedMessage struct {
	Topic   string
	Payload []byte
	Time    time.Time
}

// NewPublisher creates a publisher backed by a paho client. Nothing is sent until
// Connect succeeds.
func NewPublisher(config *Config, logger *logx.Logger) *Publisher {
	if config == nil {
		config = DefaultConfig()
	}
	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", config.Broker, config.Port))
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)

	p := newPublisher(config, nil, logger)
	opts.SetOnConnectHandler(func(MQTT.Client) {
		p.logger.Info("mqtt connection established", "broker", config.Broker)
		p.flush()
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		p.logger.Warn("mqtt connection lost", "error", err)
	})
	p.client = MQTT.NewClient(opts)
	return p
}

func newPublisher(config *Config, c client, logger *logx.Logger) *Publisher {
	if logger == nil {
		logger = logx.Discard()
	}
	return &Publisher{
		config:   config,
		client:   c,
		logger:   logger.With("component", "mqtt"),
		limiter:  NewRateLimiter(defaultRateMessages, time.Second),
		maxQueue: defaultMaxQueue,
	}
}

// Connect establishes the broker connection. A disabled publisher does nothing.
func (p *Publisher) Connect() error {
	if !p.config.Enabled {
		p.logger.Debug("mqtt publisher disabled")
		return nil
	}
	token := p.client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out connecting to MQTT broker %s", p.config.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	p.logger.Info("mqtt publisher connected", "broker", p.config.Broker, "port", p.config.Port)
	return nil
}

// Disconnect closes the broker connection
func (p *Publisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("mqtt publisher disconnected")
	}
}

// IsConnected reports whether the broker connection is up
func (p *Publisher) IsConnected() bool {
	return p.config.Enabled && p.client != nil && p.client.IsConnected()
}

// Topic returns the full topic for a suffix
func (p *Publisher) Topic(suffix string) string {
	return p.config.TopicPrefix + "/" + suffix
}

// SelectionMade implements selector.Listener
func (p *Publisher) SelectionMade(sel *selector.Selection) {
	if sel == nil {
		return
	}
	if err := p.Publish(TopicSelection, SelectionPayload(sel)); err != nil {
		p.logger.Warn("failed to publish selection", "cycle", sel.CycleID, "error", err)
	}
}

// PublishEvent publishes a telemetry event. Its signature matches
// telem.Store.SetEventCallback.
func (p *Publisher) PublishEvent(event *telem.Event) {
	if event == nil {
		return
	}
	if err := p.Publish(TopicEvents, event); err != nil {
		p.logger.Warn("failed to publish event", "type", event.Type, "error", err)
	}
}

// PublishScore publishes a connected score report for bssid
func (p *Publisher) PublishScore(bssid string, rep connected.Report) error {
	return p.Publish(TopicScore, ScorePayload(bssid, rep))
}

// PublishStatus publishes a status document
func (p *Publisher) PublishStatus(status interface{}) error {
	return p.Publish(TopicStatus, status)
}

// Publish marshals payload and sends it below the topic prefix. Messages over
// the rate limit are queued and go out with the next allowed publish.
func (p *Publisher) Publish(suffix string, payload interface{}) error {
	if !p.config.Enabled {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	msg := &QueuedMessage{Topic: p.Topic(suffix), Payload: data, Time: time.Now()}

	if !p.IsConnected() || !p.limiter.Allow() {
		p.enqueue(msg)
		return nil
	}
	p.flush()
	return p.send(msg)
}

func (p *Publisher) enqueue(msg *QueuedMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) >= p.maxQueue {
		// oldest goes first
		p.queue = p.queue[1:]
		p.dropped++
	}
	p.queue = append(p.queue, msg)
}

func (p *Publisher) flush() {
	p.mu.Lock()
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, msg := range pending {
		if err := p.send(msg); err != nil {
			p.logger.Debug("failed to publish queued message", "topic", msg.Topic, "error", err)
		}
	}
}

func (p *Publisher) send(msg *QueuedMessage) error {
	token := p.client.Publish(msg.Topic, byte(p.config.QoS), p.config.Retain, msg.Payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing to %s", msg.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", msg.Topic, err)
	}

	p.mu.Lock()
	p.published++
	p.lastPublish = time.Now()
	p.mu.Unlock()
	p.logger.Trace("mqtt message published", "topic", msg.Topic, "size", len(msg.Payload))
	return nil
}

// Stats reports how many messages were sent, dropped and are waiting
func (p *Publisher) Stats() (published, dropped, queued int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.dropped, len(p.queue)
}

// SelectionPayload is the document published for a selection cycle
func SelectionPayload(sel *selector.Selection) map[string]interface{} {
	payload := map[string]interface{}{
		"cycle_id":    sel.CycleID,
		"time_ms":     sel.TimeMillis,
		"connectable": len(sel.Connectable),
		"filtered":    sel.Filtered,
	}
	if sel.Skipped != "" {
		payload["skipped"] = sel.Skipped
		return payload
	}
	if sel.Candidates != nil {
		payload["candidates"] = sel.Candidates.Size()
	}
	if len(sel.Evaluators) > 0 {
		payload["evaluators"] = sel.Evaluators
	}
	if sel.Profile != nil {
		payload["network_id"] = sel.Profile.NetworkID
		payload["ssid"] = sel.Profile.SSID
	}
	if c := sel.Candidate; c != nil {
		payload["bssid"] = c.Key.BSSID.String()
		payload["score"] = c.Score
		payload["evaluator_id"] = c.EvaluatorID
		if c.Scan != nil {
			payload["rssi"] = c.Scan.RSSI
			payload["frequency"] = c.Scan.Frequency
		}
	}
	return payload
}

// ScorePayload is the document published for a connected score report
func ScorePayload(bssid string, rep connected.Report) map[string]interface{} {
	return map[string]interface{}{
		"bssid":               bssid,
		"score":               rep.Score,
		"velocity_score":      rep.VelocityScore,
		"state":               rep.State,
		"filtered_rssi":       rep.FilteredRssi,
		"rssi_threshold":      rep.Threshold,
		"changed":             rep.Changed,
		"crossed":             rep.Crossed,
		"authoritative_below": rep.Authoritative,
	}
}

// RateLimiter allows a fixed number of messages per window
type RateLimiter struct {
	mu           sync.Mutex
	lastCheck    time.Time
	messageCount int
	maxMessages  int
	windowSize   time.Duration
	now          func() time.Time
}

// NewRateLimiter creates a limiter
func NewRateLimiter(maxMessages int, window time.Duration) *RateLimiter {
	return &RateLimiter{maxMessages: maxMessages, windowSize: window, now: time.Now}
}

// Allow checks if a rate limit allows publishing
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastCheck) >= rl.windowSize {
		rl.messageCount = 0
		rl.lastCheck = now
	}
	if rl.messageCount < rl.maxMessages {
		rl.messageCount++
		return true
	}
	return false
}
