package telem

import (
	"fmt"
	"sync"
)

// Default capacities
const (
	DefaultSampleCapacity = 3600
	DefaultEventCapacity  = 1000
	maxCapacity           = 86400
)

// Store keeps recent link samples and events in RAM with ring buffers
type Store struct {
	mu sync.RWMutex

	samples *RingBuffer
	events  *RingBuffer

	// Event callback for real-time publishing
	eventCallback func(*Event)
	pending       sync.WaitGroup // callbacks still running
}

// LinkSample is one connected-score record
type LinkSample struct {
	TimeMillis     int64   `json:"time_ms"`
	Session        int     `json:"session"`
	BSSID          string  `json:"bssid"`
	Frequency      int     `json:"frequency"`
	RSSI           int     `json:"rssi"`
	FilteredRSSI   float64 `json:"filtered_rssi"`
	RssiThreshold  float64 `json:"rssi_threshold"`
	LinkSpeedMbps  int     `json:"link_speed_mbps"`
	TxSuccessRate  float64 `json:"tx_success_pps"`
	TxRetriesRate  float64 `json:"tx_retries_pps"`
	TxBadRate      float64 `json:"tx_bad_pps"`
	RxSuccessRate  float64 `json:"rx_success_pps"`
	VelocityScore  int     `json:"velocity_score"`
	Score          int     `json:"score"`
	ThroughputRate float64 `json:"throughput,omitempty"`
}

func (s *LinkSample) millis() int64 { return s.TimeMillis }

// Event is a selection or scoring event
type Event struct {
	Type       string                 `json:"type"`
	TimeMillis int64                  `json:"time_ms"`
	CycleID    string                 `json:"cycle_id,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

func (e *Event) millis() int64 { return e.TimeMillis }

type timed interface {
	millis() int64
}

// NewStore creates a store with the given capacities
func NewStore(sampleCapacity, eventCapacity int) (*Store, error) {
	if sampleCapacity < 1 || sampleCapacity > maxCapacity {
		return nil, fmt.Errorf("sample capacity must be between 1 and %d", maxCapacity)
	}
	if eventCapacity < 1 || eventCapacity > maxCapacity {
		return nil, fmt.Errorf("event capacity must be between 1 and %d", maxCapacity)
	}
	return &Store{
		samples: NewRingBuffer(sampleCapacity),
		events:  NewRingBuffer(eventCapacity),
	}, nil
}

// NewDefaultStore creates a store with the default capacities
func NewDefaultStore() *Store {
	s, _ := NewStore(DefaultSampleCapacity, DefaultEventCapacity)
	return s
}

// AddSample records a link sample, evicting the oldest when full
func (s *Store) AddSample(sample *LinkSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples.Add(sample)
}

// AddEvent records an event and hands it to the callback
func (s *Store) AddEvent(event *Event) {
	s.mu.Lock()
	s.events.Add(event)
	callback := s.eventCallback
	if callback != nil {
		s.pending.Add(1)
	}
	s.mu.Unlock()

	// outside the lock, the callback may publish over the network
	if callback != nil {
		go func() {
			defer s.pending.Done()
			callback(event)
		}()
	}
}

// SetEventCallback sets a function called for every added event
func (s *Store) SetEventCallback(callback func(*Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCallback = callback
}

// StopCallbacks detaches the event callback and waits for running invocations
// to return. Events added afterwards are only stored.
func (s *Store) StopCallbacks() {
	s.SetEventCallback(nil)
	s.pending.Wait()
}

// Samples returns samples recorded after sinceMillis, oldest first
func (s *Store) Samples(sinceMillis int64) []*LinkSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.samples.GetSince(sinceMillis)
	samples := make([]*LinkSample, 0, len(items))
	for _, item := range items {
		if sample, ok := item.(*LinkSample); ok {
			samples = append(samples, sample)
		}
	}
	return samples
}

// LatestSample returns the newest sample, or nil
func (s *Store) LatestSample() *LinkSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if item, ok := s.samples.Last().(*LinkSample); ok {
		return item
	}
	return nil
}

// Events returns events recorded after sinceMillis, at most limit (0 = all)
func (s *Store) Events(sinceMillis int64, limit int) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.events.GetSince(sinceMillis)
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	events := make([]*Event, 0, len(items))
	for _, item := range items {
		if e, ok := item.(*Event); ok {
			events = append(events, e)
		}
	}
	return events
}

// SampleCount returns the number of buffered samples
func (s *Store) SampleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.samples.Size()
}

// Cleanup drops everything recorded at or before beforeMillis
func (s *Store) Cleanup(beforeMillis int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples.RemoveBefore(beforeMillis) + s.events.RemoveBefore(beforeMillis)
}

// ClearSamples empties the sample buffer
func (s *Store) ClearSamples() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples.Clear()
}

// RingBuffer is a fixed capacity FIFO of timed items
type RingBuffer struct {
	mu       sync.RWMutex
	data     []interface{}
	capacity int
	head     int
	tail     int
	size     int
}

// NewRingBuffer creates a ring buffer
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		data:     make([]interface{}, capacity),
		capacity: capacity,
	}
}

// Add appends an item, overwriting the oldest when full
func (rb *RingBuffer) Add(item interface{}) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
	} else {
		rb.head = (rb.head + 1) % rb.capacity
	}
}

// GetSince returns items stamped after sinceMillis, oldest first. Items
// without a timestamp are always returned.
func (rb *RingBuffer) GetSince(sinceMillis int64) []interface{} {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]interface{}, 0, rb.size)
	for i := 0; i < rb.size; i++ {
		item := rb.data[(rb.head+i)%rb.capacity]
		if t, ok := item.(timed); ok && t.millis() <= sinceMillis {
			continue
		}
		result = append(result, item)
	}
	return result
}

// Last returns the newest item, or nil
func (rb *RingBuffer) Last() interface{} {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.size == 0 {
		return nil
	}
	return rb.data[(rb.tail-1+rb.capacity)%rb.capacity]
}

// RemoveBefore drops the leading items stamped at or before beforeMillis and
// returns how many were removed
func (rb *RingBuffer) RemoveBefore(beforeMillis int64) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	removed := 0
	for rb.size > 0 {
		t, ok := rb.data[rb.head].(timed)
		if !ok || t.millis() > beforeMillis {
			break
		}
		rb.data[rb.head] = nil
		rb.head = (rb.head + 1) % rb.capacity
		rb.size--
		removed++
	}
	if rb.size == 0 {
		rb.head, rb.tail = 0, 0
	}
	return removed
}

// Clear empties the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for i := range rb.data {
		rb.data[i] = nil
	}
	rb.head, rb.tail, rb.size = 0, 0, 0
}

// Size returns the current number of items
func (rb *RingBuffer) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the buffer capacity
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}
