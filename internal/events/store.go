package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ranacseruet/clawphone/internal/clock"
)

const (
	DefaultMaxPerCall = 200

	TypeTruncated = "events_truncated"
)

type Event struct {
	ID        string         `json:"id"`
	CallID    string         `json:"call_id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Store keeps a bounded log of exchange events per call and fans new events
// out to live subscribers.
type Store struct {
	clock      clock.Clock
	maxPerCall int

	mu      sync.RWMutex
	byCall  map[string][]Event
	subs    map[int]chan Event
	nextSub int
}

func NewStore(maxPerCall int, clk clock.Clock) *Store {
	if maxPerCall <= 0 {
		maxPerCall = DefaultMaxPerCall
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		clock:      clk,
		maxPerCall: maxPerCall,
		byCall:     make(map[string][]Event),
		subs:       make(map[int]chan Event),
	}
}

func (s *Store) Append(callID, typ string, payload map[string]any) Event {
	evt := Event{
		ID:        uuid.NewString(),
		CallID:    callID,
		Type:      typ,
		Timestamp: s.clock.Now().UTC(),
		Payload:   payload,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCall[callID] = append(s.byCall[callID], evt)
	// Keep room for a single truncation warning so the total stays at maxPerCall.
	if l := len(s.byCall[callID]); l > s.maxPerCall {
		keep := s.maxPerCall - 1
		dropped := l - keep
		kept := append([]Event(nil), s.byCall[callID][l-keep:]...)
		warn := Event{
			ID:        uuid.NewString(),
			CallID:    callID,
			Type:      TypeTruncated,
			Timestamp: evt.Timestamp,
			Payload:   map[string]any{"dropped": dropped, "kept": keep},
		}
		s.byCall[callID] = append(kept, warn)
	}
	metricEvents.WithLabelValues(typ).Inc()

	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			metricDropped.Inc()
		}
	}
	return evt
}

// List returns a copy of the events recorded for callID, oldest first.
func (s *Store) List(callID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.byCall[callID]
	out := make([]Event, len(src))
	copy(out, src)
	return out
}

// Subscribe registers a live listener. Events are dropped for a subscriber
// whose buffer is full. The returned func unsubscribes and closes the channel.
func (s *Store) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	gaugeSubscribers.Set(float64(len(s.subs)))
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			gaugeSubscribers.Set(float64(len(s.subs)))
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Prune forgets calls whose newest event is older than maxAge.
func (s *Store) Prune(maxAge time.Duration) int {
	cutoff := s.clock.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, evts := range s.byCall {
		if len(evts) == 0 || evts[len(evts)-1].Timestamp.Before(cutoff) {
			delete(s.byCall, id)
			removed++
		}
	}
	return removed
}

// Calls returns the number of calls with recorded events.
func (s *Store) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byCall)
}
