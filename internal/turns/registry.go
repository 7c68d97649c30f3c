package turns

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ranacseruet/clawphone/internal/clock"
)

// DefaultReply is stored when a turn completes with an empty reply.
const DefaultReply = "Sorry, I don't have an answer for that."

// Turn is one caller utterance awaiting the agent's reply. Callers only ever
// see copies; the registry owns the live records.
type Turn struct {
	Key       string
	CallID    string
	Caller    string
	Utterance string
	Done      bool
	Reply     string
	CreatedAt time.Time
	Polls     int
}

// Registry tracks pending turns and, per call, which turn is the latest. A
// single mutex guards both maps so supersession and completion never interleave.
type Registry struct {
	clock clock.Clock

	mu     sync.Mutex
	turns  map[string]*Turn
	latest map[string]string // call id -> turn key
}

func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{
		clock:  clk,
		turns:  make(map[string]*Turn),
		latest: make(map[string]string),
	}
}

// NewKey builds a turn key unique to one exchange on callID.
func NewKey(callID string) string {
	return callID + "-" + uuid.New().String()
}

// Create registers a pending turn as the latest for its call. A previous
// latest turn for the same call is deleted: the caller spoke again before
// hearing its answer.
func (r *Registry) Create(key, callID, caller, utterance string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.latest[callID]; ok && prev != key {
		if _, exists := r.turns[prev]; exists {
			delete(r.turns, prev)
			metricTurns.WithLabelValues("superseded").Inc()
		}
	}
	r.turns[key] = &Turn{
		Key:       key,
		CallID:    callID,
		Caller:    caller,
		Utterance: utterance,
		CreatedAt: r.clock.Now(),
	}
	r.latest[callID] = key
	metricTurns.WithLabelValues("created").Inc()
	r.updateGaugeLocked()
}

func (r *Registry) IsLatest(key, callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest[callID] == key
}

// Complete stores the reply for key. It returns false, changing nothing, when
// the turn no longer exists.
func (r *Registry) Complete(key, reply string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.turns[key]
	if !ok {
		metricTurns.WithLabelValues("complete_missed").Inc()
		return false
	}
	if reply == "" {
		reply = DefaultReply
	}
	t.Done = true
	t.Reply = reply
	metricTurns.WithLabelValues("completed").Inc()
	r.updateGaugeLocked()
	return true
}

func (r *Registry) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(key)
	r.updateGaugeLocked()
}

func (r *Registry) deleteLocked(key string) {
	t, ok := r.turns[key]
	if !ok {
		return
	}
	delete(r.turns, key)
	if r.latest[t.CallID] == key {
		delete(r.latest, t.CallID)
	}
}

func (r *Registry) Get(key string) (Turn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.turns[key]
	if !ok {
		return Turn{}, false
	}
	return *t, true
}

// CleanupStale removes turns, answered or not, created more than maxAge ago.
func (r *Registry) CleanupStale(maxAge time.Duration) int {
	cutoff := r.clock.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, t := range r.turns {
		if t.CreatedAt.Before(cutoff) {
			r.deleteLocked(key)
			removed++
		}
	}
	if removed > 0 {
		metricTurns.WithLabelValues("swept").Add(float64(removed))
	}
	r.updateGaugeLocked()
	return removed
}

// Active returns the number of turns still waiting for the agent.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

// Len returns the number of turns held, answered or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, t := range r.turns {
		if !t.Done {
			n++
		}
	}
	return n
}

func (r *Registry) updateGaugeLocked() {
	gaugeActive.Set(float64(r.activeLocked()))
}

// Drain waits for pending turns to be answered, checking every interval, and
// gives up after timeout or when ctx ends. It returns how many turns were still
// unanswered; those callers will never hear a reply.
func (r *Registry) Drain(ctx context.Context, timeout, interval time.Duration) int {
	if n := r.Active(); n == 0 {
		return 0
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.Active() == 0 {
				return 0
			}
		case <-deadline.C:
			return r.Active()
		case <-ctx.Done():
			return r.Active()
		}
	}
}
