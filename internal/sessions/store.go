package sessions

import (
	"sync"
	"time"

	"github.com/ranacseruet/clawphone/internal/clock"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// Store keeps per-session conversation history in memory. Each session holds at
// most maxMessages messages; older ones are dropped first.
type Store struct {
	clock       clock.Clock
	maxMessages int

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore(maxMessages int, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		clock:       clk,
		maxMessages: maxMessages,
		sessions:    make(map[string]*Session),
	}
}

// History returns a copy of the messages recorded for id, oldest first.
func (s *Store) History(id string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	out := make([]Message, len(sess.Messages))
	copy(out, sess.Messages)
	return out
}

// Append records an exchange for id, creating the session on first use.
func (s *Store) Append(id string, msgs ...Message) {
	if len(msgs) == 0 {
		return
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id, CreatedAt: now}
		s.sessions[id] = sess
	}
	for _, m := range msgs {
		if m.At.IsZero() {
			m.At = now
		}
		sess.Messages = append(sess.Messages, m)
	}
	sess.UpdatedAt = now

	if s.maxMessages > 0 {
		if l := len(sess.Messages); l > s.maxMessages {
			sess.Messages = append([]Message(nil), sess.Messages[l-s.maxMessages:]...)
		}
	}
}

// Prune forgets sessions idle for longer than idle and returns how many went.
func (s *Store) Prune(idle time.Duration) int {
	cutoff := s.clock.Now().Add(-idle)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
