// Package session keeps per-session conversation state in memory.
//
// A session is keyed by a caller-chosen identifier and holds at most one
// conversation handle per provider. Handles for different providers never
// share history. Sessions live until cleared or the process exits; there
// is no eviction.
package session

import (
	"context"
	"sync"
	"time"
)

// DefaultID is used when a request carries no session identifier.
const DefaultID = "default"

// Message is one stored conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is a provider-specific history handle. It is safe for
// concurrent use, though callers serialize turns through Store.Acquire.
type Conversation struct {
	sessionID string
	provider  string
	createdAt time.Time

	mu       sync.RWMutex
	messages []Message
}

// SessionID returns the owning session's identifier.
func (c *Conversation) SessionID() string { return c.sessionID }

// Provider returns the provider this history belongs to.
func (c *Conversation) Provider() string { return c.provider }

// CreatedAt returns when the handle was created.
func (c *Conversation) CreatedAt() time.Time { return c.createdAt }

// Messages returns a copy of the history in order.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Append adds turns to the end of the history.
func (c *Conversation) Append(msgs ...Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msgs...)
}

// Len returns the number of stored turns.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

type session struct {
	createdAt     time.Time
	conversations map[string]*Conversation
}

// idLock is a one-slot semaphore shared by all requests for one session
// identifier. refs counts holders and waiters so the entry can be dropped
// once nobody needs it.
type idLock struct {
	ch   chan struct{}
	refs int
}

// Stats summarizes store contents.
type Stats struct {
	Sessions      int            `json:"sessions"`
	Conversations int            `json:"conversations"`
	ByProvider    map[string]int `json:"by_provider"`
}

// Store manages sessions in memory.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session

	lockMu sync.Mutex
	locks  map[string]*idLock

	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*session),
		locks:    make(map[string]*idLock),
		now:      time.Now,
	}
}

// GetOrCreate returns the conversation for (id, provider), creating the
// session and the handle on first use. created reports whether a new
// handle was made. Repeated calls return the same handle.
func (s *Store) GetOrCreate(id, provider string) (conv *Conversation, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{
			createdAt:     s.now(),
			conversations: make(map[string]*Conversation),
		}
		s.sessions[id] = sess
	}
	if conv, ok := sess.conversations[provider]; ok {
		return conv, false
	}
	conv = &Conversation{
		sessionID: id,
		provider:  provider,
		createdAt: s.now(),
	}
	sess.conversations[provider] = conv
	return conv, true
}

// Lookup returns the conversation for (id, provider) without creating it.
func (s *Store) Lookup(id, provider string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	conv, ok := sess.conversations[provider]
	return conv, ok
}

// Clear destroys every provider handle under id. It reports false when
// the identifier was unknown. A request already holding a handle keeps
// writing to the detached copy; the next request starts fresh.
func (s *Store) Clear(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stats returns session and per-provider handle counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Sessions: len(s.sessions), ByProvider: make(map[string]int)}
	for _, sess := range s.sessions {
		for p := range sess.conversations {
			st.Conversations++
			st.ByProvider[p]++
		}
	}
	return st
}

// Acquire serializes work on one session identifier. It blocks until the
// identifier is free or ctx is done, and returns a release func that is
// safe to call more than once. Different identifiers never contend.
func (s *Store) Acquire(ctx context.Context, id string) (release func(), err error) {
	s.lockMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &idLock{ch: make(chan struct{}, 1)}
		s.locks[id] = l
	}
	l.refs++
	s.lockMu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		s.unref(id, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			s.unref(id, l)
		})
	}, nil
}

func (s *Store) unref(id string, l *idLock) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, id)
	}
}

// lockCount is the number of identifiers with a live lock entry.
func (s *Store) lockCount() int {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	return len(s.locks)
}
