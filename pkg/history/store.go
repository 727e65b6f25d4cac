package history

import "sync"

// Store is the widget's view of one session's persisted history. All
// operations are best-effort: persistence failures degrade to in-memory
// state and are never surfaced to the caller.
type Store interface {
	// SessionID returns the stable visitor session identifier.
	SessionID() string

	// Load returns the current history, oldest first.
	Load() []Message

	// Append adds a message, enforces the retention cap, and persists.
	Append(msg Message)

	// Replace swaps the whole history, as when the server returns an
	// authoritative conversation for this session.
	Replace(msgs []Message)
}

// MemoryStore keeps history only for the process lifetime. It is the
// private-browsing degradation path and the zero-setup default for tests.
type MemoryStore struct {
	mu      sync.Mutex
	session string
	limit   int
	msgs    []Message
}

func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{
		session: NewSessionID(),
		limit:   limit,
	}
}

func (s *MemoryStore) SessionID() string { return s.session }

func (s *MemoryStore) Load() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *MemoryStore) Append(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = truncate(append(s.msgs, msg), s.limit)
}

func (s *MemoryStore) Replace(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = truncate(append([]Message(nil), msgs...), s.limit)
}
