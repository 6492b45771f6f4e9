// Package transcript holds the ordered message history of one conversation.
package transcript

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/MegaGrindStone/nova-chat/internal/models"
)

// Store keeps the ordered messages of a conversation and allows point mutation by message ID. Reads
// never block: every mutation publishes a new copy-on-write snapshot, and a published message is never
// modified in place.
//
// Writers are serialized by the store itself, so Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	messages []models.Message

	snapshot atomic.Pointer[[]models.Message]
}

// NewStore creates a store seeded with the given messages, in order.
func NewStore(messages ...models.Message) *Store {
	s := &Store{}
	s.messages = make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		s.messages = append(s.messages, msg.Clone())
	}
	s.publish()
	return s
}

// Append inserts the message at the end of the transcript.
func (s *Store) Append(message models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Writing past the length of a published snapshot is invisible to its readers, so the backing
	// array can be shared and the append stays amortized O(1).
	s.messages = append(s.messages, message.Clone())
	s.publish()
}

// UpdateByID replaces the message with the given ID by the result of mutator. The mutator receives a
// copy of the message, and its result keeps the original ID, role and timestamp. If no message has the
// ID, the store is left untouched and false is returned.
func (s *Store) UpdateByID(id string, mutator func(models.Message) models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == id })
	if idx == -1 {
		return false
	}

	orig := s.messages[idx]
	updated := mutator(orig.Clone())
	updated.ID = orig.ID
	updated.Role = orig.Role
	updated.Timestamp = orig.Timestamp

	next := slices.Clone(s.messages)
	next[idx] = updated
	s.messages = next
	s.publish()
	return true
}

// All returns the current ordered messages. The returned slice is a snapshot: later mutations of the
// store never show through it. Callers must treat the messages as read-only; use Message.Clone before
// modifying one.
func (s *Store) All() []models.Message {
	return slices.Clone(*s.snapshot.Load())
}

// Get returns the message with the given ID.
func (s *Store) Get(id string) (models.Message, bool) {
	msgs := *s.snapshot.Load()
	idx := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == id })
	if idx == -1 {
		return models.Message{}, false
	}
	return msgs[idx], true
}

// Len returns the number of messages in the transcript.
func (s *Store) Len() int {
	return len(*s.snapshot.Load())
}

func (s *Store) publish() {
	snap := s.messages[:len(s.messages):len(s.messages)]
	s.snapshot.Store(&snap)
}
