package session

import (
	"sync"
	"time"

	"pingo/pkg/models"
)

// reconcileWindow bounds how old an optimistic entry may be and still be
// matched by an arriving confirmed message. The content+author+window
// match is a heuristic; it lives entirely inside Append so it can be
// swapped for a correlation-id scheme without touching callers.
const reconcileWindow = 30 * time.Second

// MessageStore holds the ordered message log per chat id plus the
// optimistic-reconciliation logic. Writes are funneled through the
// session's dispatch loop; reads may come from any goroutine.
type MessageStore struct {
	mu      sync.RWMutex
	logs    map[string][]models.Message
	touched map[string]time.Time
	now     func() time.Time
}

// NewMessageStore builds an empty store. now is injectable for tests and
// defaults to time.Now.
func NewMessageStore(now func() time.Time) *MessageStore {
	if now == nil {
		now = time.Now
	}
	return &MessageStore{
		logs:    make(map[string][]models.Message),
		touched: make(map[string]time.Time),
		now:     now,
	}
}

// Append adds a message to the end of a chat's log. For a confirmed
// message it first tries to reconcile a pending optimistic entry with the
// same content and author created within the reconcile window; a match is
// replaced in place, preserving its position, instead of appending a
// duplicate. Reconciliation is one-shot: the replaced entry is no longer
// optimistic, so a second identical arrival appends normally. Reports
// whether an optimistic entry was replaced.
func (s *MessageStore) Append(chatID string, msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[chatID] = s.now()

	log := s.logs[chatID]
	if !msg.Optimistic {
		now := s.now()
		for i := range log {
			m := &log[i]
			if m.Optimistic &&
				m.Content == msg.Content &&
				m.Author.ID == msg.Author.ID &&
				now.Sub(m.CreatedAt) < reconcileWindow {
				log[i] = msg
				return true
			}
		}
	}
	s.logs[chatID] = append(log, msg)
	return false
}

// Prepend splices older history pages before the current log. No
// deduplication is applied; callers are responsible for non-overlapping
// pages.
func (s *MessageStore) Prepend(chatID string, older []models.Message) {
	if len(older) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[chatID] = s.now()
	merged := make([]models.Message, 0, len(older)+len(s.logs[chatID]))
	merged = append(merged, older...)
	merged = append(merged, s.logs[chatID]...)
	s.logs[chatID] = merged
}

// RemoveOptimistic deletes the optimistic entry with the given temp id,
// used when a send is known to have failed before reaching the transport.
func (s *MessageStore) RemoveOptimistic(chatID, tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[chatID]
	for i := range log {
		if log[i].ID == tempID && log[i].Optimistic {
			s.logs[chatID] = append(log[:i:i], log[i+1:]...)
			return
		}
	}
}

// SetAll replaces the entire log for a chat, used after an initial
// history load onto an empty or intentionally refreshed log.
func (s *MessageStore) SetAll(chatID string, msgs []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[chatID] = s.now()
	s.logs[chatID] = append([]models.Message(nil), msgs...)
}

// MergeHistory installs a history page without discarding entries that
// arrived live while the load was in flight: existing entries whose id is
// not already in the page are re-appended after it, confirmed ones going
// back through the reconciliation path so they can still claim a pending
// optimistic entry from the page's tail.
func (s *MessageStore) MergeHistory(chatID string, history []models.Message) {
	s.mu.Lock()
	live := s.logs[chatID]
	s.logs[chatID] = append([]models.Message(nil), history...)
	s.touched[chatID] = s.now()
	s.mu.Unlock()

	seen := make(map[string]struct{}, len(history))
	for i := range history {
		seen[history[i].ID] = struct{}{}
	}
	for i := range live {
		if _, ok := seen[live[i].ID]; ok {
			continue
		}
		s.Append(chatID, live[i])
	}
}

// Messages returns a copy of the chat's log.
func (s *MessageStore) Messages(chatID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Message(nil), s.logs[chatID]...)
}

// Len returns the number of cached messages for a chat.
func (s *MessageStore) Len(chatID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs[chatID])
}

// Chats returns the ids of all chats with a cached log.
func (s *MessageStore) Chats() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.logs))
	for id := range s.logs {
		out = append(out, id)
	}
	return out
}

// LastActivity reports when a chat's log was last written.
func (s *MessageStore) LastActivity(chatID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.touched[chatID]
}

// Trim keeps only the newest keepLast entries of a chat's log. Used by
// the retention sweeper on inactive chats.
func (s *MessageStore) Trim(chatID string, keepLast int) {
	if keepLast <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[chatID]
	if len(log) <= keepLast {
		return
	}
	s.logs[chatID] = append([]models.Message(nil), log[len(log)-keepLast:]...)
}

// Evict drops a chat's cached log entirely.
func (s *MessageStore) Evict(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, chatID)
	delete(s.touched, chatID)
}

// Clear wipes every cached log. Only the explicit clear-session path
// calls this; switching chats keeps other chats' logs cached.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = make(map[string][]models.Message)
	s.touched = make(map[string]time.Time)
}
