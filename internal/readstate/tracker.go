package readstate

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// SlotKey is the KV slot holding the cursor map.
const SlotKey = "conversation-last-opened"

// Tracker is the per-viewer map of conversation id to last-opened time in
// epoch milliseconds. Losing it only makes conversations look unread.
type Tracker struct {
	mu      sync.RWMutex
	kv      KV
	cursors map[string]int64
}

// Load reads the cursor map. Missing or corrupt data starts empty.
func Load(kv KV) *Tracker {
	t := &Tracker{kv: kv, cursors: make(map[string]int64)}

	raw, err := kv.Get(SlotKey)
	if err != nil {
		if !errors.Is(err, ErrNoValue) {
			log.Warn().Err(err).Msg("Could not read read-state, starting empty")
		}
		return t
	}

	var stored map[string]int64
	if err := json.Unmarshal(raw, &stored); err != nil {
		log.Warn().Err(err).Msg("Read-state is corrupt, starting empty")
		return t
	}
	for id, at := range stored {
		if id != "" && at > 0 {
			t.cursors[id] = at
		}
	}
	return t
}

// Cursor returns the last-opened time for a conversation.
func (t *Tracker) Cursor(conversationID string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.cursors[conversationID]
	return at, ok
}

// IsUnread reports whether an inbound message sent at sentAt is newer than the cursor.
func (t *Tracker) IsUnread(conversationID string, sentAt int64) bool {
	at, ok := t.Cursor(conversationID)
	return !ok || sentAt > at
}

// MarkRead moves the cursor to at and persists the map. The cursor never moves back.
// Persistence failures are logged; the in-memory cursor is kept.
func (t *Tracker) MarkRead(conversationID string, at int64) {
	t.mu.Lock()
	if prev, ok := t.cursors[conversationID]; ok && prev >= at {
		t.mu.Unlock()
		return
	}
	t.cursors[conversationID] = at
	snapshot, err := json.Marshal(t.cursors)
	t.mu.Unlock()

	if err == nil {
		err = t.kv.Set(SlotKey, snapshot)
	}
	if err != nil {
		log.Warn().Err(err).Str("conversationID", conversationID).Msg("Could not persist read-state")
	}
}

// Snapshot returns a copy of all cursors.
func (t *Tracker) Snapshot() map[string]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int64, len(t.cursors))
	for k, v := range t.cursors {
		out[k] = v
	}
	return out
}
