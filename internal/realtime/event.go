package realtime

import (
	"context"
	"encoding/json"
)

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

const (
	TableMessages         = "messages"
	TableConversations    = "conversations"
	TableConversationTags = "conversation_tags"
)

// Event is one row change, shaped as {eventType, table, new, old}.
type Event struct {
	Type  EventType       `json:"eventType"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// NewEvent marshals the row images into an Event. A nil row is left empty.
func NewEvent(typ EventType, table string, newRow, oldRow interface{}) (Event, error) {
	ev := Event{Type: typ, Table: table}
	if newRow != nil {
		b, err := json.Marshal(newRow)
		if err != nil {
			return ev, err
		}
		ev.New = b
	}
	if oldRow != nil {
		b, err := json.Marshal(oldRow)
		if err != nil {
			return ev, err
		}
		ev.Old = b
	}
	return ev, nil
}

type rowKeys struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

func (e Event) keys() rowKeys {
	var k rowKeys
	row := e.New
	if len(row) == 0 {
		row = e.Old
	}
	_ = json.Unmarshal(row, &k)
	return k
}

// ConversationID returns the conversation the changed row belongs to.
func (e Event) ConversationID() string {
	k := e.keys()
	if e.Table == TableConversations {
		return k.ID
	}
	return k.ConversationID
}

// RowID returns the changed row's own id, empty for join rows.
func (e Event) RowID() string {
	return e.keys().ID
}

// Decode unmarshals the new row image (or the old one for deletes) into v.
func (e Event) Decode(v interface{}) error {
	row := e.New
	if len(row) == 0 {
		row = e.Old
	}
	return json.Unmarshal(row, v)
}

// Filter selects events. Empty fields match everything.
type Filter struct {
	Table          string
	ConversationID string
}

func (f Filter) Match(e Event) bool {
	if f.Table != "" && f.Table != e.Table {
		return false
	}
	if f.ConversationID != "" && f.ConversationID != e.ConversationID() {
		return false
	}
	return true
}

// Feed is a change subscription source. The returned channel is closed when ctx
// is cancelled or when the subscription is lost; callers tell the two apart by ctx.Err().
type Feed interface {
	Subscribe(ctx context.Context, f Filter) (<-chan Event, error)
}

// Publisher accepts committed changes.
type Publisher interface {
	Publish(e Event)
}
