package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/models"
	"zapinbox/internal/realtime"
)

// Tx is one unit of work. Change events are collected and published by InTx after commit.
type Tx struct {
	tx     *sqlx.Tx
	now    func() time.Time
	events []realtime.Event
}

func (t *Tx) record(typ realtime.EventType, table string, newRow, oldRow interface{}) {
	ev, err := realtime.NewEvent(typ, table, newRow, oldRow)
	if err != nil {
		log.Error().Err(err).Str("table", table).Msg("Failed to encode change event")
		return
	}
	t.events = append(t.events, ev)
}

func (t *Tx) nowMillis() int64 {
	return t.now().UnixMilli()
}

// FindMessageByProviderID returns ErrNotFound when no row carries the provider id.
func (t *Tx) FindMessageByProviderID(ctx context.Context, providerID string) (models.Message, error) {
	var m models.Message
	err := t.tx.GetContext(ctx, &m, t.tx.Rebind(`SELECT * FROM messages WHERE provider_message_id = ?`), providerID)
	return m, notFound(err)
}

func (t *Tx) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var c models.Conversation
	err := t.tx.GetContext(ctx, &c, t.tx.Rebind(`SELECT * FROM conversations WHERE id = ?`), id)
	return c, notFound(err)
}

func (t *Tx) GetContact(ctx context.Context, id string) (models.Contact, error) {
	var c models.Contact
	err := t.tx.GetContext(ctx, &c, t.tx.Rebind(`SELECT * FROM contacts WHERE id = ?`), id)
	return c, notFound(err)
}

// UpsertContact creates the contact or refreshes its name and last-seen time.
// An empty incoming name never erases a known one and last_seen_at never moves back.
func (t *Tx) UpsertContact(ctx context.Context, c models.Contact) (models.Contact, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = t.nowMillis()
	}

	query := t.tx.Rebind(`
		INSERT INTO contacts (id, clinic_id, channel, external_id, name, avatar_url, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (clinic_id, channel, external_id) DO UPDATE SET
			name = COALESCE(NULLIF(excluded.name, ''), contacts.name),
			avatar_url = COALESCE(excluded.avatar_url, contacts.avatar_url),
			last_seen_at = CASE
				WHEN contacts.last_seen_at IS NULL OR excluded.last_seen_at > contacts.last_seen_at
				THEN excluded.last_seen_at ELSE contacts.last_seen_at END
		RETURNING *`)

	var out models.Contact
	err := t.tx.GetContext(ctx, &out, query,
		c.ID, c.ClinicID, c.Channel, c.ExternalID, c.Name, c.AvatarURL, c.LastSeenAt, c.CreatedAt)
	if err != nil {
		return out, fmt.Errorf("upsert contact %s/%s: %w", c.Channel, c.ExternalID, err)
	}
	return out, nil
}

// FindOrCreateOpenConversation returns the single non-closed conversation for
// (contact, channel), creating it from conv when none exists. The insert is
// guarded by the partial unique index, so a concurrent creator makes this call
// fall through to reading the winner's row.
func (t *Tx) FindOrCreateOpenConversation(ctx context.Context, conv models.Conversation) (models.Conversation, bool, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := t.nowMillis()
	if conv.CreatedAt == 0 {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	if conv.Status == "" {
		conv.Status = models.StatusOpen
	}

	insert := t.tx.Rebind(`
		INSERT INTO conversations (id, clinic_id, contact_id, channel, status, department_id, assigned_user_id, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (contact_id, channel) WHERE status <> 'closed' DO NOTHING
		RETURNING *`)

	var created models.Conversation
	err := t.tx.GetContext(ctx, &created, insert,
		conv.ID, conv.ClinicID, conv.ContactID, conv.Channel, conv.Status,
		conv.DepartmentID, conv.AssignedUserID, conv.LastMessageAt, conv.CreatedAt, conv.UpdatedAt)
	if err == nil {
		t.record(realtime.Insert, realtime.TableConversations, created, nil)
		return created, true, nil
	}
	if !errors.Is(notFound(err), ErrNotFound) {
		return created, false, fmt.Errorf("create conversation: %w", err)
	}

	var existing models.Conversation
	err = t.tx.GetContext(ctx, &existing, t.tx.Rebind(`
		SELECT * FROM conversations
		WHERE contact_id = ? AND channel = ? AND status <> 'closed'
		ORDER BY created_at DESC
		LIMIT 1`), conv.ContactID, conv.Channel)
	if err != nil {
		return existing, false, fmt.Errorf("find open conversation: %w", err)
	}
	return existing, false, nil
}

// InsertMessage inserts m unless its provider id is already stored, in which
// case the stored row is returned with inserted=false.
func (t *Tx) InsertMessage(ctx context.Context, m models.Message) (models.Message, bool, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = t.nowMillis()
	}

	insert := t.tx.Rebind(`
		INSERT INTO messages (id, conversation_id, direction, type, text, caption, media_url, media_mime_type,
			filename, file_size, provider_message_id, client_ref, payload, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_message_id) DO NOTHING
		RETURNING *`)

	var out models.Message
	err := t.tx.GetContext(ctx, &out, insert,
		m.ID, m.ConversationID, m.Direction, m.Type, m.Text, m.Caption, m.MediaURL, m.MediaMimeType,
		m.Filename, m.FileSize, m.ProviderMessageID, m.ClientRef, m.Payload, m.SentAt, m.CreatedAt)
	if err == nil {
		t.record(realtime.Insert, realtime.TableMessages, out, nil)
		return out, true, nil
	}
	if !errors.Is(notFound(err), ErrNotFound) || m.ProviderMessageID == nil {
		return out, false, fmt.Errorf("insert message: %w", err)
	}

	existing, err := t.FindMessageByProviderID(ctx, *m.ProviderMessageID)
	if err != nil {
		return existing, false, fmt.Errorf("load duplicate message: %w", err)
	}
	return existing, false, nil
}

// AdvanceLastMessageAt moves last_message_at forward to at. Older timestamps are ignored.
func (t *Tx) AdvanceLastMessageAt(ctx context.Context, conversationID string, at int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		UPDATE conversations SET last_message_at = ?, updated_at = ?
		WHERE id = ? AND (last_message_at IS NULL OR last_message_at < ?)`),
		at, t.nowMillis(), conversationID, at)
	if err != nil {
		return false, fmt.Errorf("advance last_message_at: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	conv, err := t.GetConversation(ctx, conversationID)
	if err != nil {
		return true, err
	}
	t.record(realtime.Update, realtime.TableConversations, conv, nil)
	return true, nil
}
