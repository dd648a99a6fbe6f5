package store

import (
	"context"
	"fmt"

	"zapinbox/internal/models"
	"zapinbox/internal/realtime"
)

// AddTag attaches a tag to a conversation. Attaching twice is a no-op.
func (s *Store) AddTag(ctx context.Context, conversationID, tagID string) error {
	return s.InTx(ctx, func(tx *Tx) error {
		conv, err := tx.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		var clinicID string
		err = tx.tx.GetContext(ctx, &clinicID, tx.tx.Rebind(`SELECT clinic_id FROM tags WHERE id = ?`), tagID)
		if err != nil {
			return notFound(err)
		}
		if clinicID != conv.ClinicID {
			return ErrNotFound
		}

		row := models.ConversationTag{ConversationID: conversationID, TagID: tagID, CreatedAt: tx.nowMillis()}
		res, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(`
			INSERT INTO conversation_tags (conversation_id, tag_id, created_at) VALUES (?, ?, ?)
			ON CONFLICT (conversation_id, tag_id) DO NOTHING`), row.ConversationID, row.TagID, row.CreatedAt)
		if err != nil {
			return fmt.Errorf("add tag: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			tx.record(realtime.Insert, realtime.TableConversationTags, row, nil)
		}
		return nil
	})
}

// RemoveTag detaches a tag. Removing an absent tag is a no-op.
func (s *Store) RemoveTag(ctx context.Context, conversationID, tagID string) error {
	return s.InTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(`
			DELETE FROM conversation_tags WHERE conversation_id = ? AND tag_id = ?`), conversationID, tagID)
		if err != nil {
			return fmt.Errorf("remove tag: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			tx.record(realtime.Delete, realtime.TableConversationTags, nil,
				models.ConversationTag{ConversationID: conversationID, TagID: tagID})
		}
		return nil
	})
}

// AcceptConversation moves a pending conversation to open and assigns it to viewerID.
// ErrConflict is returned when the conversation is no longer pending.
func (s *Store) AcceptConversation(ctx context.Context, conversationID, viewerID string) (models.Conversation, error) {
	var out models.Conversation
	err := s.InTx(ctx, func(tx *Tx) error {
		before, err := tx.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if before.Status != models.StatusPending {
			return ErrConflict
		}
		_, err = tx.tx.ExecContext(ctx, tx.tx.Rebind(`
			UPDATE conversations SET status = ?, assigned_user_id = ?, updated_at = ?
			WHERE id = ? AND status = ?`),
			models.StatusOpen, viewerID, tx.nowMillis(), conversationID, models.StatusPending)
		if err != nil {
			return fmt.Errorf("accept conversation: %w", err)
		}
		out, err = tx.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		tx.record(realtime.Update, realtime.TableConversations, out, before)
		return nil
	})
	return out, err
}

// SetMessageFilename fills in a missing filename. A filename that is already
// stored is never overwritten; the stored row is returned either way.
func (s *Store) SetMessageFilename(ctx context.Context, messageID, filename string) (models.Message, error) {
	return s.backfill(ctx, messageID, `
		UPDATE messages SET filename = ? WHERE id = ? AND filename IS NULL`, filename, messageID)
}

// SetMessageMedia fills in a missing media url, and the mime type when that is missing too.
func (s *Store) SetMessageMedia(ctx context.Context, messageID, url, mimeType string) (models.Message, error) {
	return s.backfill(ctx, messageID, `
		UPDATE messages SET media_url = ?, media_mime_type = COALESCE(media_mime_type, ?)
		WHERE id = ? AND media_url IS NULL`, url, models.Str(mimeType), messageID)
}

func (s *Store) backfill(ctx context.Context, messageID, query string, args ...interface{}) (models.Message, error) {
	var out models.Message
	err := s.InTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(query), args...)
		if err != nil {
			return fmt.Errorf("backfill message %s: %w", messageID, err)
		}
		err = tx.tx.GetContext(ctx, &out, tx.tx.Rebind(`SELECT * FROM messages WHERE id = ?`), messageID)
		if err != nil {
			return notFound(err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			tx.record(realtime.Update, realtime.TableMessages, out, nil)
		}
		return nil
	})
	return out, err
}
