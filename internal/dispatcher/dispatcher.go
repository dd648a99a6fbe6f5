// Package dispatcher sends composed messages from a client, showing them
// optimistically in the open thread until the server answers.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/models"
	"zapinbox/internal/services"
	"zapinbox/internal/syncengine"
)

const correlationPrefix = "local-"

// API is the server send surface.
type API interface {
	Send(ctx context.Context, req services.SendRequest) (models.Message, error)
	SetFilename(ctx context.Context, messageID, filename string) (models.Message, error)
}

// Threads finds the open thread of a conversation, nil when it is not open.
type Threads interface {
	Thread(conversationID string) *syncengine.Thread
}

// Composed is what the user typed or attached.
type Composed struct {
	Type          models.MessageType
	Text          string
	MediaURL      string
	MediaMimeType string
	Filename      string
	FileSize      int64
}

type Dispatcher struct {
	api     API
	threads Threads
	now     func() time.Time
}

func New(api API, threads Threads) (*Dispatcher, error) {
	if api == nil {
		return nil, fmt.Errorf("API cannot be nil for Dispatcher")
	}
	return &Dispatcher{api: api, threads: threads, now: time.Now}, nil
}

// Send returns the persisted message with the optimistic-only fields merged
// back. On failure the optimistic entry is removed and the error returned.
func (d *Dispatcher) Send(ctx context.Context, conversationID string, c Composed) (models.Message, error) {
	if c.Type == "" {
		c.Type = models.TypeText
	}
	correlationID := correlationPrefix + uuid.NewString()
	opt := d.optimistic(correlationID, conversationID, c)

	var thread *syncengine.Thread
	if d.threads != nil {
		thread = d.threads.Thread(conversationID)
	}
	if thread != nil {
		thread.AddOptimistic(opt)
	}

	persisted, err := d.api.Send(ctx, services.SendRequest{
		ConversationID: conversationID,
		Type:           c.Type,
		Text:           c.Text,
		MediaURL:       c.MediaURL,
		MediaMimeType:  c.MediaMimeType,
		Filename:       c.Filename,
		ClientRef:      correlationID,
	})
	if err != nil {
		if thread != nil {
			thread.Reject(correlationID)
		}
		log.Warn().Err(err).Str("conversationID", conversationID).Str("correlationID", correlationID).Msg("Send failed")
		return models.Message{}, err
	}

	if persisted.Type == models.TypeDocument && persisted.Filename == nil && c.Filename != "" {
		fixed, err := d.api.SetFilename(ctx, persisted.ID, c.Filename)
		if err != nil {
			log.Warn().Err(err).Str("messageID", persisted.ID).Msg("Filename backfill failed")
		} else {
			persisted.Filename = fixed.Filename
		}
	}

	merged := syncengine.MergeOptimistic(opt, persisted)
	if thread != nil {
		thread.Confirm(correlationID, merged)
	}
	log.Debug().Str("messageID", merged.ID).Str("correlationID", correlationID).Msg("Send confirmed")
	return merged, nil
}

func (d *Dispatcher) optimistic(correlationID, conversationID string, c Composed) models.Message {
	m := models.Message{
		ID:             correlationID,
		ConversationID: conversationID,
		Direction:      models.DirectionOutbound,
		Type:           c.Type,
		MediaURL:       models.Str(c.MediaURL),
		MediaMimeType:  models.Str(c.MediaMimeType),
		Filename:       models.Str(c.Filename),
		ClientRef:      models.Str(correlationID),
		SentAt:         d.now().UnixMilli(),
	}
	if c.Type.IsMedia() {
		m.Caption = models.Str(c.Text)
	} else {
		m.Text = models.Str(c.Text)
	}
	if c.FileSize > 0 {
		size := c.FileSize
		m.FileSize = &size
	}
	return m
}
