// Package ingest persists provider webhook deliveries: one transaction per
// message unit, idempotent on the provider message id.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"zapinbox/internal/adapters/meta"
	"zapinbox/internal/events"
	"zapinbox/internal/media"
	"zapinbox/internal/metrics"
	"zapinbox/internal/models"
	"zapinbox/internal/normalizer"
	"zapinbox/internal/store"
)

// ErrMalformedBody means the delivery body itself could not be parsed.
var ErrMalformedBody = errors.New("malformed webhook body")

// MediaQueue accepts media mirror jobs.
type MediaQueue interface {
	Enqueue(job media.Job)
}

// Result summarizes one delivery.
type Result struct {
	Inserted   []models.Message
	Duplicates int
	Skipped    int
}

// Received is the payload published for every newly stored inbound message.
type Received struct {
	Message      models.Message      `json:"message"`
	Conversation models.Conversation `json:"conversation"`
	Contact      models.Contact      `json:"contact"`
}

type Pipeline struct {
	store    *store.Store
	resolver *Resolver
	sink     events.Sink
	mirror   MediaQueue
}

// NewPipeline wires the pipeline. sink and mirror are optional.
func NewPipeline(st *store.Store, resolver *Resolver, sink events.Sink, mirror MediaQueue) (*Pipeline, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil for Pipeline")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver cannot be nil for Pipeline")
	}
	return &Pipeline{store: st, resolver: resolver, sink: sink, mirror: mirror}, nil
}

// IngestBody parses a raw delivery and ingests it.
func (p *Pipeline) IngestBody(ctx context.Context, body []byte) (Result, error) {
	var env meta.WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return p.Ingest(ctx, env)
}

// Ingest stores every message unit of env. A malformed unit is skipped and its
// siblings continue. A persistence error aborts the delivery so the provider
// redelivers; units already committed are absorbed as duplicates next time.
func (p *Pipeline) Ingest(ctx context.Context, env meta.WebhookEnvelope) (Result, error) {
	var res Result
	channel := models.ChannelFromObject(env.Object)

	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			for _, raw := range change.Value.Messages {
				u, err := parseUnit(raw)
				if err != nil {
					res.Skipped++
					metrics.WebhookMessages.WithLabelValues("skipped").Inc()
					log.Warn().Err(err).Str("entryID", entry.ID).Msg("Skipping malformed message unit")
					continue
				}

				sender := Sender{
					Channel:    channel,
					ExternalID: u.msg.From,
					Name:       profileName(change.Value.Contacts, u.msg.From),
					SeenAt:     u.sentAt,
				}
				stored, err := p.ingestUnit(ctx, u, sender)
				if err != nil {
					return res, err
				}
				if stored == nil {
					res.Duplicates++
					metrics.WebhookMessages.WithLabelValues("duplicate").Inc()
					continue
				}
				res.Inserted = append(res.Inserted, stored.Message)
				metrics.WebhookMessages.WithLabelValues("inserted").Inc()
				p.afterCommit(ctx, u, stored)
			}
		}
	}
	return res, nil
}

type unit struct {
	msg    meta.InboundMessage
	raw    json.RawMessage
	sentAt int64
}

func parseUnit(raw json.RawMessage) (unit, error) {
	var msg meta.InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return unit{}, fmt.Errorf("decode message unit: %w", err)
	}
	if strings.TrimSpace(msg.ID) == "" {
		return unit{}, fmt.Errorf("message unit has no id")
	}
	if strings.TrimSpace(msg.From) == "" {
		return unit{}, fmt.Errorf("message unit %s has no sender", msg.ID)
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(msg.Timestamp), 10, 64)
	if err != nil {
		return unit{}, fmt.Errorf("message unit %s has invalid timestamp %q", msg.ID, msg.Timestamp)
	}
	return unit{msg: msg, raw: raw, sentAt: secs * 1000}, nil
}

// profileName picks the contacts[] entry for from, falling back to the first one.
func profileName(contacts []meta.WebhookContact, from string) string {
	for _, c := range contacts {
		if c.WaID == from {
			return c.Profile.Name
		}
	}
	if len(contacts) > 0 {
		return contacts[0].Profile.Name
	}
	return ""
}

// ingestUnit returns nil when the unit was already stored.
func (p *Pipeline) ingestUnit(ctx context.Context, u unit, sender Sender) (*Received, error) {
	var out *Received

	err := p.store.InTx(ctx, func(tx *store.Tx) error {
		_, err := tx.FindMessageByProviderID(ctx, u.msg.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check duplicate %s: %w", u.msg.ID, err)
		}

		contact, conv, _, err := p.resolver.Resolve(ctx, tx, sender)
		if err != nil {
			return err
		}

		msg, inserted, err := tx.InsertMessage(ctx, buildMessage(u, conv.ID))
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}

		advanced, err := tx.AdvanceLastMessageAt(ctx, conv.ID, u.sentAt)
		if err != nil {
			return err
		}
		if advanced {
			conv.LastMessageAt = &u.sentAt
		}
		out = &Received{Message: msg, Conversation: conv, Contact: contact}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("providerMessageID", u.msg.ID).Msg("Failed to persist inbound message")
		return nil, err
	}
	return out, nil
}

func buildMessage(u unit, conversationID string) models.Message {
	canon := normalizer.Normalize(normalizer.Input{Type: u.msg.Type, Payload: u.raw})

	m := models.Message{
		ConversationID:    conversationID,
		Direction:         models.DirectionInbound,
		Type:              canon.Type,
		Text:              models.Str(canon.Text),
		MediaURL:          models.Str(canon.MediaURL),
		MediaMimeType:     models.Str(canon.MediaMimeType),
		Filename:          models.Str(canon.Filename),
		ProviderMessageID: models.Str(u.msg.ID),
		Payload:           models.RawJSON(u.raw),
		SentAt:            u.sentAt,
	}
	if obj := u.msg.Media(); obj != nil {
		m.Caption = models.Str(obj.Caption)
		m.Text = nil
	}
	if canon.FileSize > 0 {
		size := canon.FileSize
		m.FileSize = &size
	}
	return m
}

func (p *Pipeline) afterCommit(ctx context.Context, u unit, rec *Received) {
	log.Info().
		Str("messageID", rec.Message.ID).
		Str("providerMessageID", u.msg.ID).
		Str("conversationID", rec.Conversation.ID).
		Str("type", string(rec.Message.Type)).
		Msg("Stored inbound message")

	if p.sink != nil {
		if err := p.sink.Publish(ctx, events.MessageReceived, rec); err != nil {
			log.Warn().Err(err).Str("messageID", rec.Message.ID).Msg("Failed to publish message.received event")
		}
	}

	obj := u.msg.Media()
	if p.mirror == nil || obj == nil || obj.ID == "" || rec.Message.MediaURL != nil {
		return
	}
	p.mirror.Enqueue(media.Job{
		MessageID: rec.Message.ID,
		ClinicID:  rec.Contact.ClinicID,
		ContactID: rec.Contact.ExternalID,
		MediaID:   obj.ID,
		MimeType:  obj.MimeType,
	})
}
