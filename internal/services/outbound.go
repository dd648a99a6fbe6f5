package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/adapters/meta"
	"zapinbox/internal/events"
	"zapinbox/internal/media"
	"zapinbox/internal/metrics"
	"zapinbox/internal/models"
	"zapinbox/internal/store"
)

var (
	ErrInvalidMessage     = errors.New("invalid message")
	ErrConversationClosed = errors.New("conversation is closed")
	ErrProvider           = errors.New("provider rejected the message")
)

// Provider is the channel send API.
type Provider interface {
	SendMessage(ctx context.Context, req meta.SendRequest) (*meta.SendResponse, error)
}

// SendRequest is the body of POST /api/messages/send.
type SendRequest struct {
	ConversationID string             `json:"conversationId"`
	Text           string             `json:"text"`
	Type           models.MessageType `json:"type"`
	MediaURL       string             `json:"mediaUrl,omitempty"`
	MediaMimeType  string             `json:"mediaMimeType,omitempty"`
	Filename       string             `json:"filename,omitempty"`
	ClientRef      string             `json:"clientRef,omitempty"`
}

// OutboundService sends a message through the provider and stores it.
type OutboundService struct {
	store    *store.Store
	provider Provider
	uploader media.Uploader
	sink     events.Sink
}

// NewOutboundService wires the send operation. uploader is required only for
// inline data: URL media; sink is optional.
func NewOutboundService(st *store.Store, provider Provider, uploader media.Uploader, sink events.Sink) (*OutboundService, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil for OutboundService")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider cannot be nil for OutboundService")
	}
	return &OutboundService{store: st, provider: provider, uploader: uploader, sink: sink}, nil
}

func validate(req *SendRequest) error {
	if req.ConversationID == "" {
		return fmt.Errorf("%w: conversationId is required", ErrInvalidMessage)
	}
	if req.Type == "" {
		req.Type = models.TypeText
	}
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidMessage, req.Type)
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Type == models.TypeText && req.Text == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidMessage)
	}
	if req.Type.IsMedia() && req.MediaURL == "" {
		return fmt.Errorf("%w: mediaUrl is required for %s", ErrInvalidMessage, req.Type)
	}
	return nil
}

// Send returns the persisted outbound row.
func (s *OutboundService) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	if err := validate(&req); err != nil {
		metrics.OutboundSends.WithLabelValues("invalid").Inc()
		return models.Message{}, err
	}

	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return models.Message{}, fmt.Errorf("load conversation %s: %w", req.ConversationID, err)
	}
	if conv.Status == models.StatusClosed {
		metrics.OutboundSends.WithLabelValues("invalid").Inc()
		return models.Message{}, ErrConversationClosed
	}
	contact, err := s.store.GetContact(ctx, conv.ContactID)
	if err != nil {
		return models.Message{}, fmt.Errorf("load contact %s: %w", conv.ContactID, err)
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Direction:      models.DirectionOutbound,
		Type:           req.Type,
		MediaURL:       models.Str(req.MediaURL),
		MediaMimeType:  models.Str(req.MediaMimeType),
		Filename:       models.Str(req.Filename),
		ClientRef:      models.Str(req.ClientRef),
	}
	if req.Type.IsMedia() {
		msg.Caption = models.Str(req.Text)
	} else {
		msg.Text = models.Str(req.Text)
	}

	if media.IsDataURL(req.MediaURL) {
		if err := s.uploadInline(ctx, &msg, conv, contact); err != nil {
			return models.Message{}, err
		}
	}

	resp, err := s.provider.SendMessage(ctx, providerRequest(contact.ExternalID, msg))
	if err != nil {
		metrics.OutboundSends.WithLabelValues("provider_error").Inc()
		log.Error().Err(err).Str("conversationID", conv.ID).Msg("Provider send failed")
		return models.Message{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	msg.ProviderMessageID = models.Str(resp.MessageID())
	if payload, err := json.Marshal(resp); err == nil {
		msg.Payload = payload
	}
	msg.SentAt = s.store.Now()

	var stored models.Message
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		stored, _, err = tx.InsertMessage(ctx, msg)
		if err != nil {
			return err
		}
		_, err = tx.AdvanceLastMessageAt(ctx, conv.ID, stored.SentAt)
		return err
	})
	if err != nil {
		metrics.OutboundSends.WithLabelValues("store_error").Inc()
		log.Error().Err(err).Str("conversationID", conv.ID).Str("providerMessageID", models.Deref(msg.ProviderMessageID)).Msg("Message sent but could not be stored")
		return models.Message{}, fmt.Errorf("store outbound message: %w", err)
	}

	metrics.OutboundSends.WithLabelValues("sent").Inc()
	log.Info().
		Str("messageID", stored.ID).
		Str("conversationID", conv.ID).
		Str("type", string(stored.Type)).
		Msg("Outbound message sent")

	if s.sink != nil {
		if err := s.sink.Publish(ctx, events.MessageSent, stored); err != nil {
			log.Warn().Err(err).Str("messageID", stored.ID).Msg("Failed to publish message.sent event")
		}
	}
	return stored, nil
}

// uploadInline moves a data: URL payload to object storage and points msg at it.
func (s *OutboundService) uploadInline(ctx context.Context, msg *models.Message, conv models.Conversation, contact models.Contact) error {
	if s.uploader == nil {
		return fmt.Errorf("%w: inline media needs object storage to be configured", ErrInvalidMessage)
	}
	data, contentType, err := media.DecodeDataURL(models.Deref(msg.MediaURL))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	mimeType := models.Deref(msg.MediaMimeType)
	if mimeType == "" {
		mimeType = contentType
	}

	if msg.Type == models.TypeImage {
		shrunk, err := media.ShrinkImage(data, mimeType, media.MaxImageSide)
		if err != nil {
			log.Warn().Err(err).Str("messageID", msg.ID).Msg("Could not resize outbound image, sending original")
		} else {
			data = shrunk
		}
	}

	url, err := s.uploader.Store(ctx, media.Object{
		ClinicID:  conv.ClinicID,
		ContactID: contact.ExternalID,
		MessageID: msg.ID,
		MimeType:  mimeType,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("upload outbound media: %w", err)
	}

	size := int64(len(data))
	msg.MediaURL = &url
	msg.MediaMimeType = models.Str(mimeType)
	msg.FileSize = &size
	return nil
}

func providerRequest(to string, msg models.Message) meta.SendRequest {
	req := meta.SendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             string(msg.Type),
	}
	if msg.Type == models.TypeText {
		req.Text = &meta.SendText{Body: models.Deref(msg.Text)}
		return req
	}

	m := &meta.SendMedia{Link: models.Deref(msg.MediaURL)}
	switch msg.Type {
	case models.TypeImage:
		m.Caption = models.Deref(msg.Caption)
		req.Image = m
	case models.TypeVideo:
		m.Caption = models.Deref(msg.Caption)
		req.Video = m
	case models.TypeDocument:
		m.Caption = models.Deref(msg.Caption)
		m.Filename = models.Deref(msg.Filename)
		req.Document = m
	case models.TypeAudio:
		req.Audio = m
	case models.TypeSticker:
		req.Sticker = m
	}
	return req
}
