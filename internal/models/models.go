package models

import (
	"time"
)

// Timestamps are stored as unix milliseconds in every table.

type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelInstagram Channel = "instagram"
	ChannelMessenger Channel = "messenger"
)

// ChannelFromObject maps the webhook envelope "object" field to a channel.
func ChannelFromObject(object string) Channel {
	switch object {
	case "instagram":
		return ChannelInstagram
	case "page":
		return ChannelMessenger
	default:
		return ChannelWhatsApp
	}
}

type ConversationStatus string

const (
	StatusPending ConversationStatus = "pending"
	StatusOpen    ConversationStatus = "open"
	StatusClosed  ConversationStatus = "closed"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeAudio    MessageType = "audio"
	TypeVideo    MessageType = "video"
	TypeDocument MessageType = "document"
	TypeSticker  MessageType = "sticker"
)

// MediaTypes lists media kinds in detection priority order.
var MediaTypes = []MessageType{TypeImage, TypeAudio, TypeSticker, TypeVideo, TypeDocument}

func (t MessageType) Valid() bool {
	if t == TypeText {
		return true
	}
	for _, m := range MediaTypes {
		if t == m {
			return true
		}
	}
	return false
}

func (t MessageType) IsMedia() bool {
	return t != TypeText && t.Valid()
}

// Contact is an external chat participant, unique per (clinic, channel, external id).
type Contact struct {
	ID         string  `db:"id" json:"id"`
	ClinicID   string  `db:"clinic_id" json:"clinic_id"`
	Channel    Channel `db:"channel" json:"channel"`
	ExternalID string  `db:"external_id" json:"external_id"`
	Name       *string `db:"name" json:"name"`
	AvatarURL  *string `db:"avatar_url" json:"avatar_url"`
	LastSeenAt *int64  `db:"last_seen_at" json:"last_seen_at"`
	CreatedAt  int64   `db:"created_at" json:"created_at"`
}

// DisplayName returns the contact name or a placeholder.
func (c Contact) DisplayName() string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	return "Contato sem nome"
}

type Conversation struct {
	ID             string             `db:"id" json:"id"`
	ClinicID       string             `db:"clinic_id" json:"clinic_id"`
	ContactID      string             `db:"contact_id" json:"contact_id"`
	Channel        Channel            `db:"channel" json:"channel"`
	Status         ConversationStatus `db:"status" json:"status"`
	DepartmentID   *string            `db:"department_id" json:"department_id"`
	AssignedUserID *string            `db:"assigned_user_id" json:"assigned_user_id"`
	LastMessageAt  *int64             `db:"last_message_at" json:"last_message_at"`
	CreatedAt      int64              `db:"created_at" json:"created_at"`
	UpdatedAt      int64              `db:"updated_at" json:"updated_at"`
}

// ActivityAt is the ordering key for conversation lists.
func (c Conversation) ActivityAt() int64 {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

type Message struct {
	ID                string      `db:"id" json:"id"`
	ConversationID    string      `db:"conversation_id" json:"conversation_id"`
	Direction         Direction   `db:"direction" json:"direction"`
	Type              MessageType `db:"type" json:"type"`
	Text              *string     `db:"text" json:"text"`
	Caption           *string     `db:"caption" json:"caption"`
	MediaURL          *string     `db:"media_url" json:"media_url"`
	MediaMimeType     *string     `db:"media_mime_type" json:"media_mime_type"`
	Filename          *string     `db:"filename" json:"filename"`
	FileSize          *int64      `db:"file_size" json:"file_size"`
	ProviderMessageID *string     `db:"provider_message_id" json:"provider_message_id"`
	ClientRef         *string     `db:"client_ref" json:"client_ref"`
	Payload           RawJSON     `db:"payload" json:"payload"`
	SentAt            int64       `db:"sent_at" json:"sent_at"`
	CreatedAt         int64       `db:"created_at" json:"created_at"`
}

type Tag struct {
	ID       string `db:"id" json:"id"`
	ClinicID string `db:"clinic_id" json:"clinic_id"`
	Name     string `db:"name" json:"name"`
	Color    string `db:"color" json:"color"`
}

const DefaultTagColor = "#0A84FF"

type ConversationTag struct {
	ConversationID string `db:"conversation_id" json:"conversation_id"`
	TagID          string `db:"tag_id" json:"tag_id"`
	CreatedAt      int64  `db:"created_at" json:"created_at"`
}

// ConversationView is a conversation joined with what a list row needs.
type ConversationView struct {
	Conversation
	Contact     Contact  `json:"contact"`
	LastMessage *Message `json:"last_message"`
	Tags        []Tag    `json:"tags"`
}

// Millis converts t to unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Str returns a pointer to s, or nil when s is empty.
func Str(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
