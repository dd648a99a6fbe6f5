package meta

import "encoding/json"

// WebhookEnvelope is the body Meta POSTs to the webhook.
type WebhookEnvelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue holds the message units of one change. Messages stay raw so each
// unit can be decoded on its own and kept verbatim as the stored payload.
type ChangeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         Metadata          `json:"metadata"`
	Contacts         []WebhookContact  `json:"contacts"`
	Messages         []json.RawMessage `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type WebhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// InboundMessage is one message unit. Timestamp is unix seconds as a string.
type InboundMessage struct {
	ID        string       `json:"id"`
	From      string       `json:"from"`
	Timestamp string       `json:"timestamp"`
	Type      string       `json:"type"`
	Text      *TextBody    `json:"text,omitempty"`
	Image     *MediaObject `json:"image,omitempty"`
	Audio     *MediaObject `json:"audio,omitempty"`
	Video     *MediaObject `json:"video,omitempty"`
	Document  *MediaObject `json:"document,omitempty"`
	Sticker   *MediaObject `json:"sticker,omitempty"`
}

type TextBody struct {
	Body string `json:"body"`
}

type MediaObject struct {
	ID       string `json:"id,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
	Link     string `json:"link,omitempty"`
}

// Media returns the unit's media object, if any, in detection priority order.
func (m InboundMessage) Media() *MediaObject {
	for _, o := range []*MediaObject{m.Image, m.Audio, m.Sticker, m.Video, m.Document} {
		if o != nil {
			return o
		}
	}
	return nil
}

// SendRequest is the Graph API /{phone-number-id}/messages body.
type SendRequest struct {
	MessagingProduct string     `json:"messaging_product"`
	RecipientType    string     `json:"recipient_type,omitempty"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Text             *SendText  `json:"text,omitempty"`
	Image            *SendMedia `json:"image,omitempty"`
	Audio            *SendMedia `json:"audio,omitempty"`
	Video            *SendMedia `json:"video,omitempty"`
	Document         *SendMedia `json:"document,omitempty"`
	Sticker          *SendMedia `json:"sticker,omitempty"`
}

type SendText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type SendMedia struct {
	Link     string `json:"link"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type SendResponse struct {
	MessagingProduct string `json:"messaging_product"`
	Contacts         []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// MessageID returns the provider id of the accepted message.
func (r SendResponse) MessageID() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[0].ID
}

// MediaInfo is the Graph API response for a media id.
type MediaInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size"`
}

type APIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}
