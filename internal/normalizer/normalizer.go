// Package normalizer turns stored message rows and raw provider payloads of
// any known nesting shape into one canonical message record.
//
// Fields are looked up across an ordered list of candidate objects. Values
// written by this system (the persisted columns) always come first, then the
// raw payload and its known wrappers. Each field takes the first non-empty hit.
package normalizer

import (
	"encoding/json"
	"strconv"
	"strings"

	"zapinbox/internal/models"
)

// Input is a stored message row plus its raw provider payload.
type Input struct {
	Type     string
	Text     string
	Caption  string
	MediaURL string
	ImageURL string
	MimeType string
	Filename string
	FileSize int64
	Payload  []byte
}

// FromMessage builds an Input from a persisted row.
func FromMessage(m models.Message) Input {
	in := Input{
		Type:     string(m.Type),
		Text:     models.Deref(m.Text),
		Caption:  models.Deref(m.Caption),
		MediaURL: models.Deref(m.MediaURL),
		MimeType: models.Deref(m.MediaMimeType),
		Filename: models.Deref(m.Filename),
		Payload:  m.Payload,
	}
	if m.FileSize != nil {
		in.FileSize = *m.FileSize
	}
	return in
}

type Canonical struct {
	Type          models.MessageType `json:"type"`
	Text          string             `json:"text"`
	MediaURL      string             `json:"mediaUrl,omitempty"`
	MediaMimeType string             `json:"mediaMimeType,omitempty"`
	Filename      string             `json:"filename,omitempty"`
	FileSize      int64              `json:"fileSize,omitempty"`
}

type object = map[string]interface{}

// Normalize never fails. Unrecognized input yields {type: text, text: ""}.
func Normalize(in Input) Canonical {
	cands := candidates(parsePayload(in.Payload))

	out := Canonical{Type: detectType(in, cands)}
	media := mediaObjects(out.Type, cands)

	out.Text = firstNonEmpty(
		in.Text,
		in.Caption,
		walk(media, "caption"),
		textBody(cands),
	)
	out.MediaURL = firstNonEmpty(
		in.ImageURL,
		in.MediaURL,
		walk(cands, "media_url", "mediaUrl"),
		walk(media, "url", "link"),
	)
	out.MediaMimeType = firstNonEmpty(
		in.MimeType,
		walk(cands, "media_mime_type", "mediaMimeType"),
		walk(media, "mime_type", "mimetype", "mimeType"),
	)
	out.Filename = firstNonEmpty(
		in.Filename,
		walk(media, "filename", "name"),
	)
	out.FileSize = in.FileSize
	if out.FileSize <= 0 {
		out.FileSize = walkInt(media, "file_size", "filesize", "fileSize")
	}
	return out
}

// parsePayload accepts a JSON object, or a JSON string that itself holds an object.
func parsePayload(raw []byte) object {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	if s, ok := v.(string); ok {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil
		}
	}
	obj, _ := v.(object)
	return obj
}

func detectType(in Input, cands []object) models.MessageType {
	if t := models.MessageType(in.Type); t.Valid() {
		return t
	}
	for _, c := range cands {
		for _, kind := range models.MediaTypes {
			if _, ok := c[string(kind)].(object); ok {
				return kind
			}
		}
	}
	for _, c := range cands {
		if s, ok := c["type"].(string); ok && models.MessageType(s).Valid() {
			return models.MessageType(s)
		}
	}
	return models.TypeText
}

// mediaObjects returns the kind's media object from every candidate that has one.
func mediaObjects(kind models.MessageType, cands []object) []object {
	if !kind.IsMedia() {
		return nil
	}
	var out []object
	for _, c := range cands {
		if m, ok := c[string(kind)].(object); ok {
			out = append(out, m)
		}
	}
	return out
}

func textBody(cands []object) string {
	for _, c := range cands {
		switch t := c["text"].(type) {
		case string:
			if t != "" {
				return t
			}
		case object:
			if body, ok := t["body"].(string); ok && body != "" {
				return body
			}
		}
	}
	return ""
}

func walk(objs []object, keys ...string) string {
	for _, o := range objs {
		for _, k := range keys {
			if s, ok := o[k].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

func walkInt(objs []object, keys ...string) int64 {
	for _, o := range objs {
		for _, k := range keys {
			switch v := o[k].(type) {
			case float64:
				if v > 0 {
					return int64(v)
				}
			case string:
				if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
					return n
				}
			}
		}
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Preview is the one-line list text for a message, with a label for bare media.
func Preview(c Canonical) string {
	if strings.TrimSpace(c.Text) != "" {
		return c.Text
	}
	switch c.Type {
	case models.TypeImage:
		return "Imagem"
	case models.TypeAudio:
		return "Audio"
	case models.TypeSticker:
		return "Figurinha"
	case models.TypeVideo:
		return "Video"
	case models.TypeDocument:
		return "Documento"
	default:
		return "Mensagem"
	}
}
