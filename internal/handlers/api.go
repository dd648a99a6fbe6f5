package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/models"
	"zapinbox/internal/services"
	"zapinbox/internal/store"
)

const (
	HeaderViewerID = "X-Viewer-ID"
	HeaderClinicID = "X-Clinic-ID"
)

// Sender is the outbound send operation.
type Sender interface {
	Send(ctx context.Context, req services.SendRequest) (models.Message, error)
}

// APIHandler serves the inbox API consumed by clients.
type APIHandler struct {
	store         *store.Store
	sender        Sender
	defaultClinic string
}

func NewAPIHandler(st *store.Store, sender Sender, defaultClinic string) *APIHandler {
	if st == nil {
		log.Fatal().Msg("Store cannot be nil for APIHandler")
	}
	return &APIHandler{store: st, sender: sender, defaultClinic: defaultClinic}
}

type viewer struct {
	ID       string
	ClinicID string
}

func (h *APIHandler) viewer(r *http.Request) viewer {
	v := viewer{
		ID:       strings.TrimSpace(r.Header.Get(HeaderViewerID)),
		ClinicID: strings.TrimSpace(r.Header.Get(HeaderClinicID)),
	}
	if v.ClinicID == "" {
		v.ClinicID = h.defaultClinic
	}
	return v
}

// conversation loads the path conversation and hides rows from other clinics.
func (h *APIHandler) conversation(w http.ResponseWriter, r *http.Request) (models.Conversation, bool) {
	id := mux.Vars(r)["id"]
	conv, err := h.store.GetConversation(r.Context(), id)
	if err == nil && conv.ClinicID != h.viewer(r).ClinicID {
		err = store.ErrNotFound
	}
	if err != nil {
		h.storeError(w, err, "conversation")
		return conv, false
	}
	return conv, true
}

func (h *APIHandler) storeError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, what+" changed state")
	default:
		log.Error().Err(err).Str("resource", what).Msg("Store request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// ListConversations handles GET /api/conversations?status=&channel=.
func (h *APIHandler) ListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := h.viewer(r)
		if v.ID == "" {
			respondError(w, http.StatusBadRequest, HeaderViewerID+" header is required")
			return
		}
		q := store.ConversationQuery{
			ClinicID: v.ClinicID,
			ViewerID: v.ID,
			Status:   models.ConversationStatus(r.URL.Query().Get("status")),
			Channel:  models.Channel(r.URL.Query().Get("channel")),
		}
		views, err := h.store.ListConversations(r.Context(), q)
		if err != nil {
			h.storeError(w, err, "conversations")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"conversations": views})
	}
}

// ListMessages handles GET /api/conversations/{id}/messages.
func (h *APIHandler) ListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, ok := h.conversation(w, r)
		if !ok {
			return
		}
		msgs, err := h.store.ListMessages(r.Context(), conv.ID)
		if err != nil {
			h.storeError(w, err, "messages")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
	}
}

// ConversationTags handles GET /api/conversations/{id}/tags.
func (h *APIHandler) ConversationTags() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, ok := h.conversation(w, r)
		if !ok {
			return
		}
		tags, err := h.store.ConversationTags(r.Context(), conv.ID)
		if err != nil {
			h.storeError(w, err, "tags")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"tags": tags})
	}
}

// AcceptConversation handles POST /api/conversations/{id}/accept.
func (h *APIHandler) AcceptConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := h.viewer(r)
		if v.ID == "" {
			respondError(w, http.StatusBadRequest, HeaderViewerID+" header is required")
			return
		}
		conv, ok := h.conversation(w, r)
		if !ok {
			return
		}
		accepted, err := h.store.AcceptConversation(r.Context(), conv.ID, v.ID)
		if err != nil {
			h.storeError(w, err, "conversation")
			return
		}
		log.Info().Str("conversationID", conv.ID).Str("viewerID", v.ID).Msg("Conversation accepted")
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"conversation": accepted})
	}
}

// Tag handles POST and DELETE /api/conversations/{id}/tags/{tagId}.
func (h *APIHandler) Tag() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, ok := h.conversation(w, r)
		if !ok {
			return
		}
		tagID := mux.Vars(r)["tagId"]

		var err error
		if r.Method == http.MethodDelete {
			err = h.store.RemoveTag(r.Context(), conv.ID, tagID)
		} else {
			err = h.store.AddTag(r.Context(), conv.ID, tagID)
		}
		if err != nil {
			h.storeError(w, err, "tag")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// SendMessage handles POST /api/messages/send.
func (h *APIHandler) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.sender == nil {
			respondError(w, http.StatusServiceUnavailable, "sending is not configured")
			return
		}
		var req services.SendRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 32<<20)).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if req.ConversationID != "" {
			conv, err := h.store.GetConversation(r.Context(), req.ConversationID)
			if err == nil && conv.ClinicID != h.viewer(r).ClinicID {
				respondError(w, http.StatusNotFound, "conversation not found")
				return
			}
		}

		msg, err := h.sender.Send(r.Context(), req)
		switch {
		case err == nil:
			respondWithJSON(w, http.StatusOK, map[string]interface{}{"message": msg})
		case errors.Is(err, services.ErrInvalidMessage), errors.Is(err, services.ErrConversationClosed):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrNotFound):
			respondError(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, services.ErrProvider):
			respondError(w, http.StatusBadGateway, err.Error())
		default:
			log.Error().Err(err).Str("conversationID", req.ConversationID).Msg("Send failed")
			respondError(w, http.StatusInternalServerError, "send failed")
		}
	}
}

// SetFilename handles PATCH /api/messages/{id}/filename with body {"filename": "..."}.
func (h *APIHandler) SetFilename() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Filename string `json:"filename"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Filename) == "" {
			respondError(w, http.StatusBadRequest, "filename is required")
			return
		}
		msg, err := h.store.SetMessageFilename(r.Context(), mux.Vars(r)["id"], strings.TrimSpace(body.Filename))
		if err != nil {
			h.storeError(w, err, "message")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"message": msg})
	}
}
