package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"zapinbox/internal/ingest"
	"zapinbox/internal/metrics"
)

const maxWebhookBody = 4 << 20

// Ingester persists one webhook delivery.
type Ingester interface {
	IngestBody(ctx context.Context, body []byte) (ingest.Result, error)
}

// MetaWebhookHandler serves the provider webhook: GET verification and POST deliveries.
type MetaWebhookHandler struct {
	pipeline    Ingester
	verifyToken string
	appSecret   string
}

func NewMetaWebhookHandler(pipeline Ingester, verifyToken, appSecret string) *MetaWebhookHandler {
	if pipeline == nil {
		log.Fatal().Msg("Ingest pipeline cannot be nil for MetaWebhookHandler")
	}
	if verifyToken == "" {
		log.Warn().Msg("META_VERIFY_TOKEN is not set, webhook verification will always fail")
	}
	return &MetaWebhookHandler{pipeline: pipeline, verifyToken: verifyToken, appSecret: appSecret}
}

func (h *MetaWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.verify(w, r)
	case http.MethodPost:
		h.receive(w, r)
	default:
		h.count(http.StatusMethodNotAllowed)
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *MetaWebhookHandler) count(code int) {
	metrics.WebhookRequests.WithLabelValues(strconv.Itoa(code)).Inc()
}

// queryParam reads hub.<name>, falling back to the bare name.
func queryParam(r *http.Request, name string) string {
	q := r.URL.Query()
	if v := q.Get("hub." + name); v != "" {
		return v
	}
	return q.Get(name)
}

func (h *MetaWebhookHandler) verify(w http.ResponseWriter, r *http.Request) {
	mode := queryParam(r, "mode")
	token := queryParam(r, "verify_token")
	challenge := queryParam(r, "challenge")

	if mode != "subscribe" || h.verifyToken == "" ||
		!hmac.Equal([]byte(token), []byte(h.verifyToken)) {
		log.Warn().Str("mode", mode).Msg("Webhook verification rejected")
		h.count(http.StatusForbidden)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	log.Info().Msg("Webhook verified")
	h.count(http.StatusOK)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

func (h *MetaWebhookHandler) validSignature(body []byte, header string) bool {
	if h.appSecret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (h *MetaWebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn().Int64("limit", tooLarge.Limit).Msg("Webhook body too large")
			h.count(http.StatusRequestEntityTooLarge)
			respondError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		log.Error().Err(err).Msg("Failed to read webhook body")
		h.count(http.StatusInternalServerError)
		respondError(w, http.StatusInternalServerError, "failed to read body")
		return
	}

	if !h.validSignature(body, r.Header.Get("X-Hub-Signature-256")) {
		log.Warn().Msg("Invalid webhook signature")
		h.count(http.StatusUnauthorized)
		respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	res, err := h.pipeline.IngestBody(r.Context(), body)
	if err != nil {
		if errors.Is(err, ingest.ErrMalformedBody) {
			log.Warn().Err(err).Msg("Webhook body could not be parsed")
		} else {
			log.Error().Err(err).Msg("Webhook delivery failed")
		}
		h.count(http.StatusInternalServerError)
		respondError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	log.Debug().
		Int("inserted", len(res.Inserted)).
		Int("duplicates", res.Duplicates).
		Int("skipped", res.Skipped).
		Msg("Webhook delivery processed")
	h.count(http.StatusOK)
	respondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
