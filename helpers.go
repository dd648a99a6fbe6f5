package main

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Respond writes {code, success, data|error} as JSON.
func (s *server) Respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	body := map[string]interface{}{
		"code":    status,
		"success": status < http.StatusBadRequest,
	}
	switch v := data.(type) {
	case error:
		body["error"] = v.Error()
	default:
		if status >= http.StatusBadRequest {
			body["error"] = v
		} else {
			body["data"] = v
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to encode JSON response")
	}
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
