package main

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/metrics"
	"zapinbox/internal/realtime"
)

func (s *server) routes() http.Handler {
	r := mux.NewRouter()

	c := alice.New(
		hlog.NewHandler(log.Logger),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Got API request")
		}),
		hlog.RemoteAddrHandler("ip"),
		hlog.UserAgentHandler("user_agent"),
		hlog.RequestIDHandler("req_id", "Request-Id"),
	)
	authed := c.Append(s.authalice)

	// The provider authenticates with its verify token and signature, not ours.
	r.Handle(s.cfg.MetaWebhookPath, c.Then(s.webhook))
	log.Info().Str("path", s.cfg.MetaWebhookPath).Msg("Registered Meta webhook handler")

	r.Handle("/health", c.ThenFunc(s.Health())).Methods(http.MethodGet)
	r.Handle("/metrics", c.Then(metrics.Handler())).Methods(http.MethodGet)

	r.Handle("/api/conversations", authed.Then(s.api.ListConversations())).Methods(http.MethodGet)
	r.Handle("/api/conversations/{id}/messages", authed.Then(s.api.ListMessages())).Methods(http.MethodGet)
	r.Handle("/api/conversations/{id}/tags", authed.Then(s.api.ConversationTags())).Methods(http.MethodGet)
	r.Handle("/api/conversations/{id}/tags/{tagId}", authed.Then(s.api.Tag())).Methods(http.MethodPost, http.MethodDelete)
	r.Handle("/api/conversations/{id}/accept", authed.Then(s.api.AcceptConversation())).Methods(http.MethodPost)
	r.Handle("/api/messages/send", authed.Then(s.api.SendMessage())).Methods(http.MethodPost)
	r.Handle("/api/messages/{id}/filename", authed.Then(s.api.SetFilename())).Methods(http.MethodPatch)

	r.Handle("/api/realtime", authed.Then(realtime.WebsocketHandler(s.hub))).Methods(http.MethodGet)

	r.Handle("/api/mirror/status", authed.Then(s.MirrorStatus())).Methods(http.MethodGet)
	r.Handle("/api/mirror/jobs", authed.Then(s.MirrorJobs())).Methods(http.MethodGet)
	r.Handle("/api/mirror/jobs/{jobId}", authed.Then(s.MirrorJob())).Methods(http.MethodGet)
	r.Handle("/api/mirror/retry", authed.Then(s.MirrorRetry())).Methods(http.MethodPost)
	r.Handle("/api/mirror/retry/{jobId}", authed.Then(s.MirrorRetry())).Methods(http.MethodPost)

	return r
}

// authalice checks the shared API token. With no API_TOKEN configured every
// request passes.
func (s *server) authalice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			// Browsers cannot set headers on websocket upgrades.
			token = r.URL.Query().Get("token")
		}
		if !tokenMatches(token, s.cfg.APIToken) {
			hlog.FromRequest(r).Warn().Str("path", r.URL.Path).Msg("Rejected request with invalid API token")
			s.Respond(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.db.PingContext(r.Context()); err != nil {
			s.Respond(w, r, http.StatusServiceUnavailable, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"subscribers": s.hub.Subscribers(),
		})
	}
}
