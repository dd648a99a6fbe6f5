package main

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// MirrorStatus reports the media mirror queue.
func (s *server) MirrorStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.mirror == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, "Media mirror not enabled")
			return
		}

		opts := s.mirror.Options()
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"status":           "running",
			"pending_jobs":     s.mirror.PendingCount(),
			"max_retries":      opts.MaxRetries,
			"timeout_ms":       opts.Timeout.Milliseconds(),
			"retry_backoff_ms": opts.RetryBackoff.Milliseconds(),
		})
	}
}

// MirrorJobs lists pending jobs, oldest first. ?limit= caps the list.
func (s *server) MirrorJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.mirror == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, "Media mirror not enabled")
			return
		}

		limit := mirrorJobsLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}

		jobs := s.mirror.Jobs(limit)
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"total_pending": s.mirror.PendingCount(),
			"shown_count":   len(jobs),
			"jobs":          jobs,
		})
	}
}

func (s *server) MirrorJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.mirror == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, "Media mirror not enabled")
			return
		}

		job, ok := s.mirror.Job(mux.Vars(r)["jobId"])
		if !ok {
			s.Respond(w, r, http.StatusNotFound, "Job not found or already completed")
			return
		}
		s.Respond(w, r, http.StatusOK, job)
	}
}

// MirrorRetry retries one job, or every pending job when no id is given.
func (s *server) MirrorRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.mirror == nil {
			s.Respond(w, r, http.StatusServiceUnavailable, "Media mirror not enabled")
			return
		}

		jobID := mux.Vars(r)["jobId"]
		if jobID == "" {
			n := s.mirror.RetryPending()
			s.Respond(w, r, http.StatusOK, map[string]int{"retried": n})
			return
		}

		if !s.mirror.Retry(jobID) {
			s.Respond(w, r, http.StatusNotFound, "Job not found")
			return
		}
		log.Info().Str("jobID", jobID).Msg("Manual retry triggered for mirror job")
		s.Respond(w, r, http.StatusOK, map[string]string{"retried": jobID})
	}
}
