package media

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"zapinbox/internal/adapters/meta"
	"zapinbox/internal/metrics"
	"zapinbox/internal/models"
)

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job copies one provider-hosted media file into our storage.
type Job struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"message_id"`
	ClinicID     string    `json:"clinic_id"`
	ContactID    string    `json:"contact_id"`
	MediaID      string    `json:"media_id"`
	MimeType     string    `json:"mime_type,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastAttempt  time.Time `json:"last_attempt"`
	AttemptCount int       `json:"attempt_count"`
	Status       JobStatus `json:"status"`
	LastError    string    `json:"last_error,omitempty"`

	running bool
}

// Fetcher downloads provider media.
type Fetcher interface {
	GetMedia(ctx context.Context, mediaID string) (*meta.MediaInfo, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// Backfiller records the mirrored URL on the message row.
type Backfiller interface {
	SetMessageMedia(ctx context.Context, messageID, url, mimeType string) (models.Message, error)
}

type MirrorOptions struct {
	MaxRetries   int
	RetryBackoff time.Duration
	Timeout      time.Duration
}

// Mirror runs media copy jobs in the background and retries failures on a ticker.
type Mirror struct {
	mu      sync.RWMutex
	pending map[string]*Job
	opts    MirrorOptions

	fetcher  Fetcher
	uploader Uploader
	store    Backfiller
}

func NewMirror(fetcher Fetcher, uploader Uploader, store Backfiller, opts MirrorOptions) *Mirror {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Mirror{
		pending:  make(map[string]*Job),
		opts:     opts,
		fetcher:  fetcher,
		uploader: uploader,
		store:    store,
	}
}

// Run retries pending jobs until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.RetryBackoff)
	defer ticker.Stop()

	log.Info().Int("maxRetries", m.opts.MaxRetries).Dur("timeout", m.opts.Timeout).Msg("Media mirror started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RetryPending()
		}
	}
}

// Enqueue registers a job and starts its first attempt.
func (m *Mirror) Enqueue(job Job) {
	if job.ID == "" {
		job.ID = job.MessageID
	}
	job.CreatedAt = time.Now()
	job.Status = JobPending

	m.mu.Lock()
	if _, exists := m.pending[job.ID]; exists {
		m.mu.Unlock()
		return
	}
	j := job
	j.running = true
	m.pending[job.ID] = &j
	m.mu.Unlock()

	log.Debug().Str("jobID", job.ID).Str("messageID", job.MessageID).Msg("Media mirror job queued")
	go m.process(&j)
}

func (m *Mirror) process(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
	defer cancel()

	err := m.copy(ctx, job)

	m.mu.Lock()
	defer m.mu.Unlock()
	job.running = false
	job.LastAttempt = time.Now()

	if err == nil {
		job.Status = JobDone
		delete(m.pending, job.ID)
		metrics.MirrorJobs.WithLabelValues("done").Inc()
		log.Info().Str("jobID", job.ID).Str("messageID", job.MessageID).Msg("Media mirrored")
		return
	}

	job.AttemptCount++
	job.LastError = err.Error()
	if job.AttemptCount >= m.opts.MaxRetries {
		job.Status = JobFailed
		delete(m.pending, job.ID)
		metrics.MirrorJobs.WithLabelValues("failed").Inc()
		log.Error().Err(err).Str("jobID", job.ID).Int("attemptCount", job.AttemptCount).Msg("Media mirror failed permanently")
		return
	}
	metrics.MirrorJobs.WithLabelValues("retry").Inc()
	log.Warn().Err(err).Str("jobID", job.ID).Int("attemptCount", job.AttemptCount).Int("maxRetries", m.opts.MaxRetries).Msg("Media mirror failed, will retry")
}

func (m *Mirror) copy(ctx context.Context, job *Job) error {
	info, err := m.fetcher.GetMedia(ctx, job.MediaID)
	if err != nil {
		return err
	}
	data, contentType, err := m.fetcher.Download(ctx, info.URL)
	if err != nil {
		return err
	}

	mimeType := job.MimeType
	if mimeType == "" {
		mimeType = info.MimeType
	}
	if mimeType == "" {
		mimeType = contentType
	}

	url, err := m.uploader.Store(ctx, Object{
		ClinicID:   job.ClinicID,
		ContactID:  job.ContactID,
		MessageID:  job.MessageID,
		MimeType:   mimeType,
		Data:       data,
		IsIncoming: true,
	})
	if err != nil {
		return err
	}
	if _, err := m.store.SetMessageMedia(ctx, job.MessageID, url, mimeType); err != nil {
		return fmt.Errorf("record mirrored media: %w", err)
	}
	return nil
}

// RetryPending restarts every idle pending job whose backoff has elapsed.
func (m *Mirror) RetryPending() int {
	m.mu.Lock()
	var due []*Job
	for _, job := range m.pending {
		if !job.running && job.Status == JobPending && time.Since(job.LastAttempt) >= m.opts.RetryBackoff {
			job.running = true
			due = append(due, job)
		}
	}
	m.mu.Unlock()

	for _, job := range due {
		log.Info().Str("jobID", job.ID).Int("attemptCount", job.AttemptCount).Msg("Retrying media mirror job")
		go m.process(job)
	}
	return len(due)
}

// Retry restarts one pending job immediately with a fresh attempt budget.
func (m *Mirror) Retry(jobID string) bool {
	m.mu.Lock()
	job, ok := m.pending[jobID]
	if !ok || job.running {
		m.mu.Unlock()
		return ok
	}
	job.AttemptCount = 0
	job.running = true
	m.mu.Unlock()

	go m.process(job)
	return true
}

func (m *Mirror) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// Job returns a copy of a pending job.
func (m *Mirror) Job(jobID string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.pending[jobID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Jobs returns up to limit pending jobs, oldest first.
func (m *Mirror) Jobs(limit int) []Job {
	m.mu.RLock()
	out := make([]Job, 0, len(m.pending))
	for _, job := range m.pending {
		out = append(out, *job)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Mirror) Options() MirrorOptions {
	return m.opts
}
