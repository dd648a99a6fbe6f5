// Package syncengine keeps a client-side conversation list in step with the
// server: one initial load, then live change events, with full reloads
// debounced behind a cooldown.
package syncengine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/models"
	"zapinbox/internal/normalizer"
	"zapinbox/internal/readstate"
	"zapinbox/internal/realtime"
)

const DefaultCooldown = 2500 * time.Millisecond

// Loader reads server state.
type Loader interface {
	ListConversations(ctx context.Context, status models.ConversationStatus) ([]models.ConversationView, error)
	ConversationTags(ctx context.Context, conversationID string) ([]models.Tag, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

type Options struct {
	// Status selects the list view; empty is the default view.
	Status   models.ConversationStatus
	ViewerID string
	Cooldown time.Duration
	SeenTTL  time.Duration
	// RetryDelay spaces out subscribe attempts that fail outright.
	RetryDelay time.Duration
	Now        func() time.Time
}

// Row is one entry of the conversation list.
type Row struct {
	ID              string                    `json:"id"`
	Contact         models.Contact            `json:"contact"`
	Channel         models.Channel            `json:"channel"`
	Status          models.ConversationStatus `json:"status"`
	DepartmentID    *string                   `json:"department_id"`
	AssignedUserID  *string                   `json:"assigned_user_id"`
	Preview         string                    `json:"preview"`
	LastMessageType models.MessageType        `json:"last_message_type"`
	LastMessageAt   int64                     `json:"last_message_at"`
	Unread          int                       `json:"unread"`
	Tags            []models.Tag              `json:"tags"`
}

type loadResult struct {
	views []models.ConversationView
	err   error
}

type tagResult struct {
	conversationID string
	seq            int
	tags           []models.Tag
	err            error
}

// Engine owns the list. All list state is mutated only by the Run goroutine;
// readers get copies through Snapshot.
type Engine struct {
	loader Loader
	feed   realtime.Feed
	reads  *readstate.Tracker
	opts   Options
	seen   *cache.Cache

	cmds    chan func(ctx context.Context)
	loaded  chan loadResult
	tagsCh  chan tagResult
	changes chan struct{}
	loads   atomic.Int64

	mu       sync.RWMutex
	snapshot []Row

	threadMu sync.Mutex
	thread   *Thread

	// Run goroutine only.
	rows       []Row
	tagSeq     map[string]int
	reloading  bool
	pending    bool
	lastReload time.Time
	timer      *time.Timer
	timerC     <-chan time.Time
}

func New(loader Loader, feed realtime.Feed, reads *readstate.Tracker, opts Options) *Engine {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.SeenTTL <= 0 {
		opts.SeenTTL = 10 * time.Minute
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if reads == nil {
		reads = readstate.Load(readstate.NewMemoryKV())
	}
	return &Engine{
		loader:  loader,
		feed:    feed,
		reads:   reads,
		opts:    opts,
		seen:    cache.New(opts.SeenTTL, 2*opts.SeenTTL),
		cmds:    make(chan func(ctx context.Context)),
		loaded:  make(chan loadResult, 1),
		tagsCh:  make(chan tagResult, 16),
		changes: make(chan struct{}, 1),
		tagSeq:  make(map[string]int),
	}
}

// Snapshot returns a copy of the current list, most recent activity first.
func (e *Engine) Snapshot() []Row {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Row, len(e.snapshot))
	copy(out, e.snapshot)
	return out
}

// Changes is signalled after every list mutation. Signals coalesce.
func (e *Engine) Changes() <-chan struct{} {
	return e.changes
}

// Loads is the number of list loads started so far, the initial one included.
func (e *Engine) Loads() int64 {
	return e.loads.Load()
}

// Run processes events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer func() {
		if e.timer != nil {
			e.timer.Stop()
		}
	}()

	events, retryC := e.subscribe(ctx)
	e.startReload(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn().Msg("Change feed lost, resubscribing")
				events, retryC = e.subscribe(ctx)
				e.reloadNow(ctx)
				continue
			}
			e.handle(ctx, ev)

		case <-retryC:
			events, retryC = e.subscribe(ctx)
			if events != nil {
				e.reloadNow(ctx)
			}

		case res := <-e.loaded:
			e.finishReload(ctx, res)

		case res := <-e.tagsCh:
			e.applyTags(ctx, res)

		case cmd := <-e.cmds:
			cmd(ctx)

		case <-e.timerC:
			e.timer, e.timerC = nil, nil
			if e.reloading {
				e.pending = true
			} else {
				e.startReload(ctx)
			}
		}
	}
}

func (e *Engine) subscribe(ctx context.Context) (<-chan realtime.Event, <-chan time.Time) {
	events, err := e.feed.Subscribe(ctx, realtime.Filter{})
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Dur("retryIn", e.opts.RetryDelay).Msg("Change feed subscribe failed")
		}
		return nil, time.After(e.opts.RetryDelay)
	}
	return events, nil
}

// do runs fn on the Run goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context)) error {
	done := make(chan struct{})
	select {
	case e.cmds <- func(ctx context.Context) { fn(ctx); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload requests a debounced full reload.
func (e *Engine) Reload(ctx context.Context) error {
	return e.do(ctx, e.requestReload)
}

// MarkRead sets the read cursor of a conversation to now.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	return e.MarkReadAt(ctx, conversationID, e.opts.Now().UnixMilli())
}

// MarkReadAt sets the read cursor to at, zeroes the row's unread count and
// persists the cursor. Other viewers are unaffected.
func (e *Engine) MarkReadAt(ctx context.Context, conversationID string, at int64) error {
	return e.do(ctx, func(context.Context) {
		e.reads.MarkRead(conversationID, at)
		if i := e.find(conversationID); i >= 0 && e.rows[i].Unread != 0 {
			e.rows[i].Unread = 0
			e.publish()
		}
	})
}

// requestReload starts a reload now if the cooldown has passed, otherwise arms
// one timer for the end of the cooldown. Requests made while a reload is in
// flight or a timer is armed coalesce into it.
func (e *Engine) requestReload(ctx context.Context) {
	if e.reloading {
		e.pending = true
		return
	}
	if e.timerC != nil {
		return
	}
	elapsed := e.opts.Now().Sub(e.lastReload)
	if elapsed >= e.opts.Cooldown {
		e.startReload(ctx)
		return
	}
	e.timer = time.NewTimer(e.opts.Cooldown - elapsed)
	e.timerC = e.timer.C
}

// reloadNow skips the cooldown, used after a resubscribe.
func (e *Engine) reloadNow(ctx context.Context) {
	if e.reloading {
		e.pending = true
		return
	}
	e.startReload(ctx)
}

func (e *Engine) startReload(ctx context.Context) {
	e.reloading = true
	e.lastReload = e.opts.Now()
	e.loads.Add(1)

	go func() {
		views, err := e.loader.ListConversations(ctx, e.opts.Status)
		select {
		case e.loaded <- loadResult{views: views, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) finishReload(ctx context.Context, res loadResult) {
	e.reloading = false
	if res.err != nil {
		if !errors.Is(res.err, context.Canceled) {
			log.Warn().Err(res.err).Msg("Conversation list reload failed, keeping current list")
		}
	} else {
		rows := make([]Row, 0, len(res.views))
		for _, v := range res.views {
			rows = append(rows, e.rowFromView(v))
		}
		sortRows(rows)
		e.rows = rows
		e.publish()
		log.Debug().Int("conversations", len(rows)).Msg("Conversation list loaded")
	}

	if e.pending {
		e.pending = false
		e.requestReload(ctx)
	}
}

func (e *Engine) rowFromView(v models.ConversationView) Row {
	r := Row{
		ID:             v.ID,
		Contact:        v.Contact,
		Channel:        v.Channel,
		Status:         v.Status,
		DepartmentID:   v.DepartmentID,
		AssignedUserID: v.AssignedUserID,
		LastMessageAt:  v.ActivityAt(),
		Tags:           v.Tags,
	}
	if m := v.LastMessage; m != nil {
		canon := normalizer.Normalize(normalizer.FromMessage(*m))
		r.Preview = normalizer.Preview(canon)
		r.LastMessageType = canon.Type
		if m.SentAt > r.LastMessageAt {
			r.LastMessageAt = m.SentAt
		}
		if m.Direction == models.DirectionInbound && e.reads.IsUnread(v.ID, m.SentAt) {
			r.Unread = 1
		}
	}
	return r
}

// sortRows orders by last activity, newest first, ties broken by id.
func sortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].LastMessageAt != rows[j].LastMessageAt {
			return rows[i].LastMessageAt > rows[j].LastMessageAt
		}
		return rows[i].ID < rows[j].ID
	})
}

func (e *Engine) find(conversationID string) int {
	for i := range e.rows {
		if e.rows[i].ID == conversationID {
			return i
		}
	}
	return -1
}

func (e *Engine) publish() {
	rows := make([]Row, len(e.rows))
	copy(rows, e.rows)
	e.mu.Lock()
	e.snapshot = rows
	e.mu.Unlock()

	select {
	case e.changes <- struct{}{}:
	default:
	}
}

func (e *Engine) handle(ctx context.Context, ev realtime.Event) {
	switch ev.Table {
	case realtime.TableMessages:
		if ev.Type == realtime.Insert {
			e.messageInserted(ctx, ev)
		}
	case realtime.TableConversations:
		e.conversationChanged(ctx, ev)
	case realtime.TableConversationTags:
		e.tagsChanged(ctx, ev.ConversationID())
	}
}

func (e *Engine) messageInserted(ctx context.Context, ev realtime.Event) {
	var msg models.Message
	if err := ev.Decode(&msg); err != nil {
		log.Warn().Err(err).Msg("Undecodable message event")
		return
	}
	if msg.ID != "" {
		if _, dup := e.seen.Get(msg.ID); dup {
			return
		}
		e.seen.SetDefault(msg.ID, struct{}{})
	}

	i := e.find(msg.ConversationID)
	if i < 0 {
		e.requestReload(ctx)
		return
	}

	row := &e.rows[i]
	if msg.SentAt >= row.LastMessageAt {
		canon := normalizer.Normalize(normalizer.FromMessage(msg))
		row.Preview = normalizer.Preview(canon)
		row.LastMessageType = canon.Type
		row.LastMessageAt = msg.SentAt
	}
	if msg.Direction == models.DirectionInbound && e.reads.IsUnread(msg.ConversationID, msg.SentAt) {
		row.Unread++
	} else {
		row.Unread = 0
	}

	sortRows(e.rows)
	e.publish()
}

func (e *Engine) conversationChanged(ctx context.Context, ev realtime.Event) {
	var conv models.Conversation
	if err := ev.Decode(&conv); err != nil || conv.ID == "" {
		return
	}

	i := e.find(conv.ID)
	if i < 0 {
		if conv.Status == models.StatusPending ||
			(conv.Status == models.StatusOpen && e.opts.ViewerID != "" && models.Deref(conv.AssignedUserID) == e.opts.ViewerID) {
			e.requestReload(ctx)
		}
		return
	}

	if conv.Status == models.StatusClosed {
		e.rows = append(e.rows[:i], e.rows[i+1:]...)
		e.publish()
		return
	}
	row := &e.rows[i]
	row.Status = conv.Status
	row.AssignedUserID = conv.AssignedUserID
	row.DepartmentID = conv.DepartmentID
	if at := conv.ActivityAt(); at > row.LastMessageAt {
		row.LastMessageAt = at
		sortRows(e.rows)
	}
	e.publish()
}

// tagsChanged re-reads one conversation's tags. Only the newest read per
// conversation is applied.
func (e *Engine) tagsChanged(ctx context.Context, conversationID string) {
	if conversationID == "" {
		return
	}
	if e.find(conversationID) < 0 {
		e.requestReload(ctx)
		return
	}

	e.tagSeq[conversationID]++
	seq := e.tagSeq[conversationID]
	go func() {
		tags, err := e.loader.ConversationTags(ctx, conversationID)
		select {
		case e.tagsCh <- tagResult{conversationID: conversationID, seq: seq, tags: tags, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) applyTags(ctx context.Context, res tagResult) {
	// tagSeq only grows, so a superseded read never matches.
	if res.seq != e.tagSeq[res.conversationID] {
		return
	}

	if res.err != nil {
		log.Warn().Err(res.err).Str("conversationID", res.conversationID).Msg("Tag reload failed, keeping previous tags")
		return
	}
	i := e.find(res.conversationID)
	if i < 0 {
		e.requestReload(ctx)
		return
	}
	if res.tags == nil {
		res.tags = []models.Tag{}
	}
	e.rows[i].Tags = res.tags
	e.publish()
}
