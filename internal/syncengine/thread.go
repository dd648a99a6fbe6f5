package syncengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"zapinbox/internal/models"
	"zapinbox/internal/realtime"
)

// Thread is the live message list of one open conversation. It also holds the
// optimistic entries of sends that are still in flight, keyed by their
// correlation id.
type Thread struct {
	conversationID string
	loader         Loader
	feed           realtime.Feed
	retryDelay     time.Duration
	onRead         func(ctx context.Context, at int64)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	messages []models.Message
	pending  map[string]models.Message
	echoed   map[string]models.Message
	changes  chan struct{}
}

// OpenThread detaches the current thread, if any, and attaches to
// conversationID. The previous thread's subscription is gone before the new
// one is loaded.
func (e *Engine) OpenThread(ctx context.Context, conversationID string) (*Thread, error) {
	e.threadMu.Lock()
	defer e.threadMu.Unlock()

	if e.thread != nil {
		e.thread.Close()
		e.thread = nil
	}

	t := &Thread{
		conversationID: conversationID,
		loader:         e.loader,
		feed:           e.feed,
		retryDelay:     e.opts.RetryDelay,
		onRead: func(ctx context.Context, at int64) {
			if err := e.MarkReadAt(ctx, conversationID, at); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("conversationID", conversationID).Msg("Failed to move read cursor")
			}
		},
		done:    make(chan struct{}),
		pending: make(map[string]models.Message),
		echoed:  make(map[string]models.Message),
		changes: make(chan struct{}, 1),
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	events, err := t.attach()
	if err != nil {
		t.cancel()
		return nil, err
	}

	opened := e.opts.Now().UnixMilli()
	go t.run(events, opened)

	e.thread = t
	log.Debug().Str("conversationID", conversationID).Msg("Thread opened")
	return t, nil
}

// Thread returns the open thread for conversationID, or nil.
func (e *Engine) Thread(conversationID string) *Thread {
	e.threadMu.Lock()
	defer e.threadMu.Unlock()
	if e.thread == nil || e.thread.conversationID != conversationID {
		return nil
	}
	return e.thread
}

// CloseThread detaches the open thread.
func (e *Engine) CloseThread() {
	e.threadMu.Lock()
	defer e.threadMu.Unlock()
	if e.thread != nil {
		e.thread.Close()
		e.thread = nil
	}
}

func (t *Thread) ConversationID() string {
	return t.conversationID
}

// Close stops consuming events. When it returns no further event touches the thread.
func (t *Thread) Close() {
	t.cancel()
	<-t.done
}

func (t *Thread) closed() bool {
	return t.ctx.Err() != nil
}

// Messages returns a copy of the list ordered by sent_at.
func (t *Thread) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *Thread) Changes() <-chan struct{} {
	return t.changes
}

// attach subscribes first and loads second so that nothing committed between
// the two is missed. Duplicates are dropped by id.
func (t *Thread) attach() (<-chan realtime.Event, error) {
	events, err := t.feed.Subscribe(t.ctx, realtime.Filter{Table: realtime.TableMessages, ConversationID: t.conversationID})
	if err != nil {
		return nil, fmt.Errorf("subscribe to conversation %s: %w", t.conversationID, err)
	}
	msgs, err := t.loader.ListMessages(t.ctx, t.conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages for conversation %s: %w", t.conversationID, err)
	}

	t.mu.Lock()
	t.messages = t.messages[:0]
	t.messages = append(t.messages, msgs...)
	for _, opt := range t.pending {
		if t.index(opt.ID) < 0 {
			t.messages = append(t.messages, opt)
		}
	}
	sortMessages(t.messages)
	t.mu.Unlock()
	t.notify()
	return events, nil
}

func (t *Thread) run(events <-chan realtime.Event, openedAt int64) {
	defer close(t.done)
	t.onRead(t.ctx, openedAt)

	for {
		select {
		case <-t.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if t.closed() {
					return
				}
				log.Warn().Str("conversationID", t.conversationID).Msg("Thread feed lost, resubscribing")
				events = t.reattach()
				continue
			}
			if at, moved := t.apply(ev); moved {
				t.onRead(t.ctx, at)
			}
		}
	}
}

func (t *Thread) reattach() <-chan realtime.Event {
	for {
		events, err := t.attach()
		if err == nil {
			return events
		}
		log.Warn().Err(err).Dur("retryIn", t.retryDelay).Msg("Thread reattach failed")
		select {
		case <-t.ctx.Done():
			return nil
		case <-time.After(t.retryDelay):
		}
	}
}

// apply folds one event in. It reports the sent_at of an inserted message
// that became the newest in the thread.
func (t *Thread) apply(ev realtime.Event) (int64, bool) {
	var msg models.Message
	if err := ev.Decode(&msg); err != nil || msg.ID == "" {
		return 0, false
	}

	t.mu.Lock()
	defer t.notify()
	defer t.mu.Unlock()

	switch ev.Type {
	case realtime.Insert:
		newest := t.newest()
		if ref := models.Deref(msg.ClientRef); ref != "" {
			if opt, ok := t.pending[ref]; ok {
				delete(t.pending, ref)
				t.echoed[ref] = opt
				t.resolve(ref, MergeOptimistic(opt, msg))
				return msg.SentAt, msg.SentAt > newest
			}
		}
		if t.index(msg.ID) >= 0 {
			return 0, false
		}
		t.messages = append(t.messages, msg)
		sortMessages(t.messages)
		return msg.SentAt, msg.SentAt > newest

	case realtime.Update:
		if i := t.index(msg.ID); i >= 0 {
			t.messages[i] = MergeOptimistic(t.messages[i], msg)
		}
	}
	return 0, false
}

// AddOptimistic shows m before the server has confirmed it. m.ID must be the
// correlation id.
func (t *Thread) AddOptimistic(m models.Message) {
	if t.closed() {
		return
	}
	t.mu.Lock()
	t.pending[m.ID] = m
	t.messages = append(t.messages, m)
	sortMessages(t.messages)
	t.mu.Unlock()
	t.notify()
}

// Confirm resolves a correlation id with the persisted row. It reports whether
// the optimistic entry was still outstanding, which is false when the echo got
// there first; in that case the optimistic-only fields are merged into the
// echoed row.
func (t *Thread) Confirm(correlationID string, persisted models.Message) bool {
	if t.closed() {
		return false
	}
	t.mu.Lock()
	defer t.notify()
	defer t.mu.Unlock()

	if opt, ok := t.pending[correlationID]; ok {
		delete(t.pending, correlationID)
		t.resolve(correlationID, MergeOptimistic(opt, persisted))
		return true
	}
	if opt, ok := t.echoed[correlationID]; ok {
		delete(t.echoed, correlationID)
		t.resolve(correlationID, MergeOptimistic(opt, persisted))
	}
	return false
}

// Reject removes an optimistic entry whose send failed.
func (t *Thread) Reject(correlationID string) bool {
	if t.closed() {
		return false
	}
	t.mu.Lock()
	defer t.notify()
	defer t.mu.Unlock()

	delete(t.echoed, correlationID)
	if _, ok := t.pending[correlationID]; !ok {
		return false
	}
	delete(t.pending, correlationID)
	if i := t.index(correlationID); i >= 0 {
		t.messages = append(t.messages[:i], t.messages[i+1:]...)
	}
	return true
}

// Pending is the number of unresolved optimistic entries.
func (t *Thread) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// resolve swaps the optimistic row for persisted, merging into an existing
// row with the persisted id if there already is one. Caller holds mu.
func (t *Thread) resolve(correlationID string, persisted models.Message) {
	if i := t.index(correlationID); i >= 0 {
		t.messages = append(t.messages[:i], t.messages[i+1:]...)
	}
	if i := t.index(persisted.ID); i >= 0 {
		t.messages[i] = MergeOptimistic(t.messages[i], persisted)
	} else {
		t.messages = append(t.messages, persisted)
	}
	sortMessages(t.messages)
}

func (t *Thread) index(id string) int {
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Thread) newest() int64 {
	if len(t.messages) == 0 {
		return 0
	}
	return t.messages[len(t.messages)-1].SentAt
}

func (t *Thread) notify() {
	select {
	case t.changes <- struct{}{}:
	default:
	}
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].SentAt != msgs[j].SentAt {
			return msgs[i].SentAt < msgs[j].SentAt
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// MergeOptimistic returns persisted with the media fields it lacks filled in
// from the optimistic copy.
func MergeOptimistic(optimistic, persisted models.Message) models.Message {
	out := persisted
	if out.Filename == nil {
		out.Filename = optimistic.Filename
	}
	if out.FileSize == nil {
		out.FileSize = optimistic.FileSize
	}
	if out.MediaURL == nil {
		out.MediaURL = optimistic.MediaURL
	}
	if out.MediaMimeType == nil {
		out.MediaMimeType = optimistic.MediaMimeType
	}
	if out.ClientRef == nil {
		out.ClientRef = optimistic.ClientRef
	}
	return out
}
