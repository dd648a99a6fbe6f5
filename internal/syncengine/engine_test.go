package syncengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapinbox/internal/models"
	"zapinbox/internal/readstate"
	"zapinbox/internal/realtime"
)

type fakeLoader struct {
	mu        sync.Mutex
	convs     []models.ConversationView
	listCalls int
	tags      []models.Tag
	tagErr    error
	tagCalls  int
	messages  map[string][]models.Message
}

func (f *fakeLoader) ListConversations(_ context.Context, _ models.ConversationStatus) ([]models.ConversationView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make([]models.ConversationView, len(f.convs))
	copy(out, f.convs)
	return out, nil
}

func (f *fakeLoader) ConversationTags(_ context.Context, _ string) ([]models.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagCalls++
	return f.tags, f.tagErr
}

func (f *fakeLoader) ListMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeLoader) set(fn func(f *fakeLoader)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeLoader) calls() (list, tags int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.tagCalls
}

// gatedTags hands out tag reads in call order and holds each one until its
// gate is released.
type gatedTags struct {
	*fakeLoader
	gmu     sync.Mutex
	started int
	gates   []chan struct{}
	results [][]models.Tag
}

func newGatedTags(base *fakeLoader, results ...[]models.Tag) *gatedTags {
	g := &gatedTags{fakeLoader: base, results: results}
	for range results {
		g.gates = append(g.gates, make(chan struct{}))
	}
	return g
}

func (g *gatedTags) ConversationTags(ctx context.Context, _ string) ([]models.Tag, error) {
	g.gmu.Lock()
	n := g.started
	g.started++
	g.gmu.Unlock()
	select {
	case <-g.gates[n]:
		return g.results[n], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedTags) inFlight() int {
	g.gmu.Lock()
	defer g.gmu.Unlock()
	return g.started
}

func view(id string, at int64, dir models.Direction) models.ConversationView {
	last := at
	return models.ConversationView{
		Conversation: models.Conversation{ID: id, Status: models.StatusOpen, LastMessageAt: &last},
		Contact:      models.Contact{ID: "k-" + id, Name: models.Str("Contato " + id)},
		LastMessage: &models.Message{
			ID: id + "-last", ConversationID: id, Direction: dir,
			Type: models.TypeText, Text: models.Str("oi"), SentAt: at,
		},
		Tags: []models.Tag{},
	}
}

func message(id, conv string, at int64, dir models.Direction, text string) models.Message {
	return models.Message{ID: id, ConversationID: conv, Direction: dir, Type: models.TypeText, Text: models.Str(text), SentAt: at}
}

func publish(t *testing.T, hub *realtime.Hub, typ realtime.EventType, table string, row interface{}) {
	t.Helper()
	ev, err := realtime.NewEvent(typ, table, row, nil)
	require.NoError(t, err)
	hub.Publish(ev)
}

func startEngine(t *testing.T, loader Loader, hub *realtime.Hub, reads *readstate.Tracker, opts Options) *Engine {
	t.Helper()
	e := New(loader, hub, reads, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		e.CloseThread()
		cancel()
		<-done
	})

	select {
	case <-e.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("initial load did not complete")
	}
	return e
}

func row(e *Engine, id string) (Row, bool) {
	for _, r := range e.Snapshot() {
		if r.ID == id {
			return r, true
		}
	}
	return Row{}, false
}

func ids(rows []Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

func TestUnreadFollowsReadCursor(t *testing.T) {
	hub := realtime.NewHub()
	reads := readstate.Load(readstate.NewMemoryKV())
	reads.MarkRead("c1", 15)
	loader := &fakeLoader{convs: []models.ConversationView{view("c1", 10, models.DirectionInbound)}}

	e := startEngine(t, loader, hub, reads, Options{Now: func() time.Time { return time.UnixMilli(30) }})

	r, ok := row(e, "c1")
	require.True(t, ok)
	assert.Zero(t, r.Unread, "message at 10 is older than cursor 15")

	publish(t, hub, realtime.Insert, realtime.TableMessages, message("m20", "c1", 20, models.DirectionInbound, "chegou"))
	require.Eventually(t, func() bool { r, _ := row(e, "c1"); return r.Unread == 1 }, time.Second, 5*time.Millisecond)
	r, _ = row(e, "c1")
	assert.Equal(t, "chegou", r.Preview)
	assert.Equal(t, int64(20), r.LastMessageAt)

	publish(t, hub, realtime.Insert, realtime.TableMessages, message("m25", "c1", 25, models.DirectionInbound, "de novo"))
	require.Eventually(t, func() bool { r, _ := row(e, "c1"); return r.Unread == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.MarkRead(context.Background(), "c1"))
	r, _ = row(e, "c1")
	assert.Zero(t, r.Unread)
	cursor, ok := reads.Cursor("c1")
	require.True(t, ok)
	assert.Equal(t, int64(30), cursor)

	publish(t, hub, realtime.Insert, realtime.TableMessages, message("m40", "c1", 40, models.DirectionOutbound, "resposta"))
	require.Eventually(t, func() bool { r, _ := row(e, "c1"); return r.Preview == "resposta" }, time.Second, 5*time.Millisecond)
	r, _ = row(e, "c1")
	assert.Zero(t, r.Unread)
}

func TestNoCursorCountsAsUnread(t *testing.T) {
	hub := realtime.NewHub()
	loader := &fakeLoader{convs: []models.ConversationView{
		view("c1", 10, models.DirectionInbound),
		view("c2", 20, models.DirectionOutbound),
	}}
	e := startEngine(t, loader, hub, nil, Options{})

	r1, _ := row(e, "c1")
	r2, _ := row(e, "c2")
	assert.Equal(t, 1, r1.Unread)
	assert.Zero(t, r2.Unread)
}

func TestInsertReordersList(t *testing.T) {
	hub := realtime.NewHub()
	loader := &fakeLoader{convs: []models.ConversationView{
		view("c1", 200, models.DirectionInbound),
		view("c2", 100, models.DirectionInbound),
		view("c0", 100, models.DirectionInbound),
	}}
	e := startEngine(t, loader, hub, nil, Options{})
	assert.Equal(t, []string{"c1", "c0", "c2"}, ids(e.Snapshot()), "ties break by id")

	publish(t, hub, realtime.Insert, realtime.TableMessages, message("m1", "c2", 300, models.DirectionInbound, "novo"))
	require.Eventually(t, func() bool { return ids(e.Snapshot())[0] == "c2" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c2", "c1", "c0"}, ids(e.Snapshot()))
}

func TestOlderMessageKeepsPreview(t *testing.T) {
	hub := realtime.NewHub()
	loader := &fakeLoader{convs: []models.ConversationView{view("c1", 200, models.DirectionOutbound)}}
	e := startEngine(t, loader, hub, nil, Options{})

	publish(t, hub, realtime.Insert, realtime.TableMessages, message("old", "c1", 50, models.DirectionInbound, "atrasada"))
	require.Eventually(t, func() bool { r, _ := row(e, "c1"); return r.Unread == 1 }, time.Second, 5*time.Millisecond)
	r, _ := row(e, "c1")
	assert.Equal(t, "oi", r.Preview)
	assert.Equal(t, int64(200), r.LastMessageAt)
}

func TestDuplicateEventsIgnored(t *testing.T) {
	hub := realtime.NewHub()
	loader := &fakeLoader{convs: []models.ConversationView{view("c1", 10, models.DirectionInbound)}}
	e := startEngine(t, loader, hub, nil, Options{})

	msg := message("m2", "c1", 20, models.DirectionInbound, "x")
	publish(t, hub, realtime.Insert, realtime.TableMessages, msg)
	publish(t, hub, realtime.Insert, realtime.TableMessages, msg)
	publish(t, hub, realtime.Insert, realtime.TableMessages, message("m3", "c1", 30, models.DirectionOutbound, "marker"))

	require.Eventually(t, func() bool { r, _ := row(e, "c1"); return r.Preview == "marker" }, time.Second, 5*time.Millisecond)
	r, _ := row(e, "c1")
	assert.Zero(t, r.Unread)

	publish(t, hub, realtime.Insert, realtime.TableMessages, message("m4", "c1", 40, models.DirectionInbound, "a"))
	publish(t, hub, realtime.Insert, realtime.TableMessages, message("m4", "c1", 40, models.DirectionInbound, "a"))
	publish(t, hub, realtime.Insert, realtime.TableMessages, message("m5", "c1", 50, models.DirectionInbound, "b"))
	require.Eventually(t, func() bool { r, _ := row(e, "c1"); return r.Preview == "b" }, time.Second, 5*time.Millisecond)
	r, _ = row(e, "c1")
	assert.Equal(t, 2, r.Unread)
}

func TestUnknownConversationReloadsAreCoalesced(t *testing.T) {
	hub := realtime.NewHub()
	loader := &fakeLoader{convs: []models.ConversationView{view("c1", 10, models.DirectionInbound)}}
	e := startEngine(t, loader, hub, nil, Options{Cooldown: 300 * time.Millisecond})
	require.EqualValues(t, 1, e.Loads())

	loader.set(func(f *fakeLoader) {
		f.convs = append(f.convs, view("c9", 100, models.DirectionInbound))
	})
	for _, id := range []string{"a", "b", "c"} {
		publish(t, hub, realtime.Insert, realtime.TableMessages, message(id, "c9", 100, models.DirectionInbound, id))
	}

	require.Eventually(t, func() bool { _, ok := row(e, "c9"); return ok }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	assert.EqualValues(t, 2, e.Loads())
	list, _ := loader.calls()
	assert.Equal(t, 2, list)
	assert.Equal(t, []string{"c9", "c1"}, ids(e.Snapshot()))
}

func TestTagReloadFailureKeepsTags(t *testing.T) {
	hub := realtime.NewHub()
	c1 := view("c1", 10, models.DirectionInbound)
	c1.Tags = []models.Tag{{ID: "t1", Name: "Retorno"}}
	loader := &fakeLoader{convs: []models.ConversationView{c1}, tagErr: errors.New("boom")}
	e := startEngine(t, loader, hub, nil, Options{})

	link := models.ConversationTag{ConversationID: "c1", TagID: "t2"}
	publish(t, hub, realtime.Insert, realtime.TableConversationTags, link)
	require.Eventually(t, func() bool { _, tags := loader.calls(); return tags == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	r, _ := row(e, "c1")
	require.Len(t, r.Tags, 1)
	assert.Equal(t, "t1", r.Tags[0].ID)

	loader.set(func(f *fakeLoader) {
		f.tagErr = nil
		f.tags = []models.Tag{{ID: "t2", Name: "Urgente"}}
	})
	ev, err := realtime.NewEvent(realtime.Delete, realtime.TableConversationTags, nil, link)
	require.NoError(t, err)
	hub.Publish(ev)
	require.Eventually(t, func() bool {
		r, _ := row(e, "c1")
		return len(r.Tags) == 1 && r.Tags[0].ID == "t2"
	}, time.Second, 5*time.Millisecond)

	list, _ := loader.calls()
	assert.Equal(t, 1, list, "tag events re-read only the tags")
}

func TestClosedConversationIsRemoved(t *testing.T) {
	hub := realtime.NewHub()
	loader := &fakeLoader{convs: []models.ConversationView{
		view("c1", 10, models.DirectionInbound),
		view("c2", 20, models.DirectionInbound),
	}}
	e := startEngine(t, loader, hub, nil, Options{})

	publish(t, hub, realtime.Update, realtime.TableConversations, models.Conversation{ID: "c2", Status: models.StatusClosed})
	require.Eventually(t, func() bool { return len(e.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	publish(t, hub, realtime.Update, realtime.TableConversations, models.Conversation{
		ID: "c1", Status: models.StatusOpen, AssignedUserID: models.Str("user-1"),
	})
	require.Eventually(t, func() bool {
		r, _ := row(e, "c1")
		return models.Deref(r.AssignedUserID) == "user-1"
	}, time.Second, 5*time.Millisecond)
}

func TestResubscribeReloadsAfterFeedLoss(t *testing.T) {
	hub := realtime.NewHub()
	loader := &fakeLoader{convs: []models.ConversationView{view("c1", 10, models.DirectionInbound)}}
	e := startEngine(t, loader, hub, nil, Options{Cooldown: time.Hour})
	require.Equal(t, 1, hub.Subscribers())

	loader.set(func(f *fakeLoader) {
		f.convs = append(f.convs, view("c2", 50, models.DirectionInbound))
	})
	hub.DropAll()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 && len(e.Snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, e.Loads())

	// Events flow through the new subscription.
	publish(t, hub, realtime.Insert, realtime.TableMessages, message("m9", "c1", 90, models.DirectionInbound, "voltou"))
	require.Eventually(t, func() bool { return ids(e.Snapshot())[0] == "c1" }, time.Second, 5*time.Millisecond)
}

func TestLateInboundBeforeCursorStaysRead(t *testing.T) {
	hub := realtime.NewHub()
	reads := readstate.Load(readstate.NewMemoryKV())
	loader := &fakeLoader{convs: []models.ConversationView{view("c1", 10, models.DirectionInbound)}}
	e := startEngine(t, loader, hub, reads, Options{})

	r, _ := row(e, "c1")
	require.Equal(t, 1, r.Unread)
	require.NoError(t, e.MarkReadAt(context.Background(), "c1", 20))
	r, _ = row(e, "c1")
	require.Zero(t, r.Unread)

	publish(t, hub, realtime.Insert, realtime.TableMessages, message("m15", "c1", 15, models.DirectionInbound, "atrasada"))
	require.Eventually(t, func() bool { r, _ := row(e, "c1"); return r.Preview == "atrasada" }, time.Second, 5*time.Millisecond)
	r, _ = row(e, "c1")
	assert.Zero(t, r.Unread, "message at 15 is covered by cursor 20")

	publish(t, hub, realtime.Insert, realtime.TableMessages, message("m25", "c1", 25, models.DirectionInbound, "nova"))
	require.Eventually(t, func() bool { r, _ := row(e, "c1"); return r.Preview == "nova" }, time.Second, 5*time.Millisecond)
	r, _ = row(e, "c1")
	assert.Equal(t, 1, r.Unread)
}

func TestNewestTagReadWins(t *testing.T) {
	hub := realtime.NewHub()
	loader := newGatedTags(
		&fakeLoader{convs: []models.ConversationView{view("c1", 10, models.DirectionInbound)}},
		[]models.Tag{{ID: "stale-first"}},
		[]models.Tag{{ID: "second"}},
		[]models.Tag{{ID: "newest"}},
	)
	e := startEngine(t, loader, hub, nil, Options{})
	tagIs := func(id string) func() bool {
		return func() bool {
			r, _ := row(e, "c1")
			return len(r.Tags) == 1 && r.Tags[0].ID == id
		}
	}
	link := models.ConversationTag{ConversationID: "c1", TagID: "t1"}

	publish(t, hub, realtime.Insert, realtime.TableConversationTags, link)
	require.Eventually(t, func() bool { return loader.inFlight() == 1 }, time.Second, 5*time.Millisecond)
	publish(t, hub, realtime.Insert, realtime.TableConversationTags, link)
	require.Eventually(t, func() bool { return loader.inFlight() == 2 }, time.Second, 5*time.Millisecond)

	close(loader.gates[1])
	require.Eventually(t, tagIs("second"), time.Second, 5*time.Millisecond)

	publish(t, hub, realtime.Insert, realtime.TableConversationTags, link)
	require.Eventually(t, func() bool { return loader.inFlight() == 3 }, time.Second, 5*time.Millisecond)

	close(loader.gates[0])
	time.Sleep(50 * time.Millisecond)
	assert.True(t, tagIs("second")(), "superseded read must not be applied")

	close(loader.gates[2])
	require.Eventually(t, tagIs("newest"), time.Second, 5*time.Millisecond)
}
