package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapinbox/internal/db"
	"zapinbox/internal/events"
	"zapinbox/internal/media"
	"zapinbox/internal/models"
	"zapinbox/internal/realtime"
	"zapinbox/internal/store"
)

type queue struct {
	mu   sync.Mutex
	jobs []media.Job
}

func (q *queue) Enqueue(job media.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
}

type fixture struct {
	store    *store.Store
	pipeline *Pipeline
	sink     *events.Recorder
	queue    *queue
	hub      *realtime.Hub
}

func newFixture(t *testing.T, department string) *fixture {
	t.Helper()
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hub := realtime.NewHub()
	st := store.New(conn, hub)
	resolver, err := NewResolver("clinic-1", department)
	require.NoError(t, err)

	f := &fixture{store: st, sink: &events.Recorder{}, queue: &queue{}, hub: hub}
	f.pipeline, err = NewPipeline(st, resolver, f.sink, f.queue)
	require.NoError(t, err)
	return f
}

func textDelivery(id, from, name string, ts int64, body string) []byte {
	return []byte(fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{"id": "waba", "changes": [{"field": "messages", "value": {
			"messaging_product": "whatsapp",
			"contacts": [{"wa_id": %q, "profile": {"name": %q}}],
			"messages": [{"id": %q, "from": %q, "timestamp": "%d", "type": "text", "text": {"body": %q}}]
		}}]}]
	}`, from, name, id, from, ts, body))
}

func (f *fixture) conversationCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.DB().Get(&n, `SELECT COUNT(*) FROM conversations`))
	return n
}

func (f *fixture) onlyConversation(t *testing.T) models.Conversation {
	t.Helper()
	var ids []string
	require.NoError(t, f.store.DB().Select(&ids, `SELECT id FROM conversations`))
	require.Len(t, ids, 1)
	conv, err := f.store.GetConversation(context.Background(), ids[0])
	require.NoError(t, err)
	return conv
}

func TestIngestIsIdempotent(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	body := textDelivery("wamid.1", "5511999", "Ana", 100, "oi")

	for i := 0; i < 3; i++ {
		_, err := f.pipeline.IngestBody(ctx, body)
		require.NoError(t, err)
	}

	conv := f.onlyConversation(t)
	require.NotNil(t, conv.LastMessageAt)
	assert.Equal(t, int64(100000), *conv.LastMessageAt)
	assert.Equal(t, models.StatusOpen, conv.Status)

	msgs, err := f.store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "oi", models.Deref(msgs[0].Text))
	assert.Equal(t, models.DirectionInbound, msgs[0].Direction)

	assert.Equal(t, []string{events.MessageReceived}, f.sink.Types())
}

func TestIngestDuplicateReportsResult(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	body := textDelivery("wamid.1", "5511999", "Ana", 100, "oi")

	res, err := f.pipeline.IngestBody(ctx, body)
	require.NoError(t, err)
	assert.Len(t, res.Inserted, 1)

	res, err = f.pipeline.IngestBody(ctx, body)
	require.NoError(t, err)
	assert.Empty(t, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
}

func TestIngestOutOfOrderKeepsNewestTimestamp(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	_, err := f.pipeline.IngestBody(ctx, textDelivery("wamid.A", "5511999", "Ana", 100, "a"))
	require.NoError(t, err)
	_, err = f.pipeline.IngestBody(ctx, textDelivery("wamid.B", "5511999", "Ana", 50, "b"))
	require.NoError(t, err)

	conv := f.onlyConversation(t)
	assert.Equal(t, int64(100000), *conv.LastMessageAt)

	msgs, err := f.store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", models.Deref(msgs[0].Text))
}

func TestConcurrentFirstContactCreatesOneConversation(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i, id := range []string{"wamid.X", "wamid.Y"} {
		wg.Add(1)
		go func(id string, ts int64) {
			defer wg.Done()
			_, err := f.pipeline.IngestBody(ctx, textDelivery(id, "5511777", "Bia", ts, id))
			errs <- err
		}(id, int64(200+i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.conversationCount(t))
	conv := f.onlyConversation(t)
	msgs, err := f.store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, int64(201000), *conv.LastMessageAt)
}

func TestMalformedUnitIsSkipped(t *testing.T) {
	f := newFixture(t, "")
	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"value": {
			"contacts": [{"wa_id": "5511", "profile": {"name": "Caio"}}],
			"messages": [
				{"id": "", "from": "5511", "timestamp": "10", "type": "text", "text": {"body": "no id"}},
				{"id": "wamid.bad-ts", "from": "5511", "timestamp": "yesterday", "type": "text"},
				{"id": "wamid.no-from", "timestamp": "10", "type": "text"},
				"not an object",
				{"id": "wamid.ok", "from": "5511", "timestamp": "10", "type": "text", "text": {"body": "fine"}}
			]
		}}]}]
	}`)

	res, err := f.pipeline.IngestBody(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Skipped)
	require.Len(t, res.Inserted, 1)
	assert.Equal(t, "fine", models.Deref(res.Inserted[0].Text))
}

func TestMalformedBodyFails(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.pipeline.IngestBody(context.Background(), []byte(`{"entry": [`))
	assert.ErrorIs(t, err, ErrMalformedBody)
}

func TestPersistenceFailureAbortsDelivery(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.IngestBody(ctx, textDelivery("wamid.1", "5511", "Ana", 1, "x"))
	require.Error(t, err)
	assert.Equal(t, 0, f.conversationCount(t))
	assert.Empty(t, f.sink.Types())
}

func TestMediaUnitIsQueuedForMirror(t *testing.T) {
	f := newFixture(t, "")
	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"value": {
			"contacts": [{"wa_id": "5511", "profile": {"name": "Davi"}}],
			"messages": [{"id": "wamid.img", "from": "5511", "timestamp": "30", "type": "image",
				"image": {"id": "media-9", "mime_type": "image/jpeg", "caption": "raio-x"}}]
		}}]}]
	}`)

	res, err := f.pipeline.IngestBody(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, res.Inserted, 1)

	msg := res.Inserted[0]
	assert.Equal(t, models.TypeImage, msg.Type)
	assert.Equal(t, "raio-x", models.Deref(msg.Caption))
	assert.Equal(t, "image/jpeg", models.Deref(msg.MediaMimeType))
	assert.Nil(t, msg.MediaURL)

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, "media-9", f.queue.jobs[0].MediaID)
	assert.Equal(t, msg.ID, f.queue.jobs[0].MessageID)
	assert.Equal(t, "clinic-1", f.queue.jobs[0].ClinicID)
}

func TestRoutingDepartmentMakesConversationPending(t *testing.T) {
	f := newFixture(t, "dept-triage")
	_, err := f.pipeline.IngestBody(context.Background(), textDelivery("wamid.1", "5511", "Eva", 5, "olá"))
	require.NoError(t, err)

	conv := f.onlyConversation(t)
	assert.Equal(t, models.StatusPending, conv.Status)
	assert.Equal(t, "dept-triage", models.Deref(conv.DepartmentID))
}

func TestContactNameFallsBackToFirstContact(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	body := []byte(`{
		"object": "instagram",
		"entry": [{"changes": [{"value": {
			"contacts": [{"wa_id": "someone-else", "profile": {"name": "Fabi"}}],
			"messages": [{"id": "ig.1", "from": "igsid-1", "timestamp": "1", "type": "text", "text": {"body": "hi"}}]
		}}]}]
	}`)

	_, err := f.pipeline.IngestBody(ctx, body)
	require.NoError(t, err)

	conv := f.onlyConversation(t)
	assert.Equal(t, models.ChannelInstagram, conv.Channel)
	contact, err := f.store.GetContact(ctx, conv.ContactID)
	require.NoError(t, err)
	assert.Equal(t, "Fabi", contact.DisplayName())
	assert.Equal(t, "igsid-1", contact.ExternalID)
}

func TestIngestPublishesChangeEventsAfterCommit(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := f.hub.Subscribe(ctx, realtime.Filter{Table: realtime.TableMessages})
	require.NoError(t, err)

	_, err = f.pipeline.IngestBody(context.Background(), textDelivery("wamid.1", "5511", "Ana", 7, "oi"))
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, realtime.Insert, ev.Type)
	var msg models.Message
	require.NoError(t, ev.Decode(&msg))
	assert.Equal(t, "wamid.1", models.Deref(msg.ProviderMessageID))
}
