package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapinbox/internal/models"
	"zapinbox/internal/readstate"
	"zapinbox/internal/realtime"
)

func threadFixture(t *testing.T) (*Engine, *realtime.Hub, *readstate.Tracker) {
	t.Helper()
	hub := realtime.NewHub()
	reads := readstate.Load(readstate.NewMemoryKV())
	loader := &fakeLoader{
		convs: []models.ConversationView{view("c1", 20, models.DirectionInbound), view("c2", 10, models.DirectionInbound)},
		messages: map[string][]models.Message{
			"c1": {
				message("m2", "c1", 20, models.DirectionInbound, "segunda"),
				message("m1", "c1", 10, models.DirectionInbound, "primeira"),
			},
			"c2": {message("n1", "c2", 10, models.DirectionInbound, "outra")},
		},
	}
	e := startEngine(t, loader, hub, reads, Options{Now: func() time.Time { return time.UnixMilli(100) }})
	return e, hub, reads
}

func messageIDs(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestThreadLoadsAndFollowsFeed(t *testing.T) {
	e, hub, reads := threadFixture(t)

	th, err := e.OpenThread(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(th.Messages()))

	// Opening marks the conversation read.
	require.Eventually(t, func() bool { c, _ := reads.Cursor("c1"); return c == 100 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { r, _ := row(e, "c1"); return r.Unread == 0 }, time.Second, 5*time.Millisecond)

	m3 := message("m3", "c1", 500, models.DirectionInbound, "terceira")
	publish(t, hub, realtime.Insert, realtime.TableMessages, m3)
	publish(t, hub, realtime.Insert, realtime.TableMessages, m3)
	publish(t, hub, realtime.Insert, realtime.TableMessages, message("x1", "c2", 600, models.DirectionInbound, "não é daqui"))
	require.Eventually(t, func() bool { return len(th.Messages()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(th.Messages()))

	require.Eventually(t, func() bool { c, _ := reads.Cursor("c1"); return c == 500 }, time.Second, 5*time.Millisecond)

	// Media backfill arrives as an update.
	backfilled := m3
	backfilled.MediaURL = models.Str("https://cdn/m3.jpg")
	publish(t, hub, realtime.Update, realtime.TableMessages, backfilled)
	require.Eventually(t, func() bool {
		msgs := th.Messages()
		return models.Deref(msgs[2].MediaURL) == "https://cdn/m3.jpg"
	}, time.Second, 5*time.Millisecond)
}

func TestOpenThreadDetachesPrevious(t *testing.T) {
	e, hub, _ := threadFixture(t)

	first, err := e.OpenThread(context.Background(), "c1")
	require.NoError(t, err)
	second, err := e.OpenThread(context.Background(), "c2")
	require.NoError(t, err)

	assert.Nil(t, e.Thread("c1"))
	assert.Same(t, second, e.Thread("c2"))
	require.Eventually(t, func() bool { return hub.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	publish(t, hub, realtime.Insert, realtime.TableMessages, message("late", "c1", 900, models.DirectionInbound, "tarde"))
	publish(t, hub, realtime.Insert, realtime.TableMessages, message("n2", "c2", 900, models.DirectionInbound, "aqui"))
	require.Eventually(t, func() bool { return len(second.Messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(first.Messages()))

	first.AddOptimistic(models.Message{ID: "local-x", ConversationID: "c1"})
	assert.Len(t, first.Messages(), 2)
}

func optimistic(id string, at int64) models.Message {
	return models.Message{
		ID: id, ConversationID: "c1", Direction: models.DirectionOutbound, Type: models.TypeDocument,
		Filename: models.Str("laudo.pdf"), FileSize: ptr(2048), ClientRef: models.Str(id), SentAt: at,
	}
}

func ptr(n int64) *int64 { return &n }

func persisted(id, ref string, at int64) models.Message {
	return models.Message{
		ID: id, ConversationID: "c1", Direction: models.DirectionOutbound, Type: models.TypeDocument,
		MediaURL: models.Str("https://cdn/laudo.pdf"), ClientRef: models.Str(ref), SentAt: at,
	}
}

func TestEchoBeforeResponseResolvesOnce(t *testing.T) {
	e, hub, _ := threadFixture(t)
	th, err := e.OpenThread(context.Background(), "c1")
	require.NoError(t, err)

	th.AddOptimistic(optimistic("local-1", 300))
	assert.Equal(t, 1, th.Pending())

	publish(t, hub, realtime.Insert, realtime.TableMessages, persisted("srv-1", "local-1", 305))
	require.Eventually(t, func() bool { return th.Pending() == 0 }, time.Second, 5*time.Millisecond)

	assert.False(t, th.Confirm("local-1", persisted("srv-1", "local-1", 305)))
	msgs := th.Messages()
	assert.Equal(t, []string{"m1", "m2", "srv-1"}, messageIDs(msgs))
	assert.Equal(t, "laudo.pdf", models.Deref(msgs[2].Filename))
	assert.EqualValues(t, 2048, *msgs[2].FileSize)
	assert.Equal(t, "https://cdn/laudo.pdf", models.Deref(msgs[2].MediaURL))
}

func TestResponseBeforeEchoResolvesOnce(t *testing.T) {
	e, hub, _ := threadFixture(t)
	th, err := e.OpenThread(context.Background(), "c1")
	require.NoError(t, err)

	th.AddOptimistic(optimistic("local-2", 300))
	assert.True(t, th.Confirm("local-2", persisted("srv-2", "local-2", 305)))
	assert.False(t, th.Confirm("local-2", persisted("srv-2", "local-2", 305)))

	publish(t, hub, realtime.Insert, realtime.TableMessages, persisted("srv-2", "local-2", 305))
	publish(t, hub, realtime.Insert, realtime.TableMessages, message("m9", "c1", 400, models.DirectionInbound, "marker"))
	require.Eventually(t, func() bool { return len(th.Messages()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "srv-2", "m9"}, messageIDs(th.Messages()))
	assert.Equal(t, "laudo.pdf", models.Deref(th.Messages()[2].Filename))
}

func TestRejectRemovesOptimisticEntry(t *testing.T) {
	e, _, _ := threadFixture(t)
	th, err := e.OpenThread(context.Background(), "c1")
	require.NoError(t, err)

	th.AddOptimistic(optimistic("local-3", 300))
	require.Len(t, th.Messages(), 3)
	assert.True(t, th.Reject("local-3"))
	assert.False(t, th.Reject("local-3"))
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(th.Messages()))
}

func TestMergeOptimistic(t *testing.T) {
	opt := optimistic("local-4", 1)
	opt.MediaURL = models.Str("data:application/pdf;base64,AAAA")
	opt.MediaMimeType = models.Str("application/pdf")

	got := MergeOptimistic(opt, persisted("srv-4", "local-4", 2))
	assert.Equal(t, "srv-4", got.ID)
	assert.Equal(t, "https://cdn/laudo.pdf", models.Deref(got.MediaURL), "persisted url wins")
	assert.Equal(t, "application/pdf", models.Deref(got.MediaMimeType))
	assert.Equal(t, "laudo.pdf", models.Deref(got.Filename))
}
