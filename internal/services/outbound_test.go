package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapinbox/internal/adapters/meta"
	"zapinbox/internal/db"
	"zapinbox/internal/events"
	"zapinbox/internal/media"
	"zapinbox/internal/models"
	"zapinbox/internal/store"
)

type fakeProvider struct {
	mu   sync.Mutex
	reqs []meta.SendRequest
	err  error
}

func (p *fakeProvider) SendMessage(_ context.Context, req meta.SendRequest) (*meta.SendResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return nil, p.err
	}
	resp := &meta.SendResponse{MessagingProduct: "whatsapp"}
	resp.Messages = append(resp.Messages, struct {
		ID string `json:"id"`
	}{ID: "wamid.out-1"})
	return resp, nil
}

type memUploader struct {
	objects []media.Object
}

func (u *memUploader) Store(_ context.Context, obj media.Object) (string, error) {
	u.objects = append(u.objects, obj)
	return "https://cdn.example.com/" + obj.MessageID + media.ExtensionFor(obj.MimeType), nil
}

type fixture struct {
	store    *store.Store
	provider *fakeProvider
	uploader *memUploader
	sink     *events.Recorder
	svc      *OutboundService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	f := &fixture{
		store:    store.New(conn, nil),
		provider: &fakeProvider{},
		uploader: &memUploader{},
		sink:     &events.Recorder{},
	}
	f.svc, err = NewOutboundService(f.store, f.provider, f.uploader, f.sink)
	require.NoError(t, err)
	return f
}

func (f *fixture) seed(t *testing.T, status models.ConversationStatus) models.Conversation {
	t.Helper()
	ctx := context.Background()
	var conv models.Conversation
	require.NoError(t, f.store.InTx(ctx, func(tx *store.Tx) error {
		c, err := tx.UpsertContact(ctx, models.Contact{ClinicID: "c1", Channel: models.ChannelWhatsApp, ExternalID: "5511988887777"})
		if err != nil {
			return err
		}
		conv, _, err = tx.FindOrCreateOpenConversation(ctx, models.Conversation{
			ClinicID: "c1", ContactID: c.ID, Channel: models.ChannelWhatsApp, Status: status,
		})
		return err
	}))
	return conv
}

func TestSendTextPersistsAndAdvances(t *testing.T) {
	f := newFixture(t)
	conv := f.seed(t, models.StatusOpen)
	ctx := context.Background()

	msg, err := f.svc.Send(ctx, SendRequest{ConversationID: conv.ID, Text: " Bom dia ", ClientRef: "local-abc"})
	require.NoError(t, err)

	assert.Equal(t, models.DirectionOutbound, msg.Direction)
	assert.Equal(t, models.TypeText, msg.Type)
	assert.Equal(t, "Bom dia", models.Deref(msg.Text))
	assert.Equal(t, "wamid.out-1", models.Deref(msg.ProviderMessageID))
	assert.Equal(t, "local-abc", models.Deref(msg.ClientRef))

	require.Len(t, f.provider.reqs, 1)
	assert.Equal(t, "5511988887777", f.provider.reqs[0].To)
	require.NotNil(t, f.provider.reqs[0].Text)
	assert.Equal(t, "Bom dia", f.provider.reqs[0].Text.Body)

	stored, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastMessageAt)
	assert.Equal(t, msg.SentAt, *stored.LastMessageAt)
	assert.Equal(t, []string{events.MessageSent}, f.sink.Types())
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	conv := f.seed(t, models.StatusOpen)

	cases := []SendRequest{
		{ConversationID: conv.ID, Text: "   "},
		{ConversationID: conv.ID, Type: "location", Text: "x"},
		{ConversationID: conv.ID, Type: models.TypeImage},
		{Text: "no conversation"},
	}
	for _, req := range cases {
		_, err := f.svc.Send(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidMessage)
	}
	assert.Empty(t, f.provider.reqs)
}

func TestSendUnknownAndClosedConversation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Send(context.Background(), SendRequest{ConversationID: "missing", Text: "oi"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	conv := f.seed(t, models.StatusClosed)
	_, err = f.svc.Send(context.Background(), SendRequest{ConversationID: conv.ID, Text: "oi"})
	assert.ErrorIs(t, err, ErrConversationClosed)
	assert.Empty(t, f.provider.reqs)
}

func TestSendProviderFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	conv := f.seed(t, models.StatusOpen)
	f.provider.err = errors.New("status 400")

	_, err := f.svc.Send(context.Background(), SendRequest{ConversationID: conv.ID, Text: "oi"})
	assert.ErrorIs(t, err, ErrProvider)

	msgs, err := f.store.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, f.sink.Types())
}

func TestSendInlineImageIsUploadedAndShrunk(t *testing.T) {
	f := newFixture(t)
	conv := f.seed(t, models.StatusOpen)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 3200, 800))))
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	msg, err := f.svc.Send(context.Background(), SendRequest{
		ConversationID: conv.ID,
		Type:           models.TypeImage,
		Text:           "exame",
		MediaURL:       dataURL,
	})
	require.NoError(t, err)

	require.Len(t, f.uploader.objects, 1)
	obj := f.uploader.objects[0]
	assert.False(t, obj.IsIncoming)
	assert.Equal(t, "image/png", obj.MimeType)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(obj.Data))
	require.NoError(t, err)
	assert.Equal(t, media.MaxImageSide, cfg.Width)

	assert.Equal(t, "https://cdn.example.com/"+msg.ID+".png", models.Deref(msg.MediaURL))
	assert.Equal(t, "exame", models.Deref(msg.Caption))
	assert.Nil(t, msg.Text)
	require.NotNil(t, msg.FileSize)

	require.Len(t, f.provider.reqs, 1)
	require.NotNil(t, f.provider.reqs[0].Image)
	assert.Equal(t, models.Deref(msg.MediaURL), f.provider.reqs[0].Image.Link)
	assert.Equal(t, "exame", f.provider.reqs[0].Image.Caption)
}

func TestSendDocumentCarriesFilename(t *testing.T) {
	f := newFixture(t)
	conv := f.seed(t, models.StatusOpen)

	msg, err := f.svc.Send(context.Background(), SendRequest{
		ConversationID: conv.ID,
		Type:           models.TypeDocument,
		MediaURL:       "https://files.example.com/laudo.pdf",
		MediaMimeType:  "application/pdf",
		Filename:       "laudo.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, "laudo.pdf", models.Deref(msg.Filename))
	require.NotNil(t, f.provider.reqs[0].Document)
	assert.Equal(t, "laudo.pdf", f.provider.reqs[0].Document.Filename)
	assert.Empty(t, f.uploader.objects)
}
