package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FilterFromQuery reads ?table=&conversation_id=.
func FilterFromQuery(q url.Values) Filter {
	return Filter{Table: q.Get("table"), ConversationID: q.Get("conversation_id")}
}

func (f Filter) query() url.Values {
	q := url.Values{}
	if f.Table != "" {
		q.Set("table", f.Table)
	}
	if f.ConversationID != "" {
		q.Set("conversation_id", f.ConversationID)
	}
	return q
}

// WebsocketHandler streams feed events matching the request filter as JSON frames.
// The socket is closed when the underlying subscription is lost, which tells the
// client to resubscribe and reload.
func WebsocketHandler(feed Feed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := FilterFromQuery(r.URL.Query())

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("Websocket upgrade failed")
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		events, err := feed.Subscribe(ctx, filter)
		if err != nil {
			log.Error().Err(err).Msg("Realtime subscribe failed")
			return
		}
		metrics.RealtimeSubscribers.Inc()
		defer metrics.RealtimeSubscribers.Dec()
		log.Debug().Str("table", filter.Table).Str("conversationID", filter.ConversationID).Msg("Realtime client subscribed")

		// The read loop only handles control frames and notices the client leaving.
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription lost"),
						time.Now().Add(writeWait))
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// WSFeed subscribes to a remote WebsocketHandler.
type WSFeed struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// NewWSFeed takes the server base URL (http or https) and an optional bearer token.
func NewWSFeed(baseURL, token string) *WSFeed {
	u := strings.TrimRight(baseURL, "/") + "/api/realtime"
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)

	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return &WSFeed{URL: u, Header: h, Dialer: websocket.DefaultDialer}
}

func (f *WSFeed) Subscribe(ctx context.Context, filter Filter) (<-chan Event, error) {
	target := f.URL
	if q := filter.query().Encode(); q != "" {
		target += "?" + q
	}
	conn, _, err := f.Dialer.DialContext(ctx, target, f.Header)
	if err != nil {
		return nil, fmt.Errorf("dial realtime feed: %w", err)
	}

	// subCtx ends with the reader, so the closer below never outlives the connection.
	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Event, subscriberBuffer)
	go func() {
		<-subCtx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer cancel()
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("Realtime feed connection lost")
				}
				return
			}
			select {
			case out <- ev:
			case <-subCtx.Done():
				return
			}
		}
	}()
	return out, nil
}
