package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// RowLoader re-reads a row named by a trigger notification.
type RowLoader interface {
	LoadRow(ctx context.Context, table, id string) (json.RawMessage, error)
}

type notification struct {
	Table     string          `json:"table"`
	EventType EventType       `json:"eventType"`
	ID        string          `json:"id"`
	Row       json.RawMessage `json:"row"`
}

// decodeNotification turns a trigger payload into an Event, loading the row
// when the payload only carries its id.
func decodeNotification(ctx context.Context, loader RowLoader, payload string) (Event, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Event{}, fmt.Errorf("decode notification: %w", err)
	}
	ev := Event{Type: n.EventType, Table: n.Table}

	row := n.Row
	if len(row) == 0 {
		if n.ID == "" {
			return Event{}, fmt.Errorf("notification for %s carries neither row nor id", n.Table)
		}
		var err error
		row, err = loader.LoadRow(ctx, n.Table, n.ID)
		if err != nil {
			return Event{}, fmt.Errorf("load %s %s: %w", n.Table, n.ID, err)
		}
	}

	if ev.Type == Delete {
		ev.Old = row
	} else {
		ev.New = row
	}
	return ev, nil
}

// PGBridge listens on a Postgres NOTIFY channel and republishes the changes to pub.
type PGBridge struct {
	dsn     string
	channel string
	loader  RowLoader
	pub     *Hub
}

func NewPGBridge(dsn, channel string, loader RowLoader, pub *Hub) *PGBridge {
	return &PGBridge{dsn: dsn, channel: channel, loader: loader, pub: pub}
}

// Run blocks until ctx is cancelled. After a reconnect every subscription is
// dropped, since notifications sent while disconnected are gone.
func (b *PGBridge) Run(ctx context.Context) error {
	listener := pq.NewListener(b.dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			log.Warn().Err(err).Msg("Postgres change listener disconnected")
		case pq.ListenerEventReconnected:
			log.Info().Msg("Postgres change listener reconnected")
		}
	})
	defer listener.Close()

	if err := listener.Listen(b.channel); err != nil {
		return fmt.Errorf("listen on %s: %w", b.channel, err)
	}
	log.Info().Str("channel", b.channel).Msg("Listening for Postgres change notifications")

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// Reconnected.
				b.pub.DropAll()
				continue
			}
			ev, err := decodeNotification(ctx, b.loader, n.Extra)
			if err != nil {
				log.Warn().Err(err).Msg("Dropping change notification")
				continue
			}
			b.pub.Publish(ev)
		case <-time.After(90 * time.Second):
			go listener.Ping()
		}
	}
}
