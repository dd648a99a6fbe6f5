// inbox-watch is a headless inbox client: it keeps a live conversation list
// for one viewer and can follow and send into one conversation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/adapters/inboxapi"
	"zapinbox/internal/dispatcher"
	"zapinbox/internal/models"
	"zapinbox/internal/readstate"
	"zapinbox/internal/realtime"
	"zapinbox/internal/syncengine"
	"zapinbox/pkg/logger"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()

	baseURL := flag.String("url", env("INBOX_URL", "http://localhost:8080"), "inbox server base URL")
	token := flag.String("token", os.Getenv("API_TOKEN"), "API token")
	viewer := flag.String("viewer", os.Getenv("VIEWER_ID"), "viewer (user) id")
	clinic := flag.String("clinic", os.Getenv("CLINIC_ID"), "clinic id")
	status := flag.String("status", "", "list view: open, pending or empty for the default view")
	stateDir := flag.String("state", env("INBOX_STATE_DIR", defaultStateDir()), "directory for read cursors")
	open := flag.String("open", "", "conversation id to follow")
	send := flag.String("send", "", "text to send into the followed conversation")
	logLevel := flag.String("loglevel", env("LOG_LEVEL", "info"), "log level")
	flag.Parse()

	logger.Setup(*logLevel, os.Getenv("LOG_FORMAT"), os.Stderr)

	if *viewer == "" {
		log.Fatal().Msg("A viewer id is required (-viewer or VIEWER_ID)")
	}

	client, err := inboxapi.NewClient(*baseURL, *token, *viewer, *clinic)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create inbox API client")
	}

	kv, err := readstate.NewFileKV(*stateDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open read state directory")
	}

	feed := realtime.NewWSFeed(*baseURL, *token)
	engine := syncengine.New(client, feed, readstate.Load(kv), syncengine.Options{
		Status:   models.ConversationStatus(*status),
		ViewerID: *viewer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Sync engine stopped")
		}
	}()

	var thread *syncengine.Thread
	var threadChanges <-chan struct{}
	if *open != "" {
		thread, err = engine.OpenThread(ctx, *open)
		if err != nil {
			log.Fatal().Err(err).Str("conversationID", *open).Msg("Failed to open conversation")
		}
		threadChanges = thread.Changes()
	}

	if *send != "" {
		if thread == nil {
			log.Fatal().Msg("-send needs -open")
		}
		d, err := dispatcher.New(client, engine)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create dispatcher")
		}
		sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		msg, err := d.Send(sendCtx, *open, dispatcher.Composed{Text: *send})
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("Send failed")
		} else {
			log.Info().Str("messageID", msg.ID).Msg("Message sent")
		}
	}

	for {
		select {
		case <-ctx.Done():
			engine.CloseThread()
			return
		case <-engine.Changes():
			printList(engine.Snapshot())
		case <-threadChanges:
			printThread(thread.Messages())
		}
	}
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".inbox-watch"
	}
	return filepath.Join(dir, "zapinbox")
}

func printList(rows []syncengine.Row) {
	fmt.Println("----")
	for _, r := range rows {
		unread := ""
		if r.Unread > 0 {
			unread = fmt.Sprintf(" (%d)", r.Unread)
		}
		at := time.UnixMilli(r.LastMessageAt).Format("02/01 15:04")
		fmt.Printf("%s  %-24s %-8s %s%s\n", at, r.Contact.DisplayName(), r.Status, r.Preview, unread)
	}
}

func printThread(msgs []models.Message) {
	fmt.Println("====")
	for _, m := range msgs {
		arrow := "<"
		if m.Direction == models.DirectionOutbound {
			arrow = ">"
		}
		text := models.Deref(m.Text)
		if text == "" {
			text = models.Deref(m.Caption)
		}
		if text == "" {
			text = "[" + string(m.Type) + "]"
		}
		fmt.Printf("%s %s %s\n", time.UnixMilli(m.SentAt).Format("15:04:05"), arrow, text)
	}
}
