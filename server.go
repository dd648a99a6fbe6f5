package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"zapinbox/config"
	"zapinbox/internal/adapters/meta"
	"zapinbox/internal/db"
	"zapinbox/internal/events"
	"zapinbox/internal/handlers"
	"zapinbox/internal/ingest"
	"zapinbox/internal/media"
	"zapinbox/internal/realtime"
	"zapinbox/internal/services"
	"zapinbox/internal/store"
)

type server struct {
	cfg      *config.Config
	db       *sqlx.DB
	hub      *realtime.Hub
	store    *store.Store
	mirror   *media.Mirror
	rabbit   *events.RabbitPublisher
	webhook  *handlers.MetaWebhookHandler
	api      *handlers.APIHandler
	pgBridge *realtime.PGBridge
}

// newServer opens the database and wires every component. Optional
// integrations (Graph API, S3, RabbitMQ) are skipped when unconfigured.
func newServer(cfg *config.Config) (_ *server, err error) {
	s := &server{cfg: cfg, hub: realtime.NewHub()}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	log.Info().Str("driver", db.DriverFor(cfg.DatabaseURL)).Msg("Initializing database...")
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = conn

	switch cfg.RealtimeSource {
	case realtimePostgres:
		if db.DriverFor(cfg.DatabaseURL) != "postgres" {
			return nil, fmt.Errorf("REALTIME_SOURCE=postgres needs a postgres DATABASE_URL")
		}
		// Triggers publish; the store stays quiet.
		s.store = store.New(conn, nil)
		s.pgBridge = realtime.NewPGBridge(cfg.DatabaseURL, db.NotifyChannel, s.store, s.hub)
	case realtimeLocal:
		s.store = store.New(conn, s.hub)
	default:
		return nil, fmt.Errorf("unknown REALTIME_SOURCE %q", cfg.RealtimeSource)
	}

	var sink events.Sink
	if cfg.RabbitMQURL != "" {
		rabbit, err := events.DialRabbit(cfg.RabbitMQURL, cfg.RabbitMQQueue)
		if err != nil {
			log.Error().Err(err).Msg("RabbitMQ unavailable, domain events disabled")
		} else {
			s.rabbit = rabbit
			sink = rabbit
		}
	}

	var uploader media.Uploader
	if cfg.S3.Enabled() {
		s3, err := media.NewS3Storage(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		uploader = s3
	}

	var graph *meta.Client
	if cfg.MetaAccessToken != "" {
		graph, err = meta.NewClient(cfg.MetaGraphURL, cfg.MetaAPIVersion, cfg.MetaAccessToken, cfg.MetaPhoneNumberID)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Graph API client: %w", err)
		}
	} else {
		log.Warn().Msg("META_ACCESS_TOKEN not set, outbound sends and media mirroring are disabled")
	}

	var queue ingest.MediaQueue
	if graph != nil && uploader != nil {
		s.mirror = media.NewMirror(graph, uploader, s.store, media.MirrorOptions{})
		queue = s.mirror
	}

	resolver, err := ingest.NewResolver(cfg.ClinicID, cfg.RoutingDepartmentID)
	if err != nil {
		return nil, err
	}
	pipeline, err := ingest.NewPipeline(s.store, resolver, sink, queue)
	if err != nil {
		return nil, err
	}
	s.webhook = handlers.NewMetaWebhookHandler(pipeline, cfg.MetaVerifyToken, cfg.MetaAppSecret)

	var sender handlers.Sender
	if graph != nil {
		outbound, err := services.NewOutboundService(s.store, graph, uploader, sink)
		if err != nil {
			return nil, err
		}
		sender = outbound
	}
	s.api = handlers.NewAPIHandler(s.store, sender, cfg.ClinicID)

	return s, nil
}

// start launches the background workers. They stop with ctx.
func (s *server) start(ctx context.Context) {
	if s.mirror != nil {
		go s.mirror.Run(ctx)
	}
	if s.pgBridge != nil {
		go func() {
			if err := s.pgBridge.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Postgres change bridge stopped")
			}
		}()
	}
}

func (s *server) close() {
	if s.rabbit != nil {
		if err := s.rabbit.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close RabbitMQ connection")
		}
	}
	if s.db != nil {
		s.db.Close()
	}
}
