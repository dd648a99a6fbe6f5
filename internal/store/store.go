package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/realtime"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Store is the durable store. Every write goes through InTx so committed changes
// reach the change feed only after commit.
type Store struct {
	db       *sqlx.DB
	notifier realtime.Publisher
	access   *cache.Cache
	now      func() time.Time
}

// New returns a Store. notifier may be nil when changes are published by
// database triggers instead.
func New(db *sqlx.DB, notifier realtime.Publisher) *Store {
	return &Store{
		db:       db,
		notifier: notifier,
		access:   cache.New(30*time.Second, time.Minute),
		now:      time.Now,
	}
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Now returns the store clock in unix milliseconds.
func (s *Store) Now() int64 {
	return s.now().UnixMilli()
}

// InTx runs fn in a transaction. Nothing fn wrote is visible, and no change
// event is published, unless fn returns nil and the commit succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx, now: s.now}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	if s.notifier != nil {
		for _, ev := range tx.events {
			s.notifier.Publish(ev)
		}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
