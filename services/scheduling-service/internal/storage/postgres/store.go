// Package postgres implements storage.Store on pgx. Serialization uses
// transaction-scoped advisory locks; delivery claims use FOR UPDATE SKIP
// LOCKED.
package postgres

import (
	"context"
	"errors"

	"github.com/appointly/appointly/libs/db"
	"github.com/appointly/appointly/services/scheduling-service/internal/outbox"
	"github.com/appointly/appointly/services/scheduling-service/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	queries
	pool *db.Pool
}

var (
	_ storage.Store = (*Store)(nil)
	_ outbox.Source = (*Store)(nil)
)

func New(pool *db.Pool) *Store {
	return &Store{queries: queries{q: pool}, pool: pool}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{queries: queries{q: tx}, tx: tx})
	})
}

// PublishBatch locks up to limit unpublished outbox rows, hands them to fn
// and marks them published when fn succeeds.
func (s *Store) PublishBatch(ctx context.Context, limit int, fn func(ctx context.Context, records []outbox.Record) error) (int, error) {
	var n int
	err := s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, event_id::text, aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate, created_at
			FROM outbox_events
			WHERE published_at IS NULL
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return err
		}
		records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Record, error) {
			var r outbox.Record
			err := row.Scan(&r.ID, &r.EventID, &r.Event.AggregateType, &r.Event.AggregateID, &r.Event.EventType,
				&r.Event.Payload, &r.Traceparent, &r.Tracestate, &r.CreatedAt)
			return r, err
		})
		if err != nil || len(records) == 0 {
			return err
		}
		if err := fn(ctx, records); err != nil {
			return err
		}
		ids := make([]int64, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)`, ids); err != nil {
			return err
		}
		n = len(records)
		return nil
	})
	return n, err
}

// Seen and Record implement consumer.Inbox over inbox_events.
func (s *Store) Seen(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inbox_events WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

func (s *Store) Record(ctx context.Context, eventID string, eventType string) (bool, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err == nil {
		return true, nil
	}
	if db.IsUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

// mapErr translates driver errors into storage errors.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return storage.ErrNotFound
	case db.IsUniqueViolation(err):
		return errors.Join(storage.ErrConflict, err)
	}
	return err
}
