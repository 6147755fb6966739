package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kinecare/internal/types"
)

// CompletionStore runs completion-notification queries inside a single
// database transaction. Candidate selection, dedup checks, and notification
// inserts all see the same snapshot; a transaction-level error rolls the
// whole batch back so the next run re-evaluates the same predicate.
type CompletionStore struct {
	pool *pgxpool.Pool
}

// NewCompletionStore creates a CompletionStore backed by the given pool.
func NewCompletionStore(pool *pgxpool.Pool) *CompletionStore {
	return &CompletionStore{pool: pool}
}

// WithCompletionTx begins a transaction, hands transaction-scoped queries to
// fn, and commits when fn returns nil. Any error from fn rolls back.
func (s *CompletionStore) WithCompletionTx(ctx context.Context, fn func(q types.CompletionQueries) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&txNotificationRepository{
			NotificationRepository: NewNotificationRepository(tx),
			tx:                     tx,
		})
	})
}

// txNotificationRepository runs each notification insert in a savepoint.
// Without it, one failed INSERT puts the surrounding transaction into an
// aborted state and every later statement in the batch fails too; with it, a
// row-level failure rolls back that row alone and the batch continues.
type txNotificationRepository struct {
	*NotificationRepository
	tx pgx.Tx
}

func (r *txNotificationRepository) InsertNotification(ctx context.Context, n *types.Notification) (bool, error) {
	var created bool
	err := pgx.BeginFunc(ctx, r.tx, func(sp pgx.Tx) error {
		var err error
		created, err = NewNotificationRepository(sp).InsertNotification(ctx, n)
		return err
	})
	return created, err
}
