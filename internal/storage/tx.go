package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/carpool/internal/observability"
)

// Postgres error codes a transaction can be retried after.
const (
	codeSerializationFailure pq.ErrorCode = "40001"
	codeDeadlockDetected     pq.ErrorCode = "40P01"
	codeUniqueViolation      pq.ErrorCode = "23505"
)

// RunInTx runs fn in a serializable transaction, retrying the whole transaction up to
// attempts times when Postgres aborts it on a serialization failure or deadlock. The delay
// between attempts doubles each time.
func RunInTx(ctx context.Context, db *sql.DB, attempts int, delay time.Duration, fn func(*sql.Tx) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; ; i++ {
		err := runOnce(ctx, db, fn)
		if err == nil || !retryable(err) || i == attempts-1 {
			return err
		}
		observability.TxRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == codeSerializationFailure || pqErr.Code == codeDeadlockDetected
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation
}
