package repo

import (
	"context"
	"errors"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
)

var (
	// ErrStoreConnection covers acquiring the cycle connection and fetching
	// the batch. It is fatal to the cycle.
	ErrStoreConnection = errors.New("store connection error")

	// ErrCommit is returned when a single status transition could not be
	// written. The cycle carries on.
	ErrCommit = errors.New("store commit error")

	ErrNotFound = errors.New("not found")
)

// DispatchRepository is the store side of the dispatcher.
type DispatchRepository interface {
	// Acquire hands out one connection for the duration of a cycle.
	Acquire(ctx context.Context) (Conn, error)
	ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.Record, error)
}

// Conn is a single store connection held for one cycle. Close must be
// called regardless of how the cycle ends.
type Conn interface {
	// FetchQueued returns up to limit queued, active records of the
	// configured business unit, oldest first, with addresses normalized.
	FetchQueued(ctx context.Context, limit int) ([]model.Record, error)
	// Commit writes status and return message together in one
	// auto-committed statement.
	Commit(ctx context.Context, id int64, outcome model.Outcome) error
	Close() error
}
