package cache

import (
	"context"
	"time"
)

// MessageCache keeps delivery receipts for sent records.
type MessageCache interface {
	StoreSent(ctx context.Context, recordID int64, remoteMessageID string, sentAt time.Time) error
}

// Locker serializes cycles across processes. ok is false when another
// holder owns the lock.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}
