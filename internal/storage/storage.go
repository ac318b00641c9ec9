// Package storage defines the deduplication store and its SQL implementation.
package storage

import (
	"context"
	"errors"
	"time"

	"yad2_bot/internal/model"
)

// ErrNotFound is returned by point lookups for an unknown identity.
var ErrNotFound = errors.New("listing not found")

// Storage is the interface for all persistence operations.
//
// Every failure of the underlying engine is reported as a
// failure.StoreUnavailable error.
type Storage interface {
	// Upsert records an observation. IsNew is true only when no listing with
	// the same identity existed before the call.
	Upsert(ctx context.Context, rec model.ListingRecord) (model.UpsertResult, error)
	Get(ctx context.Context, id model.Identity) (*model.TrackedListing, error)
	// PendingNotifications returns listings not yet notified, oldest first.
	// An empty tag matches every search; limit <= 0 means no limit.
	PendingNotifications(ctx context.Context, tag string, limit int) ([]model.TrackedListing, error)
	MarkNotified(ctx context.Context, id model.Identity) error
	// SweepStale deletes listings last seen before now-olderThan.
	SweepStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (model.Stats, error)

	Ping(ctx context.Context) error
	Close() error
}
