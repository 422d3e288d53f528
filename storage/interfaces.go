package storage

import (
	"context"
	"errors"
	"time"

	"carmarket-scraper/models"
)

// ErrConflict is returned when the optimistic version guard on a listing
// row fails, meaning another writer reconciled the same listing_url
// between our read and our write.
var ErrConflict = errors.New("storage: listing version conflict")

// ErrRejected is returned when a record lacks the identity or anchor
// fields required to be insertable.
var ErrRejected = errors.New("storage: record rejected")

// Store is the persistence contract shared by the crawl controller and
// the lifecycle tracker.
type Store interface {
	// Reconcile merges one freshly extracted record into persisted state:
	// insert on first sighting, otherwise update with a version bump and,
	// on a real price transition, an append-only price-history event
	// written in the same transaction.
	Reconcile(ctx context.Context, rec *models.Record) (models.Outcome, error)

	// Checkpoint returns the crawl cursor for a catalog, or nil if the
	// catalog has never been walked.
	Checkpoint(ctx context.Context, catalog string) (*models.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error

	// ListForStatusCheck returns sweep candidates oldest-id-first starting
	// at startID, bounded by limit. statuses restricts which lifecycle
	// states are eligible; empty means active and unknown.
	ListForStatusCheck(ctx context.Context, startID int64, limit int, statuses []models.Status) ([]*models.StatusCandidate, error)

	// UpdateStatus applies a lifecycle transition and stamps both
	// last_scraped_at and last_status_check.
	UpdateStatus(ctx context.Context, id int64, status models.Status, soldAt *time.Time) error

	// TouchStatusCheck records a visit that confirmed the current status
	// without changing it.
	TouchStatusCheck(ctx context.Context, id int64) error

	// StatusSummary returns listing counts grouped by lifecycle status.
	StatusSummary(ctx context.Context) (map[models.Status]int, error)

	Close() error
}
