// Package storagetest provides an in-memory Store for tests of the crawl
// controller and the lifecycle tracker.
package storagetest

import (
	"context"
	"sync"
	"time"

	"carmarket-scraper/models"
)

// StatusWrite records one UpdateStatus call.
type StatusWrite struct {
	ID     int64
	Status models.Status
	SoldAt *time.Time
}

// Store is an in-memory Store implementation with recorded calls.
type Store struct {
	mu sync.Mutex

	Listings    map[string]*models.Listing
	History     []models.PriceChange
	Checkpoints map[string]*models.Checkpoint

	Candidates    []*models.StatusCandidate
	StatusWrites  []StatusWrite
	Touches       []int64
	ReconcileErr  error
	Reconciled    []*models.Record
	nextID        int64
}

func New() *Store {
	return &Store{
		Listings:    make(map[string]*models.Listing),
		Checkpoints: make(map[string]*models.Checkpoint),
	}
}

func (s *Store) Reconcile(_ context.Context, rec *models.Record) (models.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ReconcileErr != nil {
		return models.OutcomeUnchanged, s.ReconcileErr
	}
	s.Reconciled = append(s.Reconciled, rec)

	l, ok := s.Listings[rec.ListingURL]
	if !ok {
		s.nextID++
		s.Listings[rec.ListingURL] = &models.Listing{
			ID:         s.nextID,
			ListingURL: rec.ListingURL,
			Price:      rec.Price,
			Status:     models.StatusActive,
			Version:    1,
		}
		return models.OutcomeInserted, nil
	}

	outcome := models.OutcomeUpdated
	if l.Price != nil && rec.Price != nil && *l.Price == *rec.Price {
		outcome = models.OutcomeUnchanged
	}
	if l.Price != nil && rec.Price != nil && *l.Price != *rec.Price {
		s.History = append(s.History, models.PriceChange{
			ListingID: l.ID, OldPrice: *l.Price, NewPrice: *rec.Price, ChangedAt: time.Now(),
		})
		outcome = models.OutcomePriceChanged
	}
	l.Price = rec.Price
	l.Version++
	return outcome, nil
}

// ReconcileCount is safe to poll from another goroutine.
func (s *Store) ReconcileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Reconciled)
}

func (s *Store) Checkpoint(_ context.Context, catalog string) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Checkpoints[catalog], nil
}

func (s *Store) SaveCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cp
	s.Checkpoints[cp.Catalog] = &c
	return nil
}

func (s *Store) ListForStatusCheck(_ context.Context, startID int64, limit int, statuses []models.Status) ([]*models.StatusCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(statuses) == 0 {
		statuses = []models.Status{models.StatusActive, models.StatusUnknown}
	}
	eligible := make(map[models.Status]bool, len(statuses))
	for _, st := range statuses {
		eligible[st] = true
	}

	var out []*models.StatusCandidate
	for _, c := range s.Candidates {
		if c.ID >= startID && eligible[c.Status] && len(out) < limit {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) UpdateStatus(_ context.Context, id int64, status models.Status, soldAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StatusWrites = append(s.StatusWrites, StatusWrite{ID: id, Status: status, SoldAt: soldAt})
	return nil
}

func (s *Store) TouchStatusCheck(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Touches = append(s.Touches, id)
	return nil
}

func (s *Store) StatusSummary(context.Context) (map[models.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[models.Status]int)
	for _, w := range s.StatusWrites {
		out[w.Status]++
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
