package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"carmarket-scraper/models"
)

// Postgres implements Store on top of PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection to PostgreSQL, runs schema bootstrap,
// and returns a ready-to-use store. The ping is retried because the
// database container may still be starting.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.migrate(); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return p, nil
}

// NewPostgresFromDB wraps an existing handle; used by tests.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) migrate() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS listings (
			id                SERIAL PRIMARY KEY,
			listing_url       TEXT        UNIQUE NOT NULL,
			brand             TEXT,
			model             TEXT,
			variant           TEXT,
			ad_info           TEXT,
			location          TEXT,
			price             INTEGER,
			year              INTEGER,
			mileage           INTEGER,
			transmission      TEXT,
			seat_capacity     TEXT,
			images            TEXT[]      NOT NULL DEFAULT '{}',
			status            VARCHAR(16) NOT NULL DEFAULT 'active',
			sold_at           TIMESTAMPTZ,
			version           INTEGER     NOT NULL DEFAULT 1,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_scraped_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_status_check TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS price_history (
			id         SERIAL PRIMARY KEY,
			listing_id INTEGER     NOT NULL REFERENCES listings(id),
			old_price  INTEGER     NOT NULL,
			new_price  INTEGER     NOT NULL,
			changed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS crawl_progress (
			catalog          TEXT PRIMARY KEY,
			last_page        INTEGER     NOT NULL,
			cumulative_count INTEGER     NOT NULL DEFAULT 0,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status);
		CREATE INDEX IF NOT EXISTS idx_listings_brand  ON listings(brand);
		CREATE INDEX IF NOT EXISTS idx_price_history_listing ON price_history(listing_id);
	`)
	return err
}

// Reconcile merges one extracted record into the listings table.
//
// Invariants upheld here: a listing_url is inserted exactly once; version
// increases by exactly 1 on every successful write, including writes where
// nothing but the scrape timestamp changes; a price-history event is
// written if and only if the stored price is non-null and differs from the
// record's, and it commits atomically with the listing update.
func (p *Postgres) Reconcile(ctx context.Context, rec *models.Record) (models.Outcome, error) {
	if !insertable(rec) {
		return models.OutcomeUnchanged, fmt.Errorf("%w: %s needs listing_url and price or brand", ErrRejected, rec.ListingURL)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.OutcomeUnchanged, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id       int64
		oldPrice sql.NullInt64
		version  int
		same     bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, price, version,
		       (brand    IS NOT DISTINCT FROM $2)  AND
		       (model    IS NOT DISTINCT FROM $3)  AND
		       (variant  IS NOT DISTINCT FROM $4)  AND
		       (ad_info  IS NOT DISTINCT FROM $5)  AND
		       (location IS NOT DISTINCT FROM $6)  AND
		       (price    IS NOT DISTINCT FROM $7)  AND
		       (year     IS NOT DISTINCT FROM $8)  AND
		       (mileage  IS NOT DISTINCT FROM $9)  AND
		       (transmission  IS NOT DISTINCT FROM $10) AND
		       (seat_capacity IS NOT DISTINCT FROM $11) AND
		       (images        IS NOT DISTINCT FROM $12) AS same
		FROM listings
		WHERE listing_url = $1
		FOR UPDATE
	`, rec.ListingURL,
		rec.Brand, rec.Model, rec.Variant, rec.AdInfo, rec.Location,
		rec.Price, rec.Year, rec.Mileage, rec.Transmission, rec.SeatCapacity,
		imageArray(rec.Images),
	).Scan(&id, &oldPrice, &version, &same)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO listings (
				listing_url, brand, model, variant, ad_info, location,
				price, year, mileage, transmission, seat_capacity, images,
				status, version, created_at, last_scraped_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1,NOW(),NOW())
		`, rec.ListingURL,
			rec.Brand, rec.Model, rec.Variant, rec.AdInfo, rec.Location,
			rec.Price, rec.Year, rec.Mileage, rec.Transmission, rec.SeatCapacity,
			imageArray(rec.Images), models.StatusActive,
		)
		if err != nil {
			return models.OutcomeUnchanged, fmt.Errorf("postgres: insert listing: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return models.OutcomeUnchanged, fmt.Errorf("postgres: commit insert: %w", err)
		}
		return models.OutcomeInserted, nil

	case err != nil:
		return models.OutcomeUnchanged, fmt.Errorf("postgres: lookup %s: %w", rec.ListingURL, err)
	}

	outcome := models.OutcomeUpdated
	if same {
		outcome = models.OutcomeUnchanged
	}

	priceChanged := oldPrice.Valid && rec.Price != nil && int(oldPrice.Int64) != *rec.Price
	if priceChanged {
		// History before the row update, inside the same tx, so a crash
		// can never lose the price transition.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO price_history (listing_id, old_price, new_price)
			VALUES ($1, $2, $3)
		`, id, oldPrice.Int64, *rec.Price)
		if err != nil {
			return models.OutcomeUnchanged, fmt.Errorf("postgres: insert price history: %w", err)
		}
		outcome = models.OutcomePriceChanged
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE listings
		SET brand=$1, model=$2, variant=$3, ad_info=$4, location=$5,
		    price=$6, year=$7, mileage=$8, transmission=$9, seat_capacity=$10,
		    images=$11, version=version+1, last_scraped_at=NOW()
		WHERE id=$12 AND version=$13
	`, rec.Brand, rec.Model, rec.Variant, rec.AdInfo, rec.Location,
		rec.Price, rec.Year, rec.Mileage, rec.Transmission, rec.SeatCapacity,
		imageArray(rec.Images), id, version,
	)
	if err != nil {
		return models.OutcomeUnchanged, fmt.Errorf("postgres: update listing: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.OutcomeUnchanged, ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return models.OutcomeUnchanged, fmt.Errorf("postgres: commit update: %w", err)
	}
	return outcome, nil
}

// insertable enforces the minimum a record needs: its identity plus at
// least one anchor field. Partial data is kept otherwise.
func insertable(rec *models.Record) bool {
	return rec != nil && rec.ListingURL != "" && (rec.Price != nil || rec.Brand != nil)
}

// imageArray maps a nil image list to the empty array so it compares and
// stores consistently with the column's '{}' default.
func imageArray(images []string) pq.StringArray {
	if images == nil {
		images = []string{}
	}
	return pq.StringArray(images)
}

// Checkpoint returns the crawl cursor for a catalog, or nil if none.
func (p *Postgres) Checkpoint(ctx context.Context, catalog string) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{Catalog: catalog}
	err := p.db.QueryRowContext(ctx, `
		SELECT last_page, cumulative_count, updated_at
		FROM crawl_progress
		WHERE catalog = $1
	`, catalog).Scan(&cp.LastPage, &cp.CumulativeCount, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load checkpoint %s: %w", catalog, err)
	}
	return cp, nil
}

// SaveCheckpoint upserts the crawl cursor after each completed page.
func (p *Postgres) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO crawl_progress (catalog, last_page, cumulative_count, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (catalog) DO UPDATE
		SET last_page = EXCLUDED.last_page,
		    cumulative_count = EXCLUDED.cumulative_count,
		    updated_at = NOW()
	`, cp.Catalog, cp.LastPage, cp.CumulativeCount)
	if err != nil {
		return fmt.Errorf("postgres: save checkpoint %s: %w", cp.Catalog, err)
	}
	return nil
}

// ListForStatusCheck returns sweep candidates oldest-id-first. An empty
// statuses list defaults to active and unknown.
func (p *Postgres) ListForStatusCheck(ctx context.Context, startID int64, limit int, statuses []models.Status) ([]*models.StatusCandidate, error) {
	if len(statuses) == 0 {
		statuses = []models.Status{models.StatusActive, models.StatusUnknown}
	}
	names := make(pq.StringArray, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, listing_url, status
		FROM listings
		WHERE status = ANY($2) AND id >= $1
		ORDER BY id
		LIMIT $3
	`, startID, names, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list for status check: %w", err)
	}
	defer rows.Close()

	var out []*models.StatusCandidate
	for rows.Next() {
		c := &models.StatusCandidate{}
		if err := rows.Scan(&c.ID, &c.ListingURL, &c.Status); err != nil {
			return nil, fmt.Errorf("postgres: scan status candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateStatus applies a lifecycle transition and stamps the visit.
// sold_at is sticky: the first sold observation sets it and later writes
// never clear it.
func (p *Postgres) UpdateStatus(ctx context.Context, id int64, status models.Status, soldAt *time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE listings
		SET status = $1, sold_at = COALESCE(sold_at, $2),
		    last_scraped_at = NOW(), last_status_check = NOW()
		WHERE id = $3
	`, status, soldAt, id)
	if err != nil {
		return fmt.Errorf("postgres: update status id=%d: %w", id, err)
	}
	return nil
}

// TouchStatusCheck stamps a visit that confirmed the current status.
func (p *Postgres) TouchStatusCheck(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE listings
		SET last_scraped_at = NOW(), last_status_check = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("postgres: touch status check id=%d: %w", id, err)
	}
	return nil
}

// StatusSummary returns listing counts grouped by lifecycle status.
func (p *Postgres) StatusSummary(ctx context.Context) (map[models.Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM listings GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: status summary: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Status]int)
	for rows.Next() {
		var s models.Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan summary: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
