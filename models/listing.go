package models

import "time"

// Status is the lifecycle state of a tracked listing.
type Status string

const (
	StatusActive   Status = "active"
	StatusSold     Status = "sold"
	StatusUnknown  Status = "unknown"
	StatusNotFound Status = "not_found"
)

// RawDetail holds unprocessed strings pulled off a detail page by the
// site extractor, before any normalization.
type RawDetail struct {
	ListingURL   string
	Brand        string
	Model        string
	Variant      string
	AdInfo       string
	Location     string
	PriceRaw     string
	YearRaw      string
	MileageRaw   string
	Transmission string
	SeatCapacity string
	Images       []string
}

// Record holds one detail-page extraction before persistence. Fields the
// extractor could not resolve stay nil; a Record is accepted for storage as
// long as ListingURL plus at least one anchor field (price or brand) is set.
type Record struct {
	ListingURL   string
	Brand        *string
	Model        *string
	Variant      *string
	AdInfo       *string
	Location     *string
	Price        *int
	Year         *int
	Mileage      *int
	Transmission *string
	SeatCapacity *string
	Images       []string
	ScrapedAt    time.Time
}

// Listing is the persisted row for one tracked classified ad.
type Listing struct {
	ID              int64
	ListingURL      string
	Brand           *string
	Model           *string
	Variant         *string
	AdInfo          *string
	Location        *string
	Price           *int
	Year            *int
	Mileage         *int
	Transmission    *string
	SeatCapacity    *string
	Images          []string
	Status          Status
	SoldAt          *time.Time
	Version         int
	CreatedAt       time.Time
	LastScrapedAt   time.Time
	LastStatusCheck *time.Time
}

// PriceChange is one append-only price-history event.
type PriceChange struct {
	ID        int64
	ListingID int64
	OldPrice  int
	NewPrice  int
	ChangedAt time.Time
}

// Checkpoint is the per-catalog crawl cursor used for resume.
type Checkpoint struct {
	Catalog         string
	LastPage        int
	CumulativeCount int
	UpdatedAt       time.Time
}

// Catalog is one source collection to crawl: a brand name plus the
// paginated listing URL template for that brand.
type Catalog struct {
	Brand   string
	BaseURL string
}

// StatusCandidate is the slim projection the lifecycle sweep works from.
type StatusCandidate struct {
	ID         int64
	ListingURL string
	Status     Status
}
