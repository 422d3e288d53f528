package scraper

import (
	"context"
	"errors"

	"carmarket-scraper/browser"
	"carmarket-scraper/models"
)

// ErrBlocked is returned when a page turned out to be an anti-bot
// challenge. The caller replaces the session (fresh proxy identity) and
// retries the same URL once before abandoning it.
var ErrBlocked = errors.New("scraper: blocked by anti-bot challenge")

// ErrNotFound is returned when the target page no longer exists.
var ErrNotFound = errors.New("scraper: page not found")

// PageExtractor turns loaded pages into structured data. The selector
// logic behind it is site-specific and injected; the controller only sees
// raw details or the sentinel failures above.
type PageExtractor interface {
	// DetailLinks loads one paginated catalog page and returns the detail
	// URLs it advertises, in page order, duplicates included.
	DetailLinks(ctx context.Context, sess browser.Driver, pageURL string) ([]string, error)

	// Extract loads one detail page and returns its raw fields.
	Extract(ctx context.Context, sess browser.Driver, detailURL string) (*models.RawDetail, error)
}
