package scraper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carmarket-scraper/browser"
	"carmarket-scraper/config"
	"carmarket-scraper/models"
	"carmarket-scraper/storage/storagetest"
	"carmarket-scraper/utils"
)

type fakeDriver struct {
	batchSize int
	fetches   int
	closed    bool
}

func (d *fakeDriver) Navigate(context.Context, string) (*browser.Page, error) {
	d.fetches++
	return &browser.Page{}, nil
}
func (d *fakeDriver) Eval(string, interface{}) error { return nil }

func (d *fakeDriver) VerifyEgressIP(context.Context) (string, error) { return "203.0.113.7", nil }

func (d *fakeDriver) Fetches() int { return d.fetches }

func (d *fakeDriver) Exhausted() bool { return d.batchSize > 0 && d.fetches >= d.batchSize }

func (d *fakeDriver) Close() { d.closed = true }

// fakeExtractor serves canned pages: pages[pageURL] lists detail URLs, and
// details[url] is the raw detail (nil meaning extraction failure).
type fakeExtractor struct {
	pages       map[string][]string
	details     map[string]*models.RawDetail
	detailErrs  map[string][]error
	pageVisits  []string
	extractions []string
}

func (f *fakeExtractor) DetailLinks(_ context.Context, sess browser.Driver, pageURL string) ([]string, error) {
	_, _ = sess.Navigate(context.Background(), pageURL)
	f.pageVisits = append(f.pageVisits, pageURL)
	return f.pages[pageURL], nil
}

func (f *fakeExtractor) Extract(_ context.Context, sess browser.Driver, url string) (*models.RawDetail, error) {
	if q := f.detailErrs[url]; len(q) > 0 {
		err := q[0]
		f.detailErrs[url] = q[1:]
		if err != nil {
			return nil, err
		}
	}
	_, _ = sess.Navigate(context.Background(), url)
	f.extractions = append(f.extractions, url)
	if d, ok := f.details[url]; ok {
		return d, nil
	}
	return &models.RawDetail{ListingURL: url, Brand: "Honda", PriceRaw: "RM 50,000"}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		BatchSize:    100,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}
}

func newController(cfg *config.Config, store *storagetest.Store, ex PageExtractor, batchSize int) (*Controller, *int) {
	opened := 0
	factory := func() (browser.Driver, error) {
		opened++
		return &fakeDriver{batchSize: batchSize}, nil
	}
	return NewController(cfg, utils.NewLogger(), store, ex, factory), &opened
}

func TestPageURLRewritesPageNumber(t *testing.T) {
	assert.Equal(t,
		"https://example.my/cars/honda?page_number=7",
		PageURL("https://example.my/cars/honda?page_number=1", 7))
	assert.Equal(t,
		"https://example.my/cars/honda?page_number=3",
		PageURL("https://example.my/cars/honda", 3))
	assert.Equal(t,
		"https://example.my/cars?brand=honda&page_number=2",
		PageURL("https://example.my/cars?brand=honda", 2))
}

func TestCrawlCatalogStopsOnEmptyPage(t *testing.T) {
	store := storagetest.New()
	ex := &fakeExtractor{
		pages: map[string][]string{
			"https://example.my/h?page_number=1": {"https://example.my/car/a", "https://example.my/car/b"},
			"https://example.my/h?page_number=2": {},
		},
	}
	ctrl, _ := newController(testConfig(), store, ex, 0)

	report := &models.RunReport{}
	err := ctrl.CrawlCatalog(context.Background(), models.Catalog{Brand: "Honda", BaseURL: "https://example.my/h?page_number=1"}, 0, report)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Pages)
	assert.Equal(t, 2, report.Inserted)
	assert.Len(t, store.Listings, 2)

	// Exhaustion leaves the checkpoint at the last page that had content.
	cp := store.Checkpoints["Honda"]
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.LastPage)
	assert.Equal(t, 2, cp.CumulativeCount)
}

func TestCrawlCatalogDeduplicatesPromotedListings(t *testing.T) {
	store := storagetest.New()
	ex := &fakeExtractor{
		pages: map[string][]string{
			"https://example.my/h?page_number=1": {
				"https://example.my/car/a",
				"https://example.my/car/b",
				"https://example.my/car/a", // promoted duplicate
			},
			"https://example.my/h?page_number=2": {
				"https://example.my/car/b", // repeated across pages
				"https://example.my/car/c",
			},
			"https://example.my/h?page_number=3": {},
		},
	}
	ctrl, _ := newController(testConfig(), store, ex, 0)

	report := &models.RunReport{}
	err := ctrl.CrawlCatalog(context.Background(), models.Catalog{Brand: "Honda", BaseURL: "https://example.my/h?page_number=1"}, 0, report)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://example.my/car/a",
		"https://example.my/car/b",
		"https://example.my/car/c",
	}, ex.extractions, "each listing fetched once, in extraction order")
}

func TestCrawlCatalogAllDuplicatePageDoesNotEndCatalog(t *testing.T) {
	store := storagetest.New()
	ex := &fakeExtractor{
		pages: map[string][]string{
			"https://example.my/h?page_number=1": {"https://example.my/car/a", "https://example.my/car/b"},
			"https://example.my/h?page_number=2": {"https://example.my/car/b", "https://example.my/car/a"},
			"https://example.my/h?page_number=3": {"https://example.my/car/c"},
			"https://example.my/h?page_number=4": {},
		},
	}
	ctrl, _ := newController(testConfig(), store, ex, 0)

	report := &models.RunReport{}
	err := ctrl.CrawlCatalog(context.Background(), models.Catalog{Brand: "Honda", BaseURL: "https://example.my/h?page_number=1"}, 0, report)
	require.NoError(t, err)

	// Page 2 repeats page 1's listings; the walk must still reach page 3.
	assert.Contains(t, ex.pageVisits, "https://example.my/h?page_number=3")
	assert.Equal(t, []string{
		"https://example.my/car/a",
		"https://example.my/car/b",
		"https://example.my/car/c",
	}, ex.extractions)
	assert.Equal(t, 3, report.Pages)

	cp := store.Checkpoints["Honda"]
	require.NotNil(t, cp)
	assert.Equal(t, 3, cp.LastPage)
}

func TestCrawlCatalogResumesFromCheckpoint(t *testing.T) {
	store := storagetest.New()
	store.Checkpoints["Honda"] = &models.Checkpoint{Catalog: "Honda", LastPage: 4, CumulativeCount: 90}
	ex := &fakeExtractor{
		pages: map[string][]string{
			"https://example.my/h?page_number=5": {"https://example.my/car/z"},
			"https://example.my/h?page_number=6": {},
		},
	}
	ctrl, _ := newController(testConfig(), store, ex, 0)

	report := &models.RunReport{}
	err := ctrl.CrawlCatalog(context.Background(), models.Catalog{Brand: "Honda", BaseURL: "https://example.my/h?page_number=1"}, 0, report)
	require.NoError(t, err)

	require.NotEmpty(t, ex.pageVisits)
	assert.Equal(t, "https://example.my/h?page_number=5", ex.pageVisits[0], "resume starts at checkpoint+1")

	cp := store.Checkpoints["Honda"]
	assert.Equal(t, 5, cp.LastPage)
	assert.Equal(t, 91, cp.CumulativeCount, "cumulative count carries across runs")
}

func TestCrawlCatalogExplicitStartPageOverridesCheckpoint(t *testing.T) {
	store := storagetest.New()
	store.Checkpoints["Honda"] = &models.Checkpoint{Catalog: "Honda", LastPage: 4, CumulativeCount: 90}
	ex := &fakeExtractor{
		pages: map[string][]string{
			"https://example.my/h?page_number=2": {},
		},
	}
	ctrl, _ := newController(testConfig(), store, ex, 0)

	err := ctrl.CrawlCatalog(context.Background(), models.Catalog{Brand: "Honda", BaseURL: "https://example.my/h?page_number=1"}, 2, &models.RunReport{})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.my/h?page_number=2"}, ex.pageVisits)
}

func TestCrawlCatalogBlockedDetailRetriesWithFreshSession(t *testing.T) {
	store := storagetest.New()
	ex := &fakeExtractor{
		pages: map[string][]string{
			"https://example.my/h?page_number=1": {"https://example.my/car/a"},
			"https://example.my/h?page_number=2": {},
		},
		detailErrs: map[string][]error{
			"https://example.my/car/a": {ErrBlocked},
		},
	}
	ctrl, opened := newController(testConfig(), store, ex, 0)

	report := &models.RunReport{}
	err := ctrl.CrawlCatalog(context.Background(), models.Catalog{Brand: "Honda", BaseURL: "https://example.my/h?page_number=1"}, 0, report)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Inserted, "blocked URL succeeds on retry")
	assert.GreaterOrEqual(t, *opened, 2, "block must force a session replacement")
}

func TestCrawlCatalogAbandonsRepeatedlyBlockedURL(t *testing.T) {
	store := storagetest.New()
	ex := &fakeExtractor{
		pages: map[string][]string{
			"https://example.my/h?page_number=1": {"https://example.my/car/a"},
			"https://example.my/h?page_number=2": {},
		},
		detailErrs: map[string][]error{
			"https://example.my/car/a": {ErrBlocked, ErrBlocked, ErrBlocked},
		},
	}
	ctrl, _ := newController(testConfig(), store, ex, 0)

	report := &models.RunReport{}
	err := ctrl.CrawlCatalog(context.Background(), models.Catalog{Brand: "Honda", BaseURL: "https://example.my/h?page_number=1"}, 0, report)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, store.Listings)
}

func TestCrawlCatalogSkipsVanishedListing(t *testing.T) {
	store := storagetest.New()
	ex := &fakeExtractor{
		pages: map[string][]string{
			"https://example.my/h?page_number=1": {"https://example.my/car/gone", "https://example.my/car/a"},
			"https://example.my/h?page_number=2": {},
		},
		detailErrs: map[string][]error{
			"https://example.my/car/gone": {ErrNotFound},
		},
	}
	ctrl, _ := newController(testConfig(), store, ex, 0)

	report := &models.RunReport{}
	err := ctrl.CrawlCatalog(context.Background(), models.Catalog{Brand: "Honda", BaseURL: "https://example.my/h?page_number=1"}, 0, report)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Inserted, "walk continues past the dead URL")
}

func TestCrawlCatalogRecyclesSessionAtBatchBoundary(t *testing.T) {
	store := storagetest.New()
	ex := &fakeExtractor{
		pages: map[string][]string{
			"https://example.my/h?page_number=1": {
				"https://example.my/car/a",
				"https://example.my/car/b",
				"https://example.my/car/c",
			},
			"https://example.my/h?page_number=2": {},
		},
	}
	// Each session allows 2 fetches before Exhausted reports true.
	ctrl, opened := newController(testConfig(), store, ex, 2)

	err := ctrl.CrawlCatalog(context.Background(), models.Catalog{Brand: "Honda", BaseURL: "https://example.my/h?page_number=1"}, 0, &models.RunReport{})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, *opened, 2, "batch threshold must recycle the session")
	assert.Len(t, store.Listings, 3)
}

func TestCrawlCatalogStopsCooperatively(t *testing.T) {
	store := storagetest.New()
	ctx, cancel := context.WithCancel(context.Background())

	ex := &fakeExtractor{
		pages: map[string][]string{
			"https://example.my/h?page_number=1": {"https://example.my/car/a", "https://example.my/car/b"},
		},
	}
	// Cancel as soon as the first detail extraction happens.
	ex.details = map[string]*models.RawDetail{}
	ctrl, _ := newController(testConfig(), store, ex, 0)

	go func() {
		for store.ReconcileCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	err := ctrl.CrawlCatalog(ctx, models.Catalog{Brand: "Honda", BaseURL: "https://example.my/h?page_number=1"}, 0, &models.RunReport{})
	require.NoError(t, err, "cancellation is a clean stop, not an error")
	assert.LessOrEqual(t, len(store.Reconciled), 2)
}
