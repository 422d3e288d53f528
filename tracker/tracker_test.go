package tracker

import (
	"context"
	"errors"
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
	fetches int
	closed  bool
}

func (d *fakeDriver) Navigate(context.Context, string) (*browser.Page, error) {
	d.fetches++
	return &browser.Page{}, nil
}
func (d *fakeDriver) Eval(string, interface{}) error { return nil }

func (d *fakeDriver) VerifyEgressIP(context.Context) (string, error) { return "203.0.113.7", nil }

func (d *fakeDriver) Fetches() int { return d.fetches }

func (d *fakeDriver) Exhausted() bool { return false }

func (d *fakeDriver) Close() { d.closed = true }

// scriptedProber returns the queued results per URL, in order.
type scriptedProber struct {
	results map[string][]probeResult
}

type probeResult struct {
	ev  *Evidence
	err error
}

func (p *scriptedProber) Probe(_ context.Context, _ browser.Driver, url string) (*Evidence, error) {
	q := p.results[url]
	if len(q) == 0 {
		return nil, errors.New("no scripted result for " + url)
	}
	r := q[0]
	p.results[url] = q[1:]
	return r.ev, r.err
}

func testConfig() *config.Config {
	return &config.Config{
		BatchSize:    25,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}
}

func newFactory() (browser.Factory, *int) {
	opened := 0
	return func() (browser.Driver, error) {
		opened++
		return &fakeDriver{}, nil
	}, &opened
}

func TestSweepMarksSoldWithTimestamp(t *testing.T) {
	store := storagetest.New()
	store.Candidates = []*models.StatusCandidate{
		{ID: 1, ListingURL: "https://example.my/car/a", Status: models.StatusActive},
	}
	prober := &scriptedProber{results: map[string][]probeResult{
		"https://example.my/car/a": {{ev: &Evidence{SoldHeading: true, ActiveHeading: true}}},
	}}
	factory, _ := newFactory()

	tr := New(testConfig(), utils.NewLogger(), store, prober, factory)
	report, err := tr.Sweep(context.Background(), 1, nil)
	require.NoError(t, err)

	require.Len(t, store.StatusWrites, 1)
	w := store.StatusWrites[0]
	assert.Equal(t, models.StatusSold, w.Status)
	require.NotNil(t, w.SoldAt, "sold status must carry sold_at")
	assert.Equal(t, 1, report.Updated)
}

func TestSweepSoldTextFallbackWithoutStructure(t *testing.T) {
	store := storagetest.New()
	store.Candidates = []*models.StatusCandidate{
		{ID: 4, ListingURL: "https://example.my/car/d", Status: models.StatusActive},
	}
	prober := &scriptedProber{results: map[string][]probeResult{
		"https://example.my/car/d": {{ev: &Evidence{SoldTextInBody: true}}},
	}}
	factory, _ := newFactory()

	tr := New(testConfig(), utils.NewLogger(), store, prober, factory)
	_, err := tr.Sweep(context.Background(), 1, nil)
	require.NoError(t, err)

	require.Len(t, store.StatusWrites, 1)
	assert.Equal(t, models.StatusSold, store.StatusWrites[0].Status)
	assert.NotNil(t, store.StatusWrites[0].SoldAt)
}

func TestSweepRetriesThenReactivates(t *testing.T) {
	store := storagetest.New()
	store.Candidates = []*models.StatusCandidate{
		{ID: 2, ListingURL: "https://example.my/car/b", Status: models.StatusUnknown},
	}
	prober := &scriptedProber{results: map[string][]probeResult{
		"https://example.my/car/b": {
			{err: errors.New("navigation timeout")},
			{ev: &Evidence{ActiveHeading: true}},
		},
	}}
	factory, opened := newFactory()

	tr := New(testConfig(), utils.NewLogger(), store, prober, factory)
	report, err := tr.Sweep(context.Background(), 1, nil)
	require.NoError(t, err)

	// One write back to active, through a fresh session on the retry.
	require.Len(t, store.StatusWrites, 1)
	assert.Equal(t, models.StatusActive, store.StatusWrites[0].Status)
	assert.Nil(t, store.StatusWrites[0].SoldAt)
	assert.GreaterOrEqual(t, *opened, 2, "retry should replace the session")
	assert.Equal(t, 1, report.Updated)
}

func TestSweepActiveListingGetsTouchOnly(t *testing.T) {
	store := storagetest.New()
	store.Candidates = []*models.StatusCandidate{
		{ID: 3, ListingURL: "https://example.my/car/c", Status: models.StatusActive},
	}
	prober := &scriptedProber{results: map[string][]probeResult{
		"https://example.my/car/c": {{ev: &Evidence{ActiveHeading: true}}},
	}}
	factory, _ := newFactory()

	tr := New(testConfig(), utils.NewLogger(), store, prober, factory)
	report, err := tr.Sweep(context.Background(), 1, nil)
	require.NoError(t, err)

	assert.Empty(t, store.StatusWrites)
	assert.Equal(t, []int64{3}, store.Touches)
	assert.Equal(t, 1, report.Unchanged)
}

func TestSweepStatusFilterRestrictsCandidates(t *testing.T) {
	store := storagetest.New()
	store.Candidates = []*models.StatusCandidate{
		{ID: 1, ListingURL: "https://example.my/car/a", Status: models.StatusActive},
		{ID: 2, ListingURL: "https://example.my/car/b", Status: models.StatusUnknown},
	}
	prober := &scriptedProber{results: map[string][]probeResult{
		"https://example.my/car/b": {{ev: &Evidence{ActiveHeading: true}}},
	}}
	factory, _ := newFactory()

	tr := New(testConfig(), utils.NewLogger(), store, prober, factory)
	report, err := tr.Sweep(context.Background(), 1, []models.Status{models.StatusUnknown})
	require.NoError(t, err)

	// Only the unknown listing is visited; the active one is untouched.
	require.Len(t, store.StatusWrites, 1)
	assert.Equal(t, int64(2), store.StatusWrites[0].ID)
	assert.Equal(t, models.StatusActive, store.StatusWrites[0].Status)
	assert.Empty(t, store.Touches)
	assert.Equal(t, 1, report.Updated)
}

func TestSweepExhaustedRetriesMarksUnknown(t *testing.T) {
	store := storagetest.New()
	store.Candidates = []*models.StatusCandidate{
		{ID: 5, ListingURL: "https://example.my/car/e", Status: models.StatusActive},
	}
	prober := &scriptedProber{results: map[string][]probeResult{
		"https://example.my/car/e": {
			{err: errors.New("timeout")},
			{err: errors.New("timeout")},
			{err: errors.New("timeout")},
		},
	}}
	factory, _ := newFactory()

	tr := New(testConfig(), utils.NewLogger(), store, prober, factory)
	report, err := tr.Sweep(context.Background(), 1, nil)
	require.NoError(t, err)

	require.Len(t, store.StatusWrites, 1)
	assert.Equal(t, models.StatusUnknown, store.StatusWrites[0].Status)
	assert.Equal(t, 1, report.Failed)
}
