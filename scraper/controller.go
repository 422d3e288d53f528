package scraper

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"carmarket-scraper/browser"
	"carmarket-scraper/config"
	"carmarket-scraper/models"
	"carmarket-scraper/services"
	"carmarket-scraper/storage"
	"carmarket-scraper/utils"
)

var pageNumberRegexp = regexp.MustCompile(`(page_number=)\d+`)

// PageURL rewrites a catalog base URL to point at the given page.
func PageURL(base string, page int) string {
	if pageNumberRegexp.MatchString(base) {
		return pageNumberRegexp.ReplaceAllString(base, fmt.Sprintf("${1}%d", page))
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%spage_number=%d", base, sep, page)
}

// Controller drives the discovery crawl: one catalog at a time, pages in
// increasing order, detail URLs in extraction order. Fetches are strictly
// sequential within a catalog; concurrency across catalogs happens by
// running independent worker processes.
type Controller struct {
	cfg        *config.Config
	logger     *utils.Logger
	store      storage.Store
	extractor  PageExtractor
	normalizer *services.Normalizer
	sessions   browser.Factory
}

// NewController wires a crawl controller from its collaborators.
func NewController(cfg *config.Config, logger *utils.Logger, store storage.Store,
	extractor PageExtractor, sessions browser.Factory) *Controller {
	return &Controller{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		extractor:  extractor,
		normalizer: services.NewNormalizer(logger),
		sessions:   sessions,
	}
}

// CrawlAll walks every catalog in order. startBrand, when non-empty, skips
// catalogs until that brand; startPage overrides the resume cursor for the
// first crawled catalog only. Cancellation via ctx is cooperative: the
// in-flight fetch finishes, the checkpoint stands, and the walk returns.
func (c *Controller) CrawlAll(ctx context.Context, catalogs []models.Catalog, startBrand string, startPage int) *models.RunReport {
	report := &models.RunReport{}

	started := startBrand == ""
	first := true
	for _, cat := range catalogs {
		if !started {
			if !strings.EqualFold(cat.Brand, startBrand) {
				continue
			}
			started = true
		}

		if ctx.Err() != nil {
			break
		}

		// Only the entry catalog honours the page override.
		sp := 0
		if first {
			sp = startPage
			first = false
		}

		c.logger.Info("[crawl] starting catalog %s", cat.Brand)
		if err := c.CrawlCatalog(ctx, cat, sp, report); err != nil {
			c.logger.Error("[crawl] catalog %s aborted: %v", cat.Brand, err)
		}

		// Courtesy pause between catalogs.
		if ctx.Err() == nil {
			c.logger.Info("[crawl] catalog %s done — long pause before next", cat.Brand)
			_ = utils.SleepJitter(ctx, c.cfg.LongPause.Min, c.cfg.LongPause.Max)
		}
	}

	return report
}

// CrawlCatalog walks one catalog until exhaustion or cancellation.
// Un-walkable pages abandon the catalog, never the worker.
func (c *Controller) CrawlCatalog(ctx context.Context, cat models.Catalog, startPage int, report *models.RunReport) error {
	page := startPage
	cumulative := 0
	if page <= 0 {
		page = 1
		cp, err := c.store.Checkpoint(ctx, cat.Brand)
		if err != nil {
			c.logger.Warn("[crawl] %s: checkpoint load failed, starting from page 1: %v", cat.Brand, err)
		} else if cp != nil {
			page = cp.LastPage + 1
			cumulative = cp.CumulativeCount
			c.logger.Info("[crawl] %s: resuming from page %d (%d listings so far)", cat.Brand, page, cumulative)
		}
	}

	sess, err := c.sessions()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() { sess.Close() }()

	visited := utils.NewURLSet()
	retry := c.retrier(&sess)

	for {
		if ctx.Err() != nil {
			return nil
		}

		pageURL := PageURL(cat.BaseURL, page)
		c.logger.Info("[crawl] %s page %d: %s", cat.Brand, page, pageURL)

		var links []string
		err := retry.Do(ctx, fmt.Sprintf("%s page %d", cat.Brand, page), func() error {
			ls, err := c.extractor.DetailLinks(ctx, sess, pageURL)
			if err != nil {
				return err
			}
			links = ls
			return nil
		})
		if err != nil {
			c.logger.Error("[crawl] %s: page %d unreachable, abandoning catalog: %v", cat.Brand, page, err)
			return nil
		}

		// Exhaustion is decided on the raw link list: a page can consist
		// entirely of promoted placements seen on earlier pages, and that
		// still means the catalog continues.
		if len(links) == 0 {
			c.logger.Info("[crawl] %s: no listings on page %d — catalog exhausted", cat.Brand, page)
			return nil
		}
		report.Pages++

		unique := dedupOrdered(links, visited)
		if len(unique) == 0 {
			c.logger.Info("[crawl] %s page %d: all %d listings already seen", cat.Brand, page, len(links))
		} else {
			c.logger.Info("[crawl] %s page %d: %d unique listings", cat.Brand, page, len(unique))
		}

		for _, url := range unique {
			if ctx.Err() != nil {
				return nil
			}

			if sess.Exhausted() {
				c.logger.Info("[crawl] batch of %d fetches done — recycling session", sess.Fetches())
				c.replaceSession(&sess)
			}

			var raw *models.RawDetail
			err := retry.Do(ctx, "detail "+url, func() error {
				r, err := c.extractor.Extract(ctx, sess, url)
				if errors.Is(err, ErrNotFound) {
					// Terminal for this URL; retrying cannot help.
					return nil
				}
				if err != nil {
					return err
				}
				raw = r
				return nil
			})
			if err != nil || raw == nil {
				if err != nil {
					c.logger.Warn("[crawl] abandoning %s: %v", url, err)
				} else {
					c.logger.Warn("[crawl] %s gone from catalog, skipping", url)
				}
				report.Failed++
				continue
			}

			rec := c.normalizer.Normalize(raw)
			outcome, err := c.store.Reconcile(ctx, rec)
			if err != nil {
				c.logger.Error("[crawl] reconcile %s: %v", url, err)
				report.Failed++
			} else {
				report.Count(outcome)
				cumulative++
				c.logger.Info("[crawl] %s → %s", url, outcome)

				if c.cfg.LongPauseEvery > 0 && cumulative%c.cfg.LongPauseEvery == 0 {
					c.logger.Info("[crawl] %d listings traversed — taking a long pause", cumulative)
					if utils.SleepJitter(ctx, c.cfg.LongPause.Min, c.cfg.LongPause.Max) != nil {
						return nil
					}
				}
			}

			if utils.SleepJitter(ctx, c.cfg.DetailDelay.Min, c.cfg.DetailDelay.Max) != nil {
				return nil
			}
		}

		cp := &models.Checkpoint{Catalog: cat.Brand, LastPage: page, CumulativeCount: cumulative}
		if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
			c.logger.Error("[crawl] %s: checkpoint save failed: %v", cat.Brand, err)
		}

		page++
		if utils.SleepJitter(ctx, c.cfg.PageDelay.Min, c.cfg.PageDelay.Max) != nil {
			return nil
		}
	}
}

// retrier builds the shared retry policy: bounded attempts, and a fresh
// session identity between attempts so a blocked or wedged session is
// never reused for the retry.
func (c *Controller) retrier(sess *browser.Driver) *utils.RetryConfig {
	return &utils.RetryConfig{
		MaxAttempts: c.cfg.MaxRetries,
		BaseDelay:   c.cfg.RetryBackoff,
		Logger:      c.logger,
		OnRetry: func(error) {
			c.replaceSession(sess)
		},
	}
}

// replaceSession swaps in a new browser session with a new proxy identity.
// The old session stays up until the replacement exists, so a factory
// failure leaves the crawl degraded but alive.
func (c *Controller) replaceSession(sess *browser.Driver) {
	ns, err := c.sessions()
	if err != nil {
		c.logger.Error("[crawl] session replacement failed, keeping current session: %v", err)
		return
	}
	(*sess).Close()
	*sess = ns
}

// dedupOrdered filters duplicates while preserving extraction order. The
// visited set spans the whole catalog walk, so a listing promoted onto
// several pages is fetched once.
func dedupOrdered(links []string, visited *utils.URLSet) []string {
	out := make([]string, 0, len(links))
	for _, l := range links {
		if visited.Add(l) {
			out = append(out, l)
		}
	}
	return out
}
