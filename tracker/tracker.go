package tracker

import (
	"context"
	"fmt"
	"time"

	"carmarket-scraper/browser"
	"carmarket-scraper/config"
	"carmarket-scraper/models"
	"carmarket-scraper/storage"
	"carmarket-scraper/utils"
)

// Tracker runs the lifecycle sweep: it re-visits already-persisted
// listings whose status is active or unknown, oldest-id-first, and applies
// the status state machine per visit. It is independent of the discovery
// crawl and shares only the session/proxy machinery with it.
type Tracker struct {
	cfg      *config.Config
	logger   *utils.Logger
	store    storage.Store
	prober   Prober
	sessions browser.Factory
}

func New(cfg *config.Config, logger *utils.Logger, store storage.Store,
	prober Prober, sessions browser.Factory) *Tracker {
	return &Tracker{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		prober:   prober,
		sessions: sessions,
	}
}

// Sweep processes listings in session-bound batches starting at startID.
// statuses restricts which lifecycle states are revisited; empty means
// active and unknown. Every visited listing ends with either a status
// write or an explicit skip log, so sweep completeness stays auditable.
func (t *Tracker) Sweep(ctx context.Context, startID int64, statuses []models.Status) (*models.RunReport, error) {
	report := &models.RunReport{}

	id := startID
	if id < 1 {
		id = 1
	}

	for {
		if ctx.Err() != nil {
			break
		}

		batch, err := t.store.ListForStatusCheck(ctx, id, t.cfg.BatchSize, statuses)
		if err != nil {
			return report, fmt.Errorf("tracker: load batch from id %d: %w", id, err)
		}
		if len(batch) == 0 {
			break
		}

		// One session per batch: the recycle boundary and the query limit
		// are the same number.
		sess, err := t.sessions()
		if err != nil {
			return report, fmt.Errorf("tracker: open session: %w", err)
		}

		retry := &utils.RetryConfig{
			MaxAttempts: t.cfg.MaxRetries,
			BaseDelay:   t.cfg.RetryBackoff,
			Logger:      t.logger,
			OnRetry: func(error) {
				t.replaceSession(&sess)
			},
		}

		for _, cand := range batch {
			if ctx.Err() != nil {
				break
			}
			t.checkOne(ctx, retry, &sess, cand, report)

			if utils.SleepJitter(ctx, t.cfg.PageDelay.Min, t.cfg.PageDelay.Max) != nil {
				break
			}
		}

		sess.Close()
		id = batch[len(batch)-1].ID + 1
	}

	if counts, err := t.store.StatusSummary(ctx); err != nil {
		t.logger.Warn("[tracker] status summary unavailable: %v", err)
	} else {
		report.StatusCounts = counts
	}

	t.logger.Info("[tracker] sweep finished — %d checked, %d failed", report.Total(), report.Failed)
	return report, nil
}

func (t *Tracker) checkOne(ctx context.Context, retry *utils.RetryConfig,
	sess *browser.Driver, cand *models.StatusCandidate, report *models.RunReport) {

	t.logger.Info("[tracker] checking id=%d %s", cand.ID, cand.ListingURL)

	var ev *Evidence
	err := retry.Do(ctx, fmt.Sprintf("status check id=%d", cand.ID), func() error {
		e, perr := t.prober.Probe(ctx, *sess, cand.ListingURL)
		if perr != nil {
			return perr
		}
		ev = e
		return nil
	})
	if err != nil {
		// Exhausted retries: conservative unknown rather than a silent skip.
		t.logger.Warn("[tracker] id=%d unreachable, marking unknown: %v", cand.ID, err)
		if uerr := t.store.UpdateStatus(ctx, cand.ID, models.StatusUnknown, nil); uerr != nil {
			t.logger.Error("[tracker] id=%d skipped — status write failed: %v", cand.ID, uerr)
		}
		report.Failed++
		return
	}

	d := Evaluate(ev, cand.Status)

	if !d.Write {
		if terr := t.store.TouchStatusCheck(ctx, cand.ID); terr != nil {
			t.logger.Error("[tracker] id=%d skipped — touch failed: %v", cand.ID, terr)
			report.Failed++
			return
		}
		t.logger.Info("[tracker] id=%d still %s", cand.ID, cand.Status)
		report.Unchanged++
		return
	}

	var soldAt *time.Time
	if d.MarkSold {
		now := time.Now()
		soldAt = &now
	}
	if uerr := t.store.UpdateStatus(ctx, cand.ID, d.Status, soldAt); uerr != nil {
		t.logger.Error("[tracker] id=%d skipped — status write failed: %v", cand.ID, uerr)
		report.Failed++
		return
	}
	t.logger.Info("[tracker] id=%d → %s", cand.ID, d.Status)
	report.Updated++
}

func (t *Tracker) replaceSession(sess *browser.Driver) {
	ns, err := t.sessions()
	if err != nil {
		t.logger.Error("[tracker] session replacement failed, keeping current session: %v", err)
		return
	}
	(*sess).Close()
	*sess = ns
}
