package tracker

import (
	"context"

	"carmarket-scraper/browser"
	"carmarket-scraper/models"
)

// Evidence is what one visit to a listing page yields. The signals are
// heuristic and can contradict each other; Evaluate resolves them.
type Evidence struct {
	NotFound       bool // 404 / "page not found" heading rendered
	SoldHeading    bool // explicit sold heading rendered
	ActiveHeading  bool // the ad's title heading rendered
	SoldTextInBody bool // sold phrase anywhere in the page text
}

// Prober gathers Evidence for one listing URL. Site-specific, injected.
type Prober interface {
	Probe(ctx context.Context, sess browser.Driver, url string) (*Evidence, error)
}

// Decision is the outcome of evaluating one visit.
type Decision struct {
	Status   models.Status
	MarkSold bool // stamp sold_at alongside the status
	Write    bool // false means a timestamp-only touch suffices
}

// Evaluate applies the status state machine to one visit's evidence.
//
// Precedence: the not-found marker first (a transient removal is not
// assumed to be a sale), then the explicit sold heading, then the active
// title. The sold heading outranks the active title because some page
// templates leave a residual active-looking element on sold pages. When
// nothing structural matched, the full-text sold phrase decides; absent
// that too, the answer is unknown, which just queues the listing for the
// next sweep, while a false sold would stick.
func Evaluate(ev *Evidence, current models.Status) Decision {
	switch {
	case ev.NotFound:
		return Decision{Status: models.StatusUnknown, Write: true}
	case ev.SoldHeading:
		return Decision{Status: models.StatusSold, MarkSold: true, Write: true}
	case ev.ActiveHeading:
		return Decision{Status: models.StatusActive, Write: current == models.StatusUnknown}
	case ev.SoldTextInBody:
		return Decision{Status: models.StatusSold, MarkSold: true, Write: true}
	default:
		return Decision{Status: models.StatusUnknown, Write: true}
	}
}
