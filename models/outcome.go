package models

// Outcome reports what a reconcile call did to the store.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeInserted
	OutcomeUpdated
	OutcomePriceChanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomePriceChanged:
		return "price_changed"
	default:
		return "unchanged"
	}
}

// RunReport accumulates per-run counters printed when a crawl or a
// lifecycle sweep finishes.
type RunReport struct {
	Pages        int
	Inserted     int
	Updated      int
	PriceChanged int
	Unchanged    int
	Failed       int
	StatusCounts map[Status]int
}

// Count bumps the counter matching the given reconcile outcome.
func (r *RunReport) Count(o Outcome) {
	switch o {
	case OutcomeInserted:
		r.Inserted++
	case OutcomeUpdated:
		r.Updated++
	case OutcomePriceChanged:
		r.PriceChanged++
	case OutcomeUnchanged:
		r.Unchanged++
	}
}

// Total returns how many records were reconciled successfully.
func (r *RunReport) Total() int {
	return r.Inserted + r.Updated + r.PriceChanged + r.Unchanged
}
