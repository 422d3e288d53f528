package services

import (
	"fmt"
	"sort"
	"strings"

	"carmarket-scraper/models"
	"carmarket-scraper/utils"
)

// ReportService prints the end-of-run summary for a crawl or a lifecycle
// sweep: reconcile outcome counters plus the store-wide status breakdown.
type ReportService struct {
	logger *utils.Logger
}

func NewReportService(logger *utils.Logger) *ReportService {
	return &ReportService{logger: logger}
}

func (s *ReportService) Print(title string, r *models.RunReport) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Printf("\n\033[1;35m%s\033[0m\n", sep)
	fmt.Printf("\033[1;35m  %s\033[0m\n", strings.ToUpper(title))
	fmt.Printf("\033[1;35m%s\033[0m\n\n", sep)

	fmt.Printf("\033[1;33m  Reconciliation\033[0m\n")
	fmt.Printf("  %s\n", thin)
	fmt.Printf("  Pages walked    : \033[1m%d\033[0m\n", r.Pages)
	fmt.Printf("  Inserted        : \033[1;32m%d\033[0m\n", r.Inserted)
	fmt.Printf("  Updated         : \033[1m%d\033[0m\n", r.Updated)
	fmt.Printf("  Price changes   : \033[1;31m%d\033[0m\n", r.PriceChanged)
	fmt.Printf("  Unchanged       : %d\n", r.Unchanged)
	fmt.Printf("  Failed URLs     : \033[1;31m%d\033[0m\n", r.Failed)
	fmt.Println()

	if len(r.StatusCounts) > 0 {
		fmt.Printf("\033[1;33m  Listings by Status\033[0m\n")
		fmt.Printf("  %s\n", thin)

		statuses := make([]models.Status, 0, len(r.StatusCounts))
		for s := range r.StatusCounts {
			statuses = append(statuses, s)
		}
		sort.Slice(statuses, func(i, j int) bool {
			return r.StatusCounts[statuses[i]] > r.StatusCounts[statuses[j]]
		})
		for _, st := range statuses {
			fmt.Printf("  %-12s : %d\n", st, r.StatusCounts[st])
		}
	}

	fmt.Printf("\n\033[1;35m%s\033[0m\n\n", sep)
}
