package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"carmarket-scraper/models"
)

// LoadCatalogs reads the operator-supplied catalog file: one CSV row per
// source collection, columns "brand,url". The url column is the paginated
// listing view with a page_number parameter the crawler rewrites per page.
func LoadCatalogs(path string) ([]models.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", path, err)
	}
	defer f.Close()

	return parseCatalogs(f)
}

func parseCatalogs(r io.Reader) ([]models.Catalog, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2

	var out []models.Catalog
	first := true
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("catalog: read row: %w", err)
		}

		brand := strings.TrimSpace(row[0])
		url := strings.TrimSpace(row[1])

		// Tolerate a header row.
		if first {
			first = false
			if strings.EqualFold(brand, "brand") {
				continue
			}
		}

		if brand == "" || url == "" {
			continue
		}
		out = append(out, models.Catalog{Brand: brand, BaseURL: url})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("catalog: no usable rows")
	}
	return out, nil
}
