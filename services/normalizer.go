package services

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"carmarket-scraper/models"
	"carmarket-scraper/utils"
)

var (
	// numberRegexp captures an integer with optional thousands separators
	numberRegexp = regexp.MustCompile(`[\d,]+`)
	// yearRegexp captures a four-digit model year
	yearRegexp = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	// mileageRegexp captures numbers with an optional K multiplier,
	// e.g. "55 - 60K km" or "123,456 km"
	mileageRegexp = regexp.MustCompile(`([\d.,]+)\s*([kK])?`)
)

// Normalizer turns raw detail-page strings into a typed Record. Fields
// that fail to parse become nil rather than dropping the whole record:
// partial data beats no data for everything except the listing URL.
type Normalizer struct {
	logger *utils.Logger
}

// NewNormalizer creates a Normalizer with the given logger.
func NewNormalizer(logger *utils.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize produces the Record for one raw extraction.
func (n *Normalizer) Normalize(raw *models.RawDetail) *models.Record {
	rec := &models.Record{
		ListingURL:   strings.TrimSpace(raw.ListingURL),
		Brand:        cleanText(raw.Brand),
		Model:        cleanText(raw.Model),
		Variant:      cleanText(raw.Variant),
		AdInfo:       cleanText(raw.AdInfo),
		Location:     cleanText(raw.Location),
		Price:        n.parsePrice(raw.PriceRaw),
		Year:         parseYear(raw.YearRaw),
		Mileage:      parseMileage(raw.MileageRaw),
		Transmission: cleanText(raw.Transmission),
		SeatCapacity: cleanText(raw.SeatCapacity),
		Images:       raw.Images,
		ScrapedAt:    time.Now(),
	}

	if rec.Price == nil {
		n.logger.Debug("[normalize] no price parsed from %q for %s", raw.PriceRaw, rec.ListingURL)
	}
	return rec
}

// parsePrice extracts a currency-normalized integer price.
// Examples: "RM 68,800" → 68800, "RM68800" → 68800, "" → nil.
func (n *Normalizer) parsePrice(raw string) *int {
	match := numberRegexp.FindString(raw)
	if match == "" {
		return nil
	}
	v, err := strconv.Atoi(strings.ReplaceAll(match, ",", ""))
	if err != nil || v <= 0 {
		return nil
	}
	return &v
}

// parseYear extracts a four-digit model year.
func parseYear(raw string) *int {
	match := yearRegexp.FindString(raw)
	if match == "" {
		return nil
	}
	v, err := strconv.Atoi(match)
	if err != nil {
		return nil
	}
	return &v
}

// parseMileage converts odometer strings to absolute kilometres. Ranged
// values like "55 - 60K km" resolve to the upper bound.
func parseMileage(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" || isPlaceholder(raw) {
		return nil
	}

	matches := mileageRegexp.FindAllStringSubmatch(raw, -1)
	best := 0
	found := false
	for _, m := range matches {
		numStr := strings.ReplaceAll(strings.Trim(m[1], ".,"), ",", "")
		if numStr == "" {
			continue
		}
		v, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			continue
		}
		if m[2] != "" {
			v *= 1000
		}
		if int(v) > best {
			best = int(v)
			found = true
		}
	}
	if !found || best == 0 {
		return nil
	}
	return &best
}

// cleanText collapses whitespace and maps placeholder junk to nil.
func cleanText(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" || isPlaceholder(s) {
		return nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	out := strings.Join(fields, " ")
	return &out
}

func isPlaceholder(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "n/a", "na", "-", "--", "null", "none":
		return true
	}
	return false
}
