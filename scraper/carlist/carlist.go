// Package carlist adapts the crawl and lifecycle interfaces to the
// carlist.my page structure. Everything selector-shaped lives here.
package carlist

import (
	"context"
	"fmt"
	"strings"

	"carmarket-scraper/browser"
	"carmarket-scraper/models"
	"carmarket-scraper/scraper"
	"carmarket-scraper/tracker"
	"carmarket-scraper/utils"
)

const (
	soldText     = "This car has already been sold."
	notFoundText = "Page not found."
)

// Extractor implements scraper.PageExtractor and tracker.Prober for
// carlist.my.
type Extractor struct {
	logger *utils.Logger
}

func New(logger *utils.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// DetailLinks pulls the listing anchors off one paginated catalog page.
func (e *Extractor) DetailLinks(ctx context.Context, sess browser.Driver, pageURL string) ([]string, error) {
	page, err := sess.Navigate(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if browser.Blocked(page) {
		return nil, scraper.ErrBlocked
	}

	var links []string
	err = sess.Eval(`
		(function() {
			var out = [];
			var tags = document.querySelectorAll('a.ellipsize.js-ellipsize-text');
			for (var i = 0; i < tags.length; i++) {
				var href = tags[i].href;
				if (href && href.indexOf('carlist.my') !== -1) {
					out.push(href);
				}
			}
			return out;
		})()
	`, &links)
	if err != nil {
		return nil, fmt.Errorf("carlist: collect links: %w", err)
	}

	e.logger.Debug("[carlist] %d links on %s", len(links), pageURL)
	return links, nil
}

type detailData struct {
	Brand        string   `json:"brand"`
	Model        string   `json:"model"`
	Variant      string   `json:"variant"`
	AdInfo       string   `json:"adInfo"`
	Location     string   `json:"location"`
	Price        string   `json:"price"`
	Year         string   `json:"year"`
	Mileage      string   `json:"mileage"`
	Transmission string   `json:"transmission"`
	SeatCapacity string   `json:"seatCapacity"`
	Images       []string `json:"images"`
}

// Extract pulls the structured fields off one detail page. Missing
// elements yield empty strings, not failures; only a challenge page or a
// dead URL is surfaced as an error.
func (e *Extractor) Extract(ctx context.Context, sess browser.Driver, detailURL string) (*models.RawDetail, error) {
	page, err := sess.Navigate(ctx, detailURL)
	if err != nil {
		return nil, err
	}
	if browser.Blocked(page) {
		return nil, scraper.ErrBlocked
	}
	if strings.Contains(page.HTML, notFoundText) {
		return nil, scraper.ErrNotFound
	}

	var d detailData
	err = sess.Eval(`
		(function() {
			function text(sel) {
				var el = document.querySelector(sel);
				return el ? el.textContent.trim() : '';
			}

			var images = [];
			var imgs = document.querySelectorAll('#details-gallery img');
			for (var i = 0; i < imgs.length; i++) {
				if (imgs[i].src) images.push(imgs[i].src);
			}

			var loc1 = text('div.c-card__body > div.u-flex.u-align-items-center > div > div > span:nth-child(2)');
			var loc2 = text('div.c-card__body > div.u-flex.u-align-items-center > div > div > span:nth-child(3)');
			var location = [loc1, loc2].filter(Boolean).join(' - ');

			return {
				brand:        text('#listing-detail li:nth-child(3) > a > span'),
				model:        text('#listing-detail li:nth-child(4) > a > span'),
				variant:      text('#listing-detail li:nth-child(5) > a > span'),
				adInfo:       text('div:nth-child(1) > span.u-color-muted'),
				location:     location,
				price:        text('div.listing__item-price > h3'),
				year:         text('div.owl-stage div:nth-child(2) span.u-text-bold'),
				mileage:      text('div.owl-stage div:nth-child(3) span.u-text-bold'),
				transmission: text('div.owl-stage div:nth-child(6) span.u-text-bold'),
				seatCapacity: text('div.owl-stage div:nth-child(7) span.u-text-bold'),
				images:       images
			};
		})()
	`, &d)
	if err != nil {
		return nil, fmt.Errorf("carlist: extract detail: %w", err)
	}

	return &models.RawDetail{
		ListingURL:   detailURL,
		Brand:        d.Brand,
		Model:        d.Model,
		Variant:      d.Variant,
		AdInfo:       d.AdInfo,
		Location:     d.Location,
		PriceRaw:     d.Price,
		YearRaw:      d.Year,
		MileageRaw:   d.Mileage,
		Transmission: d.Transmission,
		SeatCapacity: d.SeatCapacity,
		Images:       d.Images,
	}, nil
}

type evidenceData struct {
	NotFound      bool `json:"notFound"`
	SoldHeading   bool `json:"soldHeading"`
	ActiveHeading bool `json:"activeHeading"`
}

// Probe gathers the liveness evidence the lifecycle tracker evaluates.
// The structural checks run in the page; the body-text sold fallback uses
// the already-captured HTML.
func (e *Extractor) Probe(ctx context.Context, sess browser.Driver, detailURL string) (*tracker.Evidence, error) {
	page, err := sess.Navigate(ctx, detailURL)
	if err != nil {
		return nil, err
	}
	if browser.Blocked(page) {
		return nil, scraper.ErrBlocked
	}

	var d evidenceData
	err = sess.Eval(`
		(function() {
			window.scrollTo(0, 1000);

			var notFound = false;
			var nf = document.querySelector('h1.zeta.alert.alert--warning');
			if (nf && nf.textContent.indexOf('`+notFoundText+`') !== -1) {
				notFound = true;
			}

			var soldHeading = false;
			var h2s = document.querySelectorAll('h2');
			for (var i = 0; i < h2s.length; i++) {
				if (h2s[i].textContent.indexOf('`+soldText+`') !== -1) {
					soldHeading = true;
					break;
				}
			}

			return {
				notFound: notFound,
				soldHeading: soldHeading,
				activeHeading: document.querySelectorAll('h1').length > 0
			};
		})()
	`, &d)
	if err != nil {
		return nil, fmt.Errorf("carlist: probe status: %w", err)
	}

	return &tracker.Evidence{
		NotFound:       d.NotFound,
		SoldHeading:    d.SoldHeading,
		ActiveHeading:  d.ActiveHeading,
		SoldTextInBody: strings.Contains(strings.ToLower(page.HTML), strings.ToLower(soldText)),
	}, nil
}
