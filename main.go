package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"carmarket-scraper/browser"
	"carmarket-scraper/config"
	"carmarket-scraper/models"
	"carmarket-scraper/proxy"
	"carmarket-scraper/scraper"
	"carmarket-scraper/scraper/carlist"
	"carmarket-scraper/services"
	"carmarket-scraper/storage"
	"carmarket-scraper/tracker"
	"carmarket-scraper/utils"
)

func main() {
	mode := flag.String("mode", "crawl", "worker mode: crawl (discovery walk) or track (status sweep)")
	brand := flag.String("brand", "", "crawl: skip catalogs until this brand")
	startPage := flag.Int("start-page", 0, "crawl: override the resume page for the first catalog")
	startID := flag.Int64("start-id", 1, "track: lowest listing id to sweep from")
	statusFilter := flag.String("status", "all", "track: sweep only unknown or active listings (or all)")
	flag.Parse()

	logger := utils.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration: %v", err)
		os.Exit(1)
	}

	logger.Info("=== Car Market Scraper starting ===")
	logger.Info("Config — mode: %s | proxy: %s | batch: %d | retries: %d",
		*mode, cfg.ProxyMode, cfg.BatchSize, cfg.MaxRetries)

	store, err := storage.NewPostgres(cfg.DSN())
	if err != nil {
		logger.Error("Failed to connect to PostgreSQL: %v", err)
		logger.Error("Make sure Docker is running: docker compose up -d")
		os.Exit(1)
	}
	defer store.Close()

	// Ctrl-C stops cooperatively: the in-flight fetch finishes and the
	// checkpoint stands, so the next run resumes where this one stopped.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proxies := proxy.New(cfg, logger)
	sessions := browser.Factory(func() (browser.Driver, error) {
		proxies.Rotate()
		sess, err := browser.Open(cfg, proxies.Next(), logger)
		if err != nil {
			return nil, err
		}
		if cfg.ProxyMode != config.ProxyNone {
			if ip, err := sess.VerifyEgressIP(ctx); err != nil {
				logger.Warn("Egress IP check failed (continuing): %v", err)
			} else {
				logger.Info("Session egress IP: %s", ip)
			}
		}
		return sess, nil
	})

	site := carlist.New(logger)
	report := services.NewReportService(logger)

	switch *mode {
	case "crawl":
		catalogs, err := storage.LoadCatalogs(cfg.CatalogCSVPath)
		if err != nil {
			logger.Error("Failed to load catalog file %s: %v", cfg.CatalogCSVPath, err)
			os.Exit(1)
		}
		logger.Info("Loaded %d catalogs from %s", len(catalogs), cfg.CatalogCSVPath)

		ctrl := scraper.NewController(cfg, logger, store, site, sessions)
		r := ctrl.CrawlAll(ctx, catalogs, *brand, *startPage)
		report.Print("Crawl summary", r)

	case "track":
		statuses, err := parseStatusFilter(*statusFilter)
		if err != nil {
			logger.Error("Invalid status filter: %v", err)
			os.Exit(1)
		}

		tr := tracker.New(cfg, logger, store, site, sessions)
		r, err := tr.Sweep(ctx, *startID, statuses)
		report.Print("Status sweep summary", r)
		if err != nil {
			logger.Error("Sweep stopped early: %v", err)
			os.Exit(1)
		}

	default:
		logger.Error("Unknown mode %q (want crawl or track)", *mode)
		os.Exit(1)
	}

	logger.Info("=== Done ===")
}

func parseStatusFilter(raw string) ([]models.Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "all", "":
		return []models.Status{models.StatusActive, models.StatusUnknown}, nil
	case "active":
		return []models.Status{models.StatusActive}, nil
	case "unknown":
		return []models.Status{models.StatusUnknown}, nil
	default:
		return nil, fmt.Errorf("%q (want unknown, active or all)", raw)
	}
}
