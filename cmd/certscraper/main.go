package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-certscraper/internal/api"
	"go-certscraper/internal/config"
	"go-certscraper/internal/scraper"
	"go-certscraper/internal/scraper/engine"
	"go-certscraper/internal/storage"
	"go-certscraper/internal/telemetry"
)

func main() {
	cert := flag.String("cert", "", "Scrape one certificate number, print the record as JSON and exit")
	addr := flag.String("addr", "", "Listen address (overrides LISTEN_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *cert); err != nil {
		slog.Error("Exiting", "err", err)
		os.Exit(1)
	}
}

func setupLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context, cfg *config.Config, cert string) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, "certscraper")
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", "err", err)
		}
	}()

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer store.Close()

	domains := scraper.NewDomainManager(scraper.DomainOptions{
		Agent:         cfg.RobotsAgent,
		Interval:      cfg.RateLimit,
		RespectRobots: cfg.RespectRobots,
	})
	telemetry.InstrumentResty(domains.Client(), nil)

	browser := scraper.NewBrowser(scraper.BrowserOptions{
		LookupURL:  cfg.LookupURL,
		UserAgent:  cfg.UserAgent,
		Headless:   cfg.Headless,
		ExecPath:   cfg.ChromePath,
		MaxPages:   cfg.MaxPages,
		NavTimeout: cfg.NavigationTimeout,
		Settle:     cfg.SettleDelay,
		Domains:    domains,
	})
	defer browser.Close()

	assets, err := scraper.NewAssetStore(scraper.AssetOptions{
		Dir:       cfg.ImagesDir,
		URLPrefix: cfg.ImagesURLPrefix,
		UserAgent: cfg.UserAgent,
		Referer:   "https://www.pcgs.com/",
		Timeout:   cfg.AssetTimeout,
		MaxBytes:  cfg.AssetMaxBytes,
	})
	if err != nil {
		return err
	}
	telemetry.InstrumentResty(assets.Client(), nil)

	coordinator := engine.NewCoordinator(engine.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.RetryBackoff,
		MaxBackoff:     cfg.MaxRetryBackoff,
	}, browser, scraper.NewParser(), assets, store)

	if cert != "" {
		return scrapeOnce(ctx, cfg, coordinator, cert)
	}
	return serve(ctx, cfg, coordinator, store)
}

func scrapeOnce(ctx context.Context, cfg *config.Config, coordinator *engine.Coordinator, cert string) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.ScrapeTimeout)
	defer cancel()

	res, err := coordinator.Scrape(ctx, cert)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		slog.Warn("Scrape warning", "cert", cert, "warning", w)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res.Record)
}

func serve(ctx context.Context, cfg *config.Config, coordinator *engine.Coordinator, store *storage.CoinStore) error {
	router := api.NewRouter(api.NewHandler(coordinator, cfg.ScrapeTimeout), api.RouterOptions{
		ImagesDir:       cfg.ImagesDir,
		ImagesURLPrefix: cfg.ImagesURLPrefix,
		Ready:           store.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		slog.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ScrapeTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "err", err)
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Scrapes still running at exit", "err", err)
	}
	return nil
}
