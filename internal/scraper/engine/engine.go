package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"go-certscraper/internal"
	"go-certscraper/internal/scraper"
	"go-certscraper/pkg/models"
)

var (
	tracer = otel.Tracer("certscraper/engine")
	meter  = otel.Meter("certscraper/engine")

	scrapeCounter, _  = meter.Int64Counter("certscraper.scrapes", metric.WithDescription("Scrapes by outcome"))
	scrapeDuration, _ = meter.Float64Histogram("certscraper.scrape.duration", metric.WithUnit("s"))
)

// Fetcher loads the lookup page for a certificate.
type Fetcher interface {
	Fetch(ctx context.Context, cert string) (models.Page, error)
}

// Extractor pulls raw fields out of a loaded page.
type Extractor interface {
	Extract(page models.Page) (models.RawFieldMap, error)
}

// Assets caches certificate images.
type Assets interface {
	Fetch(ctx context.Context, cert, imageURL string) (string, error)
	Remove(cert string) error
}

// Store persists records. Upsert keeps CreatedAt of an existing row.
type Store interface {
	Upsert(ctx context.Context, rec models.CoinRecord) (models.CoinRecord, error)
	GetByCert(ctx context.Context, cert string) (*models.CoinRecord, error)
	DeleteByCert(ctx context.Context, cert string) (bool, error)
	List(ctx context.Context, q models.ListQuery) ([]models.CoinRecord, error)
	Count(ctx context.Context, q models.ListQuery) (int, error)
}

// State is a step of one scrape.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateExtracting
	StateNormalizing
	StateFetchingAsset
	StatePersisting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateFetching:
		return "Fetching"
	case StateExtracting:
		return "Extracting"
	case StateNormalizing:
		return "Normalizing"
	case StateFetchingAsset:
		return "FetchingAsset"
	case StatePersisting:
		return "Persisting"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds retry settings and test hooks.
type Config struct {
	// MaxRetries is how many extra fetch attempts a transient failure gets.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
	// OnTransition, if set, is called on every state change.
	OnTransition func(cert string, from, to State)
}

// Result is a finished scrape.
type Result struct {
	Record models.CoinRecord
	// Warnings are non-fatal problems, such as a failed image download.
	Warnings []string
	// Attempts is the number of page fetches made.
	Attempts int
	// Created is true when no record existed for the certificate before.
	Created bool
}

// Coordinator runs scrapes end to end: fetch, extract, normalize, fetch the
// image and persist. At most one scrape per certificate runs at a time; a
// second request for the same certificate joins the running one.
type Coordinator struct {
	config    Config
	fetcher   Fetcher
	extractor Extractor
	assets    Assets
	store     Store

	locks   *internal.KeyedMutex
	flights *internal.FlightGroup[*Result]

	mu        sync.Mutex
	closed    bool
	waitGroup sync.WaitGroup
}

// NewCoordinator wires the pipeline. assets may be nil to skip images.
func NewCoordinator(cfg Config, fetcher Fetcher, extractor Extractor, assets Assets, store Store) *Coordinator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Coordinator{
		config:    cfg,
		fetcher:   fetcher,
		extractor: extractor,
		assets:    assets,
		store:     store,
		locks:     internal.NewKeyedMutex(),
		flights:   internal.NewFlightGroup[*Result](),
	}
}

// Scrape looks cert up and stores the result. If a scrape for cert is
// already running, Scrape waits for it and returns its outcome; if ctx ends
// first the error is of kind Busy.
func (c *Coordinator) Scrape(ctx context.Context, cert string) (*Result, error) {
	cert = strings.TrimSpace(cert)
	if err := scraper.ValidateCertNumber(cert); err != nil {
		return nil, err
	}
	if !c.enter() {
		return nil, scraper.Errorf(scraper.KindBusy, "scrape", cert, "shutting down")
	}
	defer c.waitGroup.Done()

	res, shared, err := c.flights.Do(ctx, cert, func() (*Result, error) {
		return c.run(ctx, cert)
	})
	if errors.Is(err, internal.ErrInFlight) {
		return nil, &scraper.Error{Kind: scraper.KindBusy, Op: "scrape", Cert: cert, Err: err}
	}
	if err != nil {
		return nil, err
	}
	if shared {
		slog.DebugContext(ctx, "Joined in-flight scrape", "cert", cert)
		cp := *res
		return &cp, nil
	}
	return res, nil
}

// transition tracks the state of one scrape.
type transition struct {
	c     *Coordinator
	ctx   context.Context
	span  trace.Span
	cert  string
	state State
}

func (t *transition) to(next State) {
	prev := t.state
	t.state = next
	slog.DebugContext(t.ctx, "Scrape state", "cert", t.cert, "from", prev.String(), "to", next.String())
	t.span.AddEvent(next.String())
	if t.c.config.OnTransition != nil {
		t.c.config.OnTransition(t.cert, prev, next)
	}
}

func (t *transition) fail(err error) error {
	t.to(StateFailed)
	t.span.RecordError(err)
	t.span.SetStatus(codes.Error, err.Error())
	return err
}

func (c *Coordinator) run(ctx context.Context, cert string) (result *Result, err error) {
	ctx, span := tracer.Start(ctx, "Scrape", trace.WithAttributes(attribute.String("cert", cert)))
	defer span.End()

	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = scraper.KindOf(err).String()
		}
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		scrapeCounter.Add(ctx, 1, attrs)
		scrapeDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	unlock, err := c.locks.Lock(ctx, cert)
	if err != nil {
		return nil, &scraper.Error{Kind: scraper.KindBusy, Op: "scrape", Cert: cert, Err: err}
	}
	defer unlock()

	t := &transition{c: c, ctx: ctx, span: span, cert: cert}
	result = &Result{}

	// 1. Fetch, retrying transient failures
	t.to(StateFetching)
	page, err := c.fetch(ctx, cert, &result.Attempts)
	span.SetAttributes(attribute.Int("attempts", result.Attempts))
	if err != nil {
		return nil, t.fail(err)
	}

	// 2. Extract
	t.to(StateExtracting)
	raw, err := c.extractor.Extract(page)
	if err != nil {
		if scraper.KindOf(err) == scraper.KindUnknown {
			err = &scraper.Error{Kind: scraper.KindNotFound, Op: "extract", Cert: cert, Err: err}
		}
		return nil, t.fail(err)
	}

	// 3. Normalize
	t.to(StateNormalizing)
	rec := scraper.Normalize(cert, raw)

	// 4. Image; a failure here only costs the image
	t.to(StateFetchingAsset)
	if c.assets != nil {
		rec.LocalImagePath, result.Warnings = c.fetchImage(ctx, cert, rec.ImageURL)
	}

	// 5. Persist
	t.to(StatePersisting)
	saved, created, err := c.persist(ctx, rec)
	if err != nil {
		return nil, t.fail(err)
	}

	result.Record = saved
	result.Created = created
	t.to(StateDone)

	slog.InfoContext(ctx, "Scrape done",
		"cert", cert,
		"created", created,
		"attempts", result.Attempts,
		"warnings", len(result.Warnings),
		"duration", time.Since(start),
	)
	return result, nil
}

func (c *Coordinator) fetch(ctx context.Context, cert string, attempts *int) (models.Page, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.config.InitialBackoff
	policy.MaxInterval = c.config.MaxBackoff
	policy.MaxElapsedTime = 0

	op := func() (models.Page, error) {
		*attempts++
		page, err := c.fetcher.Fetch(ctx, cert)
		if err != nil && !scraper.IsRetryable(err) {
			return page, backoff.Permanent(err)
		}
		return page, err
	}
	notify := func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "Fetch failed, retrying", "cert", cert, "attempt", *attempts, "wait", wait, "err", err)
	}

	page, err := backoff.RetryNotifyWithData(op,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.config.MaxRetries)), ctx),
		notify,
	)
	if err == nil {
		return page, nil
	}

	var se *scraper.Error
	switch {
	case errors.As(err, &se):
		return page, err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// the retry loop stopped on ctx rather than on a fetch error
		return page, &scraper.Error{Kind: scraper.KindFetchTimeout, Op: "fetch", Cert: cert, Err: err}
	default:
		return page, &scraper.Error{Kind: scraper.KindNavigation, Op: "fetch", Cert: cert, Err: err}
	}
}

// fetchImage returns the cached image path, or nil plus a warning. When no
// image is available any earlier cached file is dropped so the record and
// the images directory agree.
func (c *Coordinator) fetchImage(ctx context.Context, cert string, imageURL *string) (*string, []string) {
	var warnings []string
	if imageURL != nil {
		p, err := c.assets.Fetch(ctx, cert, *imageURL)
		if err == nil && p != "" {
			return &p, nil
		}
		if err != nil {
			slog.WarnContext(ctx, "Image download failed", "cert", cert, "url", *imageURL, "err", err)
			warnings = append(warnings, err.Error())
		}
	}
	if err := c.assets.Remove(cert); err != nil {
		slog.WarnContext(ctx, "Could not remove stale image", "cert", cert, "err", err)
	}
	return nil, warnings
}

func (c *Coordinator) persist(ctx context.Context, rec models.CoinRecord) (models.CoinRecord, bool, error) {
	existing, err := c.store.GetByCert(ctx, rec.CertNumber)
	if err != nil {
		return rec, false, &scraper.Error{Kind: scraper.KindPersistence, Op: "persist", Cert: rec.CertNumber, Err: err}
	}

	now := c.config.Now().UTC().Truncate(time.Microsecond)
	if existing != nil && !now.After(existing.UpdatedAt) {
		// keep UpdatedAt moving forward even if the clock doesn't
		now = existing.UpdatedAt.Add(time.Microsecond)
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now

	saved, err := c.store.Upsert(ctx, rec)
	if err != nil {
		return rec, false, &scraper.Error{Kind: scraper.KindPersistence, Op: "persist", Cert: rec.CertNumber, Err: err}
	}
	return saved, existing == nil, nil
}

// Get returns the stored record for cert, or a NotFound error.
func (c *Coordinator) Get(ctx context.Context, cert string) (*models.CoinRecord, error) {
	cert = strings.TrimSpace(cert)
	if err := scraper.ValidateCertNumber(cert); err != nil {
		return nil, err
	}
	rec, err := c.store.GetByCert(ctx, cert)
	if err != nil {
		return nil, &scraper.Error{Kind: scraper.KindPersistence, Op: "get", Cert: cert, Err: err}
	}
	if rec == nil {
		return nil, scraper.Errorf(scraper.KindNotFound, "get", cert, "no stored record")
	}
	return rec, nil
}

// List returns a page of stored records and the total matching count.
func (c *Coordinator) List(ctx context.Context, q models.ListQuery) ([]models.CoinRecord, int, error) {
	q = q.Normalized()
	records, err := c.store.List(ctx, q)
	if err != nil {
		return nil, 0, &scraper.Error{Kind: scraper.KindPersistence, Op: "list", Err: err}
	}
	total, err := c.store.Count(ctx, q)
	if err != nil {
		return nil, 0, &scraper.Error{Kind: scraper.KindPersistence, Op: "count", Err: err}
	}
	return records, total, nil
}

// Delete removes the record for cert and its cached image. It reports
// whether a record existed. A scrape of the same cert in progress finishes
// first.
func (c *Coordinator) Delete(ctx context.Context, cert string) (bool, error) {
	cert = strings.TrimSpace(cert)
	if err := scraper.ValidateCertNumber(cert); err != nil {
		return false, err
	}
	if !c.enter() {
		return false, scraper.Errorf(scraper.KindBusy, "delete", cert, "shutting down")
	}
	defer c.waitGroup.Done()

	unlock, err := c.locks.Lock(ctx, cert)
	if err != nil {
		return false, &scraper.Error{Kind: scraper.KindBusy, Op: "delete", Cert: cert, Err: err}
	}
	defer unlock()

	deleted, err := c.store.DeleteByCert(ctx, cert)
	if err != nil {
		return false, &scraper.Error{Kind: scraper.KindPersistence, Op: "delete", Cert: cert, Err: err}
	}
	if c.assets != nil {
		if err := c.assets.Remove(cert); err != nil {
			slog.WarnContext(ctx, "Could not remove cached image", "cert", cert, "err", err)
		}
	}
	slog.InfoContext(ctx, "Record deleted", "cert", cert, "existed", deleted)
	return deleted, nil
}

// Shutdown stops accepting work and waits for running scrapes and deletes.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.waitGroup.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight scrapes: %w", ctx.Err())
	}
}

func (c *Coordinator) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.waitGroup.Add(1)
	return true
}
