package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"go-certscraper/pkg/models"
)

var (
	// ErrBrowserClosed is returned by NewSession after Close.
	ErrBrowserClosed = errors.New("browser closed")

	certRe = regexp.MustCompile(`^[0-9A-Za-z-]{1,32}$`)
)

// readyScript reports true once the page shows either result markup or the
// not-found message.
var readyScript = fmt.Sprintf(
	`document.querySelector(%q) !== null || (document.body !== null && new RegExp(%q, "i").test(document.body.innerText))`,
	ResultSelector, NotFoundPattern,
)

// ValidateCertNumber rejects anything that can't be a certificate number
// before a browser tab is spent on it.
func ValidateCertNumber(cert string) error {
	if !certRe.MatchString(cert) {
		return Errorf(KindInvalid, "validate", cert, "certificate number must be 1-32 letters, digits or dashes")
	}
	return nil
}

type BrowserOptions struct {
	// LookupURL is the prefix the escaped certificate number is appended to.
	LookupURL  string
	UserAgent  string
	Headless   bool
	ExecPath   string
	MaxPages   int
	NavTimeout time.Duration
	Settle     time.Duration
	// Domains is optional; when set every navigation passes its robots and rate checks.
	Domains *DomainManager
}

// Browser is the process-wide headless Chrome. It is launched on the first
// session and lives until Close. Each session gets its own tab.
type Browser struct {
	opts  BrowserOptions
	slots *semaphore.Weighted

	mu            sync.Mutex
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	closed        bool
}

func NewBrowser(opts BrowserOptions) *Browser {
	if opts.MaxPages < 1 {
		opts.MaxPages = 1
	}
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}
	return &Browser{
		opts:  opts,
		slots: semaphore.NewWeighted(int64(opts.MaxPages)),
	}
}

// LookupURL returns the lookup page address for cert.
func (b *Browser) LookupURL(cert string) string {
	return b.opts.LookupURL + url.PathEscape(cert)
}

// start launches Chrome if it isn't running. A failed launch is retried on
// the next call, and a browser whose context has ended (Chrome crashed or
// was killed) is replaced.
func (b *Browser) start() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrowserClosed
	}
	if b.browserCtx != nil {
		if b.browserCtx.Err() == nil {
			return b.browserCtx, nil
		}
		slog.Warn("Browser is gone, relaunching", "err", context.Cause(b.browserCtx))
		b.browserCancel()
		b.allocCancel()
		b.browserCtx, b.browserCancel, b.allocCancel = nil, nil, nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if b.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.opts.UserAgent))
	}
	if b.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Run with no actions just starts the browser.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	slog.Info("Browser started", "headless", b.opts.Headless, "max_pages", b.opts.MaxPages)
	b.browserCtx = browserCtx
	b.allocCancel = allocCancel
	b.browserCancel = browserCancel
	return browserCtx, nil
}

// Close shuts Chrome down. Sessions still open are torn down with it.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	if b.browserCancel != nil {
		b.browserCancel()
		b.allocCancel()
		slog.Info("Browser stopped")
	}
}

// NewSession waits for a free tab slot and opens a tab. The tab is closed
// when the session is closed or ctx ends, whichever comes first.
func (b *Browser) NewSession(ctx context.Context) (*PageSession, error) {
	if err := b.slots.Acquire(ctx, 1); err != nil {
		return nil, contextError("session", "", err)
	}

	browserCtx, err := b.start()
	if err != nil {
		b.slots.Release(1)
		return nil, &Error{Kind: KindNavigation, Op: "session", Err: err}
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	stop := context.AfterFunc(ctx, tabCancel)

	return &PageSession{
		browser: b,
		ctx:     ctx,
		tabCtx:  tabCtx,
		release: func() {
			stop()
			tabCancel()
			b.slots.Release(1)
		},
	}, nil
}

// Fetch opens a session, loads the page for cert and closes the session.
func (b *Browser) Fetch(ctx context.Context, cert string) (models.Page, error) {
	s, err := b.NewSession(ctx)
	if err != nil {
		return models.Page{CertNumber: cert}, err
	}
	defer s.Close()
	return s.Open(cert)
}

// PageSession is one browser tab.
type PageSession struct {
	browser *Browser
	ctx     context.Context
	tabCtx  context.Context

	once    sync.Once
	release func()
}

// Open navigates to the lookup page for cert and returns the rendered HTML
// once results or a not-found message are on screen.
func (s *PageSession) Open(cert string) (models.Page, error) {
	b := s.browser
	target := b.LookupURL(cert)
	page := models.Page{CertNumber: cert, URL: target}

	if b.opts.Domains != nil {
		allowed, err := b.opts.Domains.Allowed(s.ctx, target)
		if err != nil {
			if s.ctx.Err() != nil {
				return page, contextError("open", cert, err)
			}
			return page, Errorf(KindNavigation, "open", cert, "robots check: %w", err)
		}
		if !allowed {
			return page, Errorf(KindBlocked, "open", cert, "disallowed by robots.txt: %s", target)
		}
		if err := b.opts.Domains.Wait(s.ctx, target); err != nil {
			return page, contextError("open", cert, err)
		}
	}

	navCtx, cancel := context.WithTimeout(s.tabCtx, b.opts.NavTimeout)
	defer cancel()

	start := time.Now()
	resp, err := chromedp.RunResponse(navCtx, chromedp.Navigate(target))
	if err != nil {
		return page, s.navError(navCtx, cert, err)
	}
	if resp != nil {
		page.StatusCode = int(resp.Status)
		if err := classifyStatus(cert, target, page.StatusCode); err != nil {
			return page, err
		}
	}

	var ready bool
	var finalURL, doc string
	err = chromedp.Run(navCtx,
		chromedp.Poll(readyScript, &ready, chromedp.WithPollingInterval(250*time.Millisecond)),
		chromedp.Sleep(b.opts.Settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &doc, chromedp.ByQuery),
	)
	if err != nil {
		return page, s.navError(navCtx, cert, err)
	}

	if finalURL != "" {
		page.URL = finalURL
	}
	page.HTML = doc
	page.LoadTime = time.Since(start)
	slog.DebugContext(s.ctx, "Page loaded", "cert", cert, "url", page.URL, "status", page.StatusCode, "load_time", page.LoadTime)
	return page, nil
}

// Close releases the tab and its slot. Safe to call more than once.
func (s *PageSession) Close() {
	s.once.Do(s.release)
}

func (s *PageSession) navError(navCtx context.Context, cert string, err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return contextError("open", cert, ctxErr)
	}
	if errors.Is(navCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return Errorf(KindFetchTimeout, "open", cert, "page not ready within %s: %w", s.browser.opts.NavTimeout, err)
	}
	if navCtx.Err() != nil {
		// the tab or the whole browser went away under us
		return Errorf(KindNavigation, "open", cert, "browser tab closed: %w", err)
	}
	return &Error{Kind: KindNavigation, Op: "open", Cert: cert, Err: err}
}

// classifyStatus maps the main document's HTTP status onto an error kind.
// A 404 is the site saying the certificate doesn't exist, so it is NotFound
// rather than a navigation failure. Statuses that mean access was refused or
// throttled are Blocked and never retried. Everything else unsuccessful is
// a NavigationError.
func classifyStatus(cert, target string, status int) error {
	switch {
	case status == 0 || (status >= 200 && status < 400):
		return nil
	case status == http.StatusNotFound:
		return Errorf(KindNotFound, "open", cert, "HTTP %d from %s", status, target)
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return Errorf(KindBlocked, "open", cert, "HTTP %d from %s", status, target)
	default:
		return Errorf(KindNavigation, "open", cert, "HTTP %d from %s", status, target)
	}
}

// contextError classifies a wait that ended because ctx did.
func contextError(op, cert string, err error) error {
	reason := "cancelled"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timed out"
	}
	return &Error{Kind: KindFetchTimeout, Op: op, Cert: cert, Err: fmt.Errorf("%s: %w", reason, err)}
}
