package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"
)

// DomainManager keeps page loads polite: robots.txt rules and a per-host
// request interval.
type DomainManager struct {
	agent         string
	interval      time.Duration
	respectRobots bool
	client        *resty.Client

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	robotsCache map[string]*robotstxt.Group
}

type DomainOptions struct {
	// Agent is the robots.txt user-agent token to match groups against.
	Agent string
	// Interval is the minimum time between two loads on one host. Zero disables limiting.
	Interval      time.Duration
	RespectRobots bool
	Timeout       time.Duration
}

func NewDomainManager(opts DomainOptions) *DomainManager {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &DomainManager{
		agent:         opts.Agent,
		interval:      opts.Interval,
		respectRobots: opts.RespectRobots,
		client:        resty.New().SetTimeout(opts.Timeout),
		limiters:      make(map[string]*rate.Limiter),
		robotsCache:   make(map[string]*robotstxt.Group),
	}
}

// Client exposes the robots.txt HTTP client so callers can add middleware.
func (d *DomainManager) Client() *resty.Client { return d.client }

// Wait blocks until the host of targetURL may be loaded again, or ctx is done.
func (d *DomainManager) Wait(ctx context.Context, targetURL string) error {
	if d.interval <= 0 {
		return nil
	}
	u, err := url.Parse(targetURL)
	if err != nil {
		return err
	}
	domain := u.Host

	d.mu.Lock()
	limiter, exists := d.limiters[domain]
	if !exists {
		// burst 1: the first load goes straight through, the next waits a full interval
		limiter = rate.NewLimiter(rate.Every(d.interval), 1)
		d.limiters[domain] = limiter
	}
	d.mu.Unlock()

	return limiter.Wait(ctx)
}

// Allowed reports whether robots.txt on the target host permits loading
// targetURL. A missing or unparsable robots.txt allows everything. Only a
// definitive answer is cached: after a network failure, a 5xx or a cancelled
// ctx the next call fetches robots.txt again.
func (d *DomainManager) Allowed(ctx context.Context, targetURL string) (bool, error) {
	if !d.respectRobots {
		return true, nil
	}
	u, err := url.Parse(targetURL)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	group, exists := d.robotsCache[u.Host]
	d.mu.Unlock()

	if !exists {
		var cacheable bool
		group, cacheable, err = d.fetchRobots(ctx, u)
		if err != nil {
			return false, err
		}
		if cacheable {
			d.mu.Lock()
			d.robotsCache[u.Host] = group
			d.mu.Unlock()
		}
	}

	if group == nil {
		return true, nil
	}
	return group.Test(u.EscapedPath()), nil
}

// fetchRobots loads the robots.txt group for d.agent. cacheable is false
// for answers that may change on the next try.
func (d *DomainManager) fetchRobots(ctx context.Context, u *url.URL) (group *robotstxt.Group, cacheable bool, err error) {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
	res, err := d.client.R().SetContext(ctx).Get(robotsURL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		slog.WarnContext(ctx, "robots.txt unreachable, assuming allowed for now", "url", robotsURL, "err", err)
		return nil, false, nil
	}

	// 5xx parses as disallow-all; honour it for this call only
	cacheable = res.StatusCode() < 500

	data, err := robotstxt.FromStatusAndBytes(res.StatusCode(), res.Body())
	if err != nil {
		slog.WarnContext(ctx, "robots.txt unparsable, assuming allowed", "url", robotsURL, "err", err)
		return nil, cacheable, nil
	}
	if !cacheable {
		slog.WarnContext(ctx, "robots.txt temporarily unavailable", "url", robotsURL, "status", res.StatusCode())
	}
	return data.FindGroup(d.agent), cacheable, nil
}
