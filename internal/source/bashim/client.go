// Package bashim fetches quotes from a bash.im style quote site: paginated
// listings of <article class="quote"> blocks plus per-quote pages and comic
// strip images.
package bashim

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"quotebot/internal/quote"
	"quotebot/pkg/logx"
)

const (
	DefaultBaseURL   = "https://bash.im"
	DefaultUserAgent = "quotebot/1.0 (+https://github.com/quotebot)"
)

// Config controls the client. Zero values fall back to defaults.
type Config struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	RatePerSec float64
	// Transport overrides the HTTP transport; tests use it.
	Transport http.RoundTripper
}

// Client is safe for concurrent use. All requests share one rate limiter.
type Client struct {
	base    *url.URL
	coll    *colly.Collector
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("source base url %q is not absolute", raw)
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	c := colly.NewCollector(
		colly.UserAgent(ua),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(20<<20),
	)
	c.SetRequestTimeout(timeout)
	tr := cfg.Transport
	if tr == nil {
		tr = newHTTPTransport()
	}
	c.WithTransport(tr)

	return &Client{
		base:    base,
		coll:    c,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		log:     log,
	}, nil
}

func (c *Client) BaseURL() string { return c.base.String() }

// FetchRandom yields one batch from the random page.
func (c *Client) FetchRandom(ctx context.Context) iter.Seq2[quote.Quote, error] {
	return c.listing(ctx, "/random", true)
}

// FetchLatest yields the front page.
func (c *Client) FetchLatest(ctx context.Context) iter.Seq2[quote.Quote, error] {
	return c.listing(ctx, "/", true)
}

// FetchSequential yields the quotes of listing page n. A page past the end
// of the history yields nothing.
func (c *Client) FetchSequential(ctx context.Context, page int) iter.Seq2[quote.Quote, error] {
	if page < 1 {
		page = 1
	}
	return c.listing(ctx, "/index/"+strconv.Itoa(page), false)
}

// FetchSingle returns the quote with id. found is false when the site has
// no such quote.
func (c *Client) FetchSingle(ctx context.Context, id int64) (q quote.Quote, found bool, err error) {
	if id <= 0 {
		return quote.Quote{}, false, nil
	}
	status, body, err := c.get(ctx, c.resolve("/quote/"+strconv.FormatInt(id, 10)))
	if status == http.StatusNotFound {
		return quote.Quote{}, false, nil
	}
	if err != nil {
		return quote.Quote{}, false, err
	}
	qs, err := ParsePage(body, c.base)
	if err != nil {
		return quote.Quote{}, false, err
	}
	for _, q := range qs {
		if q.ID == id {
			return q, true, nil
		}
	}
	return quote.Quote{}, false, nil
}

// listing fetches pagePath lazily, on the first pull of the sequence.
func (c *Client) listing(ctx context.Context, pagePath string, mustHaveQuotes bool) iter.Seq2[quote.Quote, error] {
	return func(yield func(quote.Quote, error) bool) {
		u := c.resolve(pagePath)
		started := time.Now()
		status, body, err := c.get(ctx, u)
		if status == http.StatusNotFound && !mustHaveQuotes {
			return
		}
		if err != nil {
			yield(quote.Quote{}, err)
			return
		}
		qs, err := ParsePage(body, c.base)
		if err == nil && len(qs) == 0 && mustHaveQuotes {
			err = fmt.Errorf("%s: no quotes on page: %w", u, quote.ErrParse)
		}
		c.log.Debug("page fetched", logx.String("url", u), logx.Int("quotes", len(qs)), logx.Duration("took", time.Since(started)))
		// Good blocks first; a broken block still fails the page afterwards.
		for _, q := range qs {
			if !yield(q, nil) {
				return
			}
		}
		if err != nil {
			yield(quote.Quote{}, fmt.Errorf("%s: %w", u, err))
		}
	}
}

func (c *Client) resolve(p string) string {
	ref, err := url.Parse(p)
	if err != nil {
		return c.base.String() + p
	}
	return c.base.ResolveReference(ref).String()
}

// get performs one rate-limited GET and returns the status and body. Any
// transport failure or non-2xx status is an ErrNetwork error; the status is
// still reported when known.
func (c *Client) get(ctx context.Context, u string) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var (
		status  int
		body    []byte
		respErr error
	)
	coll := c.coll.Clone()
	coll.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	coll.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		respErr = err
	})

	done := make(chan error, 1)
	go func() { done <- coll.Visit(u) }()
	select {
	case <-ctx.Done():
		return 0, nil, fmt.Errorf("GET %s: %w", u, errors.Join(quote.ErrNetwork, ctx.Err()))
	case err := <-done:
		if err == nil {
			err = respErr
		}
		c.log.Trace("GET done", logx.String("url", u), logx.Int("status", status), logx.Int("bytes", len(body)))
		if err != nil {
			return status, nil, fmt.Errorf("GET %s (status %d): %w", u, status, errors.Join(quote.ErrNetwork, err))
		}
		return status, body, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
	}
}
