// Package collyfetcher fetches listing pages with gocolly and streams media over net/http.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/JakeFAU/guqu-crawler/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls request identity and decoding.
type Config struct {
	UserAgent string
	// Host overrides the Host header of page requests. Media downloads never send it.
	Host    string
	Referer string
	// Charset decodes page bodies whose response declares no charset.
	Charset string
	Timeout time.Duration
}

// Waiter throttles outbound requests; *ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements crawler.PageFetcher and crawler.MediaFetcher.
type Fetcher struct {
	cfg           Config
	encoding      encoding.Encoding
	baseCollector *colly.Collector
	client        *http.Client
	limiter       Waiter
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	var enc encoding.Encoding
	if cfg.Charset != "" {
		var err error
		enc, err = htmlindex.Get(cfg.Charset)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown charset %q", crawler.ErrConfiguration, cfg.Charset)
		}
	}

	transport := newHTTPTransport()
	c := colly.NewCollector(
		colly.Async(false),
		// Retries revisit the same URL; clones share the visited set.
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		encoding:      enc,
		baseCollector: c,
		client:        &http.Client{Transport: transport, Timeout: cfg.Timeout},
		limiter:       limiter,
	}, nil
}

type pageResult struct {
	body        []byte
	contentType string
}

// Fetch GETs rawURL with the configured headers and returns the buffered body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	result, err := f.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return result.body, nil
}

// FetchText is Fetch followed by decoding to UTF-8 text.
func (f *Fetcher) FetchText(ctx context.Context, rawURL string) (string, error) {
	result, err := f.fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return f.decode(result)
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (pageResult, error) {
	if err := f.wait(ctx, rawURL); err != nil {
		return pageResult{}, err
	}

	var (
		result   pageResult
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	configureCollectorHooks(collector, rawURL, &result, &fetchErr)

	if err := runCollector(ctx, collector, rawURL, f.pageHeaders(), &fetchErr); err != nil {
		return pageResult{}, err
	}
	return result, nil
}

func configureCollectorHooks(hooks collectorHooks, rawURL string, result *pageResult, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		result.body = append([]byte(nil), r.Body...)
		if r.Headers != nil {
			result.contentType = r.Headers.Get("Content-Type")
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			*fetchErr = &crawler.StatusError{URL: rawURL, StatusCode: r.StatusCode}
			return
		}
		*fetchErr = err
	})
}

func runCollector(
	ctx context.Context,
	collector *colly.Collector,
	rawURL string,
	headers http.Header,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(http.MethodGet, rawURL, nil, nil, headers)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return classify(ctx, *fetchErr)
		}
		if err != nil {
			return classify(ctx, err)
		}
		return nil
	}
}

func classify(ctx context.Context, err error) error {
	var statusErr *crawler.StatusError
	switch {
	case errors.As(err, &statusErr):
		return fmt.Errorf("colly response failed: %w", err)
	case ctx.Err() != nil:
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	default:
		return fmt.Errorf("%w: %w", crawler.ErrTransport, err)
	}
}

// decode converts the body to UTF-8 when the server did not declare a charset.
// colly already transcodes bodies whose Content-Type names one.
func (f *Fetcher) decode(result pageResult) (string, error) {
	if f.encoding == nil || declaresCharset(result.contentType) {
		return string(result.body), nil
	}
	return decodeWith(f.encoding, f.cfg.Charset, result.body)
}

// DecodeText converts b from the named charset (WHATWG label) to UTF-8.
func DecodeText(b []byte, charset string) (string, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", fmt.Errorf("%w: unknown charset %q", crawler.ErrConfiguration, charset)
	}
	return decodeWith(enc, charset, b)
}

func decodeWith(enc encoding.Encoding, name string, b []byte) (string, error) {
	text, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode %s body: %w", name, err)
	}
	return string(text), nil
}

func declaresCharset(contentType string) bool {
	if contentType == "" {
		return false
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := params["charset"]
	return ok
}

func (f *Fetcher) pageHeaders() http.Header {
	h := http.Header{}
	if f.cfg.UserAgent != "" {
		h.Set("User-Agent", f.cfg.UserAgent)
	}
	if f.cfg.Referer != "" {
		h.Set("Referer", f.cfg.Referer)
	}
	if f.cfg.Host != "" {
		h.Set("Host", f.cfg.Host)
	}
	return h
}

// Stream opens a media download. The caller must close the returned body.
func (f *Fetcher) Stream(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := f.wait(ctx, rawURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build media request: %w", crawler.ErrTransport, err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	if f.cfg.Referer != "" {
		req.Header.Set("Referer", f.cfg.Referer)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("media fetch canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", crawler.ErrTransport, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_ = resp.Body.Close()
		return nil, &crawler.StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

func (f *Fetcher) wait(ctx context.Context, rawURL string) error {
	if f.limiter == nil {
		return nil
	}
	if err := f.limiter.Wait(ctx, rawURL); err != nil {
		return fmt.Errorf("throttle %s: %w", rawURL, err)
	}
	return nil
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
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
