// Package collyfetcher implements download.Transport using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdscrape/internal/download"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxBodySize = 32 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	Headers     http.Header
}

// RequestObserver is notified once per completed HTTP exchange. code is 0
// when no response was received.
type RequestObserver interface {
	ObserveRequest(origin string, code int)
}

// Fetcher implements download.Transport using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	observer      RequestObserver
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithObserver reports every exchange to o.
func WithObserver(o RequestObserver) Option {
	return func(f *Fetcher) { f.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithHTTPTransport replaces the pooled default round tripper.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		if rt != nil {
			f.baseCollector.WithTransport(rt)
		}
	}
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.MaxBodySize = cfg.MaxBodySize
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	f := &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// exchange collects what the collector callbacks saw for one request.
type exchange struct {
	body      []byte
	status    int
	err       error
	truncated bool
}

// Fetch GETs locator and returns the full body. Non-2xx responses become
// *download.StatusError; an empty body or one cut short by MaxBodySize is
// download.ErrMalformed.
func (f *Fetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	origin, err := download.OriginOf(locator)
	if err != nil {
		return nil, err
	}
	var ex exchange
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, &ex)

	err = collector.Visit(locator)
	f.observe(origin, ex.status)
	if err == nil {
		err = ex.err
	}
	if err != nil && ex.status != 0 {
		// colly reports every status past 202 through OnError.
		return nil, &download.StatusError{Code: ex.status, Locator: locator}
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, fmt.Errorf("colly visit %s: %w", locator, err)
	}
	if ex.truncated {
		return nil, fmt.Errorf("%s: body exceeds %d bytes: %w", locator, f.cfg.MaxBodySize, download.ErrMalformed)
	}
	if len(ex.body) == 0 {
		return nil, fmt.Errorf("%s: empty body: %w", locator, download.ErrMalformed)
	}
	f.logger.Debug("fetched", zap.String("locator", locator), zap.Int("bytes", len(ex.body)))
	return ex.body, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, ex *exchange) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range f.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		ex.status = r.StatusCode
		ex.body = append([]byte(nil), r.Body...)
		ex.truncated = f.truncated(r)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			ex.status = r.StatusCode
		}
		ex.err = err
	})
}

// truncated reports whether colly stopped reading at MaxBodySize or the
// server promised more bytes than arrived.
func (f *Fetcher) truncated(r *colly.Response) bool {
	if len(r.Body) >= f.cfg.MaxBodySize {
		return true
	}
	if r.Headers == nil {
		return false
	}
	declared, err := strconv.ParseInt(r.Headers.Get("Content-Length"), 10, 64)
	return err == nil && declared > int64(len(r.Body))
}

func (f *Fetcher) observe(origin download.Origin, code int) {
	if f.observer != nil {
		f.observer.ObserveRequest(string(origin), code)
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
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
