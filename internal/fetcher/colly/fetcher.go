// Package collyfetcher implements crawler.Transport using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/market-index-scraper/internal/crawler"
)

// DefaultTimeout bounds a single GET when Config.Timeout is unset.
const DefaultTimeout = 10 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Transport performs single-page GETs with a Colly collector. It never
// follows links.
type Transport struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Transport.
func New(cfg Config) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.MaxDepth(1),
	)
	// Retries visit the same URL again.
	c.AllowURLRevisit = true
	// Status handling happens in OnResponse so 2xx is the only success range.
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport(cfg.Timeout))
	c.SetRequestTimeout(cfg.Timeout)

	return &Transport{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Get executes a single HTTP GET and returns the body of a 2xx response.
func (t *Transport) Get(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("colly fetch canceled: %w", err)
	}
	var (
		body     []byte
		fetchErr error
	)
	collector := t.baseCollector.Clone()
	t.configureCollectorHooks(collector, url, &body, &fetchErr)

	if err := t.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return nil, err
	}
	return body, nil
}

func (t *Transport) configureCollectorHooks(
	hooks collectorHooks,
	url string,
	body *[]byte,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		if err := crawler.CheckStatus(url, r.StatusCode); err != nil {
			*fetchErr = err
			return
		}
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		if r != nil && r.StatusCode != 0 {
			if statusErr := crawler.CheckStatus(url, r.StatusCode); statusErr != nil {
				err = fmt.Errorf("%w: %w", statusErr, err)
			}
		}
		*fetchErr = err
	})
}

func (t *Transport) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
