// Package headless implements crawler.Transport with a headless Chrome, for
// quote pages that only render their tables client-side.
package headless

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/market-index-scraper/internal/crawler"
)

const defaultNavigationTimeout = 45 * time.Second

// Config controls the behavior of the headless transport.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector is awaited before the DOM is captured; "body" when empty.
	WaitSelector string
}

// Transport implements crawler.Transport using chromedp.
type Transport struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless transport backed by chromedp.
func NewChromedp(cfg Config) (*Transport, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Transport{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context and shuts the browser down.
func (t *Transport) Close() {
	t.allocCancel()
}

// Get navigates to url and returns the rendered DOM of a 2xx document.
func (t *Transport) Get(ctx context.Context, url string) ([]byte, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	taskCtx, taskCancel := chromedp.NewContext(t.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, t.navTimeout())
	defer cancel()

	// Tie the browser tab to the caller's context as well.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	html, err := t.runHeadless(taskCtx, url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("headless fetch canceled: %w", ctxErr)
		}
		return nil, err
	}

	if status := meta.statusOrDefault(); status != 0 {
		if err := crawler.CheckStatus(url, status); err != nil {
			return nil, err
		}
	}
	return []byte(html), nil
}

func (t *Transport) runHeadless(ctx context.Context, url string) (string, error) {
	var html string
	actions := []chromedp.Action{
		t.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady(t.waitSelector(), chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (t *Transport) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if t.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(t.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (t *Transport) acquire(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	select {
	case t.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (t *Transport) release() {
	if t.limiter == nil {
		return
	}
	select {
	case <-t.limiter:
	default:
	}
}

func (t *Transport) navTimeout() time.Duration {
	if t.cfg.NavigationTimeout > 0 {
		return t.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

func (t *Transport) waitSelector() string {
	if t.cfg.WaitSelector != "" {
		return t.cfg.WaitSelector
	}
	return "body"
}

// responseMeta records the status of the main document response.
type responseMeta struct {
	mu     sync.RWMutex
	status int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Redirect chains report several documents; keep the first final one.
	if m.status != 0 && m.status < 300 {
		return
	}
	m.status = int(event.Response.Status)
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// statusOrDefault returns the captured document status, or 0 when the
// browser never reported one.
func (m *responseMeta) statusOrDefault() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}
