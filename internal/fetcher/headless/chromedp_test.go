package headless

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/market-index-scraper/internal/crawler"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{MaxParallel: -1}); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	transport, err := NewChromedp(Config{MaxParallel: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer transport.Close()
	if cap(transport.limiter) != 2 {
		t.Fatalf("expected limiter capacity 2, got %d", cap(transport.limiter))
	}
	if transport.cfg.NavigationTimeout != defaultNavigationTimeout {
		t.Fatalf("expected default navigation timeout, got %v", transport.cfg.NavigationTimeout)
	}
}

func TestTransportDefaults(t *testing.T) {
	t.Parallel()

	transport := &Transport{}
	if got := transport.navTimeout(); got != 45*time.Second {
		t.Fatalf("expected default nav timeout, got %v", got)
	}
	if got := transport.waitSelector(); got != "body" {
		t.Fatalf("expected body selector, got %q", got)
	}
	transport.cfg.NavigationTimeout = time.Second
	transport.cfg.WaitSelector = "table"
	if got := transport.navTimeout(); got != time.Second {
		t.Fatalf("expected override to be used, got %v", got)
	}
	if got := transport.waitSelector(); got != "table" {
		t.Fatalf("expected override selector, got %q", got)
	}
}

func TestResponseMetaCapture(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	if got := meta.statusOrDefault(); got != 0 {
		t.Fatalf("expected zero status before capture, got %d", got)
	}

	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500},
	})
	if got := meta.statusOrDefault(); got != 0 {
		t.Fatalf("non-document responses must be ignored, got %d", got)
	}

	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  200,
			Headers: network.Headers{"Content-Type": "text/html"},
		},
	})
	if got := meta.statusOrDefault(); got != 200 {
		t.Fatalf("expected 200, got %d", got)
	}

	// A later document (e.g. an iframe) does not override a final 2xx.
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404},
	})
	if got := meta.statusOrDefault(); got != 200 {
		t.Fatalf("expected first 2xx to stick, got %d", got)
	}
}

func TestResponseMetaRedirectThenError(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 302},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 503},
	})
	status := meta.statusOrDefault()
	if status != 503 {
		t.Fatalf("expected 503 after redirect, got %d", status)
	}
	if err := crawler.CheckStatus("https://example.com", status); !crawler.IsStatusError(err) {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	transport := &Transport{limiter: make(chan struct{}, 1)}
	if err := transport.acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := transport.acquire(ctx); err == nil {
		t.Fatal("expected acquire to fail while the only slot is held")
	}
	transport.release()
	if err := transport.acquire(context.Background()); err != nil {
		t.Fatalf("slot should be free after release: %v", err)
	}

	unlimited := &Transport{}
	if err := unlimited.acquire(context.Background()); err != nil {
		t.Fatalf("unlimited transport should never block: %v", err)
	}
	unlimited.release()
}
