package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-index-scraper/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Output.Dir = t.TempDir()
	cfg.HTTP.RetryBackoff = 10 * time.Millisecond
	cfg.HTTP.Timeout = 2 * time.Second
	cfg.Scraper.BatchDeadline = 10 * time.Second
	return cfg
}

func TestBuildAndRunOnce(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, cacPage)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	targetsFile := filepath.Join(t.TempDir(), "europe.json")
	require.NoError(t, os.WriteFile(targetsFile, []byte(fmt.Sprintf(
		`[["%s/cac40","CAC40"],["%s/missing","GONE"],["%s/off","OFF",false]]`,
		srv.URL, srv.URL, srv.URL,
	)), 0o600))
	cfg.Scraper.TargetsFile = targetsFile
	cfg.Archive.Backend = config.ArchiveLocal
	cfg.Archive.BaseDir = t.TempDir()

	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NotNil(t, a.Pipeline())

	run, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, run.Summary.Targets)
	require.Equal(t, 1, run.Summary.Fetched)
	require.Equal(t, 1, run.Summary.Failed)
	require.Len(t, run.Records, 1)
	require.True(t, strings.HasPrefix(filepath.Base(run.ReportPath), "indices_"))
	require.True(t, strings.HasSuffix(run.ReportPath, "_europe.csv"))
	require.True(t, strings.HasPrefix(run.ReportURI, "file://"))

	data, err := os.ReadFile(run.ReportPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "CAC40;7512,300;04/03/24;7530,000;05/03/24;7401,550")

	archived, err := os.ReadFile(filepath.Join(cfg.Archive.BaseDir, "indexscraper", "reports", filepath.Base(run.ReportPath)))
	require.NoError(t, err)
	require.Equal(t, data, archived)
}

func TestRunOnceMissingTargetsFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Scraper.TargetsFile = filepath.Join(t.TempDir(), "urls.json")
	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	_, err = a.RunOnce(context.Background())
	require.ErrorContains(t, err, "targets file not found")
}

func TestBuildFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(t *testing.T, cfg *config.Config)
		want   string
	}{
		{
			name:   "zero concurrency",
			mutate: func(_ *testing.T, cfg *config.Config) { cfg.Scraper.Concurrency = 0 },
			want:   "concurrency gate init failed",
		},
		{
			name: "unwritable local archive",
			mutate: func(t *testing.T, cfg *config.Config) {
				blocker := filepath.Join(t.TempDir(), "file")
				require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
				cfg.Archive.Backend = config.ArchiveLocal
				cfg.Archive.BaseDir = filepath.Join(blocker, "archive")
			},
			want: "local blob store init failed",
		},
		{
			name:   "bad dsn",
			mutate: func(_ *testing.T, cfg *config.Config) { cfg.DB.DSN = "postgres://bad:5432:x/?sslmode=nope" },
			want:   "snapshot store init failed",
		},
		{
			name: "bad headless parallelism",
			mutate: func(_ *testing.T, cfg *config.Config) {
				cfg.HTTP.Transport = config.TransportHeadless
				cfg.Headless.MaxParallel = -1
			},
			want: "headless transport init failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			tt.mutate(t, &cfg)
			_, err := Build(context.Background(), cfg, zap.NewNop())
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestBuildMemoryArchive(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Archive.Backend = config.ArchiveMemory
	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NotNil(t, a.pipeline.archive)
	require.Nil(t, a.pipeline.snapshots)
	require.Nil(t, a.pipeline.publisher)
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.Port = 0
	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
