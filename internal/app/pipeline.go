package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/market-index-scraper/internal/crawler"
	"github.com/JakeFAU/market-index-scraper/internal/id/uuid"
	"github.com/JakeFAU/market-index-scraper/internal/metrics"
	"github.com/JakeFAU/market-index-scraper/internal/report"
	"github.com/JakeFAU/market-index-scraper/internal/targets"
)

// EventRunCompleted is the event type published after every run.
const EventRunCompleted = "run.completed"

const pageContentType = "text/html; charset=utf-8"

// BatchRunner fetches a batch of targets.
type BatchRunner interface {
	Run(ctx context.Context, targets []crawler.FetchTarget) ([]crawler.FetchResult, crawler.RunSummary)
}

// RecordExtractor turns page content into a record.
type RecordExtractor interface {
	Extract(content, name string) crawler.IndexRecord
}

// PipelineConfig tunes where a run's outputs go.
type PipelineConfig struct {
	OutputDir       string
	Local           bool
	ArchivePrefix   string
	MetricsTextfile string
	// SinkTimeout bounds archive, snapshot and publish work after the batch.
	SinkTimeout time.Duration
	// HomeDir and WorkDir override directory lookup; used by tests.
	HomeDir func() (string, error)
	WorkDir func() (string, error)
}

// Pipeline runs one scrape end to end: fetch, extract, write the CSV, then
// fan out to the optional sinks. Sinks are nil when disabled.
type Pipeline struct {
	batch     BatchRunner
	extractor RecordExtractor
	archive   crawler.BlobStore
	snapshots crawler.SnapshotStore
	publisher crawler.Publisher
	hasher    crawler.Hasher
	clock     crawler.Clock
	cfg       PipelineConfig
	logger    *zap.Logger
}

// PipelineDeps collects the collaborators of a Pipeline. Archive, Snapshots
// and Publisher may be nil.
type PipelineDeps struct {
	Batch     BatchRunner
	Extractor RecordExtractor
	Archive   crawler.BlobStore
	Snapshots crawler.SnapshotStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Clock     crawler.Clock
}

// NewPipeline assembles a Pipeline.
func NewPipeline(deps PipelineDeps, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		batch:     deps.Batch,
		extractor: deps.Extractor,
		archive:   deps.Archive,
		snapshots: deps.Snapshots,
		publisher: deps.Publisher,
		hasher:    deps.Hasher,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// RunCompletedEvent is the payload published after a run.
type RunCompletedEvent struct {
	RunID            string    `json:"run_id"`
	ReportURI        string    `json:"report_uri,omitempty"`
	ReportFile       string    `json:"report_file"`
	Records          int       `json:"records"`
	Failed           int       `json:"failed"`
	Canceled         int       `json:"canceled"`
	DeadlineExceeded bool      `json:"deadline_exceeded"`
	FinishedAt       time.Time `json:"finished_at"`
}

// RunFile loads the targets file and runs the pipeline over its enabled
// entries. Targets file errors are returned before any fetch starts.
func (p *Pipeline) RunFile(ctx context.Context, targetsFile string) (crawler.RunReport, error) {
	all, err := targets.Load(targetsFile)
	if err != nil {
		return crawler.RunReport{}, fmt.Errorf("load targets: %w", err)
	}
	return p.Run(ctx, targetsFile, all)
}

// Run scrapes the enabled entries of all and writes the report. Only a
// failure to write the report is returned; sink failures are logged.
func (p *Pipeline) Run(ctx context.Context, targetsFile string, all []crawler.FetchTarget) (crawler.RunReport, error) {
	enabled := targets.Enabled(all)
	reportPath, err := report.ResolvePath(report.PathOptions{
		Dir:         p.cfg.OutputDir,
		Local:       p.cfg.Local,
		TargetsFile: targetsFile,
		Now:         p.clock.Now(),
		HomeDir:     p.cfg.HomeDir,
		WorkDir:     p.cfg.WorkDir,
	})
	if err != nil {
		return crawler.RunReport{}, fmt.Errorf("resolve report path: %w", err)
	}
	p.logger.Info("report path resolved",
		zap.String("path", reportPath),
		zap.Int("targets", len(all)),
		zap.Int("enabled", len(enabled)),
	)

	results, summary := p.batch.Run(ctx, enabled)
	logger := p.logger.With(zap.String("run_id", summary.RunID))

	records := make([]crawler.IndexRecord, 0, len(results))
	snapshots := make([]crawler.Snapshot, 0, len(results))
	pages := make([]crawler.FetchResult, 0, len(results))
	for _, res := range results {
		if res.Absent() {
			continue
		}
		logger.Debug("extracting", zap.String("name", res.Target.Name))
		rec := p.extractor.Extract(res.Content, res.Target.Name)
		records = append(records, rec)
		snapshots = append(snapshots, crawler.Snapshot{
			RunID:     summary.RunID,
			URL:       res.Target.URL,
			Record:    rec,
			ScrapedAt: summary.FinishedAt,
		})
		pages = append(pages, res)
	}

	var buf bytes.Buffer
	if err := report.Write(&buf, records); err != nil {
		return crawler.RunReport{}, fmt.Errorf("render report: %w", err)
	}
	if err := os.WriteFile(reportPath, buf.Bytes(), 0o644); err != nil {
		return crawler.RunReport{}, fmt.Errorf("write report: %w", err)
	}
	for _, rec := range records {
		logger.Info("record written", zap.Strings("row", report.Row(rec)))
	}
	metrics.AddRecords(len(records))

	out := crawler.RunReport{
		Summary:    summary,
		Records:    records,
		ReportPath: reportPath,
		ReportCSV:  buf.Bytes(),
	}
	out.ReportURI = p.runSinks(ctx, logger, out, pages, snapshots)

	logger.Info("run finished",
		zap.String("report", reportPath),
		zap.Int("records", len(records)),
		zap.Duration("duration", summary.Duration()),
	)
	return out, nil
}

// runSinks archives, stores and publishes the run. It returns the archived
// report URI, or "" when archiving is disabled or failed.
func (p *Pipeline) runSinks(
	ctx context.Context,
	logger *zap.Logger,
	run crawler.RunReport,
	pages []crawler.FetchResult,
	snapshots []crawler.Snapshot,
) string {
	timeout := p.cfg.SinkTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// The batch context may already be spent; sinks still deserve a try.
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var reportURI string
	var g errgroup.Group
	if p.archive != nil {
		g.Go(func() error {
			p.archivePages(sinkCtx, logger, run.Summary, pages)
			uri, err := p.archive.PutObject(sinkCtx,
				path.Join(p.cfg.ArchivePrefix, "reports", path.Base(run.ReportPath)),
				report.ContentType,
				bytes.NewReader(run.ReportCSV),
			)
			if err != nil {
				logger.Error("archive report failed", zap.Error(err))
				return nil
			}
			reportURI = uri
			return nil
		})
	}
	if p.snapshots != nil && len(snapshots) > 0 {
		g.Go(func() error {
			if err := p.snapshots.SaveSnapshots(sinkCtx, snapshots); err != nil {
				logger.Error("save snapshots failed", zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if p.publisher != nil {
		event := RunCompletedEvent{
			RunID:            run.Summary.RunID,
			ReportURI:        reportURI,
			ReportFile:       path.Base(run.ReportPath),
			Records:          len(run.Records),
			Failed:           run.Summary.Failed,
			Canceled:         run.Summary.Canceled,
			DeadlineExceeded: run.Summary.DeadlineExceeded,
			FinishedAt:       run.Summary.FinishedAt,
		}
		if id, err := p.publisher.Publish(sinkCtx, EventRunCompleted, event); err != nil {
			logger.Error("publish run event failed", zap.Error(err))
		} else {
			logger.Debug("run event published", zap.String("message_id", id))
		}
	}

	if p.cfg.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(p.cfg.MetricsTextfile); err != nil {
			logger.Error("write metrics textfile failed", zap.Error(err))
		}
	}
	return reportURI
}

// archivePages stores each fetched page under
// <prefix>/pages/<YYYY-MM-DD>/<run_id>/<sha256>.html.
func (p *Pipeline) archivePages(ctx context.Context, logger *zap.Logger, summary crawler.RunSummary, pages []crawler.FetchResult) {
	day := archiveDay(summary)
	runDir := summary.RunID
	if runDir == "" {
		runDir = summary.StartedAt.UTC().Format("150405")
	}
	for _, page := range pages {
		digest, err := p.hasher.Hash([]byte(page.Content))
		if err != nil {
			logger.Error("hash page failed", zap.String("url", page.Target.URL), zap.Error(err))
			continue
		}
		objectPath := path.Join(p.cfg.ArchivePrefix, "pages", day, runDir, digest+".html")
		uri, err := p.archive.PutObject(ctx, objectPath, pageContentType, bytes.NewReader([]byte(page.Content)))
		if err != nil {
			logger.Error("archive page failed", zap.String("url", page.Target.URL), zap.Error(err))
			continue
		}
		logger.Debug("page archived", zap.String("url", page.Target.URL), zap.String("uri", uri))
	}
}

// archiveDay is the UTC day embedded in a UUIDv7 run ID, so a run's pages
// share one directory with its ID. Other IDs fall back to the start time.
func archiveDay(summary crawler.RunSummary) string {
	if created, err := uuid.Timestamp(summary.RunID); err == nil {
		return created.Format(time.DateOnly)
	}
	return summary.StartedAt.UTC().Format(time.DateOnly)
}
