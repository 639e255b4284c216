// Package pipeline sequences the crawl stages: home discovery, category
// filtering, pagination discovery, listing and detail resolution, plus the
// optional media materialization stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/guqu-crawler/internal/crawler"
	"github.com/JakeFAU/guqu-crawler/internal/extract"
	"github.com/JakeFAU/guqu-crawler/internal/metrics"
	"github.com/JakeFAU/guqu-crawler/internal/worker"
)

// Stage names used in logs, metrics and CrawlResult.Stats.
const (
	StageHome       = "home"
	StagePagination = "pagination"
	StageListing    = "listing"
	StageDetail     = "detail"
	StageMedia      = "media"
)

const tracerName = "github.com/JakeFAU/guqu-crawler/internal/pipeline"

// StageConfig bounds one scheduler invocation.
type StageConfig struct {
	Concurrency int
	Timeout     time.Duration
	// MaxAttempts counts total attempts; 1 or less runs the stage best-effort.
	MaxAttempts int
	RetryDelay  time.Duration
}

// Config drives a Pipeline.
type Config struct {
	BaseURL string
	// DetailURLTemplate contains an {id} placeholder for the item's external id.
	DetailURLTemplate string
	ListingPagePrefix string
	ListingPageExt    string
	// DefaultCategories is the allow-list used when Crawl receives none.
	DefaultCategories []string

	Pagination StageConfig
	Listing    StageConfig
	Detail     StageConfig
	Media      StageConfig
}

// Pipeline runs crawls against one directory site. It holds no per-run state,
// so concurrent Crawl calls are independent.
type Pipeline struct {
	cfg    Config
	base   *url.URL
	pages  crawler.PageFetcher
	media  crawler.MediaFetcher
	ids    crawler.IDGenerator
	tracer trace.Tracer
	logger *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithMediaFetcher enables Materialize.
func WithMediaFetcher(m crawler.MediaFetcher) Option {
	return func(p *Pipeline) { p.media = m }
}

// WithIDGenerator sets the run id source.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(p *Pipeline) { p.ids = ids }
}

// WithTracerProvider sets the provider stage spans are recorded on; the
// global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) {
		if tp != nil {
			p.tracer = tp.Tracer(tracerName)
		}
	}
}

// New validates cfg and builds a Pipeline.
func New(cfg Config, pages crawler.PageFetcher, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if pages == nil {
		return nil, fmt.Errorf("%w: page fetcher is required", crawler.ErrConfiguration)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("%w: base url %q must be absolute", crawler.ErrConfiguration, cfg.BaseURL)
	}
	if _, err := crawler.DetailURL(base, cfg.DetailURLTemplate, "0"); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{cfg: cfg, base: base, pages: pages, logger: logger, tracer: otel.Tracer(tracerName)}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Crawl runs stages 1 through 5 and returns every record that resolved.
// Per-task failures never fail the crawl; they are reported in Stats. Only a
// failed home fetch or a cancelled ctx returns an error, the latter together
// with whatever was gathered so far.
func (p *Pipeline) Crawl(ctx context.Context, allowed []string) (result crawler.CrawlResult, err error) {
	result = crawler.CrawlResult{RunID: p.newRunID()}
	logger := p.logger.With(zap.String("run_id", result.RunID))
	ctx, span := p.tracer.Start(ctx, "pipeline.crawl", trace.WithAttributes(
		attribute.String("crawl.run_id", result.RunID),
		attribute.StringSlice("crawl.allowed", allowed),
	))
	defer func() {
		span.SetAttributes(attribute.Int("crawl.records", len(result.Records)))
		endSpan(span, err)
	}()

	start := time.Now()
	stageCtx, stageSpan := p.startStage(ctx, StageHome, 1)
	discovered, err := p.discoverCategories(stageCtx)
	endSpan(stageSpan, err)
	result.Stats = append(result.Stats, singleStats(StageHome, start, err))
	if err != nil {
		logger.Error("home discovery failed", zap.String("url", p.cfg.BaseURL), zap.Error(err))
		return result, fmt.Errorf("discover categories: %w", err)
	}
	logger.Info("home discovered", zap.Int("categories", len(discovered)))

	if len(allowed) == 0 {
		allowed = p.cfg.DefaultCategories
	}
	result.Categories = FilterCategories(discovered, allowed)
	if len(result.Categories) == 0 {
		logger.Warn("no category matched the allow-list", zap.Strings("allowed", allowed))
		return result, nil
	}

	stageCtx, stageSpan = p.startStage(ctx, StagePagination, len(result.Categories))
	infos, stats := p.discoverPagination(stageCtx, logger, result.Categories)
	endStage(stageSpan, stats)
	result.Stats = append(result.Stats, stats)
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("crawl canceled during %s: %w", StagePagination, err)
	}
	if len(infos) == 0 {
		logger.Warn("pagination produced nothing; stopping")
		return result, nil
	}

	stageCtx, stageSpan = p.startStage(ctx, StageListing, len(infos))
	items, stats := p.collectListings(stageCtx, logger, infos)
	endStage(stageSpan, stats)
	result.Stats = append(result.Stats, stats)
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("crawl canceled during %s: %w", StageListing, err)
	}
	if len(items) == 0 {
		logger.Warn("listing produced nothing; stopping")
		return result, nil
	}

	stageCtx, stageSpan = p.startStage(ctx, StageDetail, len(items))
	records, stats := p.resolveDetails(stageCtx, logger, items)
	endStage(stageSpan, stats)
	result.Stats = append(result.Stats, stats)
	result.Records = records
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("crawl canceled during %s: %w", StageDetail, err)
	}

	logger.Info("crawl finished",
		zap.Int("categories", len(result.Categories)),
		zap.Int("records", len(result.Records)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

func (p *Pipeline) startStage(ctx context.Context, stage string, input int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pipeline."+stage, trace.WithAttributes(
		attribute.String("stage.name", stage),
		attribute.Int("stage.input", input),
	))
}

func endStage(span trace.Span, stats crawler.StageStats) {
	span.SetAttributes(
		attribute.Int("stage.succeeded", stats.Succeeded),
		attribute.Int("stage.failed", stats.Failed),
	)
	span.End()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (p *Pipeline) discoverCategories(ctx context.Context) ([]crawler.Category, error) {
	text, err := p.pages.FetchText(ctx, p.cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	doc, err := extract.Parse(text)
	if err != nil {
		return nil, err
	}
	return extract.Home(doc, p.base), nil
}

// FilterCategories keeps categories whose name is in allowed (exact match),
// preserving order and re-indexing them 0..n-1.
func FilterCategories(categories []crawler.Category, allowed []string) []crawler.Category {
	keep := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		keep[name] = struct{}{}
	}
	var out []crawler.Category
	for _, c := range categories {
		if _, ok := keep[c.Name]; !ok {
			continue
		}
		c.Index = len(out)
		out = append(out, c)
	}
	return out
}

func (p *Pipeline) discoverPagination(
	ctx context.Context,
	logger *zap.Logger,
	categories []crawler.Category,
) ([]crawler.CategoryPageInfo, crawler.StageStats) {
	tasks := make([]worker.Task[crawler.Category], 0, len(categories))
	for _, c := range categories {
		tasks = append(tasks, worker.Task[crawler.Category]{
			ID:    fmt.Sprintf("%s-%d: %s", c.Name, c.Index, c.SourceURL),
			Input: c,
		})
	}

	handler := func(ctx context.Context, c crawler.Category) (crawler.CategoryPageInfo, error) {
		doc, err := p.fetchDocument(ctx, c.SourceURL)
		if err != nil {
			return crawler.CategoryPageInfo{}, err
		}
		total, size, err := extract.Pagination(doc)
		if err != nil {
			return crawler.CategoryPageInfo{}, err
		}
		info := crawler.CategoryPageInfo{
			Category:       c,
			TotalItemCount: total,
			PageSize:       size,
			PageURLPrefix:  p.cfg.ListingPagePrefix,
			PageURLExt:     p.cfg.ListingPageExt,
		}
		if _, err := info.PageCount(); err != nil {
			return crawler.CategoryPageInfo{}, err
		}
		return info, nil
	}

	start := time.Now()
	report := worker.Run(ctx, tasks, handler, stageOptions[crawler.CategoryPageInfo](StagePagination, p.cfg.Pagination, logger))
	infos := report.Results
	sort.Slice(infos, func(i, j int) bool { return infos[i].Index < infos[j].Index })
	stats := stageStats(StagePagination, len(tasks), start, report.Failures, len(infos), report.Retries)
	logger.Info("pagination discovered",
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("dropped", stats.Failed),
	)
	return infos, stats
}

func (p *Pipeline) collectListings(
	ctx context.Context,
	logger *zap.Logger,
	infos []crawler.CategoryPageInfo,
) ([]crawler.MusicItem, crawler.StageStats) {
	var tasks []worker.Task[crawler.ListingTask]
	for _, info := range infos {
		// Zero page sizes were rejected during pagination discovery.
		listing, err := crawler.ListingTasks(info)
		if err != nil {
			logger.Error("skip category", zap.String("category", info.Name), zap.Error(err))
			continue
		}
		for _, lt := range listing {
			tasks = append(tasks, worker.Task[crawler.ListingTask]{
				ID:    fmt.Sprintf("%s-%d-%d: %s", lt.CategoryName, lt.CategoryIndex, lt.PageIndex, lt.URL),
				Input: lt,
			})
		}
	}

	handler := func(ctx context.Context, lt crawler.ListingTask) ([]crawler.MusicItem, error) {
		doc, err := p.fetchDocument(ctx, lt.URL)
		if err != nil {
			return nil, err
		}
		return extract.Listing(doc, extract.ListingContext{
			CategoryIndex: lt.CategoryIndex,
			CategoryName:  lt.CategoryName,
			PageIndex:     lt.PageIndex,
		}), nil
	}

	start := time.Now()
	report := worker.Run(ctx, tasks, handler, stageOptions[[]crawler.MusicItem](StageListing, p.cfg.Listing, logger))

	var items []crawler.MusicItem
	for _, page := range report.Results {
		items = append(items, page...)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.CategoryIndex != b.CategoryIndex {
			return a.CategoryIndex < b.CategoryIndex
		}
		if a.PageIndex != b.PageIndex {
			return a.PageIndex < b.PageIndex
		}
		return a.LocalIndex < b.LocalIndex
	})
	for i := range items {
		items[i].Seq = i
	}

	if dups := crawler.DuplicateExternalIDs(items); len(dups) > 0 {
		logger.Warn("external ids repeat across listing pages",
			zap.Int("count", len(dups)),
			zap.Strings("external_ids", dups),
		)
	}

	stats := stageStats(StageListing, len(tasks), start, report.Failures, len(report.Results), report.Retries)
	logger.Info("listing collected",
		zap.Int("pages", stats.Succeeded),
		zap.Int("failed_pages", stats.Failed),
		zap.Int("items", len(items)),
	)
	return items, stats
}

func (p *Pipeline) resolveDetails(
	ctx context.Context,
	logger *zap.Logger,
	items []crawler.MusicItem,
) ([]crawler.DownloadRecord, crawler.StageStats) {
	tasks := make([]worker.Task[crawler.MusicItem], 0, len(items))
	for _, it := range items {
		tasks = append(tasks, worker.Task[crawler.MusicItem]{
			ID:    fmt.Sprintf("%s-%s", it.Name, it.ExternalID),
			Input: it,
		})
	}

	handler := func(ctx context.Context, it crawler.MusicItem) (crawler.DownloadRecord, error) {
		detailURL, err := crawler.DetailURL(p.base, p.cfg.DetailURLTemplate, it.ExternalID)
		if err != nil {
			return crawler.DownloadRecord{}, err
		}
		doc, err := p.fetchDocument(ctx, detailURL)
		if err != nil {
			return crawler.DownloadRecord{}, err
		}
		resource, err := extract.Detail(doc)
		if err != nil {
			return crawler.DownloadRecord{}, fmt.Errorf("item %s: %w", it.ExternalID, err)
		}
		return crawler.DownloadRecord{MusicItem: it, ResourceURL: resolve(detailURL, resource)}, nil
	}

	start := time.Now()
	report := worker.Run(ctx, tasks, handler, stageOptions[crawler.DownloadRecord](StageDetail, p.cfg.Detail, logger))
	records := report.Results
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	stats := stageStats(StageDetail, len(tasks), start, report.Failures, len(records), report.Retries)
	logger.Info("details resolved",
		zap.Int("records", stats.Succeeded),
		zap.Int("failed", stats.Failed),
	)
	return records, stats
}

func (p *Pipeline) fetchDocument(ctx context.Context, rawURL string) (*goquery.Document, error) {
	text, err := p.pages.FetchText(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return extract.Parse(text)
}

func stageOptions[Out any](stage string, sc StageConfig, logger *zap.Logger) worker.Options[Out] {
	var retry crawler.RetryPolicy = crawler.NoRetryPolicy{}
	if sc.MaxAttempts > 1 {
		retry = crawler.NewFixedDelayRetryPolicy(sc.MaxAttempts, sc.RetryDelay)
	}
	return worker.Options[Out]{
		Stage:       stage,
		Concurrency: sc.Concurrency,
		Timeout:     sc.Timeout,
		Retry:       retry,
		Logger:      logger.Named(stage),
	}
}

func (p *Pipeline) newRunID() string {
	if p.ids == nil {
		return ""
	}
	id, err := p.ids.NewID()
	if err != nil {
		p.logger.Warn("generate run id", zap.Error(err))
		return ""
	}
	return id
}

// resolve makes a relative resource reference absolute against the page it came from.
func resolve(pageURL, ref string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	return base.ResolveReference(r).String()
}

func stageStats(
	stage string,
	input int,
	start time.Time,
	failures []crawler.TaskFailure,
	succeeded, retries int,
) crawler.StageStats {
	d := time.Since(start)
	metrics.ObserveStage(stage, d)
	return crawler.StageStats{
		Stage:     stage,
		Input:     input,
		Succeeded: succeeded,
		Failed:    len(failures),
		Retries:   retries,
		Duration:  d,
		Failures:  failures,
	}
}

func singleStats(stage string, start time.Time, err error) crawler.StageStats {
	if err == nil {
		return stageStats(stage, 1, start, nil, 1, 0)
	}
	return stageStats(stage, 1, start, []crawler.TaskFailure{{TaskID: stage, Attempts: 1, Err: err}}, 0, 0)
}

// IsCanceled reports whether err came from a cancelled or expired crawl context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
