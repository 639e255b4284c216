package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/guqu-crawler/internal/crawler"
	"github.com/JakeFAU/guqu-crawler/internal/hash/sha256"
	"github.com/JakeFAU/guqu-crawler/internal/metrics"
	"github.com/JakeFAU/guqu-crawler/internal/worker"
)

type mediaJob struct {
	index  int
	record crawler.DownloadRecord
}

// Materialize streams every record's resource into store under
// {category}/{name}-{externalId}{ext} and returns one MediaFile per record, in
// input order. update is called as each download lands (fetched) or gives up
// (failed), one call at a time. A timed-out attempt that completes late is never
// reported as fetched.
func (p *Pipeline) Materialize(
	ctx context.Context,
	store crawler.MediaStore,
	records []crawler.DownloadRecord,
	update crawler.UpdateFunc,
) ([]crawler.MediaFile, error) {
	if p.media == nil {
		return nil, fmt.Errorf("%w: no media fetcher configured", crawler.ErrConfiguration)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: no media store configured", crawler.ErrConfiguration)
	}
	logger := p.logger.Named(StageMedia)
	ctx, span := p.startStage(ctx, StageMedia, len(records))
	defer span.End()

	files := make([]crawler.MediaFile, len(records))
	tasks := make([]worker.Task[mediaJob], len(records))
	byTask := make(map[string]int, len(records))
	for i, rec := range records {
		files[i] = crawler.MediaFile{DownloadRecord: rec, MediaStatus: crawler.MediaPending}
		id := fmt.Sprintf("%d:%s-%s", i, rec.Name, rec.ExternalID)
		tasks[i] = worker.Task[mediaJob]{ID: id, Input: mediaJob{index: i, record: rec}}
		byTask[id] = i
	}

	notify := func(u crawler.MediaUpdate) {
		if update == nil {
			return
		}
		updateCtx, stop := crawler.Detach(ctx, crawler.PersistTimeout)
		defer stop()
		if err := update(updateCtx, u); err != nil {
			logger.Error("media update callback failed",
				zap.String("external_id", u.ExternalID),
				zap.String("media_status", string(u.MediaStatus)),
				zap.Error(err),
			)
		}
	}

	handler := func(ctx context.Context, job mediaJob) (stored, error) {
		out, err := p.download(ctx, store, job.record)
		if err != nil {
			return stored{}, err
		}
		out.index = job.index
		return out, nil
	}

	opts := stageOptions[stored](StageMedia, p.cfg.Media, p.logger)
	opts.OnSuccess = func(_ string, s stored) {
		rec := records[s.index]
		logger.Debug("media stored",
			zap.String("external_id", rec.ExternalID),
			zap.String("path", s.path),
			zap.Int64("bytes", s.size),
			zap.String("sha256", s.checksum),
		)
		notify(crawler.MediaUpdate{
			ExternalID:         rec.ExternalID,
			StoredRelativePath: s.path,
			MediaStatus:        crawler.MediaFetched,
		})
	}
	opts.OnFailure = func(f crawler.TaskFailure) {
		i, ok := byTask[f.TaskID]
		if !ok {
			return
		}
		files[i].MediaStatus = crawler.MediaFailed
		files[i].Error = f.Error()
		notify(crawler.MediaUpdate{ExternalID: records[i].ExternalID, MediaStatus: crawler.MediaFailed})
	}

	start := time.Now()
	report := worker.Run(ctx, tasks, handler, opts)
	for _, s := range report.Results {
		files[s.index].StoredRelativePath = s.path
		files[s.index].MediaStatus = crawler.MediaFetched
		files[s.index].Size = s.size
		files[s.index].Checksum = s.checksum
	}
	stats := stageStats(StageMedia, len(tasks), start, report.Failures, len(report.Results), report.Retries)
	span.SetAttributes(
		attribute.Int("stage.succeeded", stats.Succeeded),
		attribute.Int("stage.failed", stats.Failed),
	)
	logger.Info("media materialized",
		zap.Int("fetched", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("retries", stats.Retries),
		zap.Duration("elapsed", stats.Duration),
	)

	if err := ctx.Err(); err != nil {
		return files, fmt.Errorf("materialize canceled: %w", err)
	}
	return files, nil
}

type stored struct {
	index    int
	path     string
	size     int64
	checksum string
}

func (p *Pipeline) download(ctx context.Context, store crawler.MediaStore, rec crawler.DownloadRecord) (stored, error) {
	if rec.ResourceURL == "" {
		return stored{}, fmt.Errorf("record %s: %w", rec.ExternalID, crawler.ErrMissingResource)
	}
	body, err := p.media.Stream(ctx, rec.ResourceURL)
	if err != nil {
		return stored{}, fmt.Errorf("stream %s: %w", rec.ResourceURL, err)
	}
	defer func() { _ = body.Close() }()

	hashed := sha256.NewReader(body)
	path, err := store.Put(ctx, crawler.MediaRelativePath(rec), hashed)
	metrics.ObserveMediaBytes(hashed.Size())
	if err != nil {
		return stored{}, fmt.Errorf("store %s: %w", rec.ExternalID, err)
	}
	return stored{path: path, size: hashed.Size(), checksum: hashed.Sum()}, nil
}
