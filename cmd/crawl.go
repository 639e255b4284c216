package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/guqu-crawler/internal/app"
	"github.com/JakeFAU/guqu-crawler/internal/crawler"
)

type crawlOptions struct {
	categories []string
	output     string
	media      bool
}

func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl and persists the records",
		Long: `Walks the home page, category pagination, listing pages and detail pages,
then stores one record per resolved track in the configured record sink.
With --media the resources are downloaded into the media store as well.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runCrawl(cmd.Context(), a, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&opts.categories, "category", nil, "category allow-list (default from config)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", `write the crawl result as JSON to this file ("-" for stdout)`)
	cmd.Flags().BoolVar(&opts.media, "media", false, "download media for the crawled records")
	return cmd
}

func runCrawl(ctx context.Context, a *app.App, opts *crawlOptions, stdout io.Writer) error {
	logger := a.Logger
	result, crawlErr := a.Pipeline.Crawl(ctx, opts.categories)
	if started, err := a.IDs.StartedAt(result.RunID); err == nil {
		logger = logger.With(zap.String("run_id", result.RunID), zap.Time("run_started_at", started))
	}
	for _, st := range result.Stats {
		logger.Info("stage summary",
			zap.String("stage", st.Stage),
			zap.Int("input", st.Input),
			zap.Int("succeeded", st.Succeeded),
			zap.Int("failed", st.Failed),
			zap.Int("retries", st.Retries),
			zap.Duration("elapsed", st.Duration),
		)
	}

	if rows := crawler.NewStoredRecords(result, a.Clock.Now()); len(rows) > 0 {
		// An interrupted crawl still persists what it collected.
		persistCtx, stop := crawler.Detach(ctx, crawler.PersistTimeout)
		ids, err := a.Records.CreateRecords(persistCtx, rows)
		stop()
		if err != nil {
			return fmt.Errorf("persist records: %w", err)
		}
		logger.Info("records persisted", zap.Int("count", len(ids)))
	}
	if err := writeResult(opts.output, result, stdout); err != nil {
		return err
	}
	if crawlErr != nil {
		return fmt.Errorf("crawl: %w", crawlErr)
	}
	if !opts.media || len(result.Records) == 0 {
		return nil
	}
	return materialize(ctx, a, result.Records)
}

func writeResult(output string, result crawler.CrawlResult, stdout io.Writer) error {
	if output == "" {
		return nil
	}
	w := stdout
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// materialize downloads records into the media store, ticking a progress bar
// as each record lands or gives up.
func materialize(ctx context.Context, a *app.App, records []crawler.DownloadRecord) error {
	bar := newProgressBar(len(records), "media")
	update := func(ctx context.Context, u crawler.MediaUpdate) error {
		_ = bar.Add(1)
		return a.Records.UpdateMedia(ctx, u)
	}
	files, err := a.Pipeline.Materialize(ctx, a.Media, records, update)
	_ = bar.Finish()

	fetched, failed := 0, 0
	for _, f := range files {
		switch f.MediaStatus {
		case crawler.MediaFetched:
			fetched++
		case crawler.MediaFailed:
			failed++
			a.Logger.Warn("media download failed",
				zap.String("external_id", f.ExternalID),
				zap.String("url", f.ResourceURL),
				zap.String("error", f.Error),
			)
		}
	}
	a.Logger.Info("media summary", zap.Int("fetched", fetched), zap.Int("failed", failed))
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("materialize: %w", err)
	}
	return nil
}

func newProgressBar(n int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(n,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
