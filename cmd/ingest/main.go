package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/mediasearch/internal/app"
	"github.com/timmy/mediasearch/internal/config"
	"github.com/timmy/mediasearch/internal/domain"
	"github.com/timmy/mediasearch/internal/logger"
	"github.com/timmy/mediasearch/internal/source/manifest"
	"github.com/urfave/cli/v2"
)

func main() {
	appLogger := logger.NewFromEnv(nil)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCLIApp().RunContext(ctx, os.Args); err != nil {
		appLogger.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}

func newCLIApp() *cli.App {
	return &cli.App{
		Name:  "mediasearch-ingest",
		Usage: "Bulk import and maintenance for the media ingestion pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				EnvVars: []string{"CONFIG_PATH"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "import",
				Usage:  "Import a manifest source and wait for its uploads to finish",
				Action: importCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "source",
						Aliases:  []string{"s"},
						Usage:    "Source directory name under the base path",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "base",
						Usage: "Directory holding source directories (defaults to sources.base_path)",
					},
					&cli.StringFlag{
						Name:  "owner",
						Usage: "Owner for manifest lines that do not name one (defaults to sources.default_owner)",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of items to import, 0 for all",
						Value: 100,
					},
					&cli.BoolFlag{
						Name:  "no-wait",
						Usage: "Exit after submitting instead of waiting for processing",
					},
				},
			},
			{
				Name:   "resume",
				Usage:  "Re-queue uploads left non-terminal by a previous run and process them",
				Action: resumeCommand,
			},
			{
				Name:   "reset",
				Usage:  "Return a failed upload to pending and process it",
				Action: resetCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "id",
						Usage:    "Upload ID",
						Required: true,
					},
				},
			},
			{
				Name:   "stats",
				Usage:  "Print upload counts per status and the oldest failures",
				Action: statsCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "owner",
						Usage: "Restrict counts to one owner",
					},
					&cli.IntFlag{
						Name:  "failures",
						Usage: "Number of failed uploads to list",
						Value: 10,
					},
				},
			},
		},
	}
}

func loadApp(c *cli.Context) (*app.App, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.New(c.Context, cfg)
}

func importCommand(c *cli.Context) error {
	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	base := c.String("base")
	if base == "" {
		base = a.Config.Sources.BasePath
	}
	owner := c.String("owner")
	if owner == "" {
		owner = a.Config.Sources.DefaultOwner
	}
	src := manifest.NewAdapter(base, c.String("source"), owner)

	ctx := c.Context
	total, err := src.GetTotalCount(ctx)
	if err != nil {
		return err
	}
	a.Ingest.Start(ctx)
	defer stopPipeline(a)

	logger.With(logger.Fields{
		"source": src.GetSourceID(),
		"limit":  c.Int("limit"),
		"items":  total,
	}).Info(ctx, "Starting import")

	stats, err := a.Importer.Import(ctx, src, c.Int("limit"))
	if err != nil {
		return err
	}
	logger.With(logger.Fields{
		"total":     stats.TotalItems,
		"submitted": stats.SubmittedItems,
		"uploaded":  stats.UploadedFiles,
		"failed":    stats.FailedItems,
	}).Info(ctx, "Import submitted")

	if c.Bool("no-wait") {
		return nil
	}
	return waitForDrain(ctx, a)
}

func resumeCommand(c *cli.Context) error {
	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := c.Context
	a.Ingest.Start(ctx)
	defer stopPipeline(a)

	n, err := a.Ingest.Resume(ctx)
	if err != nil {
		return err
	}
	logger.With(logger.Fields{logger.FieldCount: n}).Info(ctx, "Resumed uploads")
	if n == 0 {
		return nil
	}
	return waitForDrain(ctx, a)
}

func resetCommand(c *cli.Context) error {
	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := c.Context
	a.Ingest.Start(ctx)
	defer stopPipeline(a)

	if err := a.Ingest.Reset(ctx, c.String("id")); err != nil {
		return err
	}
	return waitForDrain(ctx, a)
}

func statsCommand(c *cli.Context) error {
	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.Uploads.CountByStatus(c.Context, c.String("owner"))
	if err != nil {
		return err
	}
	byStatus := make(map[domain.UploadStatus]int64, len(counts))
	for _, sc := range counts {
		byStatus[sc.Status] = sc.Count
	}
	for _, st := range domain.AllUploadStatuses {
		fmt.Fprintf(c.App.Writer, "%-10s %d\n", st, byStatus[st])
	}

	if n := c.Int("failures"); n > 0 && byStatus[domain.UploadStatusFailed] > 0 {
		failed, err := a.Uploads.ListByStatus(c.Context, domain.UploadStatusFailed, n, 0)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer)
		for _, rec := range failed {
			fmt.Fprintf(c.App.Writer, "%s  %s  attempts=%d  %s\n", rec.ID, rec.FileRef, rec.AttemptCount, rec.Error)
		}
	}
	return nil
}

// waitForDrain blocks until no upload is pending, analyzing or embedding.
func waitForDrain(ctx context.Context, a *app.App) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		counts, err := a.Uploads.CountByStatus(ctx, "")
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		remaining := int64(0)
		for _, sc := range counts {
			if !sc.Status.Terminal() {
				remaining += sc.Count
			}
		}
		if err == nil && remaining == 0 {
			stats := a.Ingest.Stats()
			logger.With(logger.Fields{
				"completed": stats.Completed,
				"failed":    stats.Failed,
				"retried":   stats.Retried,
			}).Info(ctx, "Ingestion finished")
			return nil
		}

		select {
		case <-ctx.Done():
			logger.CtxWarn(ctx, "Interrupted with %d uploads in flight; run resume to continue", remaining)
			return nil
		case <-ticker.C:
		}
	}
}

func stopPipeline(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Ingest.Stop(ctx); err != nil {
		logger.Warn("Ingestion pipeline did not stop cleanly: %v", err)
	}
}
