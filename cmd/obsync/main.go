package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/kacper-wojtaszczyk/obsync/internal/adapters/cds"
	"github.com/kacper-wojtaszczyk/obsync/internal/adapters/httpsource"
	"github.com/kacper-wojtaszczyk/obsync/internal/config"
	"github.com/kacper-wojtaszczyk/obsync/internal/ingestion"
	"github.com/kacper-wojtaszczyk/obsync/internal/ledger"
	"github.com/kacper-wojtaszczyk/obsync/internal/normalize"
	"github.com/kacper-wojtaszczyk/obsync/internal/storage"
	"github.com/kacper-wojtaszczyk/obsync/internal/writer"
)

var (
	// Version is the latest tag (set at build time)
	Version = "git"
)

func main() {
	// Configure the global logger; the level is raised or lowered once config is loaded.
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// Ensure environment variables are loaded
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load env vars", "error", err)
	}

	// Create a cancellable context (for graceful shutdown)
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)

	env := &environment{stdout: os.Stdout, level: level}
	err := newApp(env).RunContext(ctx, os.Args)
	cancel()

	code := exitCode(err)
	if err != nil {
		slog.Error("obsync failed", "error", err, "exit_code", code)
	}
	os.Exit(code)
}

// environment carries process-wide state into the commands.
type environment struct {
	stdout io.Writer
	level  *slog.LevelVar
	cfg    *config.Config

	// newFetcher and openStore default to the production fetcher and storage.Open.
	newFetcher func(cfg *config.Config) ingestion.Fetcher
	openStore  func(ctx context.Context, creds *config.Credentials, bucket string) (storage.Bucket, error)
}

func newApp(env *environment) *cli.App {
	if env.newFetcher == nil {
		env.newFetcher = defaultFetcher
	}
	if env.openStore == nil {
		env.openStore = storage.Open
	}

	return &cli.App{
		Name:    "obsync",
		Usage:   "Synchronize observational datasets into a chunked object store.",
		Version: Version,
		Description: `obsync fetches observation products from their publishers, normalizes
them into labelled arrays and writes them as Zarr objects. Existing objects
are extended along their append dimension.`,
		Writer: env.stdout,
		Before: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			env.cfg = cfg
			if env.level != nil {
				env.level.Set(cfg.LogLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			sendCommand(env),
			sendWithDaskCommand(env),
			updateCommand(env),
			syncCommand(env),
			attrsCommand(env),
			unlockCommand(env),
			historyCommand(env),
		},
	}
}

func defaultFetcher(cfg *config.Config) ingestion.Fetcher {
	client := httpsource.NewClient(cfg.FetchRetryMax, cfg.FetchTimeout)
	if cfg.CDSAPIKey != "" {
		client.Register(cds.Scheme, cds.NewClient(cfg.CDSBaseURL, cfg.CDSAPIKey, cfg.FetchRetryMax, cfg.FetchTimeout))
	}
	return client
}

// newService wires the pipeline for one invocation.
func (env *environment) newService(ctx context.Context, creds *config.Credentials, compute config.Compute, overwrite bool) (*ingestion.Service, func()) {
	writers := func(ctx context.Context, bucket string) (ingestion.Writer, error) {
		store, err := env.openStore(ctx, creds, bucket)
		if err != nil {
			return nil, err
		}
		return writer.New(store, writer.Options{Compute: compute, LockTTL: env.cfg.LockTTL}), nil
	}

	opts := ingestion.Options{StagingDir: env.cfg.StagingDir, Overwrite: overwrite}
	closeLedger := func() {}
	if env.cfg.LedgerDSN != "" {
		l, err := openLedger(ctx, env.cfg.LedgerDSN)
		if err != nil {
			slog.WarnContext(ctx, "run ledger unavailable", "error", err)
		} else {
			opts.Recorder = l
			closeLedger = func() { _ = l.Close() }
		}
	}

	return ingestion.NewService(env.newFetcher(env.cfg), normalize.NewNormalizer(), writers, opts), closeLedger
}

func openLedger(ctx context.Context, dsn string) (*ledger.Ledger, error) {
	l, err := ledger.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := l.Migrate(ctx); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}
