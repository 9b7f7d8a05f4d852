// cmd/archiver/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tendant/simple-annotator/internal/archive"
	"github.com/tendant/simple-annotator/internal/blob"
	"github.com/tendant/simple-annotator/internal/bus"
	"github.com/tendant/simple-annotator/internal/profile"
	"github.com/tendant/simple-annotator/internal/registry"
)

type config struct {
	NATSURL         string
	StreamName      string
	RequestSubject  string
	CompleteSubject string
	Durable         string
	AckWait         time.Duration
	MaxMessages     int
	WaitTime        time.Duration
	RegistryPath    string
	BlobBackend     string
	BlobDir         string
	ArchiveDir      string
	AWSRegion       string
	S3Endpoint      string
	ResultsBucket   string
	GlacierVault    string
	Retention       time.Duration
	ProfileBackend  string
	AccountsDBURL   string
	DefaultTier     string
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("archiver starting",
		"nats_url", cfg.NATSURL, "complete_subject", cfg.CompleteSubject, "durable", cfg.Durable,
		"results_bucket", cfg.ResultsBucket, "retention", cfg.Retention, "blob_backend", cfg.BlobBackend)

	reg, err := registry.OpenSQLite(cfg.RegistryPath)
	if err != nil {
		fatal(logger, "open job registry", err, "path", cfg.RegistryPath)
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, archiver, err := buildTiers(ctx, cfg)
	if err != nil {
		fatal(logger, "build storage tiers", err)
	}

	profiles, err := buildProfiles(ctx, cfg)
	if err != nil {
		fatal(logger, "build profile lookup", err)
	}

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	defer nc.Close()

	if err := nc.EnsureStream(cfg.StreamName, cfg.RequestSubject, cfg.CompleteSubject); err != nil {
		fatal(logger, "ensure stream", err, "stream", cfg.StreamName)
	}
	queue, err := nc.PullQueue(cfg.CompleteSubject, cfg.Durable, cfg.AckWait)
	if err != nil {
		fatal(logger, "bind completion queue", err, "subject", cfg.CompleteSubject)
	}

	worker := archive.New(queue, reg, store, archiver, profiles, archive.Config{
		ResultBucket: cfg.ResultsBucket,
		Retention:    cfg.Retention,
		BatchSize:    cfg.MaxMessages,
		PollWait:     cfg.WaitTime,
	}, logger)

	logger.Info("polling for completion events", "subject", cfg.CompleteSubject)
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		fatal(logger, "worker stopped", err)
	}
	logger.Info("archiver stopped")
}

func buildTiers(ctx context.Context, cfg config) (blob.Store, blob.Archiver, error) {
	switch cfg.BlobBackend {
	case "s3":
		store, err := blob.NewS3Store(ctx, cfg.AWSRegion, cfg.S3Endpoint)
		if err != nil {
			return nil, nil, err
		}
		archiver, err := blob.NewGlacierArchiver(ctx, cfg.AWSRegion, cfg.GlacierVault, store)
		if err != nil {
			return nil, nil, err
		}
		return store, archiver, nil
	case "local":
		store, err := blob.NewFSStore(cfg.BlobDir)
		if err != nil {
			return nil, nil, err
		}
		archiver, err := blob.NewFSArchiver(store, cfg.ArchiveDir)
		if err != nil {
			return nil, nil, err
		}
		return store, archiver, nil
	default:
		return nil, nil, fmt.Errorf("unknown BLOB_BACKEND %q", cfg.BlobBackend)
	}
}

func buildProfiles(ctx context.Context, cfg config) (profile.Lookup, error) {
	switch cfg.ProfileBackend {
	case "postgres":
		return profile.NewPostgres(ctx, cfg.AccountsDBURL)
	case "static":
		return &profile.Static{Default: profile.Tier(cfg.DefaultTier)}, nil
	default:
		return nil, fmt.Errorf("unknown PROFILE_BACKEND %q", cfg.ProfileBackend)
	}
}

func loadConfig() (config, error) {
	cfg := config{
		NATSURL:         getenv("NATS_URL", "nats://127.0.0.1:4222"),
		StreamName:      getenv("STREAM_NAME", "ANNOTATIONS"),
		RequestSubject:  getenv("REQUEST_SUBJECT", "annotations.requests"),
		CompleteSubject: getenv("COMPLETE_SUBJECT", "annotations.complete"),
		Durable:         getenv("COMPLETE_DURABLE", "archiver-workers"),
		RegistryPath:    getenv("REGISTRY_PATH", "./data/annotations.db"),
		BlobBackend:     getenv("BLOB_BACKEND", "s3"),
		BlobDir:         getenv("BLOB_DIR", "./data/blobs"),
		ArchiveDir:      getenv("ARCHIVE_DIR", "./data/archive"),
		AWSRegion:       getenv("AWS_REGION", "us-east-1"),
		S3Endpoint:      getenv("AWS_S3_ENDPOINT", ""),
		ResultsBucket:   getenv("RESULTS_BUCKET", "annotation-results"),
		GlacierVault:    getenv("GLACIER_VAULT", "annotation-archive"),
		ProfileBackend:  getenv("PROFILE_BACKEND", "postgres"),
		AccountsDBURL:   getenv("ACCOUNTS_DATABASE_URL", ""),
		DefaultTier:     getenv("DEFAULT_TIER", "free"),
	}

	ackWait, err := parsePositiveInt(getenv("ACK_WAIT_SECONDS", "120"), "ACK_WAIT_SECONDS")
	if err != nil {
		return config{}, err
	}
	cfg.AckWait = time.Duration(ackWait) * time.Second

	maxMessages, err := parsePositiveInt(getenv("MAX_MESSAGES", "10"), "MAX_MESSAGES")
	if err != nil {
		return config{}, err
	}
	cfg.MaxMessages = maxMessages

	waitTime, err := parsePositiveInt(getenv("WAIT_TIME_SECONDS", "10"), "WAIT_TIME_SECONDS")
	if err != nil {
		return config{}, err
	}
	cfg.WaitTime = time.Duration(waitTime) * time.Second

	retention, err := strconv.Atoi(getenv("RETENTION_SECONDS", "300"))
	if err != nil {
		return config{}, fmt.Errorf("invalid RETENTION_SECONDS: %w", err)
	}
	if retention < 0 {
		return config{}, fmt.Errorf("RETENTION_SECONDS must not be negative (got %d)", retention)
	}
	cfg.Retention = time.Duration(retention) * time.Second

	if cfg.ProfileBackend == "postgres" && cfg.AccountsDBURL == "" {
		return config{}, fmt.Errorf("ACCOUNTS_DATABASE_URL must be set for PROFILE_BACKEND=postgres")
	}

	return cfg, nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
