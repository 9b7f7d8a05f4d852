// cmd/annotator/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tendant/simple-annotator/internal/annotate"
	"github.com/tendant/simple-annotator/internal/blob"
	"github.com/tendant/simple-annotator/internal/bus"
	"github.com/tendant/simple-annotator/internal/registry"
	"github.com/tendant/simple-annotator/internal/tool"
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
	ScratchDir      string
	RegistryPath    string
	BlobBackend     string
	BlobDir         string
	AWSRegion       string
	S3Endpoint      string
	ResultsBucket   string
	KeyPrefix       string
	ToolCommand     []string
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("annotator starting",
		"nats_url", cfg.NATSURL, "request_subject", cfg.RequestSubject, "durable", cfg.Durable,
		"complete_subject", cfg.CompleteSubject, "scratch_dir", cfg.ScratchDir,
		"results_bucket", cfg.ResultsBucket, "blob_backend", cfg.BlobBackend)

	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		fatal(logger, "ensure scratch directory", err, "scratch_dir", cfg.ScratchDir)
	}

	reg, err := registry.OpenSQLite(cfg.RegistryPath)
	if err != nil {
		fatal(logger, "open job registry", err, "path", cfg.RegistryPath)
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		fatal(logger, "build blob store", err)
	}

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	defer nc.Close()

	if err := nc.EnsureStream(cfg.StreamName, cfg.RequestSubject, cfg.CompleteSubject); err != nil {
		fatal(logger, "ensure stream", err, "stream", cfg.StreamName)
	}
	queue, err := nc.PullQueue(cfg.RequestSubject, cfg.Durable, cfg.AckWait)
	if err != nil {
		fatal(logger, "bind request queue", err, "subject", cfg.RequestSubject)
	}

	worker := annotate.New(queue, reg, store, &tool.ExecRunner{Command: cfg.ToolCommand}, nc, annotate.Config{
		ScratchDir:      cfg.ScratchDir,
		ResultBucket:    cfg.ResultsBucket,
		KeyPrefix:       cfg.KeyPrefix,
		CompleteSubject: cfg.CompleteSubject,
		BatchSize:       cfg.MaxMessages,
		PollWait:        cfg.WaitTime,
	}, logger)

	logger.Info("polling for annotation requests", "subject", cfg.RequestSubject)
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		fatal(logger, "worker stopped", err)
	}
	logger.Info("annotator stopped")
}

func buildStore(ctx context.Context, cfg config) (blob.Store, error) {
	switch cfg.BlobBackend {
	case "s3":
		return blob.NewS3Store(ctx, cfg.AWSRegion, cfg.S3Endpoint)
	case "local":
		return blob.NewFSStore(cfg.BlobDir)
	default:
		return nil, fmt.Errorf("unknown BLOB_BACKEND %q", cfg.BlobBackend)
	}
}

func loadConfig() (config, error) {
	cfg := config{
		NATSURL:         getenv("NATS_URL", "nats://127.0.0.1:4222"),
		StreamName:      getenv("STREAM_NAME", "ANNOTATIONS"),
		RequestSubject:  getenv("REQUEST_SUBJECT", "annotations.requests"),
		CompleteSubject: getenv("COMPLETE_SUBJECT", "annotations.complete"),
		Durable:         getenv("REQUEST_DURABLE", "annotator-workers"),
		ScratchDir:      getenv("SCRATCH_DIR", "./data/jobs"),
		RegistryPath:    getenv("REGISTRY_PATH", "./data/annotations.db"),
		BlobBackend:     getenv("BLOB_BACKEND", "s3"),
		BlobDir:         getenv("BLOB_DIR", "./data/blobs"),
		AWSRegion:       getenv("AWS_REGION", "us-east-1"),
		S3Endpoint:      getenv("AWS_S3_ENDPOINT", ""),
		ResultsBucket:   getenv("RESULTS_BUCKET", "annotation-results"),
		KeyPrefix:       getenv("KEY_PREFIX", "annotations"),
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

	cmd := strings.Fields(getenv("TOOL_COMMAND", ""))
	if len(cmd) == 0 {
		return config{}, fmt.Errorf("TOOL_COMMAND must be set")
	}
	cfg.ToolCommand = cmd

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
