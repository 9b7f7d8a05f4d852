// cmd/submit/main.go
//
// Local intake harness: uploads an input file to the hot tier, creates the
// PENDING job record and publishes the request message. Stands in for the
// web intake layer during development.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/tendant/simple-annotator/internal/blob"
	"github.com/tendant/simple-annotator/internal/bus"
	"github.com/tendant/simple-annotator/internal/registry"
	"github.com/tendant/simple-annotator/pkg/schema"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	userID := flag.String("user", "dev-user", "owning user id")
	input := flag.String("input", "", "path to the input file to submit")
	flag.Parse()
	if *input == "" {
		fatal(logger, "submit", fmt.Errorf("-input is required"))
	}

	natsURL := getenv("NATS_URL", "nats://127.0.0.1:4222")
	streamName := getenv("STREAM_NAME", "ANNOTATIONS")
	requestSubject := getenv("REQUEST_SUBJECT", "annotations.requests")
	completeSubject := getenv("COMPLETE_SUBJECT", "annotations.complete")
	registryPath := getenv("REGISTRY_PATH", "./data/annotations.db")
	blobDir := getenv("BLOB_DIR", "./data/blobs")
	inputsBucket := getenv("INPUTS_BUCKET", "annotation-inputs")
	keyPrefix := getenv("KEY_PREFIX", "annotations")

	ctx := context.Background()

	store, err := blob.NewFSStore(blobDir)
	if err != nil {
		fatal(logger, "open blob store", err)
	}

	reg, err := registry.OpenSQLite(registryPath)
	if err != nil {
		fatal(logger, "open job registry", err, "path", registryPath)
	}
	defer reg.Close()

	nc, err := bus.Connect(natsURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", natsURL)
	}
	defer nc.Close()
	if err := nc.EnsureStream(streamName, requestSubject, completeSubject); err != nil {
		fatal(logger, "ensure stream", err, "stream", streamName)
	}

	jobID := uuid.NewString()
	fileName := filepath.Base(*input)
	inputKey := path.Join(keyPrefix, *userID, jobID+"~"+fileName)

	f, err := os.Open(*input)
	if err != nil {
		fatal(logger, "open input", err, "path", *input)
	}
	if err := store.Upload(ctx, inputsBucket, inputKey, f); err != nil {
		f.Close()
		fatal(logger, "upload input", err, "key", inputKey)
	}
	f.Close()

	err = reg.Create(ctx, registry.JobRecord{
		JobID:         jobID,
		UserID:        *userID,
		InputFileName: fileName,
		InputBucket:   inputsBucket,
		InputKey:      inputKey,
		Status:        registry.StatusPending,
		SubmitTime:    time.Now().UTC(),
	})
	if err != nil {
		fatal(logger, "create job record", err, "job_id", jobID)
	}

	err = nc.PublishJSON(requestSubject, schema.AnnotationRequest{
		JobID:         jobID,
		UserID:        *userID,
		InputFileName: fileName,
		InputBucket:   inputsBucket,
		InputKey:      inputKey,
	})
	if err != nil {
		fatal(logger, "publish request", err, "job_id", jobID)
	}

	logger.Info("job submitted", "job_id", jobID, "user_id", *userID, "input_key", inputKey)
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
