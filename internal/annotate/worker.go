// Package annotate runs the annotation worker: a polling loop that consumes
// request messages, drives the job record PENDING -> RUNNING -> COMPLETED
// through conditional updates, and hands the input to the external
// annotation tool.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/tendant/simple-annotator/internal/blob"
	"github.com/tendant/simple-annotator/internal/bus"
	"github.com/tendant/simple-annotator/internal/registry"
	"github.com/tendant/simple-annotator/internal/scratch"
	"github.com/tendant/simple-annotator/internal/tool"
	"github.com/tendant/simple-annotator/pkg/schema"
)

// Receiver is the request queue as the worker sees it.
type Receiver interface {
	Receive(ctx context.Context, max int, wait time.Duration) ([]bus.Delivery, error)
}

// Publisher emits the completion event once a job finishes.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Config struct {
	ScratchDir      string
	ResultBucket    string
	KeyPrefix       string
	CompleteSubject string
	BatchSize       int
	PollWait        time.Duration
}

// Worker polls the request queue. One message is fully dispatched before the
// next is picked up, but any number of Worker instances may run across
// hosts; races on a job are resolved by the registry's conditional updates.
type Worker struct {
	queue    Receiver
	registry registry.Store
	store    blob.Store
	runner   tool.Runner
	pub      Publisher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

func New(queue Receiver, reg registry.Store, store blob.Store, runner tool.Runner, pub Publisher, cfg Config, logger *slog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 10 * time.Second
	}
	return &Worker{
		queue:    queue,
		registry: reg,
		store:    store,
		runner:   runner,
		pub:      pub,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run polls until ctx is cancelled, then waits for in-flight pipelines to
// finish before returning.
func (w *Worker) Run(ctx context.Context) error {
	defer w.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		deliveries, err := w.queue.Receive(ctx, w.cfg.BatchSize, w.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("receive requests failed", "err", err)
			continue
		}
		for _, d := range deliveries {
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d bus.Delivery) {
	req, err := schema.ParseRequest(d.Data)
	if err != nil {
		// Permanently unusable; drop it so the bus stops redelivering.
		w.logger.Warn("dropping malformed request", "err", err)
		w.ack(d)
		return
	}
	logger := w.logger.With("job_id", req.JobID, "user_id", req.UserID)

	inputPath, err := scratch.Build(w.cfg.ScratchDir, req.UserID, req.JobID, req.InputFileName)
	if err != nil {
		logger.Warn("dropping request with unusable identifiers", "err", err)
		w.ack(d)
		return
	}

	// Redelivery may re-download the same input; the overwrite is harmless.
	if err := w.download(ctx, req, inputPath); err != nil {
		// Leave unacked so the bus redelivers after the visibility window.
		logger.Error("download input failed", "bucket", req.InputBucket, "key", req.InputKey, "err", err)
		return
	}

	err = w.registry.Transition(ctx, req.JobID, registry.StatusPending, registry.StatusRunning, registry.Update{})
	switch {
	case errors.Is(err, registry.ErrPreconditionFailed):
		// Duplicate or late delivery of an already-started job.
		logger.Info("job already past PENDING, skipping")
		w.removeScratch(logger, inputPath)
		w.ack(d)
		return
	case errors.Is(err, registry.ErrNotFound):
		// Intake's record write may still be in flight; retry later.
		logger.Warn("job record not found, leaving for redelivery")
		w.removeScratch(logger, inputPath)
		return
	case err != nil:
		logger.Error("transition to RUNNING failed", "err", err)
		return
	}

	// Fire-and-forget dispatch: the message is acked as soon as the pipeline
	// has been launched, before the tool finishes. A crash between here and
	// completion leaves the job RUNNING with no message left to retry it.
	w.ack(d)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.finish(context.WithoutCancel(ctx), req, inputPath, logger)
	}()
	logger.Info("annotation pipeline launched", "input", inputPath)
}

func (w *Worker) download(ctx context.Context, req schema.AnnotationRequest, inputPath string) error {
	f, err := os.Create(inputPath)
	if err != nil {
		return fmt.Errorf("create scratch file: %w", err)
	}
	if err := w.store.Download(ctx, req.InputBucket, req.InputKey, f); err != nil {
		f.Close()
		os.Remove(inputPath)
		return err
	}
	return f.Close()
}

// finish runs once the tool has been launched: it waits for the tool,
// uploads the derived artifacts, records COMPLETED and publishes the
// completion event.
func (w *Worker) finish(ctx context.Context, req schema.AnnotationRequest, inputPath string, logger *slog.Logger) {
	if err := w.runner.Run(ctx, inputPath); err != nil {
		logger.Error("annotation tool failed", "err", err)
		w.fail(ctx, req.JobID, logger)
		w.removeScratch(logger, inputPath)
		return
	}

	resultName := scratch.ResultFileName(req.InputFileName)
	logName := scratch.LogFileName(req.InputFileName)
	resultPath, err := scratch.Build(w.cfg.ScratchDir, req.UserID, req.JobID, resultName)
	if err != nil {
		logger.Error("derive result path failed", "err", err)
		w.fail(ctx, req.JobID, logger)
		w.removeScratch(logger, inputPath)
		return
	}
	logPath := inputPath + ".count.log"

	resultKey := w.artifactKey(req, resultName)
	logKey := w.artifactKey(req, logName)

	if err := w.upload(ctx, resultPath, resultKey); err != nil {
		logger.Error("upload result failed", "key", resultKey, "err", err)
		w.fail(ctx, req.JobID, logger)
		w.removeScratch(logger, inputPath, resultPath, logPath)
		return
	}
	if err := w.upload(ctx, logPath, logKey); err != nil {
		logger.Error("upload log failed", "key", logKey, "err", err)
		w.fail(ctx, req.JobID, logger)
		w.removeScratch(logger, inputPath, resultPath, logPath)
		return
	}

	completeTime := w.now().UTC().Truncate(time.Second)
	err = w.registry.Transition(ctx, req.JobID, registry.StatusRunning, registry.StatusCompleted, registry.Update{
		ResultBucket: w.cfg.ResultBucket,
		ResultKey:    resultKey,
		LogKey:       logKey,
		CompleteTime: &completeTime,
	})
	if errors.Is(err, registry.ErrPreconditionFailed) {
		logger.Info("job no longer RUNNING, skipping completion")
		w.removeScratch(logger, inputPath, resultPath, logPath)
		return
	}
	if err != nil {
		logger.Error("transition to COMPLETED failed", "err", err)
		w.removeScratch(logger, inputPath, resultPath, logPath)
		return
	}

	done := schema.AnnotationComplete{
		JobID:        req.JobID,
		UserID:       req.UserID,
		ResultKey:    resultKey,
		CompleteTime: completeTime.Unix(),
	}
	if err := w.pub.PublishJSON(w.cfg.CompleteSubject, done); err != nil {
		// The record is COMPLETED either way; only the archival event is lost.
		logger.Error("publish completion failed", "err", err)
	}

	w.removeScratch(logger, inputPath, resultPath, logPath)
	logger.Info("job completed", "result_key", resultKey, "log_key", logKey)
}

func (w *Worker) fail(ctx context.Context, jobID string, logger *slog.Logger) {
	err := w.registry.Transition(ctx, jobID, registry.StatusRunning, registry.StatusError, registry.Update{})
	if err != nil && !errors.Is(err, registry.ErrPreconditionFailed) {
		logger.Error("transition to ERROR failed", "err", err)
	}
}

func (w *Worker) artifactKey(req schema.AnnotationRequest, name string) string {
	return path.Join(w.cfg.KeyPrefix, req.UserID, req.JobID+"~"+name)
}

func (w *Worker) upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	return w.store.Upload(ctx, w.cfg.ResultBucket, key, f)
}

func (w *Worker) removeScratch(logger *slog.Logger, paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("remove scratch file failed", "path", p, "err", err)
		}
	}
}

func (w *Worker) ack(d bus.Delivery) {
	if err := d.Ack(); err != nil {
		w.logger.Warn("ack failed", "err", err)
	}
}
