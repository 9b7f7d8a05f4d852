// Package archive runs the archival worker: it consumes completion events
// and moves result objects of free-tier users past the retention threshold
// into the cold tier, recording the archive id on the job record.
package archive

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tendant/simple-annotator/internal/blob"
	"github.com/tendant/simple-annotator/internal/bus"
	"github.com/tendant/simple-annotator/internal/profile"
	"github.com/tendant/simple-annotator/internal/registry"
	"github.com/tendant/simple-annotator/pkg/schema"
)

// Receiver is the completion queue as the worker sees it.
type Receiver interface {
	Receive(ctx context.Context, max int, wait time.Duration) ([]bus.Delivery, error)
}

type Config struct {
	ResultBucket string
	Retention    time.Duration
	BatchSize    int
	PollWait     time.Duration
}

type Worker struct {
	queue    Receiver
	registry registry.Store
	store    blob.Store
	archiver blob.Archiver
	profiles profile.Lookup
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(queue Receiver, reg registry.Store, store blob.Store, archiver blob.Archiver, profiles profile.Lookup, cfg Config, logger *slog.Logger) *Worker {
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
		archiver: archiver,
		profiles: profiles,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (w *Worker) Run(ctx context.Context) error {
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
			w.logger.Error("receive completions failed", "err", err)
			continue
		}
		for _, d := range deliveries {
			w.Handle(ctx, d)
		}
	}
}

// Handle evaluates a single completion event and acks it unless a
// transient failure makes redelivery worthwhile.
func (w *Worker) Handle(ctx context.Context, d bus.Delivery) {
	done, err := schema.ParseComplete(d.Data)
	if err != nil {
		w.logger.Warn("dropping malformed completion", "err", err)
		w.ack(d)
		return
	}
	logger := w.logger.With("job_id", done.JobID, "user_id", done.UserID)

	// An event evaluated before the threshold is dropped, not rescheduled;
	// the archival opportunity for that job is gone from this path.
	age := w.now().Sub(time.Unix(done.CompleteTime, 0))
	if age < w.cfg.Retention {
		logger.Info("result not yet past retention threshold, dropping", "age", age)
		w.ack(d)
		return
	}

	tier, err := w.profiles.Tier(ctx, done.UserID)
	if err != nil {
		logger.Error("tier lookup failed", "err", err)
		return
	}
	if tier != profile.TierFree {
		logger.Info("owner is premium, keeping hot copy")
		w.ack(d)
		return
	}

	rec, err := w.registry.Get(ctx, done.JobID)
	if errors.Is(err, registry.ErrNotFound) {
		logger.Warn("dropping completion for unknown job")
		w.ack(d)
		return
	}
	if err != nil {
		logger.Error("registry lookup failed", "err", err)
		return
	}
	if rec.ArchiveID != "" {
		// Redelivered after a successful migration. A crash between
		// recording the archive id and deleting may have left the hot copy
		// behind, so retry the delete before acking.
		logger.Info("already archived", "archive_id", rec.ArchiveID)
		if err := w.store.Delete(ctx, w.cfg.ResultBucket, done.ResultKey); err != nil {
			logger.Warn("delete hot copy failed", "key", done.ResultKey, "err", err)
		}
		w.ack(d)
		return
	}

	archiveID, err := w.archiver.Archive(ctx, w.cfg.ResultBucket, done.ResultKey)
	if err != nil {
		logger.Error("cold-tier archive failed", "key", done.ResultKey, "err", err)
		return
	}

	err = w.registry.MarkArchived(ctx, done.JobID, w.cfg.ResultBucket, archiveID)
	if errors.Is(err, registry.ErrPreconditionFailed) {
		// Another archiver won the race; its archive id stands and it owns
		// the hot-copy delete. Our cold copy is an orphan.
		logger.Warn("lost archival race, orphan archive", "archive_id", archiveID)
		w.ack(d)
		return
	}
	if err != nil {
		logger.Error("record archive id failed", "archive_id", archiveID, "err", err)
		return
	}

	// Delete of a missing object succeeds, so a redelivered event racing
	// this line stays harmless.
	if err := w.store.Delete(ctx, w.cfg.ResultBucket, done.ResultKey); err != nil {
		logger.Warn("delete hot copy failed", "key", done.ResultKey, "err", err)
	}

	w.ack(d)
	logger.Info("result archived", "archive_id", archiveID, "key", done.ResultKey)
}

func (w *Worker) ack(d bus.Delivery) {
	if err := d.Ack(); err != nil {
		w.logger.Warn("ack failed", "err", err)
	}
}
