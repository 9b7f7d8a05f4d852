package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func pendingRecord(jobID, userID string) JobRecord {
	return JobRecord{
		JobID:         jobID,
		UserID:        userID,
		InputFileName: "test.vcf",
		InputBucket:   "inputs",
		InputKey:      "annotations/" + userID + "/" + jobID + "~test.vcf",
		Status:        StatusPending,
		SubmitTime:    time.Unix(1700000000, 0).UTC(),
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, pendingRecord("j1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", rec.Status)
	}
	if rec.UserID != "u1" || rec.InputFileName != "test.vcf" {
		t.Fatalf("record fields not preserved: %+v", rec)
	}
	if rec.CompleteTime != nil || rec.ArchiveID != "" {
		t.Fatalf("fresh record carries completion fields: %+v", rec)
	}
}

func TestTransitionChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, pendingRecord("j1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.Transition(ctx, "j1", StatusPending, StatusRunning, Update{}); err != nil {
		t.Fatalf("PENDING->RUNNING: %v", err)
	}

	completeTime := time.Unix(1700001000, 0).UTC()
	err := s.Transition(ctx, "j1", StatusRunning, StatusCompleted, Update{
		ResultBucket: "results",
		ResultKey:    "annotations/u1/j1~test.annot.vcf",
		LogKey:       "annotations/u1/j1~test.vcf.count.log",
		CompleteTime: &completeTime,
	})
	if err != nil {
		t.Fatalf("RUNNING->COMPLETED: %v", err)
	}

	rec, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", rec.Status)
	}
	if rec.ResultKey != "annotations/u1/j1~test.annot.vcf" || rec.LogKey != "annotations/u1/j1~test.vcf.count.log" {
		t.Fatalf("completion attributes not written: %+v", rec)
	}
	if rec.CompleteTime == nil || !rec.CompleteTime.Equal(completeTime) {
		t.Fatalf("complete time not written: %+v", rec.CompleteTime)
	}
}

func TestTransitionStaleExpectedStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, pendingRecord("j1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Transition(ctx, "j1", StatusPending, StatusRunning, Update{}); err != nil {
		t.Fatalf("PENDING->RUNNING: %v", err)
	}

	// Second PENDING->RUNNING must be rejected and leave the record alone.
	err := s.Transition(ctx, "j1", StatusPending, StatusRunning, Update{})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}

	rec, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusRunning {
		t.Fatalf("record changed by rejected transition: %s", rec.Status)
	}
}

func TestTransitionUnknownJob(t *testing.T) {
	s := openTestStore(t)

	err := s.Transition(context.Background(), "missing", StatusPending, StatusRunning, Update{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentClaimHasOneWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, pendingRecord("j1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	results := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Transition(ctx, "j1", StatusPending, StatusRunning, Update{})
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, err := range results {
		switch {
		case err == nil:
			applied++
		case errors.Is(err, ErrPreconditionFailed):
		default:
			t.Fatalf("unexpected transition error: %v", err)
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one winner, got %d", applied)
	}
}

func TestMarkArchived(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, pendingRecord("j1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Not COMPLETED yet.
	err := s.MarkArchived(ctx, "j1", "results", "arch-1")
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed before COMPLETED, got %v", err)
	}

	if err := s.Transition(ctx, "j1", StatusPending, StatusRunning, Update{}); err != nil {
		t.Fatalf("PENDING->RUNNING: %v", err)
	}
	completeTime := time.Unix(1700001000, 0).UTC()
	err = s.Transition(ctx, "j1", StatusRunning, StatusCompleted, Update{
		ResultBucket: "results", ResultKey: "k", LogKey: "l", CompleteTime: &completeTime,
	})
	if err != nil {
		t.Fatalf("RUNNING->COMPLETED: %v", err)
	}

	if err := s.MarkArchived(ctx, "j1", "results", "arch-1"); err != nil {
		t.Fatalf("mark archived: %v", err)
	}

	// A second attempt is a rejected duplicate, not a new archive id.
	err = s.MarkArchived(ctx, "j1", "results", "arch-2")
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed on duplicate, got %v", err)
	}

	rec, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ArchiveID != "arch-1" {
		t.Fatalf("archive id overwritten: %q", rec.ArchiveID)
	}
}

func TestListByUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"j1", "j2"} {
		if err := s.Create(ctx, pendingRecord(id, "u1")); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := s.Create(ctx, pendingRecord("j3", "u2")); err != nil {
		t.Fatalf("create j3: %v", err)
	}

	recs, err := s.ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records for u1, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.UserID != "u1" {
			t.Fatalf("foreign record in listing: %+v", rec)
		}
	}

	recs, err = s.ListByUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %d", len(recs))
	}
}
