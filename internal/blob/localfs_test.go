package blob

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFSStoreRoundTrip(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()

	if err := store.Upload(ctx, "results", "annotations/u1/j1~test.annot.vcf", strings.NewReader("annotated")); err != nil {
		t.Fatalf("upload: %v", err)
	}

	var buf bytes.Buffer
	if err := store.Download(ctx, "results", "annotations/u1/j1~test.annot.vcf", &buf); err != nil {
		t.Fatalf("download: %v", err)
	}
	if buf.String() != "annotated" {
		t.Fatalf("unexpected contents: %q", buf.String())
	}

	if err := store.Delete(ctx, "results", "annotations/u1/j1~test.annot.vcf"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Download(ctx, "results", "annotations/u1/j1~test.annot.vcf", &buf); err == nil {
		t.Fatal("download succeeded after delete")
	}
}

func TestFSStoreDeleteMissingIsBenign(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	if err := store.Delete(context.Background(), "results", "never/was/there"); err != nil {
		t.Fatalf("delete of missing object must succeed, got %v", err)
	}
}

func TestFSStoreUploadOverwrites(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()

	if err := store.Upload(ctx, "inputs", "k", strings.NewReader("first")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := store.Upload(ctx, "inputs", "k", strings.NewReader("second")); err != nil {
		t.Fatalf("re-upload: %v", err)
	}

	var buf bytes.Buffer
	if err := store.Download(ctx, "inputs", "k", &buf); err != nil {
		t.Fatalf("download: %v", err)
	}
	if buf.String() != "second" {
		t.Fatalf("overwrite not applied: %q", buf.String())
	}
}

func TestFSArchiverCopiesIntoColdTier(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	archiveDir := t.TempDir()
	archiver, err := NewFSArchiver(store, archiveDir)
	if err != nil {
		t.Fatalf("open archiver: %v", err)
	}
	ctx := context.Background()

	if err := store.Upload(ctx, "results", "k", strings.NewReader("annotated")); err != nil {
		t.Fatalf("upload: %v", err)
	}

	archiveID, err := archiver.Archive(ctx, "results", "k")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archiveID == "" {
		t.Fatal("empty archive id")
	}

	data, err := os.ReadFile(filepath.Join(archiveDir, archiveID))
	if err != nil {
		t.Fatalf("read archived copy: %v", err)
	}
	if string(data) != "annotated" {
		t.Fatalf("archived bytes mismatch: %q", data)
	}

	// Archive leaves the hot copy; deletion is the caller's second step.
	var buf bytes.Buffer
	if err := store.Download(ctx, "results", "k", &buf); err != nil {
		t.Fatalf("hot copy removed by archiver: %v", err)
	}
}

func TestFSArchiverMissingObject(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	archiver, err := NewFSArchiver(store, t.TempDir())
	if err != nil {
		t.Fatalf("open archiver: %v", err)
	}

	if _, err := archiver.Archive(context.Background(), "results", "missing"); err == nil {
		t.Fatal("expected error for missing object")
	}
}
