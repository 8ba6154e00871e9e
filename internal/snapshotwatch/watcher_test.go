package snapshotwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
)

func testConfig() Config {
	return Config{GracePeriod: 10 * time.Millisecond, StabilizeTimeout: 2 * time.Second}
}

func writeSnapshot(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestWatchEmitsExistingAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, "g1_1_00_05.json")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	w := New(testConfig(), dir)
	arrivals, err := w.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	select {
	case a := <-arrivals:
		if a.GameID != "g1" || a.GameTime != (pipeline.GameTime{Period: 1, Minute: 0, Second: 5}) {
			t.Fatalf("unexpected arrival %+v", a)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the pre-existing file")
	}

	writeSnapshot(t, dir, "g1_1_00_10.json")
	select {
	case a := <-arrivals:
		if a.GameTime != (pipeline.GameTime{Period: 1, Minute: 0, Second: 10}) {
			t.Fatalf("unexpected arrival %+v", a)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the newly created file")
	}
}

func TestWatchSkipsUnparseableFilename(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, "not-a-snapshot.json")
	writeSnapshot(t, dir, "g1_1_00_05.json")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	w := New(testConfig(), dir)
	arrivals, err := w.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	select {
	case a := <-arrivals:
		if a.GameTime != (pipeline.GameTime{Period: 1, Minute: 0, Second: 5}) {
			t.Fatalf("expected only the well-formed file, got %+v", a)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the well-formed file")
	}
}

func TestNewSinceSkipsFilesAtOrBeforeWatermark(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, "g1_1_00_05.json")
	writeSnapshot(t, dir, "g1_1_00_10.json")
	writeSnapshot(t, dir, "g1_1_00_15.json")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	w := NewSince(testConfig(), dir, pipeline.GameTime{Period: 1, Minute: 0, Second: 10})
	arrivals, err := w.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	select {
	case a := <-arrivals:
		if a.GameTime != (pipeline.GameTime{Period: 1, Minute: 0, Second: 15}) {
			t.Fatalf("expected only the file past the watermark, got %+v", a)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the post-watermark file")
	}

	select {
	case a := <-arrivals:
		t.Fatalf("expected no further arrivals, got %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}
