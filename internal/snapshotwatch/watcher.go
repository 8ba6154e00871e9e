// Package snapshotwatch watches a per-game ingest directory for new
// snapshot files, parses their filenames, and waits for each file's size
// to stabilize before emitting it, so a producer that writes
// non-atomically never hands the reducer a half-written snapshot.
package snapshotwatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/christian-lee/broadcastpipeline/internal/board"
	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
)

// Arrival is one stabilized, parsed snapshot file ready to be read and reduced.
type Arrival struct {
	Path     string
	GameID   pipeline.GameID
	GameTime pipeline.GameTime
}

// Config controls stabilization timing.
type Config struct {
	GracePeriod      time.Duration
	StabilizeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{GracePeriod: 300 * time.Millisecond, StabilizeTimeout: 10 * time.Second}
}

// Watcher watches one game's ingest directory.
type Watcher struct {
	cfg   Config
	dir   string
	since pipeline.GameTime
}

// New creates a Watcher for the given ingest directory.
func New(cfg Config, dir string) *Watcher {
	return &Watcher{cfg: cfg, dir: dir}
}

// NewSince creates a Watcher that tails dir starting strictly after a
// recovered watermark, so a restart resumes from where emission left off
// instead of replaying every snapshot the directory still holds.
func NewSince(cfg Config, dir string, watermark pipeline.GameTime) *Watcher {
	return &Watcher{cfg: cfg, dir: dir, since: watermark}
}

// Watch emits an Arrival for every file already present plus every file
// created or written afterward, once its size has stabilized. Files whose
// game_time is at or before the watcher's watermark (see NewSince) are
// skipped entirely rather than emitted and left for the reduce loop to
// reject. It runs until ctx is canceled.
func (w *Watcher) Watch(ctx context.Context) (<-chan Arrival, error) {
	out := make(chan Arrival, 16)

	fw, err := w.createWatcher(ctx)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)
		defer fw.Close()

		for _, path := range w.existingFiles() {
			w.stabilizeAndEmit(ctx, path, out)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					go w.stabilizeAndEmit(ctx, ev.Name, out)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				slog.Error("snapshotwatch: watcher error", "err", err)
			}
		}
	}()

	return out, nil
}

// createWatcher retries transient setup failures with doubling backoff
// before surfacing a fatal error; a missing directory or exhausted fd
// table right at startup shouldn't kill the whole game.
func (w *Watcher) createWatcher(ctx context.Context) (*fsnotify.Watcher, error) {
	backoff := time.Second
	const maxBackoff = 8 * time.Second
	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		fw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fw.Add(w.dir); err == nil {
				return fw, nil
			}
			fw.Close()
		}
		lastErr = err
		slog.Warn("snapshotwatch: watcher setup failed, retrying", "dir", w.dir, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("snapshotwatch: watch dir %s: %w", w.dir, lastErr)
}

func (w *Watcher) existingFiles() []string {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(w.dir, e.Name()))
	}
	sort.Strings(paths)
	return paths
}

func (w *Watcher) stabilizeAndEmit(ctx context.Context, path string, out chan<- Arrival) {
	gameID, gameTime, err := board.ParseFilename(path)
	if err != nil {
		slog.Warn("snapshotwatch: skipping unparseable filename", "path", path, "err", err)
		return
	}
	if gameTime.Compare(w.since) <= 0 {
		return
	}

	deadline := time.Now().Add(w.cfg.StabilizeTimeout)
	var lastSize int64 = -1
	for {
		info, err := os.Stat(path)
		if err != nil {
			slog.Warn("snapshotwatch: stat failed, skipping", "path", path, "err", err)
			return
		}
		if info.Size() == lastSize {
			select {
			case out <- Arrival{Path: path, GameID: gameID, GameTime: gameTime}:
			case <-ctx.Done():
			}
			return
		}
		lastSize = info.Size()

		if time.Now().After(deadline) {
			slog.Warn("snapshotwatch: file never stabilized, skipping", "path", path)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.GracePeriod):
		}
	}
}
