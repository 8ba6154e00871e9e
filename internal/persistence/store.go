// Package persistence lays out each game's durable state on disk and
// restores it after a restart. Every write goes temp-file-then-rename so
// a crash mid-write never leaves a half-written file for recovery to
// trip over.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
)

// Store lays out one root directory per game:
//
//	<root>/<game_id>/static.json
//	<root>/<game_id>/board/latest.json
//	<root>/<game_id>/board/history/<game_time>.json
//	<root>/<game_id>/watermark.json
//	<root>/<game_id>/snapshots/<game_time>.json
//	<root>/<game_id>/analysis/<game_time>.json
//	<root>/<game_id>/narration/<game_time>.json
//	<root>/<game_id>/audio/<game_time>/manifest.json
//	<root>/<game_id>/audio/<game_time>/<nn>_<speaker>_<emotion>.wav
//	<root>/<game_id>/quarantine/<filename>
type Store struct {
	root string
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create root %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) gameDir(id pipeline.GameID) string {
	return filepath.Join(s.root, string(id))
}

// writeAtomic writes data to path via a temp file in the same directory,
// fsyncs it, then renames it into place. Readers see either the prior
// version or the complete new one, never a torn write.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persistence: mkdir %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("persistence: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("persistence: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("persistence: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("persistence: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persistence: rename into place: %w", err)
	}
	return nil
}

// WriteStatic persists the game's static context once, at game start.
func (s *Store) WriteStatic(static pipeline.StaticContext) error {
	data, err := json.Marshal(static)
	if err != nil {
		return fmt.Errorf("persistence: marshal static: %w", err)
	}
	return writeAtomic(filepath.Join(s.gameDir(static.GameID), "static.json"), data)
}

// WriteBoard persists the board's marshaled state as the latest snapshot.
func (s *Store) WriteBoard(id pipeline.GameID, state []byte) error {
	return writeAtomic(filepath.Join(s.gameDir(id), "board", "latest.json"), state)
}

// WriteBoardHistory archives the board state as it stood after reducing
// one game time, alongside the rolling latest.json, so the per-reduce
// progression of the board survives for replay and postmortem.
func (s *Store) WriteBoardHistory(id pipeline.GameID, gt pipeline.GameTime, state []byte) error {
	return writeAtomic(filepath.Join(s.gameDir(id), "board", "history", gt.String()+".json"), state)
}

// WriteWatermark records the last game time known to have been fully
// processed through to broadcast, the resume point after a restart.
func (s *Store) WriteWatermark(id pipeline.GameID, gt pipeline.GameTime) error {
	data, err := json.Marshal(gt)
	if err != nil {
		return fmt.Errorf("persistence: marshal watermark: %w", err)
	}
	return writeAtomic(filepath.Join(s.gameDir(id), "watermark.json"), data)
}

// WriteSnapshot archives the raw ingested snapshot bytes.
func (s *Store) WriteSnapshot(snap pipeline.Snapshot) error {
	path := filepath.Join(s.gameDir(snap.GameID), "snapshots", snap.GameTime.String()+".json")
	return writeAtomic(path, snap.Raw)
}

// WriteAnalysis archives the Analyze stage's structured output for one
// game time.
func (s *Store) WriteAnalysis(id pipeline.GameID, gt pipeline.GameTime, a pipeline.Analysis) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("persistence: marshal analysis: %w", err)
	}
	path := filepath.Join(s.gameDir(id), "analysis", gt.String()+".json")
	return writeAtomic(path, data)
}

// WriteNarration archives one narration batch.
func (s *Store) WriteNarration(batch pipeline.NarrationBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("persistence: marshal narration: %w", err)
	}
	path := filepath.Join(s.gameDir(batch.GameID), "narration", batch.GameTime.String()+".json")
	return writeAtomic(path, data)
}

// audioManifestEntry describes one archived segment file in a batch's
// manifest.json.
type audioManifestEntry struct {
	File            string  `json:"file"`
	Speaker         string  `json:"speaker"`
	Emotion         string  `json:"emotion"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// WriteAudio archives every rendered segment for one game time, plus a
// manifest.json listing the segment files in batch order with their
// speaker/emotion/duration metadata.
func (s *Store) WriteAudio(id pipeline.GameID, batch pipeline.AudioBatch) error {
	dir := filepath.Join(s.gameDir(id), "audio", batch.GameTime.String())
	manifest := make([]audioManifestEntry, 0, len(batch.Segments))
	for i, seg := range batch.Segments {
		name := fmt.Sprintf("%02d_%s_%s.wav", i, sanitize(seg.Speaker), sanitize(seg.Emotion))
		if err := writeAtomic(filepath.Join(dir, name), seg.WAV); err != nil {
			return err
		}
		manifest = append(manifest, audioManifestEntry{
			File:            name,
			Speaker:         seg.Speaker,
			Emotion:         seg.Emotion,
			DurationSeconds: seg.Duration.Seconds(),
		})
	}
	if len(manifest) == 0 {
		return nil
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("persistence: marshal audio manifest: %w", err)
	}
	return writeAtomic(filepath.Join(dir, "manifest.json"), data)
}

// QuarantineSnapshot writes a copy of a poison snapshot's raw bytes into
// quarantine/ for later inspection; the original ingest file is left where
// it is.
func (s *Store) QuarantineSnapshot(id pipeline.GameID, path string, raw []byte) error {
	dest := filepath.Join(s.gameDir(id), "quarantine", filepath.Base(path))
	return writeAtomic(dest, raw)
}

// RecoveredState is what a restart needs to resume a game in progress.
type RecoveredState struct {
	Static       pipeline.StaticContext
	BoardState   []byte
	Watermark    pipeline.GameTime
	HasWatermark bool
}

// Recover loads whatever state exists for a game so the caller can restore
// the Board and resume the watcher from the recorded watermark.
func (s *Store) Recover(id pipeline.GameID) (RecoveredState, error) {
	var rs RecoveredState

	staticPath := filepath.Join(s.gameDir(id), "static.json")
	if data, err := os.ReadFile(staticPath); err == nil {
		if err := json.Unmarshal(data, &rs.Static); err != nil {
			return rs, fmt.Errorf("persistence: parse static.json: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return rs, fmt.Errorf("persistence: read static.json: %w", err)
	}

	boardPath := filepath.Join(s.gameDir(id), "board", "latest.json")
	if data, err := os.ReadFile(boardPath); err == nil {
		rs.BoardState = data
	} else if !os.IsNotExist(err) {
		return rs, fmt.Errorf("persistence: read board state: %w", err)
	}

	watermarkPath := filepath.Join(s.gameDir(id), "watermark.json")
	if data, err := os.ReadFile(watermarkPath); err == nil {
		if err := json.Unmarshal(data, &rs.Watermark); err != nil {
			return rs, fmt.Errorf("persistence: parse watermark.json: %w", err)
		}
		rs.HasWatermark = true
	} else if !os.IsNotExist(err) {
		return rs, fmt.Errorf("persistence: read watermark.json: %w", err)
	}

	return rs, nil
}

// PendingSnapshotsAfter lists archived snapshot files timestamped strictly
// after the watermark, so recovery can re-drive exactly the work a crash
// interrupted without reprocessing what was already broadcast.
func (s *Store) PendingSnapshotsAfter(id pipeline.GameID, watermark pipeline.GameTime) ([]string, error) {
	dir := filepath.Join(s.gameDir(id), "snapshots")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: list snapshots: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		gt, err := pipeline.ParseGameTime(stem)
		if err != nil {
			continue // unparseable archive entry, not a snapshot file; skip
		}
		if gt.Compare(watermark) > 0 {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// SnapshotPath returns the archived path for one game's snapshot file name,
// as returned by PendingSnapshotsAfter.
func (s *Store) SnapshotPath(id pipeline.GameID, name string) string {
	return filepath.Join(s.gameDir(id), "snapshots", name)
}

// ReplayAfter reconstructs every archived narration batch (with whatever
// audio was archived alongside it) for one game strictly after since, in
// ascending game-time order: what a subscriber that reconnects with a
// resume-from game_time needs replayed before live publishes resume.
func (s *Store) ReplayAfter(id pipeline.GameID, since pipeline.GameTime) ([]pipeline.Output, error) {
	dir := filepath.Join(s.gameDir(id), "narration")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: list narration: %w", err)
	}

	var times []pipeline.GameTime
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		gt, err := pipeline.ParseGameTime(stem)
		if err != nil {
			continue // unparseable archive entry, not a narration file; skip
		}
		if gt.Compare(since) > 0 {
			times = append(times, gt)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Less(times[j]) })

	outs := make([]pipeline.Output, 0, len(times))
	for _, gt := range times {
		data, err := os.ReadFile(filepath.Join(dir, gt.String()+".json"))
		if err != nil {
			return nil, fmt.Errorf("persistence: read narration %s: %w", gt, err)
		}
		var batch pipeline.NarrationBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("persistence: parse narration %s: %w", gt, err)
		}
		outs = append(outs, pipeline.Output{
			GameID:    id,
			At:        gt,
			Narration: batch,
			Audio:     s.readArchivedAudio(id, batch),
		})
	}
	return outs, nil
}

// readArchivedAudio re-derives each segment's archived filename from its own
// speaker/emotion (the same naming WriteAudio used), rather than parsing
// filenames back apart, since sanitize isn't losslessly invertible. Audio
// segments stay index-aligned with the narration batch: a segment whose
// audio was never archived (e.g. synthesis failed originally) gets an
// empty WAV placeholder, so replay still sends its text.
func (s *Store) readArchivedAudio(id pipeline.GameID, batch pipeline.NarrationBatch) pipeline.AudioBatch {
	ab := pipeline.AudioBatch{GameID: id, GameTime: batch.GameTime}
	dir := filepath.Join(s.gameDir(id), "audio", batch.GameTime.String())
	ab.Segments = make([]pipeline.AudioSegment, len(batch.Segments))
	for i, seg := range batch.Segments {
		name := fmt.Sprintf("%02d_%s_%s.wav", i, sanitize(seg.Speaker), sanitize(seg.Emotion))
		data, _ := os.ReadFile(filepath.Join(dir, name))
		ab.Segments[i] = pipeline.AudioSegment{
			GameTime: seg.GameTime,
			Speaker:  seg.Speaker,
			Emotion:  seg.Emotion,
			WAV:      data,
		}
	}
	return ab
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	var sb strings.Builder
	for _, r := range s {
		if r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|' || r == ' ' {
			sb.WriteRune('_')
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
