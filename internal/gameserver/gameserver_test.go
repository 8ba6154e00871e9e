package gameserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/christian-lee/broadcastpipeline/internal/broadcast"
	"github.com/christian-lee/broadcastpipeline/internal/llm"
	"github.com/christian-lee/broadcastpipeline/internal/ordering"
	"github.com/christian-lee/broadcastpipeline/internal/orchestrator"
	"github.com/christian-lee/broadcastpipeline/internal/persistence"
	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
	"github.com/christian-lee/broadcastpipeline/internal/promptctx"
	"github.com/christian-lee/broadcastpipeline/internal/snapshotwatch"
)

type fakeLLM struct{}

func (fakeLLM) Analyze(ctx context.Context, payload promptctx.PromptPayload) (llm.AnalysisResult, error) {
	return llm.AnalysisResult{SignificantChange: "goal scored", MomentumImpact: "home", Magnitude: 1}, nil
}

func (fakeLLM) Narrate(ctx context.Context, payload promptctx.PromptPayload, analysis llm.AnalysisResult) (llm.NarrationResult, error) {
	return llm.NarrationResult{Segments: []llm.SegmentDraft{
		{Text: "HOME scores!", Kind: "play_by_play", Speaker: "lead", Emotion: "excited"},
	}}, nil
}

type fakeTTS struct{}

func (fakeTTS) Synthesize(ctx context.Context, speaker, emotion, text string) ([]byte, error) {
	return []byte("fake-wav"), nil
}

type recordingSub struct {
	received chan broadcast.Message
}

func (r *recordingSub) ID() string { return "test-sub" }
func (r *recordingSub) Send(m broadcast.Message) error {
	select {
	case r.received <- m:
	default:
	}
	return nil
}
func (r *recordingSub) Close() {}

func TestGameIngestsSnapshotAndPublishes(t *testing.T) {
	ingestDir := t.TempDir()
	persistDir := t.TempDir()

	store, err := persistence.New(persistDir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	hub := broadcast.New(8, store)
	sub := &recordingSub{received: make(chan broadcast.Message, 16)}
	hub.Register(sub, "g1", nil)

	cfg := Config{
		IngestDir:             ingestDir,
		Static:                pipeline.StaticContext{GameID: "g1", HomeTeam: "HOME", AwayTeam: "AWAY"},
		Orchestrator:          orchestrator.DefaultConfig(),
		Ordering:              ordering.DefaultConfig(),
		Watcher:               snapshotwatch.Config{GracePeriod: 10 * time.Millisecond, StabilizeTimeout: 2 * time.Second},
		PersistWatermarkEvery: 1,
	}

	game, err := New("g1", cfg, fakeLLM{}, fakeTTS{}, store, hub)
	if err != nil {
		t.Fatalf("new game: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		game.Run(ctx)
		close(done)
	}()

	snapJSON := `{"observed_score":{"HOME":1,"AWAY":0},"roster":{"HOME":["p1"]},"activities":[{"kind":"goal","period":1,"minute":0,"second":1,"team_id":"HOME","id":"ev1"}]}`
	if err := os.WriteFile(filepath.Join(ingestDir, "g1_1_00_01.json"), []byte(snapJSON), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	select {
	case msg := <-sub.received:
		if msg.GameID != "g1" {
			t.Fatalf("unexpected game id %q", msg.GameID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a published frame")
	}

	cancel()
	<-done
}

func TestPauseHoldsWorkUntilResume(t *testing.T) {
	ingestDir := t.TempDir()
	persistDir := t.TempDir()
	store, err := persistence.New(persistDir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	hub := broadcast.New(8, store)

	cfg := Config{
		IngestDir:    ingestDir,
		Static:       pipeline.StaticContext{GameID: "g1", HomeTeam: "HOME", AwayTeam: "AWAY"},
		Orchestrator: orchestrator.DefaultConfig(),
		Ordering:     ordering.DefaultConfig(),
		Watcher:      snapshotwatch.DefaultConfig(),
	}
	game, err := New("g1", cfg, fakeLLM{}, fakeTTS{}, store, hub)
	if err != nil {
		t.Fatalf("new game: %v", err)
	}

	game.Pause()
	if !game.IsPaused() {
		t.Fatal("expected game to be paused")
	}
	game.Resume()
	if game.IsPaused() {
		t.Fatal("expected game to be resumed")
	}
}
