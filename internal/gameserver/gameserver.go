// Package gameserver wires one live game's actors together: the
// snapshot Watcher, the single-writer Board reducer, the stage
// Orchestrator pool, the Ordering Queue, and the Broadcast Hub. It is
// the composition root the rest of the packages are built to plug into.
package gameserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/christian-lee/broadcastpipeline/internal/board"
	"github.com/christian-lee/broadcastpipeline/internal/broadcast"
	"github.com/christian-lee/broadcastpipeline/internal/orchestrator"
	"github.com/christian-lee/broadcastpipeline/internal/ordering"
	"github.com/christian-lee/broadcastpipeline/internal/persistence"
	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
	"github.com/christian-lee/broadcastpipeline/internal/promptctx"
	"github.com/christian-lee/broadcastpipeline/internal/session"
	"github.com/christian-lee/broadcastpipeline/internal/snapshotwatch"
)

// Config bundles every per-game knob the configuration surface exposes.
type Config struct {
	IngestDir             string
	Static                pipeline.StaticContext
	Orchestrator          orchestrator.Config
	Ordering              ordering.Config
	Watcher               snapshotwatch.Config
	SessionPolicy         promptctx.Policy
	PersistWatermarkEvery int
}

// Game owns one game's full actor chain and its pause gate.
type Game struct {
	id    pipeline.GameID
	cfg   Config
	board *board.Board
	queue *ordering.Queue[pipeline.Output]
	orch  *orchestrator.Orchestrator
	store *persistence.Store
	hub   *broadcast.Hub

	mu     sync.Mutex
	paused bool
	held   []orchestrator.Work // buffered work items while paused, in arrival order

	emitted   int64             // count of outputs forwarded to the hub, for watermark cadence
	watermark pipeline.GameTime // resume point recovered at startup, zero value if none
}

// New constructs a Game's actors without starting any goroutines.
func New(id pipeline.GameID, cfg Config, llmClient orchestrator.LLM, ttsClient orchestrator.TTS, store *persistence.Store, hub *broadcast.Hub) (*Game, error) {
	b := board.New(id, cfg.Static)

	recovered, err := store.Recover(id)
	if err != nil {
		return nil, fmt.Errorf("gameserver: recover %s: %w", id, err)
	}
	if recovered.BoardState != nil {
		if err := b.Restore(recovered.BoardState); err != nil {
			return nil, fmt.Errorf("gameserver: restore board %s: %w", id, err)
		}
	}
	if err := store.WriteStatic(cfg.Static); err != nil {
		return nil, fmt.Errorf("gameserver: persist static %s: %w", id, err)
	}

	q := ordering.New[pipeline.Output](cfg.Ordering, nil)
	policy := cfg.SessionPolicy
	if policy == (promptctx.Policy{}) {
		policy = promptctx.DefaultPolicy()
	}
	sessMgr := session.New(policy)
	orch := orchestrator.New(cfg.Orchestrator, llmClient, ttsClient, b, q, sessMgr)

	g := &Game{
		id:    id,
		cfg:   cfg,
		board: b,
		queue: q,
		orch:  orch,
		store: store,
		hub:   hub,
	}
	if recovered.HasWatermark {
		g.watermark = recovered.Watermark
		slog.Info("gameserver: resuming from watermark", "game_id", id, "watermark", recovered.Watermark.String())
	}
	return g, nil
}

// Run starts the watcher, the reducer loop, the orchestrator pool, and
// the emission loop that drains the ordering queue into the broadcast
// hub. It blocks until ctx is canceled or an unrecoverable error occurs.
func (g *Game) Run(ctx context.Context) error {
	if err := os.MkdirAll(g.cfg.IngestDir, 0o755); err != nil {
		return fmt.Errorf("gameserver: create ingest dir %s: %w", g.cfg.IngestDir, err)
	}
	watcher := snapshotwatch.NewSince(g.cfg.Watcher, g.cfg.IngestDir, g.watermark)
	arrivals, err := watcher.Watch(ctx)
	if err != nil {
		return fmt.Errorf("gameserver: watch %s: %w", g.id, err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- g.orch.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.reduceLoop(ctx, arrivals)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.emitLoop(ctx)
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil && err != context.Canceled {
			return err
		}
	}
	return nil
}

// reduceLoop is the Board's single writer: every arrival is reduced in
// the order the watcher hands it over, then handed to the pause gate.
func (g *Game) reduceLoop(ctx context.Context, arrivals <-chan snapshotwatch.Arrival) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-arrivals:
			if !ok {
				return
			}
			snap, err := board.ParseSnapshotFile(a.Path)
			if err != nil {
				slog.Error("gameserver: parse snapshot failed, quarantining", "path", a.Path, "err", err)
				g.store.QuarantineSnapshot(g.id, a.Path, snap.Raw)
				g.queue.Fail(a.GameTime, "snapshot quarantined: "+err.Error())
				continue
			}
			if err := g.store.WriteSnapshot(snap); err != nil {
				slog.Error("gameserver: archive snapshot failed", "err", err)
			}
			g.queue.Advance(snap.GameTime)

			upd, err := g.board.Reduce(snap)
			if err != nil {
				slog.Error("gameserver: reduce rejected snapshot", "err", err, "game_time", snap.GameTime.String())
				g.queue.Fail(snap.GameTime, "reduce rejected: "+err.Error())
				continue
			}
			if state, err := g.board.MarshalState(); err == nil {
				if err := g.store.WriteBoard(g.id, state); err != nil {
					slog.Error("gameserver: persist board failed", "err", err)
				}
				if err := g.store.WriteBoardHistory(g.id, snap.GameTime, state); err != nil {
					slog.Error("gameserver: persist board history failed", "err", err)
				}
			}

			g.dispatchOrHold(orchestrator.NewWork(snap, upd))
		}
	}
}

// dispatchOrHold sends work straight to the orchestrator unless the game
// is paused, in which case it's buffered for release on Resume.
func (g *Game) dispatchOrHold(w orchestrator.Work) {
	g.mu.Lock()
	if g.paused {
		g.held = append(g.held, w)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.orch.Submit(w)
}

// emitLoop drains the ordering queue strictly in game-time order and
// publishes each entry to the broadcast hub, persisting a watermark as
// it goes so a restart resumes exactly where emission left off.
func (g *Game) emitLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-g.queue.Out():
			if !ok {
				return
			}
			switch entry := v.(type) {
			case pipeline.Output:
				g.hub.Publish(entry)
				if err := g.store.WriteAnalysis(g.id, entry.At, entry.Analysis); err != nil {
					slog.Error("gameserver: archive analysis failed", "err", err)
				}
				if err := g.store.WriteNarration(entry.Narration); err != nil {
					slog.Error("gameserver: archive narration failed", "err", err)
				}
				if err := g.store.WriteAudio(g.id, entry.Audio); err != nil {
					slog.Error("gameserver: archive audio failed", "err", err)
				}
				g.advanceWatermark(entry.At)
			case ordering.Skip:
				g.hub.Publish(pipeline.Output{GameID: g.id, At: entry.GameTime, Skipped: true, SkipReason: entry.Reason})
				g.advanceWatermark(entry.GameTime)
			}
		}
	}
}

func (g *Game) advanceWatermark(gt pipeline.GameTime) {
	g.emitted++
	if g.cfg.PersistWatermarkEvery <= 0 || g.emitted%int64(g.cfg.PersistWatermarkEvery) == 0 {
		if err := g.store.WriteWatermark(g.id, gt); err != nil {
			slog.Error("gameserver: persist watermark failed", "err", err)
		}
	}
}

// Pause stops new snapshot work from reaching the orchestrator; the
// Board keeps reducing so the game state stays current, but narration
// stops advancing until Resume releases the buffered work in order.
func (g *Game) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
}

// Resume releases any work buffered during a pause, in the order it
// arrived, then lets new arrivals dispatch immediately again.
func (g *Game) Resume() {
	g.mu.Lock()
	held := g.held
	g.held = nil
	g.paused = false
	g.mu.Unlock()

	for _, w := range held {
		g.orch.Submit(w)
	}
}

func (g *Game) IsPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Close releases the game's resources; the watermark is already
// current as of the last emission.
func (g *Game) Close() {
	g.orch.Close()
	g.queue.Close()
}

// Supervisor runs a fixed set of games concurrently and implements
// admin.GameController so the control plane can pause/resume any of
// them by id.
type Supervisor struct {
	games map[pipeline.GameID]*Game
}

func NewSupervisor(games map[pipeline.GameID]*Game) *Supervisor {
	return &Supervisor{games: games}
}

// Run starts every game's actor chain concurrently and blocks until all
// of them return (normally only on ctx cancellation).
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(s.games))
	for id, g := range s.games {
		wg.Add(1)
		go func(id pipeline.GameID, g *Game) {
			defer wg.Done()
			if err := g.Run(ctx); err != nil && err != context.Canceled {
				errs <- fmt.Errorf("game %s: %w", id, err)
			}
			g.Close()
		}(id, g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) GameIDs() []string {
	ids := make([]string, 0, len(s.games))
	for id := range s.games {
		ids = append(ids, string(id))
	}
	return ids
}

func (s *Supervisor) Pause(gameID string) error {
	g, ok := s.games[pipeline.GameID(gameID)]
	if !ok {
		return fmt.Errorf("gameserver: unknown game %q", gameID)
	}
	g.Pause()
	return nil
}

func (s *Supervisor) Resume(gameID string) error {
	g, ok := s.games[pipeline.GameID(gameID)]
	if !ok {
		return fmt.Errorf("gameserver: unknown game %q", gameID)
	}
	g.Resume()
	return nil
}

func (s *Supervisor) IsPaused(gameID string) bool {
	g, ok := s.games[pipeline.GameID(gameID)]
	if !ok {
		return false
	}
	return g.IsPaused()
}
