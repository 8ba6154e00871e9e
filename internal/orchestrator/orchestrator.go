// Package orchestrator runs the Analyze -> Narrate -> Synthesize chain for
// each reduced snapshot, one worker per concurrent snapshot, all writing
// into the ordering queue for in-order release.
//
// The worker pool shape, a semaphore-bounded channel gating one goroutine
// per unit of work, keeps different snapshots in flight concurrently
// while the stages within one snapshot stay sequential.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/christian-lee/broadcastpipeline/internal/audio"
	"github.com/christian-lee/broadcastpipeline/internal/board"
	"github.com/christian-lee/broadcastpipeline/internal/llm"
	"github.com/christian-lee/broadcastpipeline/internal/ordering"
	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
	"github.com/christian-lee/broadcastpipeline/internal/promptctx"
	"github.com/christian-lee/broadcastpipeline/internal/retry"
	"github.com/christian-lee/broadcastpipeline/internal/session"
)

// LLM is the subset of the llm.Client contract the orchestrator depends on,
// named here so tests can supply a fake.
type LLM interface {
	Analyze(ctx context.Context, payload promptctx.PromptPayload) (llm.AnalysisResult, error)
	Narrate(ctx context.Context, payload promptctx.PromptPayload, analysis llm.AnalysisResult) (llm.NarrationResult, error)
}

// TTS is the subset of the tts.Synthesizer contract the orchestrator needs.
type TTS interface {
	Synthesize(ctx context.Context, speaker, emotion, text string) ([]byte, error)
}

// Config controls pool sizing and per-call timeouts.
type Config struct {
	StagePoolSize int
	LLMTimeout    time.Duration
	TTSTimeout    time.Duration
	MomentumPolicy MomentumPolicy
}

func DefaultConfig() Config {
	return Config{
		StagePoolSize:  3,
		LLMTimeout:     12 * time.Second,
		TTSTimeout:     8 * time.Second,
		MomentumPolicy: DefaultMomentumPolicy(),
	}
}

// Work bundles a reduced snapshot with the board update it produced, the
// unit of work the stage chain consumes. The caller that owns the Board's
// reduce loop constructs these with NewWork and hands them to Submit.
type Work struct {
	Snapshot pipeline.Snapshot
	Update   board.UpdateReport
}

func NewWork(snap pipeline.Snapshot, upd board.UpdateReport) Work {
	return Work{Snapshot: snap, Update: upd}
}

// Orchestrator runs the three-stage chain for one game.
type Orchestrator struct {
	cfg   Config
	llm   LLM
	tts   TTS
	board *board.Board
	queue *ordering.Queue[pipeline.Output]
	sess  *session.Manager
	seq   int64

	in chan Work
}

// New wires an Orchestrator for one game's stage chain.
func New(cfg Config, llmClient LLM, ttsClient TTS, b *board.Board, queue *ordering.Queue[pipeline.Output], sess *session.Manager) *Orchestrator {
	return &Orchestrator{
		cfg: cfg, llm: llmClient, tts: ttsClient, board: b, queue: queue, sess: sess,
		in: make(chan Work, max(cfg.StagePoolSize, 1)*2),
	}
}

// Submit hands one unit of work to the orchestrator's dispatch loop. It
// blocks if the internal queue is full, applying backpressure to whatever
// is driving the Board's reduce loop.
func (o *Orchestrator) Submit(w Work) {
	o.in <- w
}

// Close signals that no more work will be submitted, letting Run drain
// its active workers and return once the queue empties.
func (o *Orchestrator) Close() {
	close(o.in)
}

// Run dispatches one stage worker per submitted Work, bounded by
// cfg.StagePoolSize. Different snapshots run concurrently; ctx
// cancellation drains the active pool before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	sem := make(chan struct{}, max(o.cfg.StagePoolSize, 1))
	active := 0
	activeDone := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			for active > 0 {
				<-activeDone
				active--
			}
			return ctx.Err()
		case sr, ok := <-o.in:
			if !ok {
				for active > 0 {
					<-activeDone
					active--
				}
				return nil
			}
			sem <- struct{}{}
			active++
			o.seq++
			seq := o.seq
			go func(sr Work, seq int64) {
				defer func() { <-sem; activeDone <- struct{}{} }()
				o.processOne(ctx, sr, seq)
			}(sr, seq)
		}
	}
}

func (o *Orchestrator) processOne(ctx context.Context, sr Work, seq int64) {
	proj := o.board.Project()
	summary := o.board.NarrativeSummary()

	degraded := false
	analysis, err := o.runAnalyze(ctx, sr, proj, summary)
	if err != nil {
		slog.Error("orchestrator: analyze failed, using degraded analysis", "err", err)
		analysis = degradedAnalysis(sr.Update)
		degraded = true
	}

	narration, err := o.runNarrate(ctx, sr, proj, summary, analysis)
	if err != nil {
		slog.Error("orchestrator: narrate failed, skipping snapshot", "err", err, "game_time", sr.Snapshot.GameTime)
		o.queue.Fail(sr.Snapshot.GameTime, "narrate failed: "+err.Error())
		return
	}

	audioBatch, err := o.runSynthesize(ctx, sr.Snapshot, narration)
	if err != nil {
		slog.Error("orchestrator: synthesize failed, emitting text-only output", "err", err, "game_time", sr.Snapshot.GameTime)
	}

	o.queue.Submit(pipeline.Output{
		GameID:   sr.Snapshot.GameID,
		At:       sr.Snapshot.GameTime,
		Sequence: seq,
		Analysis: pipeline.Analysis{
			SignificantChange:   analysis.SignificantChange,
			TalkingPoints:       analysis.TalkingPoints,
			MomentumImpact:      analysis.MomentumImpact,
			Magnitude:           analysis.Magnitude,
			HighIntensityEvents: analysis.HighIntensityEvents,
			Degraded:            degraded,
		},
		Narration: narration,
		Audio:     audioBatch,
	})
}

func (o *Orchestrator) runAnalyze(ctx context.Context, sr Work, proj board.BoardProjection, summary string) (llm.AnalysisResult, error) {
	sess := o.sess.Active()
	payload := promptctx.Assemble(promptctx.StageAnalyze, sess.History, proj, summary, sr.Snapshot)

	var result llm.AnalysisResult
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
		defer cancel()
		var e error
		result, e = o.llm.Analyze(cctx, payload)
		return e
	})
	o.sess.MaybeRefresh(promptctx.Message{Role: "assistant", Text: fmt.Sprintf("%s (%s)", result.SignificantChange, result.MomentumImpact)}, proj, summary, sr.Update)
	return result, err
}

func (o *Orchestrator) runNarrate(ctx context.Context, sr Work, proj board.BoardProjection, summary string, analysis llm.AnalysisResult) (pipeline.NarrationBatch, error) {
	sess := o.sess.Active()
	payload := promptctx.Assemble(promptctx.StageNarrate, sess.History, proj, summary, sr.Snapshot)

	var result llm.NarrationResult
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
		defer cancel()
		var e error
		result, e = o.llm.Narrate(cctx, payload, analysis)
		return e
	})
	if err != nil {
		return pipeline.NarrationBatch{}, err
	}

	segments := enforceRosterLock(result.Segments, proj)
	segments = o.repairContradictions(ctx, payload, analysis, segments, proj)
	segments = ensureGoalCoverage(segments, sr.Update, proj)
	segments = normalizeSpeakers(segments)

	out := pipeline.NarrationBatch{GameID: sr.Snapshot.GameID, GameTime: sr.Snapshot.GameTime}
	for _, s := range segments {
		kind := pipeline.CommentaryKind(s.Kind)
		if kind == "" {
			kind = pipeline.CommentaryKind(o.cfg.MomentumPolicy.PreferredKind(analysis))
		}
		out.Segments = append(out.Segments, pipeline.CommentarySegment{
			GameTime:                sr.Snapshot.GameTime,
			Speaker:                 s.Speaker,
			Emotion:                 s.Emotion,
			Kind:                    kind,
			Text:                    s.Text,
			DurationEstimateSeconds: estimateSpeechSeconds(s.Text),
			PauseAfterSeconds:       0.4,
		})
	}
	return out, nil
}

// repairContradictions gives a batch that contradicts the board's
// authoritative score one repair retry (a re-prompt naming the
// contradiction) before any surviving contradiction is dropped. Same
// shape as llm.Client's schema-validation repair retry, generalized from
// "invalid JSON" to "fact contradicts ground truth" as the thing worth
// one more model call before giving up on it.
func (o *Orchestrator) repairContradictions(ctx context.Context, payload promptctx.PromptPayload, analysis llm.AnalysisResult, segments []llm.SegmentDraft, proj board.BoardProjection) []llm.SegmentDraft {
	if !anyContradictsScore(segments, proj) {
		return segments
	}
	slog.Warn("orchestrator: narration contradicted board score, retrying with repair prompt")

	repairPayload := payload
	repairPayload.History = append(append([]promptctx.Message(nil), payload.History...), promptctx.Message{
		Role: "system",
		Text: "Your previous response contradicted the authoritative board score. Respond again with segments consistent with the current score.",
	})
	cctx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()
	repaired, err := o.llm.Narrate(cctx, repairPayload, analysis)
	if err != nil {
		slog.Error("orchestrator: repair retry failed, dropping contradicting segments", "err", err)
		return filterScoreContradictions(segments, proj)
	}
	locked := enforceRosterLock(repaired.Segments, proj)
	return filterScoreContradictions(locked, proj)
}

// estimateSpeechSeconds gives a rough spoken-duration estimate from word
// count at a conversational broadcast pace, used before the real audio
// duration is known from Synthesize.
func estimateSpeechSeconds(text string) float64 {
	words := len(splitWords(text))
	if words == 0 {
		return 0
	}
	const wordsPerSecond = 2.5
	return float64(words) / wordsPerSecond
}

func splitWords(text string) []string {
	var words []string
	start := -1
	for i, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			if start >= 0 {
				words = append(words, text[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, text[start:])
	}
	return words
}

// runSynthesize renders every segment in narration concurrently, since
// segments within a batch have no ordering dependency on each other, then
// reassembles them in the batch's original index order. One segment's
// failure never blocks the others; it's reported back but the remaining
// segments still render.
func (o *Orchestrator) runSynthesize(ctx context.Context, snap pipeline.Snapshot, narration pipeline.NarrationBatch) (pipeline.AudioBatch, error) {
	batch := pipeline.AudioBatch{GameID: snap.GameID, GameTime: snap.GameTime}
	segments := make([]pipeline.AudioSegment, len(narration.Segments))

	var g errgroup.Group
	for i, seg := range narration.Segments {
		i, seg := i, seg
		g.Go(func() error {
			wav, err := o.synthesizeOne(ctx, seg)
			if err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}
			sampleCount, sampleRate, _, _, ok := audioDuration(wav)
			dur := time.Duration(0)
			if ok && sampleRate > 0 {
				dur = time.Duration(sampleCount) * time.Second / time.Duration(sampleRate)
			}
			segments[i] = pipeline.AudioSegment{GameTime: seg.GameTime, Speaker: seg.Speaker, Emotion: seg.Emotion, WAV: wav, Duration: dur}
			return nil
		})
	}
	err := g.Wait()
	batch.Segments = segments
	return batch, err
}

func audioDuration(wav []byte) (sampleCount, sampleRate, channels, bitsPerSample int, ok bool) {
	return audio.DecodeWAVDuration(wav)
}

func (o *Orchestrator) synthesizeOne(ctx context.Context, seg pipeline.CommentarySegment) ([]byte, error) {
	var wav []byte
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, o.cfg.TTSTimeout)
		defer cancel()
		var e error
		wav, e = o.tts.Synthesize(cctx, seg.Speaker, seg.Emotion, seg.Text)
		return e
	})
	return wav, err
}

// degradedAnalysis derives a deterministic analysis straight from the board
// update when the model call fails outright, so narration can still
// proceed in a plainer register rather than stalling the game entirely.
func degradedAnalysis(upd board.UpdateReport) llm.AnalysisResult {
	impact := "neutral"
	if upd.Momentum > 0 {
		impact = "home"
	} else if upd.Momentum < 0 {
		impact = "away"
	}
	change := "no significant change"
	var points []string
	for _, ev := range upd.NewEvents {
		points = append(points, fmt.Sprintf("%s by %s", ev.Kind, ev.TeamID))
	}
	if len(upd.NewEvents) > 0 {
		change = fmt.Sprintf("%s event recorded", upd.NewEvents[0].Kind)
	}
	var intense []string
	for _, g := range upd.NewGoals {
		intense = append(intense, "goal by "+g.Team)
	}
	return llm.AnalysisResult{
		SignificantChange:   change,
		TalkingPoints:       points,
		MomentumImpact:      impact,
		Magnitude:           abs(upd.Momentum),
		HighIntensityEvents: intense,
	}
}

// normalizeSpeakers fills in missing or unrecognized speaker tags so the
// two broadcaster roles alternate, without overriding a valid assignment
// the model already made.
func normalizeSpeakers(segments []llm.SegmentDraft) []llm.SegmentDraft {
	last := "B"
	for i := range segments {
		s := segments[i].Speaker
		if s != "A" && s != "B" {
			if last == "A" {
				s = "B"
			} else {
				s = "A"
			}
			segments[i].Speaker = s
		}
		last = s
	}
	return segments
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
