// Package promptctx assembles the prompt payload handed to the LLM
// collaborator and estimates its size, so the session manager can decide
// when a session has grown too large and needs to be refreshed.
package promptctx

import (
	"fmt"
	"sort"
	"strings"

	"github.com/christian-lee/broadcastpipeline/internal/board"
	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
)

// Stage identifies which of the two model calls a prompt is being built for.
type Stage string

const (
	StageAnalyze Stage = "analyze"
	StageNarrate Stage = "narrate"
)

// Message is one turn of conversational context, mirroring the shape the
// LLM collaborator's client expects.
type Message struct {
	Role string
	Text string
}

// PromptPayload is the fully assembled input to one model call.
type PromptPayload struct {
	Stage            Stage
	Instruction      string
	Static           pipeline.StaticContext
	Projection       board.BoardProjection
	NarrativeSummary string
	Snapshot         pipeline.Snapshot
	History          []Message
}

// Trend describes how a session's estimated token usage is moving.
type Trend string

const (
	TrendStable   Trend = "stable"
	TrendRising   Trend = "rising"
	TrendCritical Trend = "critical"
)

const analyzeInstruction = "Analyze the latest snapshot against the current board state. " +
	"Identify the most narratively significant change, list the talking points worth " +
	"mentioning on air, classify the momentum impact, and flag any high-intensity events. " +
	"Respond with the structured analysis object only."

const narrateInstruction = "Write one or more commentary segments for the latest analysis. " +
	"Stay consistent with the roster and score already established. " +
	"Respond with the structured narration object only."

// Assemble builds the five-part prompt: instruction, static context, board
// projection, narrative summary, and the conversational history carried by
// the session.
func Assemble(stage Stage, history []Message, proj board.BoardProjection, narrativeSummary string, snap pipeline.Snapshot) PromptPayload {
	instruction := narrateInstruction
	if stage == StageAnalyze {
		instruction = analyzeInstruction
	}
	return PromptPayload{
		Stage:            stage,
		Instruction:      instruction,
		Static:           proj.Static,
		Projection:       proj,
		NarrativeSummary: narrativeSummary,
		Snapshot:         snap,
		History:          history,
	}
}

// Render flattens a payload into the single text block the LLM client
// sends: fixed instruction first, then the authoritative state fields,
// then the conversational history.
func Render(p PromptPayload) string {
	var sb strings.Builder
	sb.WriteString(p.Instruction)
	sb.WriteString("\n\nAUTHORITATIVE STATE (never contradict these facts):\n")
	fmt.Fprintf(&sb, "Teams: %s vs %s\n", p.Static.HomeTeam, p.Static.AwayTeam)
	fmt.Fprintf(&sb, "Score: %v\n", p.Projection.Score)
	fmt.Fprintf(&sb, "Shots: %v\n", p.Projection.Shots)
	fmt.Fprintf(&sb, "Game time: %s\n", p.Projection.Current)
	teams := make([]string, 0, len(p.Projection.Goalies))
	for team := range p.Projection.Goalies {
		teams = append(teams, team)
	}
	sort.Strings(teams)
	for _, team := range teams {
		g := p.Projection.Goalies[team]
		fmt.Fprintf(&sb, "Goalie %s: %s, %d goals allowed\n", team, g.ID, g.GoalsAllowed)
	}
	if len(p.Projection.Penalties) > 0 {
		fmt.Fprintf(&sb, "Active penalties: %d\n", len(p.Projection.Penalties))
	}
	fmt.Fprintf(&sb, "Allowed player names: %s\n", strings.Join(rosterNames(p.Static), ", "))
	fmt.Fprintf(&sb, "\nSummary so far: %s\n", p.NarrativeSummary)
	if len(p.Snapshot.Events) > 0 {
		sb.WriteString("\nLatest snapshot activities:\n")
		for _, ev := range p.Snapshot.Events {
			fmt.Fprintf(&sb, "- %s team=%s player=%s %s\n", ev.Kind, ev.TeamID, ev.PlayerID, ev.Detail)
		}
	}
	for _, m := range p.History {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Text)
	}
	return sb.String()
}

// rosterNames flattens the roster-lock set into the display names the
// model is allowed to use, sorted for a stable prompt.
func rosterNames(static pipeline.StaticContext) []string {
	names := make([]string, 0, len(static.PlayerName))
	for _, name := range static.PlayerName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EstimateTokens gives a coarse, fast token estimate (bytes/4) across a
// session's accumulated history, rather than calling out to a real
// tokenizer on every message.
func EstimateTokens(history []Message) int {
	total := 0
	for _, m := range history {
		total += len(m.Text)
	}
	return total / 4
}

// Policy bundles the thresholds RecommendRefresh evaluates against.
type Policy struct {
	SoftTokens    int
	HardTokens    int
	RefreshEveryN int
}

func DefaultPolicy() Policy {
	return Policy{SoftTokens: 30000, HardTokens: 48000, RefreshEveryN: 15}
}

// RecommendRefresh is the four-way OR that decides whether a session
// should be rebuilt from scratch on its next use:
//
//	(a) estimated tokens at or past the soft threshold,
//	(b) a major event — a new goal, a new penalty, or a period boundary —
//	    regardless of token size,
//	(c) a time-based fallback: N snapshots since the last refresh, and
//	(d) the growth trend is critical: two consecutive estimates above the
//	    soft threshold, and rising.
//
// estHistory is the session's rolling token-estimate history with the
// latest estimate last; it must be non-empty.
func RecommendRefresh(estHistory []int, snapshotsSinceRefresh int, upd board.UpdateReport, policy Policy) bool {
	var latest int
	if len(estHistory) > 0 {
		latest = estHistory[len(estHistory)-1]
	}
	if latest >= policy.SoftTokens || latest >= policy.HardTokens {
		return true
	}
	if len(upd.NewGoals) > 0 || len(upd.NewPenalties) > 0 || upd.PeriodAdvanced {
		return true
	}
	if GrowthTrend(estHistory, policy) == TrendCritical {
		return true
	}
	if policy.RefreshEveryN > 0 && snapshotsSinceRefresh >= policy.RefreshEveryN {
		return true
	}
	return false
}

// GrowthTrend classifies a rolling window of token estimates. It reads
// critical once two consecutive estimates both clear the soft threshold and
// are still rising, or once the latest alone clears the hard ceiling.
func GrowthTrend(estimates []int, policy Policy) Trend {
	n := len(estimates)
	if n == 0 {
		return TrendStable
	}
	latest := estimates[n-1]
	if latest >= policy.HardTokens {
		return TrendCritical
	}
	if n >= 2 {
		prev := estimates[n-2]
		if prev >= policy.SoftTokens && latest >= policy.SoftTokens && latest > prev {
			return TrendCritical
		}
	}
	if latest >= policy.SoftTokens {
		return TrendRising
	}
	return TrendStable
}
