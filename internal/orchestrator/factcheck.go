package orchestrator

import (
	"fmt"
	"strings"

	"github.com/christian-lee/broadcastpipeline/internal/board"
	"github.com/christian-lee/broadcastpipeline/internal/llm"
	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
)

// filterScoreContradictions drops any segment whose text states a score
// that doesn't match the board's current authoritative score, the
// no-contradiction guarantee the session's own history can't enforce on
// its own once it's been summarized and trimmed.
func filterScoreContradictions(segments []llm.SegmentDraft, proj board.BoardProjection) []llm.SegmentDraft {
	out := make([]llm.SegmentDraft, 0, len(segments))
	for _, s := range segments {
		if contradictsScore(s.Text, proj) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ensureGoalCoverage guarantees at least one segment per batch references
// a goal when board.UpdateReport carries one. If the roster-lock and
// no-contradiction post-filters dropped every candidate
// segment for a snapshot with a new goal, a deterministic fallback line is
// appended rather than letting the batch go silent on its own headline.
func ensureGoalCoverage(segments []llm.SegmentDraft, upd board.UpdateReport, proj board.BoardProjection) []llm.SegmentDraft {
	if len(upd.NewGoals) == 0 {
		return segments
	}
	for _, s := range segments {
		if strings.Contains(strings.ToLower(s.Text), "goal") {
			return segments
		}
	}
	g := upd.NewGoals[len(upd.NewGoals)-1]
	scorer := proj.Static.PlayerName[g.Scorer]
	if scorer == "" {
		scorer = "the scorer"
	}
	team := proj.Static.TeamName[g.Team]
	if team == "" {
		team = g.Team
	}
	fallback := llm.SegmentDraft{
		Speaker: "A",
		Emotion: "goal",
		Kind:    string(pipeline.KindPlayByPlay),
		Text:    fmt.Sprintf("Goal, %s! %s finds the back of the net.", team, scorer),
	}
	return append(segments, fallback)
}

// anyContradictsScore reports whether at least one segment's text contradicts
// the board's authoritative score, the trigger for one repair retry before
// filterScoreContradictions drops anything.
func anyContradictsScore(segments []llm.SegmentDraft, proj board.BoardProjection) bool {
	for _, s := range segments {
		if contradictsScore(s.Text, proj) {
			return true
		}
	}
	return false
}

func contradictsScore(text string, proj board.BoardProjection) bool {
	lower := strings.ToLower(text)
	for team, score := range proj.Score {
		wrong := fmt.Sprintf("%s %d", strings.ToLower(team), score+1)
		if score > 0 {
			wrong = fmt.Sprintf("%s %d", strings.ToLower(team), score-1)
		}
		if strings.Contains(lower, wrong) {
			return true
		}
	}
	return false
}
