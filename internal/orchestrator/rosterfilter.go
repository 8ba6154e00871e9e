package orchestrator

import (
	"regexp"
	"strings"

	"github.com/christian-lee/broadcastpipeline/internal/board"
	"github.com/christian-lee/broadcastpipeline/internal/llm"
)

// genericRoles are always permitted narration subjects even though they
// name no specific player: the fixed exception set the roster lock
// carves out.
var genericRoles = map[string]bool{"referee": true, "crowd": true, "announcer": true}

// genericReplacements cycle through neutral descriptions substituted for a
// player outside the roster lock, so a segment can usually be salvaged
// rather than dropped outright.
var genericReplacements = []string{"the defender", "the winger", "the forward", "the skater"}

var capitalizedWord = regexp.MustCompile(`\b[A-Z][a-zA-Z'-]{2,}\b`)

// commonSentenceStarters keeps ordinary capitalized sentence-initial words
// from being mistaken for a player name by the heuristic below.
var commonSentenceStarters = map[string]bool{
	"The": true, "A": true, "An": true, "He": true, "She": true, "They": true,
	"It": true, "And": true, "But": true, "With": true, "Here": true, "Now": true,
	"That": true, "This": true, "What": true, "There": true, "Off": true, "On": true,
	"Into": true, "After": true, "Back": true, "Game": true, "Period": true,
}

// enforceRosterLock keeps narration inside the roster lock: any segment
// referring to a player identifier outside the two rosters or the generic
// role tokens (referee, crowd, announcer) is rewritten or rejected before
// emission. Single stray
// mentions are rewritten to a generic role; a segment built entirely
// around an unrecognized name can't be salvaged and is dropped.
func enforceRosterLock(segments []llm.SegmentDraft, proj board.BoardProjection) []llm.SegmentDraft {
	allowed := allowedNames(proj)
	out := make([]llm.SegmentDraft, 0, len(segments))
	for _, s := range segments {
		text, ok := rewriteOrDrop(s.Text, allowed)
		if !ok {
			continue
		}
		s.Text = text
		out = append(out, s)
	}
	return out
}

func allowedNames(proj board.BoardProjection) map[string]bool {
	allowed := make(map[string]bool, len(proj.Static.PlayerName)+len(genericRoles))
	for role := range genericRoles {
		allowed[role] = true
	}
	for _, name := range proj.Static.PlayerName {
		allowed[strings.ToLower(name)] = true
	}
	for _, name := range proj.Static.TeamName {
		allowed[strings.ToLower(name)] = true
	}
	return allowed
}

// rewriteOrDrop substitutes any capitalized token not in allowed with a
// generic role phrase. If three or more tokens in one segment need
// rewriting, the segment is too centered on the unrecognized name to
// salvage and is dropped instead.
func rewriteOrDrop(text string, allowed map[string]bool) (string, bool) {
	violations := 0
	result := capitalizedWord.ReplaceAllStringFunc(text, func(word string) string {
		if commonSentenceStarters[word] || allowed[strings.ToLower(word)] {
			return word
		}
		replacement := genericReplacements[violations%len(genericReplacements)]
		violations++
		return replacement
	})
	if violations >= 3 {
		return "", false
	}
	return result, true
}
