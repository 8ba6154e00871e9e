package orchestrator

import (
	"testing"

	"github.com/christian-lee/broadcastpipeline/internal/board"
	"github.com/christian-lee/broadcastpipeline/internal/llm"
	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
)

func rosterProj() board.BoardProjection {
	return board.BoardProjection{
		Static: pipeline.StaticContext{
			PlayerName: map[string]string{"h1": "Draisaitl"},
			TeamName:   map[string]string{"HOME": "Oilers"},
		},
	}
}

func TestEnforceRosterLockKeepsKnownNames(t *testing.T) {
	segs := []llm.SegmentDraft{{Text: "Draisaitl fires it past the Oilers defense."}}
	out := enforceRosterLock(segs, rosterProj())
	if len(out) != 1 {
		t.Fatalf("expected the segment to survive, got %d", len(out))
	}
	if out[0].Text != segs[0].Text {
		t.Fatalf("expected no rewrite for known names, got %q", out[0].Text)
	}
}

func TestEnforceRosterLockAllowsGenericRoles(t *testing.T) {
	segs := []llm.SegmentDraft{{Text: "The referee waves off the play as the crowd groans."}}
	out := enforceRosterLock(segs, rosterProj())
	if len(out) != 1 {
		t.Fatalf("expected generic roles to pass untouched, got %d", len(out))
	}
}

func TestEnforceRosterLockRewritesSingleStrayName(t *testing.T) {
	segs := []llm.SegmentDraft{{Text: "Gretzky dangles through two defenders."}}
	out := enforceRosterLock(segs, rosterProj())
	if len(out) != 1 {
		t.Fatalf("expected the segment to survive with a rewrite, got %d", len(out))
	}
	if out[0].Text == segs[0].Text {
		t.Fatal("expected the unrecognized name to be rewritten to a generic role")
	}
}

func TestEnforceRosterLockDropsSegmentCenteredOnUnknownNames(t *testing.T) {
	segs := []llm.SegmentDraft{{Text: "Gretzky feeds Lemieux who finds Howe for the one-timer."}}
	out := enforceRosterLock(segs, rosterProj())
	if len(out) != 0 {
		t.Fatalf("expected a segment naming 3+ unrecognized players to be dropped, got %d", len(out))
	}
}
