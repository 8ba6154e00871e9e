package session

import (
	"testing"

	"github.com/christian-lee/broadcastpipeline/internal/board"
	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
	"github.com/christian-lee/broadcastpipeline/internal/promptctx"
)

func goalUpdate() board.UpdateReport {
	return board.UpdateReport{NewGoals: []pipeline.GoalRecord{{Scorer: "h1", Team: "HOME"}}}
}

func TestMaybeRefreshOnMajorEvent(t *testing.T) {
	m := New(promptctx.DefaultPolicy())
	before := m.Active()

	refreshed := m.MaybeRefresh(promptctx.Message{Role: "assistant", Text: "goal!"}, board.BoardProjection{}, "summary", goalUpdate())
	if !refreshed {
		t.Fatal("expected a score change to trigger a refresh")
	}
	after := m.Active()
	if after.ID == before.ID {
		t.Fatal("expected a new session id after refresh")
	}
	if len(m.RecentRefreshes()) != 1 {
		t.Fatalf("expected 1 recorded refresh, got %d", len(m.RecentRefreshes()))
	}
}

func TestMaybeRefreshNoopAccumulatesHistory(t *testing.T) {
	m := New(promptctx.DefaultPolicy())
	before := m.Active()

	refreshed := m.MaybeRefresh(promptctx.Message{Role: "assistant", Text: "quiet period"}, board.BoardProjection{}, "summary", board.UpdateReport{})
	if refreshed {
		t.Fatal("expected a quiet update not to trigger a refresh")
	}
	after := m.Active()
	if after.ID != before.ID {
		t.Fatal("expected session id to stay stable without a refresh")
	}
	if len(after.History) != 1 {
		t.Fatalf("expected the turn to be appended to history, got %d entries", len(after.History))
	}
}

func TestGrowthTrendTracksAccumulatedHistoryAcrossRefreshes(t *testing.T) {
	policy := promptctx.DefaultPolicy()
	m := New(policy)

	padding := make([]byte, policy.SoftTokens*4+8)
	for i := range padding {
		padding[i] = 'x'
	}
	big := promptctx.Message{Role: "assistant", Text: string(padding)}

	if m.GrowthTrend() != promptctx.TrendStable {
		t.Fatalf("expected a fresh manager to read stable, got %v", m.GrowthTrend())
	}

	m.MaybeRefresh(big, board.BoardProjection{}, "summary", board.UpdateReport{})
	if got := m.GrowthTrend(); got != promptctx.TrendRising && got != promptctx.TrendCritical {
		t.Fatalf("expected an over-soft-threshold turn to read rising or critical, got %v", got)
	}
}

func TestRefreshLogIsBoundedRing(t *testing.T) {
	m := New(promptctx.DefaultPolicy())

	total := refreshLogSize + 5
	for i := 0; i < total; i++ {
		if !m.MaybeRefresh(promptctx.Message{Role: "assistant", Text: "goal!"}, board.BoardProjection{}, "summary", goalUpdate()) {
			t.Fatalf("refresh %d: expected a major event to refresh", i)
		}
	}

	events := m.RecentRefreshes()
	if len(events) != refreshLogSize {
		t.Fatalf("expected the log capped at %d events, got %d", refreshLogSize, len(events))
	}
	// The oldest retained entry is the (total-refreshLogSize+1)-th refresh;
	// everything before it was overwritten in place.
	if events[len(events)-1].NewSessionID != sessionID(total) {
		t.Fatalf("expected the most recent refresh last, got %q", events[len(events)-1].NewSessionID)
	}
	if events[0].NewSessionID != sessionID(total-refreshLogSize+1) {
		t.Fatalf("expected the oldest retained refresh to be %q, got %q", sessionID(total-refreshLogSize+1), events[0].NewSessionID)
	}
}

func TestOldSessionNeverYankedFromInFlightHolder(t *testing.T) {
	m := New(promptctx.DefaultPolicy())
	held := m.Active()

	m.MaybeRefresh(promptctx.Message{Role: "assistant", Text: "goal!"}, board.BoardProjection{}, "summary", goalUpdate())

	if held.ID != "s0" {
		t.Fatalf("expected the caller's held reference to remain the original session, got %q", held.ID)
	}
}
