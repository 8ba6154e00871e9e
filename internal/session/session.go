// Package session manages the per-stage conversational handles held with
// the LLM collaborator, refreshing them when the context manager says
// they've grown too large or too stale, without ever yanking a handle out
// from under a call already in flight.
package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/christian-lee/broadcastpipeline/internal/board"
	"github.com/christian-lee/broadcastpipeline/internal/promptctx"
)

// Session is an immutable conversational handle. A new Session is built on
// refresh; the old one is simply no longer handed out, never force-closed,
// so a caller already holding it can finish its in-flight call.
type Session struct {
	ID        string
	History   []promptctx.Message
	CreatedAt time.Time
	estTokens int
}

// EstimatedTokens is the coarse size estimate computed when the session
// was built.
func (s *Session) EstimatedTokens() int { return s.estTokens }

// RefreshEvent records why and when a session was rebuilt.
type RefreshEvent struct {
	Trigger      string
	Timestamp    time.Time
	NewSessionID string
}

// refreshLogSize bounds how many refresh events the manager retains; a
// long game refreshes often and only the recent ones matter for
// diagnostics.
const refreshLogSize = 32

// Manager owns the active session handle for one stage key (e.g. one game's
// "analyze" or "narrate" conversation) plus a bounded ring of recent
// refreshes.
type Manager struct {
	active     atomic.Pointer[Session]
	policy     promptctx.Policy
	sinceCount atomic.Int64
	estHistory []int

	refreshLog   [refreshLogSize]RefreshEvent
	refreshCount int
}

// New creates a manager seeded with an initial, empty session.
func New(policy promptctx.Policy) *Manager {
	m := &Manager{policy: policy}
	m.active.Store(&Session{ID: "s0", CreatedAt: time.Now()})
	return m
}

// Active returns the current session handle. Safe to call concurrently with
// MaybeRefresh; a caller that grabs the pointer here keeps a consistent view
// even if a refresh happens immediately after.
func (m *Manager) Active() *Session { return m.active.Load() }

// MaybeRefresh appends the latest turn to history, estimates tokens, and
// swaps in a new Session if the policy says a refresh is due. It returns
// whether a refresh happened.
func (m *Manager) MaybeRefresh(turn promptctx.Message, proj board.BoardProjection, narrativeSummary string, upd board.UpdateReport) bool {
	cur := m.active.Load()
	history := append(append([]promptctx.Message(nil), cur.History...), turn)
	estTokens := promptctx.EstimateTokens(history)
	m.estHistory = append(m.estHistory, estTokens)
	m.sinceCount.Add(1)

	if !promptctx.RecommendRefresh(m.estHistory, int(m.sinceCount.Load()), upd, m.policy) {
		next := &Session{ID: cur.ID, History: history, CreatedAt: cur.CreatedAt, estTokens: estTokens}
		m.active.Store(next)
		return false
	}

	m.refreshCount++
	trigger := refreshTrigger(estTokens, m.estHistory, upd, m.policy, int(m.sinceCount.Load()))
	seed := seedMessages(proj, narrativeSummary)
	next := &Session{
		ID:        sessionID(m.refreshCount),
		History:   seed,
		CreatedAt: time.Now(),
		estTokens: promptctx.EstimateTokens(seed),
	}
	m.active.Store(next)
	m.sinceCount.Store(0)
	m.refreshLog[(m.refreshCount-1)%refreshLogSize] = RefreshEvent{Trigger: trigger, Timestamp: next.CreatedAt, NewSessionID: next.ID}
	return true
}

// RecentRefreshes returns the retained refresh events, oldest first, most
// recent last. At most refreshLogSize entries survive; older ones are
// overwritten in place.
func (m *Manager) RecentRefreshes() []RefreshEvent {
	n := m.refreshCount
	if n > refreshLogSize {
		n = refreshLogSize
	}
	out := make([]RefreshEvent, 0, n)
	start := m.refreshCount - n
	for i := start; i < m.refreshCount; i++ {
		out = append(out, m.refreshLog[i%refreshLogSize])
	}
	return out
}

// GrowthTrend reports how the session's token estimate has been moving.
func (m *Manager) GrowthTrend() promptctx.Trend {
	return promptctx.GrowthTrend(m.estHistory, m.policy)
}

// seedMessages is what a fresh session starts from: the current board
// state and the running summary, condensed into one system turn so the
// new conversation knows everything the old one had accumulated.
func seedMessages(proj board.BoardProjection, narrativeSummary string) []promptctx.Message {
	return []promptctx.Message{
		{Role: "system", Text: fmt.Sprintf(
			"Game state: score %v, shots %v, game time %s.\n%s",
			proj.Score, proj.Shots, proj.Current, narrativeSummary)},
	}
}

func refreshTrigger(estTokens int, estHistory []int, upd board.UpdateReport, policy promptctx.Policy, sinceCount int) string {
	switch {
	case estTokens >= policy.HardTokens:
		return "hard_token_ceiling"
	case len(upd.NewGoals) > 0 || len(upd.NewPenalties) > 0 || upd.PeriodAdvanced:
		return "major_event"
	case promptctx.GrowthTrend(estHistory, policy) == promptctx.TrendCritical:
		return "growth_trend_critical"
	case policy.RefreshEveryN > 0 && sinceCount >= policy.RefreshEveryN:
		return "cadence"
	default:
		return "soft_token_growth"
	}
}

func sessionID(n int) string {
	const digits = "0123456789"
	if n == 0 {
		return "s0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return "s" + string(buf)
}
