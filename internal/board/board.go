// Package board maintains the single authoritative, monotonically-consistent
// view of a live game, reduced from a stream of upstream snapshots.
//
// A Board is owned by exactly one goroutine. Readers never get the pointer;
// they get a BoardProjection, a value copy taken under lock. This mirrors
// how the rest of the pipeline hands out state: copy out, never share a
// pointer across a goroutine boundary.
package board

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
)

// UpdateReport summarizes what a single Reduce call changed. The Context
// Manager and Session Manager use it to decide whether a refresh is due.
type UpdateReport struct {
	ScoreChanged    bool
	RosterChanged   bool
	PeriodAdvanced  bool
	NewGoals        []pipeline.GoalRecord
	NewPenalties    []pipeline.PenaltyInterval
	NewEvents       []pipeline.Event
	AnomaliesLogged []string
	Momentum        float64 // signed, recomputed each reduce; >0 favors home
}

// Board is the authoritative, reduced state of one game.
type Board struct {
	mu sync.RWMutex

	gameID pipeline.GameID
	static pipeline.StaticContext

	current   pipeline.GameTime
	score     map[string]int
	shots     map[string]int
	roster    map[string][]string
	goals     []pipeline.GoalRecord
	penalties []pipeline.PenaltyInterval
	goalies   map[string]pipeline.GoalieState // team -> goalie state
	seenEvent map[string]bool                 // RawID -> seen, dedup across snapshots
	momentum  float64
}

// New creates a Board for gameID seeded with its static context.
func New(gameID pipeline.GameID, static pipeline.StaticContext) *Board {
	goalies := map[string]pipeline.GoalieState{}
	if static.HomeTeam != "" && static.GoalieHome != "" {
		goalies[static.HomeTeam] = pipeline.GoalieState{ID: static.GoalieHome}
	}
	if static.AwayTeam != "" && static.GoalieAway != "" {
		goalies[static.AwayTeam] = pipeline.GoalieState{ID: static.GoalieAway}
	}
	return &Board{
		gameID:    gameID,
		static:    static,
		score:     map[string]int{},
		shots:     map[string]int{},
		roster:    map[string][]string{},
		goalies:   goalies,
		seenEvent: map[string]bool{},
	}
}

// BoardProjection is an immutable, point-in-time copy of a Board.
type BoardProjection struct {
	GameID    pipeline.GameID
	Static    pipeline.StaticContext
	Current   pipeline.GameTime
	Score     map[string]int
	Shots     map[string]int
	Roster    map[string][]string
	Goals     []pipeline.GoalRecord
	Penalties []pipeline.PenaltyInterval
	Goalies   map[string]pipeline.GoalieState
	Momentum  float64
}

// Project returns a deep copy of the current state, safe to hold across
// goroutine boundaries.
func (b *Board) Project() BoardProjection {
	b.mu.RLock()
	defer b.mu.RUnlock()

	score := make(map[string]int, len(b.score))
	for k, v := range b.score {
		score[k] = v
	}
	shots := make(map[string]int, len(b.shots))
	for k, v := range b.shots {
		shots[k] = v
	}
	roster := make(map[string][]string, len(b.roster))
	for k, v := range b.roster {
		cp := make([]string, len(v))
		copy(cp, v)
		roster[k] = cp
	}
	goals := make([]pipeline.GoalRecord, len(b.goals))
	copy(goals, b.goals)
	penalties := make([]pipeline.PenaltyInterval, len(b.penalties))
	copy(penalties, b.penalties)
	goalies := make(map[string]pipeline.GoalieState, len(b.goalies))
	for k, v := range b.goalies {
		goalies[k] = v
	}
	return BoardProjection{
		GameID:    b.gameID,
		Static:    b.static,
		Current:   b.current,
		Score:     score,
		Shots:     shots,
		Roster:    roster,
		Goals:     goals,
		Penalties: penalties,
		Goalies:   goalies,
		Momentum:  b.momentum,
	}
}

// Reduce applies one snapshot to the board. It is the single writer: callers
// must serialize calls to Reduce for a given Board (the orchestrator does
// this by running one reducer goroutine per game).
func (b *Board) Reduce(snap pipeline.Snapshot) (UpdateReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if snap.GameID != b.gameID {
		return UpdateReport{}, fmt.Errorf("board: snapshot game id %q does not match board %q", snap.GameID, b.gameID)
	}

	// A snapshot at or behind the current clock is a late duplicate or an
	// out-of-order file; it must never move the clock backward, and no two
	// reduced snapshots may share a game time.
	if b.current != (pipeline.GameTime{}) && snap.GameTime.Compare(b.current) <= 0 {
		return UpdateReport{}, fmt.Errorf("board: snapshot game_time %s does not advance past %s", snap.GameTime, b.current)
	}

	report := UpdateReport{}

	if snap.GameTime.Period > b.current.Period {
		report.PeriodAdvanced = b.current.Period != 0 || snap.GameTime.Period > 1
		// period boundary resets possession-local momentum, not score.
		b.momentum = 0
	}

	for _, ev := range sortedEvents(snap.Events) {
		if ev.RawID != "" && b.seenEvent[ev.RawID] {
			continue // already applied under this upstream event id
		}
		if ev.RawID != "" {
			b.seenEvent[ev.RawID] = true
		}
		if ev.GameTime == (pipeline.GameTime{}) {
			ev.GameTime = snap.GameTime // an untimed event happened at this snapshot's time
		}
		if !b.applyEvent(ev, &report) {
			report.AnomaliesLogged = append(report.AnomaliesLogged,
				fmt.Sprintf("anomaly: %s event %s rejected (roster/consistency check failed)", ev.Kind, ev.RawID))
			continue
		}
		report.NewEvents = append(report.NewEvents, ev)
	}

	if snap.Score != nil {
		if !scoreEqual(b.score, snap.Score) {
			// Score only ever moves forward (totals, not deltas).
			merged, ok := mergeScoreMonotonic(b.score, snap.Score)
			if ok {
				b.score = merged
				report.ScoreChanged = true
			} else {
				report.AnomaliesLogged = append(report.AnomaliesLogged,
					"anomaly: snapshot score decreased relative to board, ignored")
			}
		}
	}

	// Shots are a hint from the producer (observed_shots), never
	// authoritative; accepted only where every team's total does not
	// decrease relative to what the board already counted from events.
	if snap.Shots != nil {
		merged, ok := mergeScoreMonotonic(b.shots, snap.Shots)
		if ok {
			b.shots = merged
		} else {
			report.AnomaliesLogged = append(report.AnomaliesLogged,
				"anomaly: snapshot shots decreased relative to board, ignored")
		}
	}

	if snap.Roster != nil && !rosterEqual(b.roster, snap.Roster) {
		b.roster = copyRoster(snap.Roster)
		report.RosterChanged = true
	}

	b.current = snap.GameTime
	b.penalties = prunePenalties(b.penalties, b.current)
	report.Momentum = b.momentum

	return report, nil
}

// prunePenalties drops any penalty interval that has elapsed as of now,
// so Board.penalties always holds only the currently active intervals
// rather than a full history.
func prunePenalties(penalties []pipeline.PenaltyInterval, now pipeline.GameTime) []pipeline.PenaltyInterval {
	active := make([]pipeline.PenaltyInterval, 0, len(penalties))
	for _, p := range penalties {
		if now.Period != p.Start.Period {
			if now.Period > p.Start.Period {
				continue // period ended, the penalty lapsed with it
			}
			active = append(active, p)
			continue
		}
		elapsed := (now.Minute*60 + now.Second) - (p.Start.Minute*60 + p.Start.Second)
		if elapsed >= p.DurationSeconds {
			continue
		}
		active = append(active, p)
	}
	return active
}

// genericRoleIDs are narration-subject tokens the roster lock always
// permits even though they name no specific player.
var genericRoleIDs = map[string]bool{"referee": true, "crowd": true, "announcer": true, "unknown": true}

// knownPlayer reports whether id belongs to the locked roster set: either
// roster, or one of the generic role tokens. This gates which participants
// a reduce may accept onto the Board.
func (b *Board) knownPlayer(id string) bool {
	if id == "" || genericRoleIDs[id] {
		return true
	}
	for _, p := range b.static.RosterHome {
		if p == id {
			return true
		}
	}
	for _, p := range b.static.RosterAway {
		if p == id {
			return true
		}
	}
	return false
}

// opposingTeam returns the team on the other side of teamID, for crediting
// a goal against the conceding goalie.
func (b *Board) opposingTeam(teamID string) string {
	switch teamID {
	case b.static.HomeTeam:
		return b.static.AwayTeam
	case b.static.AwayTeam:
		return b.static.HomeTeam
	default:
		return ""
	}
}

// applyEvent applies one event's state transition, with per-kind roster
// checks. Returns false if the event must be dropped as an anomaly rather
// than applied.
func (b *Board) applyEvent(ev pipeline.Event, report *UpdateReport) bool {
	if !b.knownPlayer(ev.PlayerID) {
		return false
	}
	for _, a := range ev.AssistIDs {
		if !b.knownPlayer(a) {
			return false
		}
	}

	switch ev.Kind {
	case pipeline.EventGoal:
		if ev.TeamID == "" {
			return false
		}
		b.score[ev.TeamID]++
		b.momentum += momentumDelta(ev.Kind, ev.TeamID, b.static)

		gt := ev.GameTime
		if gt == (pipeline.GameTime{}) {
			gt = b.current
		}
		goal := pipeline.GoalRecord{Scorer: ev.PlayerID, Team: ev.TeamID, Assists: append([]string(nil), ev.AssistIDs...), GameTime: gt}
		b.goals = append(b.goals, goal)
		report.NewGoals = append(report.NewGoals, goal)

		// The goalie defending the other side concedes this goal.
		if conceding := b.opposingTeam(ev.TeamID); conceding != "" {
			gs := b.goalies[conceding]
			gs.GoalsAllowed++
			b.goalies[conceding] = gs
		}
		return true
	case pipeline.EventPenalty:
		if ev.TeamID == "" {
			return false
		}
		b.momentum -= momentumDelta(ev.Kind, ev.TeamID, b.static) * 0.5
		duration := 120
		if d, err := strconv.Atoi(ev.Detail); err == nil && d > 0 {
			duration = d
		}
		gt := ev.GameTime
		if gt == (pipeline.GameTime{}) {
			gt = b.current
		}
		pen := pipeline.PenaltyInterval{Team: ev.TeamID, PlayerID: ev.PlayerID, Start: gt, DurationSeconds: duration}
		b.penalties = append(b.penalties, pen)
		report.NewPenalties = append(report.NewPenalties, pen)
		return true
	case pipeline.EventShot:
		b.shots[ev.TeamID]++
		b.momentum += momentumDelta(ev.Kind, ev.TeamID, b.static) * 0.1
		return true
	case pipeline.EventPeriodBoundary, pipeline.EventStoppage, pipeline.EventFaceoff:
		return true
	default:
		return false
	}
}

func momentumDelta(kind pipeline.EventKind, teamID string, static pipeline.StaticContext) float64 {
	sign := 1.0
	if teamID == static.AwayTeam {
		sign = -1.0
	}
	switch kind {
	case pipeline.EventGoal:
		return sign * 1.0
	case pipeline.EventPenalty:
		return sign * 1.0
	case pipeline.EventShot:
		return sign * 1.0
	default:
		return 0
	}
}

// sortedEvents orders events within one snapshot so goals are applied before
// penalties at the same game time (tie-break rule of the reduce algorithm).
func sortedEvents(evs []pipeline.Event) []pipeline.Event {
	out := make([]pipeline.Event, len(evs))
	copy(out, evs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].GameTime != out[j].GameTime {
			return out[i].GameTime.Less(out[j].GameTime)
		}
		return rank(out[i].Kind) < rank(out[j].Kind)
	})
	return out
}

func rank(k pipeline.EventKind) int {
	if k == pipeline.EventGoal {
		return 0
	}
	return 1
}

func scoreEqual(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// mergeScoreMonotonic accepts snap's score only where every team's total is
// >= the board's current total.
func mergeScoreMonotonic(board, snap map[string]int) (map[string]int, bool) {
	merged := make(map[string]int, len(snap))
	for k, v := range snap {
		if cur, ok := board[k]; ok && v < cur {
			return nil, false
		}
		merged[k] = v
	}
	for k, v := range board {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return merged, true
}

func rosterEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		ov, ok := b[k]
		if !ok || len(ov) != len(v) {
			return false
		}
		for i := range v {
			if v[i] != ov[i] {
				return false
			}
		}
	}
	return true
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func copyRoster(r map[string][]string) map[string][]string {
	out := make(map[string][]string, len(r))
	for k, v := range r {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// persistedState is the exact set of fields that make up a Board's
// identity, the wire shape for board/latest.json. Restoring one and
// projecting it must reproduce the live board bit for bit (round-trip
// law), so this mirrors the private fields directly rather than
// reusing BoardProjection, which only carries a read-only subset.
type persistedState struct {
	Current   pipeline.GameTime
	Score     map[string]int
	Shots     map[string]int
	Roster    map[string][]string
	Goals     []pipeline.GoalRecord
	Penalties []pipeline.PenaltyInterval
	Goalies   map[string]pipeline.GoalieState
	SeenEvent map[string]bool
	Momentum  float64
}

// MarshalState serializes the board's current reduced state for
// persistence.WriteBoard.
func (b *Board) MarshalState() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return json.Marshal(persistedState{
		Current:   b.current,
		Score:     b.score,
		Shots:     b.shots,
		Roster:    b.roster,
		Goals:     b.goals,
		Penalties: b.penalties,
		Goalies:   b.goalies,
		SeenEvent: b.seenEvent,
		Momentum:  b.momentum,
	})
}

// Restore replaces the board's reduced state with what a prior
// MarshalState produced, the recovery half of the round-trip law
// restore(snapshot_state(b)) == b.
func (b *Board) Restore(data []byte) error {
	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return fmt.Errorf("board: restore: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = ps.Current
	b.score = ps.Score
	if b.score == nil {
		b.score = map[string]int{}
	}
	b.shots = ps.Shots
	if b.shots == nil {
		b.shots = map[string]int{}
	}
	b.roster = ps.Roster
	if b.roster == nil {
		b.roster = map[string][]string{}
	}
	b.goals = ps.Goals
	b.penalties = ps.Penalties
	b.goalies = ps.Goalies
	if b.goalies == nil {
		b.goalies = map[string]pipeline.GoalieState{}
	}
	b.seenEvent = ps.SeenEvent
	if b.seenEvent == nil {
		b.seenEvent = map[string]bool{}
	}
	b.momentum = ps.Momentum
	return nil
}

// NarrativeSummary produces a short, deterministic recap of the game so
// far, bounded to keep prompt size predictable. No model call happens
// here; only the Narrate stage talks to a model.
func (b *Board) NarrativeSummary() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s vs %s, period %d, %02d:%02d. ",
		b.static.HomeTeam, b.static.AwayTeam, b.current.Period, b.current.Minute, b.current.Second)

	teams := make([]string, 0, len(b.score))
	for t := range b.score {
		teams = append(teams, t)
	}
	sort.Strings(teams)
	for _, t := range teams {
		fmt.Fprintf(&sb, "%s %d (%d shots). ", t, b.score[t], b.shots[t])
	}
	if len(b.goals) > 0 {
		last := b.goals[len(b.goals)-1]
		scorer := b.static.PlayerName[last.Scorer]
		if scorer == "" {
			scorer = last.Scorer
		}
		fmt.Fprintf(&sb, "Last goal: %s (%s) at %d:%02d:%02d. ",
			scorer, last.Team, last.GameTime.Period, last.GameTime.Minute, last.GameTime.Second)
	}
	if len(b.penalties) > 0 {
		fmt.Fprintf(&sb, "%d penalt%s active. ", len(b.penalties), plural(len(b.penalties)))
	}

	out := sb.String()
	const maxRunes = 600
	if r := []rune(out); len(r) > maxRunes {
		out = string(r[:maxRunes])
	}
	return out
}
