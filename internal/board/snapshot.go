package board

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
)

// ParseFilename extracts the game id and game time encoded in an ingest
// filename of the form <game_id>_<period>_<mm>_<ss>.<ext>.
func ParseFilename(name string) (pipeline.GameID, pipeline.GameTime, error) {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	parts := strings.Split(stem, "_")
	if len(parts) < 4 {
		return "", pipeline.GameTime{}, fmt.Errorf("board: malformed snapshot filename %q", name)
	}

	period, err := strconv.Atoi(parts[len(parts)-3])
	if err != nil {
		return "", pipeline.GameTime{}, fmt.Errorf("board: bad period in filename %q: %w", name, err)
	}
	minute, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return "", pipeline.GameTime{}, fmt.Errorf("board: bad minute in filename %q: %w", name, err)
	}
	second, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return "", pipeline.GameTime{}, fmt.Errorf("board: bad second in filename %q: %w", name, err)
	}

	gameID := strings.Join(parts[:len(parts)-3], "_")
	if gameID == "" {
		return "", pipeline.GameTime{}, fmt.Errorf("board: empty game id in filename %q", name)
	}

	return pipeline.GameID(gameID), pipeline.GameTime{Period: period, Minute: minute, Second: second}, nil
}

// wireSnapshot is the JSON body an upstream feed writes for one snapshot
// file; field names match the data vendor's export format rather than
// Go convention, which is why this type stays unexported and Snapshot
// is what the rest of the pipeline actually works with.
type wireSnapshot struct {
	Score         map[string]int      `json:"observed_score"`
	ObservedShots map[string]int      `json:"observed_shots"`
	Roster        map[string][]string `json:"roster"`
	Events        []wireEvent         `json:"activities"`
}

type wireEvent struct {
	Kind      string   `json:"kind"`
	Period    int      `json:"period"`
	Minute    int      `json:"minute"`
	Second    int      `json:"second"`
	TeamID    string   `json:"team_id"`
	PlayerID  string   `json:"player_id"`
	AssistIDs []string `json:"assist_ids"`
	Detail    string   `json:"detail"`
	ID        string   `json:"id"`
}

// ParseSnapshotFile reads and decodes one ingest file into a
// pipeline.Snapshot, filling GameID/GameTime from the filename (the
// upstream feed doesn't repeat them in the body) and keeping the raw
// bytes for archival and for quarantining on a decode error.
func ParseSnapshotFile(path string) (pipeline.Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Snapshot{}, fmt.Errorf("board: read snapshot %s: %w", path, err)
	}

	gameID, gameTime, err := ParseFilename(path)
	if err != nil {
		return pipeline.Snapshot{}, err
	}

	var w wireSnapshot
	if err := json.Unmarshal(raw, &w); err != nil {
		return pipeline.Snapshot{Raw: raw, GameID: gameID, GameTime: gameTime}, fmt.Errorf("board: parse snapshot %s: %w", path, err)
	}

	events := make([]pipeline.Event, 0, len(w.Events))
	for _, e := range w.Events {
		events = append(events, pipeline.Event{
			Kind:      pipeline.EventKind(e.Kind),
			GameTime:  pipeline.GameTime{Period: e.Period, Minute: e.Minute, Second: e.Second},
			TeamID:    e.TeamID,
			PlayerID:  e.PlayerID,
			AssistIDs: e.AssistIDs,
			Detail:    e.Detail,
			RawID:     e.ID,
		})
	}

	return pipeline.Snapshot{
		GameID:    gameID,
		GameTime:  gameTime,
		Score:     w.Score,
		Shots:     w.ObservedShots,
		Roster:    w.Roster,
		Events:    events,
		Raw:       raw,
		IngestAt:  time.Now(),
		SourceExt: filepath.Ext(path),
	}, nil
}
