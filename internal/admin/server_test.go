package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/christian-lee/broadcastpipeline/internal/auth"
)

type fakeController struct {
	paused map[string]bool
	ids    []string
}

func (f *fakeController) GameIDs() []string { return f.ids }
func (f *fakeController) Pause(gameID string) error {
	for _, id := range f.ids {
		if id == gameID {
			f.paused[gameID] = true
			return nil
		}
	}
	return fmt.Errorf("unknown game %q", gameID)
}
func (f *fakeController) Resume(gameID string) error {
	delete(f.paused, gameID)
	return nil
}
func (f *fakeController) IsPaused(gameID string) bool { return f.paused[gameID] }

func newTestServer(t *testing.T) (*Server, *fakeController) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "admin.db")
	store, err := auth.NewStore(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureAdmin("operator", "correct-horse"); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	ctrl := &fakeController{paused: map[string]bool{}, ids: []string{"g1"}}
	return NewServer(store, ctrl, 0), ctrl
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Username: "operator", Password: "correct-horse"})
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleLogin(rec, req)
	if rec.Code != 200 {
		t.Fatalf("login: status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("expected non-empty token")
	}
	return resp.Token
}

func TestLoginRejectsBadPassword(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(loginRequest{Username: "operator", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleLogin(rec, req)
	if rec.Code != 401 {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPauseResumeRoundTripAndAudit(t *testing.T) {
	s, ctrl := newTestServer(t)
	token := login(t, s)

	body, _ := json.Marshal(gameActionRequest{GameID: "g1", Reason: "broadcast delay requested"})
	req := httptest.NewRequest(http.MethodPost, "/api/games/pause", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.requireAuth(s.handlePause)(rec, req)
	if rec.Code != 200 {
		t.Fatalf("pause: status %d: %s", rec.Code, rec.Body.String())
	}
	if !ctrl.IsPaused("g1") {
		t.Fatal("expected game g1 to be paused")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/audit", nil)
	req2.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	s.requireAuth(s.handleAudit)(rec2, req2)
	var entries []auth.AuditEntry
	if err := json.Unmarshal(rec2.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "pause" || entries[0].GameID != "g1" {
		t.Fatalf("unexpected audit log: %+v", entries)
	}

	body2, _ := json.Marshal(gameActionRequest{GameID: "g1"})
	req3 := httptest.NewRequest(http.MethodPost, "/api/games/resume", bytes.NewReader(body2))
	req3.Header.Set("Authorization", "Bearer "+token)
	rec3 := httptest.NewRecorder()
	s.requireAuth(s.handleResume)(rec3, req3)
	if rec3.Code != 200 {
		t.Fatalf("resume: status %d: %s", rec3.Code, rec3.Body.String())
	}
	if ctrl.IsPaused("g1") {
		t.Fatal("expected game g1 to be resumed")
	}
}

func TestGameActionRejectsUnknownGame(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	body, _ := json.Marshal(gameActionRequest{GameID: "does-not-exist"})
	req := httptest.NewRequest(http.MethodPost, "/api/games/pause", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.requireAuth(s.handlePause)(rec, req)
	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/games", nil)
	rec := httptest.NewRecorder()
	s.requireAuth(s.handleListGames)(rec, req)
	if rec.Code != 401 {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
