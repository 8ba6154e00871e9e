package broadcast

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSubscriber adapts a gorilla/websocket connection into a Subscriber.
// gorilla/websocket connections are not safe for concurrent writes, so
// every Send is serialized through a mutex.
type wsSubscriber struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSubscriber) ID() string { return s.id }

func (s *wsSubscriber) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *wsSubscriber) Close() {
	_ = s.conn.Close()
}

// Server upgrades HTTP connections to websocket subscribers of one Hub.
type Server struct {
	hub    *Hub
	nextID int
	mu     sync.Mutex
}

// NewServer wires a Server to publish through hub.
func NewServer(hub *Hub) *Server {
	return &Server{hub: hub}
}

// ServeHTTP upgrades the request, then resolves the subscription from the
// "game_id"/"since" query parameters if present, or from the subscriber's
// first frame (a SubscribeRequest) otherwise. The frame is optional: a
// client that passes the query parameters never has to write anything. A
// connection that names a game neither way is closed.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("broadcast: websocket upgrade failed", "err", err)
		return
	}

	gameID := r.URL.Query().Get("game_id")
	sinceStr := r.URL.Query().Get("since")

	if gameID == "" {
		// No query parameters; the first frame must be a subscribe
		// request. Bound the wait so a silent connection doesn't hold a
		// goroutine forever.
		var req SubscribeRequest
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		if err := conn.ReadJSON(&req); err != nil {
			slog.Error("broadcast: subscribe frame read failed", "err", err)
			_ = conn.Close()
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
		gameID = req.GameID
		sinceStr = req.Since
	}

	if gameID == "" {
		slog.Error("broadcast: subscribe request named no game_id, closing", "remote", r.RemoteAddr)
		_ = conn.Close()
		return
	}

	var since *pipeline.GameTime
	if sinceStr != "" {
		gt, err := pipeline.ParseGameTime(sinceStr)
		if err != nil {
			slog.Warn("broadcast: ignoring unparseable since", "since", sinceStr, "err", err)
		} else {
			since = &gt
		}
	}

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("sub-%d", s.nextID)
	s.mu.Unlock()

	sub := &wsSubscriber{id: id, conn: conn}
	s.hub.Register(sub, pipeline.GameID(gameID), since)
	slog.Info("broadcast: subscriber connected", "id", id, "game_id", gameID, "remote", r.RemoteAddr)

	go func() {
		defer sub.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
