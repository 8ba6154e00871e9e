// Package broadcast fans in-order pipeline outputs out to websocket
// subscribers: one writer goroutine per sink, a fixed-size buffer, and
// drop-and-disconnect on overflow instead of back-pressuring the
// producer. A subscriber that can't keep up never stalls the pipeline.
package broadcast

import (
	"encoding/base64"
	"log/slog"
	"sync"

	"github.com/christian-lee/broadcastpipeline/internal/persistence"
	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
)

func encodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// Subscriber is anything that can receive broadcast frames.
type Subscriber interface {
	ID() string
	Send(Message) error
	Close()
}

// Hub owns the subscriber registry and publishes frames to all of them.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*subscriberHandle
	queueSize int
	store     *persistence.Store // optional; enables resume-from-game_time replay
}

type subscriberHandle struct {
	sub    Subscriber
	gameID pipeline.GameID // "" means every game (used by tests that don't care)
	queue  chan Message
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// trySend enqueues msg without blocking. It returns false if the queue is
// full or already closed. Sends and close are serialized on h.mu so two
// publishers (or a publisher racing an end/overflow path) can never send
// on a closed channel or close it twice.
func (h *subscriberHandle) trySend(msg Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	select {
	case h.queue <- msg:
		return true
	default:
		return false
	}
}

// closeQueue closes the handle's queue exactly once, no matter how many
// publish/end/overflow paths race to retire the same subscriber.
func (h *subscriberHandle) closeQueue() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.queue)
}

// New creates a Hub whose per-subscriber queues hold queueSize frames. store
// may be nil, in which case a subscribe request's since is accepted but
// produces no replay.
func New(queueSize int, store *persistence.Store) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{subs: map[string]*subscriberHandle{}, queueSize: queueSize, store: store}
}

// Register adds a subscriber scoped to one game and starts its writer
// goroutine. When since is non-nil and the hub has a store, every archived
// narration/audio batch for gameID strictly after since is pushed onto the
// subscriber's queue before it is registered, so replayed history is always
// ordered ahead of anything Publish enqueues afterward.
func (h *Hub) Register(sub Subscriber, gameID pipeline.GameID, since *pipeline.GameTime) {
	handle := &subscriberHandle{sub: sub, gameID: gameID, queue: make(chan Message, h.queueSize), done: make(chan struct{})}

	if since != nil && h.store != nil {
		if !h.replay(handle, gameID, *since) {
			return // queue overflowed during replay; subscriber already closed
		}
	}

	h.mu.Lock()
	h.subs[sub.ID()] = handle
	h.mu.Unlock()

	go h.runWriter(handle)
}

// replay pushes every persisted output after since onto handle's queue.
// Returns false if the queue overflowed, in which case the subscriber has
// already been closed and must not be registered.
func (h *Hub) replay(handle *subscriberHandle, gameID pipeline.GameID, since pipeline.GameTime) bool {
	outs, err := h.store.ReplayAfter(gameID, since)
	if err != nil {
		slog.Error("broadcast: replay failed", "game_id", gameID, "since", since.String(), "err", err)
		return true
	}
	for _, out := range outs {
		for _, frame := range FramesForOutput(out) {
			if !handle.trySend(frame) {
				slog.Warn("broadcast: subscriber queue overflowed during replay, disconnecting", "subscriber", handle.sub.ID())
				handle.closeQueue()
				handle.sub.Close()
				return false
			}
		}
	}
	return true
}

func (h *Hub) runWriter(handle *subscriberHandle) {
	defer close(handle.done)
	for msg := range handle.queue {
		if err := handle.sub.Send(msg); err != nil {
			slog.Warn("broadcast: subscriber send failed, disconnecting", "subscriber", handle.sub.ID(), "err", err)
			h.remove(handle.sub.ID())
			return
		}
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	handle, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		handle.sub.Close()
	}
}

// Publish fans one in-order output out to every subscriber registered for
// out.GameID (or registered for no particular game). A subscriber whose
// queue is full is dropped immediately rather than ever slowing down
// publish for everyone else.
func (h *Hub) Publish(out pipeline.Output) {
	frames := FramesForOutput(out)

	h.mu.RLock()
	handles := make([]*subscriberHandle, 0, len(h.subs))
	for _, handle := range h.subs {
		if handle.gameID != "" && handle.gameID != out.GameID {
			continue
		}
		handles = append(handles, handle)
	}
	h.mu.RUnlock()

	for _, handle := range handles {
		for _, frame := range frames {
			if !handle.trySend(frame) {
				slog.Warn("broadcast: subscriber queue full, dropping connection", "subscriber", handle.sub.ID())
				h.remove(handle.sub.ID())
				handle.closeQueue()
				break
			}
		}
	}
}

// PublishEnd tells every subscriber registered for gameID (or for no
// particular game) that the game has ended, and unregisters them. Subscribers
// of other games stay registered and untouched.
func (h *Hub) PublishEnd(gameID pipeline.GameID) {
	h.mu.Lock()
	ending := make([]*subscriberHandle, 0, len(h.subs))
	for id, handle := range h.subs {
		if handle.gameID != "" && handle.gameID != gameID {
			continue
		}
		ending = append(ending, handle)
		delete(h.subs, id)
	}
	h.mu.Unlock()

	for _, handle := range ending {
		handle.trySend(Message{Type: MsgEnd, GameID: string(gameID)})
		handle.closeQueue()
	}
}

// Names returns the IDs of currently registered subscribers.
func (h *Hub) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subs))
	for id := range h.subs {
		out = append(out, id)
	}
	return out
}
