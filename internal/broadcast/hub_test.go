package broadcast

import (
	"testing"
	"time"

	"github.com/christian-lee/broadcastpipeline/internal/persistence"
	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
)

type fakeSub struct {
	id       string
	received chan Message
	block    chan struct{} // Send blocks on this until closed; nil means don't block
}

func (f *fakeSub) ID() string { return f.id }
func (f *fakeSub) Send(m Message) error {
	if f.block != nil {
		<-f.block
	}
	select {
	case f.received <- m:
	default:
	}
	return nil
}
func (f *fakeSub) Close() {}

func TestHubPublishDeliversFramesInOrder(t *testing.T) {
	hub := New(8, nil)
	sub := &fakeSub{id: "a", received: make(chan Message, 8)}
	hub.Register(sub, "g1", nil)

	out := pipeline.Output{
		GameID: "g1",
		At:     pipeline.GameTime{Period: 1, Minute: 0, Second: 1},
		Narration: pipeline.NarrationBatch{Segments: []pipeline.CommentarySegment{
			{Text: "hello", Kind: pipeline.KindPlayByPlay},
		}},
	}
	hub.Publish(out)

	select {
	case m := <-sub.received:
		if m.Type != MsgNarration {
			t.Fatalf("expected narration first, got %s", m.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for narration frame")
	}

	select {
	case m := <-sub.received:
		if m.Type != MsgBatchEnd {
			t.Fatalf("expected batch_end, got %s", m.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch_end frame")
	}
}

func TestHubDropsSubscriberOnQueueOverflow(t *testing.T) {
	hub := New(1, nil)
	// block is never closed, so the writer's one in-flight Send call never
	// returns, leaving the capacity-1 queue permanently saturated after a
	// couple of publishes.
	sub := &fakeSub{id: "slow", received: make(chan Message, 8), block: make(chan struct{})}
	hub.Register(sub, "g1", nil)

	out := pipeline.Output{GameID: "g1", At: pipeline.GameTime{}, Skipped: true, SkipReason: "test"}
	for i := 0; i < 5; i++ {
		hub.Publish(out)
	}

	time.Sleep(50 * time.Millisecond)
	if names := hub.Names(); len(names) != 0 {
		t.Fatalf("expected slow subscriber to be dropped, still registered: %v", names)
	}
}

func TestHubPublishOnlyReachesMatchingGame(t *testing.T) {
	hub := New(8, nil)
	subA := &fakeSub{id: "a", received: make(chan Message, 8)}
	subB := &fakeSub{id: "b", received: make(chan Message, 8)}
	hub.Register(subA, "g1", nil)
	hub.Register(subB, "g2", nil)

	hub.Publish(pipeline.Output{GameID: "g1", At: pipeline.GameTime{}, Skipped: true, SkipReason: "x"})

	select {
	case m := <-subA.received:
		if m.GameID != "g1" {
			t.Fatalf("expected g1 frame, got %q", m.GameID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for g1 subscriber's frame")
	}

	select {
	case m := <-subB.received:
		t.Fatalf("g2 subscriber should not have received a g1 frame, got %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubPublishEndOnlyEndsMatchingGame(t *testing.T) {
	hub := New(8, nil)
	subA := &fakeSub{id: "a", received: make(chan Message, 8)}
	subB := &fakeSub{id: "b", received: make(chan Message, 8)}
	hub.Register(subA, "g1", nil)
	hub.Register(subB, "g2", nil)

	hub.PublishEnd("g1")

	select {
	case m := <-subA.received:
		if m.Type != MsgEnd {
			t.Fatalf("expected end frame, got %s", m.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for end frame")
	}

	names := hub.Names()
	if len(names) != 1 || names[0] != "b" {
		t.Fatalf("expected only g2 subscriber left registered, got %v", names)
	}
}

func TestHubRegisterReplaysArchivedNarrationBeforeLivePublish(t *testing.T) {
	store, err := persistence.New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	archived := pipeline.NarrationBatch{
		GameID:   "g1",
		GameTime: pipeline.GameTime{Period: 1, Minute: 0, Second: 1},
		Segments: []pipeline.CommentarySegment{{Text: "already broadcast", Kind: pipeline.KindPlayByPlay}},
	}
	if err := store.WriteNarration(archived); err != nil {
		t.Fatalf("write narration: %v", err)
	}

	hub := New(8, store)
	sub := &fakeSub{id: "a", received: make(chan Message, 8)}
	since := pipeline.GameTime{}
	hub.Register(sub, "g1", &since)

	select {
	case m := <-sub.received:
		if m.Type != MsgNarration || m.Text != "already broadcast" {
			t.Fatalf("expected replayed narration frame, got %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed frame")
	}
}
