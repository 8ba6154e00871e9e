package ordering

import (
	"testing"
	"time"

	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
)

func gt(p, m, s int) pipeline.GameTime { return pipeline.GameTime{Period: p, Minute: m, Second: s} }

func TestQueueReleasesInOrderDespiteOutOfOrderSubmission(t *testing.T) {
	expected := []pipeline.GameTime{gt(1, 0, 0), gt(1, 0, 1), gt(1, 0, 2)}
	q := New[pipeline.Output](DefaultConfig(), expected)
	defer q.Close()

	q.Submit(pipeline.Output{At: gt(1, 0, 2)})
	q.Submit(pipeline.Output{At: gt(1, 0, 0)})
	q.Submit(pipeline.Output{At: gt(1, 0, 1)})

	var got []pipeline.GameTime
	for i := 0; i < 3; i++ {
		select {
		case v := <-q.Out():
			got = append(got, v.(pipeline.Output).At)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for output")
		}
	}

	for i, g := range got {
		if g != expected[i] {
			t.Fatalf("out of order release at %d: got %+v want %+v", i, g, expected[i])
		}
	}
}

func TestQueueSkipsStaleEntry(t *testing.T) {
	cfg := Config{Cadence: 10 * time.Millisecond, SkipAfterMultiplier: 2}
	expected := []pipeline.GameTime{gt(1, 0, 0), gt(1, 0, 1)}
	q := New[pipeline.Output](cfg, expected)
	defer q.Close()

	// Never submit gt(1,0,0); it should be skipped so gt(1,0,1) can flow.
	q.Submit(pipeline.Output{At: gt(1, 0, 1)})

	var sawSkip, sawSecond bool
	for i := 0; i < 2; i++ {
		select {
		case v := <-q.Out():
			switch x := v.(type) {
			case Skip:
				sawSkip = x.GameTime == gt(1, 0, 0)
			case pipeline.Output:
				sawSecond = x.At == gt(1, 0, 1)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for skip/release")
		}
	}
	if !sawSkip || !sawSecond {
		t.Fatalf("expected skip then release, sawSkip=%v sawSecond=%v", sawSkip, sawSecond)
	}
}

func TestQueueFailAdvancesImmediatelyWithoutWaitingForSweep(t *testing.T) {
	// A long cadence: if Fail had to wait for the sweep, this test would time out.
	cfg := Config{Cadence: time.Hour, SkipAfterMultiplier: 2}
	expected := []pipeline.GameTime{gt(1, 0, 0), gt(1, 0, 1)}
	q := New[pipeline.Output](cfg, expected)
	defer q.Close()

	q.Submit(pipeline.Output{At: gt(1, 0, 1)})
	q.Fail(gt(1, 0, 0), "quarantined")

	var sawSkip, sawSecond bool
	for i := 0; i < 2; i++ {
		select {
		case v := <-q.Out():
			switch x := v.(type) {
			case Skip:
				sawSkip = x.GameTime == gt(1, 0, 0) && x.Reason == "quarantined"
			case pipeline.Output:
				sawSecond = x.At == gt(1, 0, 1)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fail/release")
		}
	}
	if !sawSkip || !sawSecond {
		t.Fatalf("expected immediate fail then release, sawSkip=%v sawSecond=%v", sawSkip, sawSecond)
	}
}

func TestQueueDropsDuplicateOfAlreadyReleasedEntry(t *testing.T) {
	q := New[pipeline.Output](DefaultConfig(), nil)
	defer q.Close()

	q.Submit(pipeline.Output{At: gt(1, 0, 0)})
	select {
	case <-q.Out():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first release")
	}

	// An at-least-once watcher can hand the same snapshot over twice; the
	// second completion must not be released again.
	q.Submit(pipeline.Output{At: gt(1, 0, 0)})
	q.Submit(pipeline.Output{At: gt(1, 0, 1)})

	select {
	case v := <-q.Out():
		out, ok := v.(pipeline.Output)
		if !ok || out.At != gt(1, 0, 1) {
			t.Fatalf("expected only the new entry to release, got %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second release")
	}
}

func TestQueueKeepsGameTimeOrderWhenSlotsAnnouncedOutOfOrder(t *testing.T) {
	q := New[pipeline.Output](DefaultConfig(), nil)
	defer q.Close()

	// Announce the later slot first, then both arrive; release must still
	// follow game-time order, not announcement order.
	q.Advance(gt(1, 0, 10))
	q.Advance(gt(1, 0, 5))
	q.Submit(pipeline.Output{At: gt(1, 0, 10)})
	q.Submit(pipeline.Output{At: gt(1, 0, 5)})

	want := []pipeline.GameTime{gt(1, 0, 5), gt(1, 0, 10)}
	for i := 0; i < 2; i++ {
		select {
		case v := <-q.Out():
			if got := v.(pipeline.Output).At; got != want[i] {
				t.Fatalf("release %d: got %+v want %+v", i, got, want[i])
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for release")
		}
	}
}

func TestQueueFailOnFutureSlotDoesNotBlockEarlierEntries(t *testing.T) {
	cfg := Config{Cadence: time.Hour, SkipAfterMultiplier: 2}
	expected := []pipeline.GameTime{gt(1, 0, 0), gt(1, 0, 1)}
	q := New[pipeline.Output](cfg, expected)
	defer q.Close()

	// Fail the not-yet-current slot before its predecessor has even arrived.
	q.Fail(gt(1, 0, 1), "narrate failed")
	q.Submit(pipeline.Output{At: gt(1, 0, 0)})

	var sawFirst, sawSkip bool
	for i := 0; i < 2; i++ {
		select {
		case v := <-q.Out():
			switch x := v.(type) {
			case pipeline.Output:
				sawFirst = x.At == gt(1, 0, 0)
			case Skip:
				sawSkip = x.GameTime == gt(1, 0, 1)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for release/fail")
		}
	}
	if !sawFirst || !sawSkip {
		t.Fatalf("expected first entry then the failed slot's skip, sawFirst=%v sawSkip=%v", sawFirst, sawSkip)
	}
}
