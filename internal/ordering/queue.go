// Package ordering buffers pipeline outputs that complete out of order and
// releases them strictly in game-time order, skipping over entries that
// fail to arrive within a bounded window.
//
// Internally it is a pending map keyed by game time plus a sorted list of
// expected slots, drained whenever the earliest slot fills and swept by a
// ticker so a slot that never fills is eventually skipped rather than
// blocking everything behind it forever.
package ordering

import (
	"sort"
	"sync"
	"time"

	"github.com/christian-lee/broadcastpipeline/internal/pipeline"
)

// Ordered is anything the queue can sequence by game time.
type Ordered interface {
	GetGameTime() pipeline.GameTime
}

// Skip is emitted in place of an entry that never arrived in time.
type Skip struct {
	GameTime pipeline.GameTime
	Reason   string
}

// Config controls sweep cadence and how long a missing entry is tolerated.
type Config struct {
	Cadence             time.Duration
	SkipAfterMultiplier int
}

func DefaultConfig() Config {
	return Config{Cadence: 200 * time.Millisecond, SkipAfterMultiplier: 10}
}

// Queue holds entries keyed by game time and releases them on Out in
// strictly increasing order, emitting a Skip marker for any entry that
// ages out before it arrives. An entry at or before the last released
// game time is dropped outright, so nothing is ever released twice.
type Queue[T Ordered] struct {
	cfg Config
	out chan any // T or Skip

	mu          sync.Mutex
	expected    []pipeline.GameTime // unreleased slots, ascending; head is next to release
	pending     map[pipeline.GameTime]T
	waitSince   map[pipeline.GameTime]time.Time
	failed      map[pipeline.GameTime]string // slots marked failed via Fail, pending release as a Skip
	everEmitted bool
	lastEmitted pipeline.GameTime

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a queue that will expect entries in ascending order starting
// from the given slots (typically the game-time sequence the watcher has
// already observed), and starts sweeping immediately.
func New[T Ordered](cfg Config, expected []pipeline.GameTime) *Queue[T] {
	q := &Queue[T]{
		cfg:       cfg,
		out:       make(chan any, 64),
		pending:   make(map[pipeline.GameTime]T),
		waitSince: make(map[pipeline.GameTime]time.Time),
		failed:    make(map[pipeline.GameTime]string),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, gt := range expected {
		q.expectLocked(gt)
	}
	go q.run()
	return q
}

// Out is the release channel: values are either T (an in-order entry) or
// Skip (a marker for an entry that aged out).
func (q *Queue[T]) Out() <-chan any { return q.out }

// Submit hands one completed entry to the queue for ordered release. An
// entry whose game time was already released is dropped.
func (q *Queue[T]) Submit(entry T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	gt := entry.GetGameTime()
	if q.everEmitted && gt.Compare(q.lastEmitted) <= 0 {
		return
	}
	q.pending[gt] = entry
	if _, ok := q.waitSince[gt]; !ok {
		q.waitSince[gt] = time.Now()
	}
	q.expectLocked(gt)
	q.drainLocked()
}

// Advance tells the queue a new game time is expected to eventually arrive,
// extending the ordering window (the reduce loop calls this as it observes
// new snapshots).
func (q *Queue[T]) Advance(gt pipeline.GameTime) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expectLocked(gt)
	q.drainLocked()
}

// Fail marks gt as known-failed immediately, rather than waiting out the
// sweep's skip-after window — for a slot the caller already knows can never
// be filled, such as a quarantined snapshot or a narrate failure. The Skip
// marker is released as soon as the slot's turn comes up.
func (q *Queue[T]) Fail(gt pipeline.GameTime, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.everEmitted && gt.Compare(q.lastEmitted) <= 0 {
		return
	}
	delete(q.pending, gt)
	delete(q.waitSince, gt)
	q.failed[gt] = reason
	q.expectLocked(gt)
	q.drainLocked()
}

// expectLocked inserts gt into the sorted slot list, ignoring duplicates
// and anything already released.
func (q *Queue[T]) expectLocked(gt pipeline.GameTime) {
	if q.everEmitted && gt.Compare(q.lastEmitted) <= 0 {
		return
	}
	i := sort.Search(len(q.expected), func(i int) bool { return !q.expected[i].Less(gt) })
	if i < len(q.expected) && q.expected[i] == gt {
		return
	}
	q.expected = append(q.expected, pipeline.GameTime{})
	copy(q.expected[i+1:], q.expected[i:])
	q.expected[i] = gt
}

func (q *Queue[T]) drainLocked() {
	for len(q.expected) > 0 {
		next := q.expected[0]
		if reason, ok := q.failed[next]; ok {
			delete(q.failed, next)
			q.releaseLocked(Skip{GameTime: next, Reason: reason}, next)
			continue
		}
		entry, ok := q.pending[next]
		if !ok {
			return
		}
		delete(q.pending, next)
		delete(q.waitSince, next)
		q.releaseLocked(entry, next)
	}
}

func (q *Queue[T]) releaseLocked(v any, gt pipeline.GameTime) {
	q.out <- v
	q.expected = q.expected[1:]
	q.everEmitted = true
	q.lastEmitted = gt
}

func (q *Queue[T]) run() {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.sweep()
		}
	}
}

func (q *Queue[T]) sweep() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.expected) == 0 {
		return
	}
	next := q.expected[0]
	since, waiting := q.waitSince[next]
	staleAt := q.cfg.Cadence * time.Duration(max(q.cfg.SkipAfterMultiplier, 1))
	if !waiting {
		// The head slot hasn't had a submission attempt tracked yet; start
		// the clock now so silence eventually ages out too.
		q.waitSince[next] = time.Now()
		return
	}
	if time.Since(since) < staleAt {
		return
	}
	if _, arrived := q.pending[next]; arrived {
		return
	}
	delete(q.waitSince, next)
	q.releaseLocked(Skip{GameTime: next, Reason: "entry did not arrive within skip window"}, next)
	q.drainLocked()
}

// Close stops the sweep goroutine and returns any entries still pending,
// in game-time order, for a final flush.
func (q *Queue[T]) Close() []T {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.done

	q.mu.Lock()
	defer q.mu.Unlock()
	gts := make([]pipeline.GameTime, 0, len(q.pending))
	for gt := range q.pending {
		gts = append(gts, gt)
	}
	sort.Slice(gts, func(i, j int) bool { return gts[i].Less(gts[j]) })
	out := make([]T, 0, len(gts))
	for _, gt := range gts {
		out = append(out, q.pending[gt])
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
