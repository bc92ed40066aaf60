package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theapemachine/ctxsync/pkg/diff"
	"github.com/theapemachine/ctxsync/pkg/errors"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSubscriber struct {
	agent    string
	capacity int

	mu     sync.Mutex
	events []Event
	reason CloseReason
}

func newFakeSubscriber(agent string, capacity int) *fakeSubscriber {
	return &fakeSubscriber{agent: agent, capacity: capacity}
}

func (sub *fakeSubscriber) AgentID() string { return sub.agent }

func (sub *fakeSubscriber) Deliver(ev Event) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.capacity > 0 && len(sub.events) >= sub.capacity {
		return false
	}

	sub.events = append(sub.events, ev)

	return true
}

func (sub *fakeSubscriber) Close(reason CloseReason) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.reason = reason
}

func (sub *fakeSubscriber) received() []Event {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return append([]Event(nil), sub.events...)
}

func (sub *fakeSubscriber) closedWith() CloseReason {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.reason
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (clock *fakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(d time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(d)
}

func blob(n int) map[string]any {
	return map[string]any{"blob": strings.Repeat("x", n)}
}

func TestStore_SetAndGet(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	_, err := s.Get("p1")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	res, err := s.Set(ctx, "p1", map[string]any{"task": "build UI", "files": []string{"a"}}, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)
	assert.True(t, res.Changed)

	snap, err := s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "build UI", snap.Data["task"])
	assert.Equal(t, []any{"a"}, snap.Data["files"])

	hash, size, err := Hash(snap.Data)
	require.NoError(t, err)
	assert.Equal(t, hash, snap.Hash)
	assert.Equal(t, size, snap.SizeBytes)
	assert.Equal(t, size, s.Stats().MemoryBytes)

	// Writing the same data again is not a new version.
	res, err = s.Set(ctx, "p1", map[string]any{"task": "build UI", "files": []string{"a"}}, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)
	assert.False(t, res.Changed)

	res, err = s.Set(ctx, "p1", map[string]any{"task": "ship"}, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)
}

func TestStore_ApplyDiff(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	res, err := s.ApplyDiff(ctx, "p1", diff.Diff{Added: map[string]any{"task": "build"}}, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)

	res, err = s.ApplyDiff(ctx, "p1", diff.Diff{
		Modified: map[string]any{"task": "build v2"},
		Added:    map[string]any{"owner": "a"},
	}, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)

	snap, err := s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"task": "build v2", "owner": "a"}, snap.Data)

	res, err = s.ApplyDiff(ctx, "p1", diff.Diff{Removed: []string{"owner"}}, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Version)

	// Removing it again changes nothing.
	res, err = s.ApplyDiff(ctx, "p1", diff.Diff{Removed: []string{"owner"}}, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Version)
	assert.False(t, res.Changed)
}

func TestStore_ApplyDiffValidation(t *testing.T) {
	s := New(DefaultConfig())

	_, err := s.ApplyDiff(context.Background(), "p1", diff.Diff{
		Added:   map[string]any{"task": "x"},
		Removed: []string{"task"},
	}, "agent-a")

	assert.ErrorIs(t, err, errors.ErrValidation)

	_, err = s.Get("p1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, 0, s.Stats().ActiveContexts)
}

func TestStore_SubscribeColdStart(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	_, err := s.Set(ctx, "p1", map[string]any{"task": "build UI", "files": []string{"a"}}, "agent-a")
	require.NoError(t, err)

	sub := newFakeSubscriber("agent-b", 0)
	snap, err := s.Subscribe("p1", sub)
	require.NoError(t, err)
	require.NotNil(t, snap)

	events := sub.received()
	require.Len(t, events, 1)
	assert.Equal(t, EventSnapshot, events[0].Kind)
	assert.Equal(t, int64(1), events[0].Version)
	assert.Equal(t, "build UI", events[0].Snapshot.Data["task"])

	_, err = s.ApplyDiff(ctx, "p1", diff.Diff{Modified: map[string]any{"task": "build UI v2"}}, "agent-a")
	require.NoError(t, err)

	events = sub.received()
	require.Len(t, events, 2)
	assert.Equal(t, EventUpdated, events[1].Kind)
	assert.Equal(t, int64(2), events[1].Version)
	assert.Equal(t, "build UI v2", events[1].Diff.Modified["task"])
}

func TestStore_OriginExcluded(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	origin := newFakeSubscriber("agent-a", 0)
	other := newFakeSubscriber("agent-b", 0)

	_, err := s.Subscribe("p1", origin)
	require.NoError(t, err)
	_, err = s.Subscribe("p1", other)
	require.NoError(t, err)

	res, err := s.ApplyDiff(ctx, "p1", diff.Diff{Added: map[string]any{"k": 1}}, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 2, res.SubscriberCount)

	assert.Empty(t, origin.received())
	assert.Len(t, other.received(), 1)
}

func TestStore_SlowConsumer(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	_, err := s.Set(ctx, "p1", map[string]any{"k": 0}, "agent-a")
	require.NoError(t, err)

	slow := newFakeSubscriber("agent-slow", 1)
	fast := newFakeSubscriber("agent-fast", 0)

	_, err = s.Subscribe("p1", slow)
	require.NoError(t, err)
	_, err = s.Subscribe("p1", fast)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err = s.ApplyDiff(ctx, "p1", diff.Diff{Modified: map[string]any{"k": i}}, "agent-a")
		require.NoError(t, err)
	}

	assert.Equal(t, ReasonSlowConsumer, slow.closedWith())
	assert.Len(t, slow.received(), 1)
	assert.Len(t, fast.received(), 4)
	assert.Equal(t, 1, s.SubscriberCount("p1"))
}

func TestStore_ReplaceSubscriber(t *testing.T) {
	s := New(DefaultConfig())

	first := newFakeSubscriber("agent-a", 0)
	second := newFakeSubscriber("agent-a", 0)

	_, err := s.Subscribe("p1", first)
	require.NoError(t, err)
	_, err = s.Subscribe("p1", second)
	require.NoError(t, err)

	assert.Equal(t, ReasonReplaced, first.closedWith())
	assert.Equal(t, 1, s.SubscriberCount("p1"))

	// A stale unsubscribe of the replaced handle leaves the new one in place.
	s.Unsubscribe("p1", first)
	assert.Equal(t, 1, s.SubscriberCount("p1"))

	s.Unsubscribe("p1", second)
	assert.Equal(t, 0, s.SubscriberCount("p1"))
}

func TestStore_Delete(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	assert.ErrorIs(t, s.Delete("p1"), errors.ErrNotFound)

	_, err := s.Set(ctx, "p1", map[string]any{"k": "v"}, "agent-a")
	require.NoError(t, err)
	_, err = s.Set(ctx, "p1", map[string]any{"k": "w"}, "agent-a")
	require.NoError(t, err)

	sub := newFakeSubscriber("agent-b", 0)
	_, err = s.Subscribe("p1", sub)
	require.NoError(t, err)

	require.NoError(t, s.Delete("p1"))
	assert.Equal(t, ReasonDeleted, sub.closedWith())
	assert.Equal(t, int64(0), s.Stats().MemoryBytes)

	_, err = s.Get("p1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.ErrorIs(t, s.Delete("p1"), errors.ErrNotFound)

	// Numbering resumes after the tombstoned version.
	res, err := s.Set(ctx, "p1", map[string]any{"k": "x"}, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Version)
}

func TestStore_TombstoneExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cfg := DefaultConfig()
	cfg.TombstoneTTL = time.Minute

	s := New(cfg, WithClock(clock.Now))
	ctx := context.Background()

	_, err := s.Set(ctx, "p1", map[string]any{"k": "v"}, "agent-a")
	require.NoError(t, err)
	require.NoError(t, s.Delete("p1"))

	clock.Advance(2 * time.Minute)
	s.Sweep(clock.Now())

	res, err := s.Set(ctx, "p1", map[string]any{"k": "v"}, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)
}

func TestStore_ConcurrentOrdering(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	sub := newFakeSubscriber("watcher", 0)
	_, err := s.Subscribe("p1", sub)
	require.NoError(t, err)

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup

	for w := range writers {
		wg.Add(1)

		go func(w int) {
			defer wg.Done()

			for i := range perWriter {
				_, err := s.ApplyDiff(ctx, "p1", diff.Diff{
					Modified: map[string]any{"counter": w*perWriter + i},
				}, "writer")
				assert.NoError(t, err)
			}
		}(w)
	}

	wg.Wait()

	events := sub.received()
	require.Len(t, events, writers*perWriter)

	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Version)
	}

	snap, err := s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), snap.Version)
}

func TestStore_ParallelProjects(t *testing.T) {
	s := New(DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup

	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		wg.Add(1)

		go func(id string) {
			defer wg.Done()

			for i := range 25 {
				_, err := s.Set(ctx, id, map[string]any{"i": i}, "writer")
				assert.NoError(t, err)
			}
		}(id)
	}

	wg.Wait()

	stats := s.Stats()
	assert.Equal(t, 4, stats.ActiveContexts)

	for _, project := range stats.Projects {
		assert.Equal(t, int64(25), project.Version)
	}
}

func TestStore_EvictsIdleBeforeActive(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cfg := DefaultConfig()
	cfg.MaxMemoryBytes = 1000

	s := New(cfg, WithClock(clock.Now))
	ctx := context.Background()

	_, err := s.Set(ctx, "idle", blob(400), "agent-a")
	require.NoError(t, err)

	active := newFakeSubscriber("agent-b", 0)
	_, err = s.Subscribe("active", active)
	require.NoError(t, err)
	_, err = s.Set(ctx, "active", blob(400), "agent-a")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)

	_, err = s.Set(ctx, "incoming", blob(400), "agent-a")
	require.NoError(t, err)

	_, err = s.Get("idle")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = s.Get("active")
	assert.NoError(t, err)
	assert.Empty(t, active.closedWith())
	assert.Equal(t, 1, s.SubscriberCount("active"))
	assert.LessOrEqual(t, s.Stats().MemoryBytes, cfg.MaxMemoryBytes)
}

func TestStore_SweepIdle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cfg := DefaultConfig()
	cfg.IdleTTL = 5 * time.Minute

	var evicted []string
	s := New(cfg, WithClock(clock.Now), WithObserver(ObserverFunc(func(ev Event) {
		if ev.Kind == EventEvicted {
			evicted = append(evicted, ev.ProjectID)
		}
	})))
	ctx := context.Background()

	_, err := s.Set(ctx, "idle", map[string]any{"k": 1}, "agent-a")
	require.NoError(t, err)

	active := newFakeSubscriber("agent-b", 0)
	_, err = s.Subscribe("active", active)
	require.NoError(t, err)
	_, err = s.Set(ctx, "active", map[string]any{"k": 1}, "agent-a")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)

	assert.Equal(t, 1, s.Sweep(clock.Now()))
	assert.Equal(t, []string{"idle"}, evicted)

	_, err = s.Get("active")
	assert.NoError(t, err)
	assert.Empty(t, active.closedWith())
}

func TestStore_EvictsSubscribedWhenNothingIdle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemoryBytes = 1000

	s := New(cfg)
	ctx := context.Background()

	sub := newFakeSubscriber("agent-b", 0)
	_, err := s.Subscribe("old", sub)
	require.NoError(t, err)
	_, err = s.Set(ctx, "old", blob(400), "agent-a")
	require.NoError(t, err)

	_, err = s.Set(ctx, "new", blob(700), "agent-a")
	require.NoError(t, err)

	assert.Equal(t, ReasonEvicted, sub.closedWith())
	_, err = s.Get("old")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStore_ResourceExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemoryBytes = 100

	s := New(cfg)

	_, err := s.Set(context.Background(), "p1", blob(200), "agent-a")
	assert.ErrorIs(t, err, errors.ErrResourceExhausted)

	_, err = s.Get("p1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, int64(0), s.Stats().MemoryBytes)
	assert.Equal(t, 0, s.Stats().ActiveContexts)
}

func TestStore_RejectedWriteEvictsNothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemoryBytes = 1000

	s := New(cfg)
	ctx := context.Background()

	sub := newFakeSubscriber("agent-b", 0)
	_, err := s.Subscribe("watched", sub)
	require.NoError(t, err)
	_, err = s.Set(ctx, "watched", blob(289), "agent-a")
	require.NoError(t, err)
	_, err = s.Set(ctx, "growing", blob(289), "agent-a")
	require.NoError(t, err)
	require.Equal(t, int64(600), s.Stats().MemoryBytes)

	// Larger than the whole ceiling.
	_, err = s.Set(ctx, "huge", blob(4989), "agent-a")
	assert.ErrorIs(t, err, errors.ErrResourceExhausted)

	// Fits the ceiling on its own, but evicting "watched" would not free enough.
	_, err = s.Set(ctx, "growing", blob(1089), "agent-a")
	assert.ErrorIs(t, err, errors.ErrResourceExhausted)

	for _, id := range []string{"watched", "growing"} {
		snap, err := s.Get(id)
		require.NoError(t, err, id)
		assert.Equal(t, int64(1), snap.Version, id)
	}

	assert.Empty(t, sub.closedWith())
	assert.Equal(t, 1, s.SubscriberCount("watched"))
	assert.Equal(t, int64(600), s.Stats().MemoryBytes)
	assert.Equal(t, int64(0), s.Stats().Evictions)
}

func TestStore_MemoryPressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemoryBytes = 1000

	s := New(cfg)
	assert.Equal(t, 0.0, s.MemoryPressure())

	_, err := s.Set(context.Background(), "p1", blob(489), "agent-a")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, s.MemoryPressure(), 0.001)
}

func TestStore_Close(t *testing.T) {
	s := New(DefaultConfig())

	sub := newFakeSubscriber("agent-a", 0)
	_, err := s.Subscribe("p1", sub)
	require.NoError(t, err)

	s.Close()
	assert.Equal(t, ReasonShutdown, sub.closedWith())

	_, err = s.Set(context.Background(), "p1", map[string]any{"k": 1}, "agent-a")
	assert.ErrorIs(t, err, errors.ErrUnavailable)

	_, err = s.Subscribe("p1", sub)
	assert.ErrorIs(t, err, errors.ErrUnavailable)
}

func TestStore_Run(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Millisecond

	s := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- s.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
