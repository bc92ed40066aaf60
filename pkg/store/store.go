/*
Package store holds the versioned context of every project. Each project has
its own mutex around writes and subscriber changes; readers load the current
snapshot through an atomic pointer and never wait on a writer.
*/
package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/ctxsync/pkg/diff"
	"github.com/theapemachine/ctxsync/pkg/errors"
)

/*
Config bounds the memory the store may use and controls idle cleanup.
*/
type Config struct {
	// MaxMemoryBytes caps the summed serialized size of all snapshots. Zero
	// disables the ceiling.
	MaxMemoryBytes int64
	// IdleTTL is how long a project without subscribers may go unaccessed
	// before the sweep evicts it.
	IdleTTL       time.Duration
	SweepInterval time.Duration
	// TombstoneTTL is how long the last version of a removed project is
	// remembered so a recreated project continues numbering from it.
	TombstoneTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxMemoryBytes: 256 << 20,
		IdleTTL:        30 * time.Minute,
		SweepInterval:  30 * time.Second,
		TombstoneTTL:   time.Hour,
	}
}

type tombstone struct {
	version int64
	at      time.Time
}

type project struct {
	id string
	mu sync.Mutex

	current     atomic.Pointer[Snapshot]
	subscribers map[string]Subscriber
	subCount    atomic.Int32

	lastAccessed atomic.Int64
	accessCount  atomic.Int64

	baseVersion int64
	idleSince   time.Time
	removed     bool
}

func (p *project) touch(now time.Time) {
	p.lastAccessed.Store(now.UnixNano())
	p.accessCount.Add(1)
}

/*
Store is safe for concurrent use. Mutations of one project are serialized;
different projects proceed in parallel.
*/
type Store struct {
	cfg Config

	mu         sync.RWMutex
	projects   map[string]*project
	tombstones map[string]tombstone

	memory    atomic.Int64
	closed    atomic.Bool
	evictions atomic.Int64

	estimator diff.Estimator
	savings   diff.SavingsStrategy
	observers []Observer
	now       func() time.Time
}

type Option func(*Store)

func WithEstimator(estimator diff.Estimator) Option {
	return func(s *Store) {
		s.estimator = estimator
	}
}

func WithSavings(strategy diff.SavingsStrategy) Option {
	return func(s *Store) {
		s.savings = strategy
	}
}

func WithObserver(observer Observer) Option {
	return func(s *Store) {
		s.observers = append(s.observers, observer)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

/*
New creates an empty store.
*/
func New(cfg Config, opts ...Option) *Store {
	s := &Store{
		cfg:        cfg,
		projects:   make(map[string]*project),
		tombstones: make(map[string]tombstone),
		estimator:  diff.NewHeuristicEstimator(),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.savings == nil {
		s.savings = diff.DiffSavings{Estimator: s.estimator}
	}

	return s
}

/*
Estimator returns the token estimator used for savings accounting.
*/
func (s *Store) Estimator() diff.Estimator {
	return s.estimator
}

func (s *Store) lookup(id string, create bool) *project {
	s.mu.RLock()
	p := s.projects[id]
	s.mu.RUnlock()

	if p != nil || !create {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p = s.projects[id]; p != nil {
		return p
	}

	p = &project{
		id:          id,
		subscribers: make(map[string]Subscriber),
		idleSince:   s.now(),
	}
	p.lastAccessed.Store(s.now().UnixNano())

	if ts, ok := s.tombstones[id]; ok {
		p.baseVersion = ts.version
		delete(s.tombstones, id)
	}

	s.projects[id] = p

	return p
}

/*
acquire returns the project locked. A project removed between lookup and
lock is looked up again, so callers never operate on a dead entry.
*/
func (s *Store) acquire(id string, create bool) *project {
	for {
		p := s.lookup(id, create)

		if p == nil {
			return nil
		}

		p.mu.Lock()

		if !p.removed {
			return p
		}

		p.mu.Unlock()
	}
}

/*
remove drops a locked project from the map and releases its memory.
*/
func (s *Store) remove(p *project) {
	p.removed = true

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.projects[p.id] == p {
		delete(s.projects, p.id)
	}

	if snap := p.current.Load(); snap != nil {
		s.memory.Add(-snap.SizeBytes)
		s.tombstones[p.id] = tombstone{version: snap.Version, at: s.now()}
	} else if p.baseVersion > 0 {
		s.tombstones[p.id] = tombstone{version: p.baseVersion, at: s.now()}
	}
}

/*
Get returns the current snapshot and records the access.
*/
func (s *Store) Get(id string) (*Snapshot, error) {
	p := s.lookup(id, false)

	if p == nil {
		return nil, errors.ErrNotFound.WithMessagef("context %s not found", id)
	}

	snap := p.current.Load()

	if snap == nil {
		return nil, errors.ErrNotFound.WithMessagef("context %s not found", id)
	}

	p.touch(s.now())

	return snap, nil
}

/*
Set replaces the whole context of a project. Subscribers other than the
origin receive the diff between the previous and the new data.
*/
func (s *Store) Set(ctx context.Context, id string, data map[string]any, origin string) (*Result, error) {
	next, err := diff.Normalize(data)

	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, id, origin, func(prev map[string]any) (map[string]any, diff.Diff, any, error) {
		return next, diff.Compute(prev, next), next, nil
	})
}

/*
ApplyDiff applies d to the project's context as one atomic unit, creating the
project when it does not exist yet.
*/
func (s *Store) ApplyDiff(ctx context.Context, id string, d diff.Diff, origin string) (*Result, error) {
	if err := diff.Validate(d); err != nil {
		return nil, err
	}

	normalized, err := diff.NormalizeDiff(d)

	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, id, origin, func(prev map[string]any) (map[string]any, diff.Diff, any, error) {
		effective := diff.Effective(prev, normalized)
		next, err := diff.Apply(prev, effective)

		return next, effective, normalized, err
	})
}

type mutation func(prev map[string]any) (next map[string]any, effective diff.Diff, transmitted any, err error)

func (s *Store) mutate(ctx context.Context, id, origin string, fn mutation) (*Result, error) {
	if s.closed.Load() {
		return nil, errors.ErrUnavailable.WithMessagef("store is shutting down")
	}

	p := s.acquire(id, true)
	defer p.mu.Unlock()

	prev := p.current.Load()

	fail := func(err error) (*Result, error) {
		if prev == nil && len(p.subscribers) == 0 {
			s.remove(p)
		}

		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	var prevData map[string]any

	if prev != nil {
		prevData = prev.Data
	}

	next, effective, transmitted, err := fn(prevData)

	if err != nil {
		return fail(err)
	}

	now := s.now()

	if prev != nil && effective.IsEmpty() {
		p.touch(now)

		return &Result{
			Version:         prev.Version,
			Hash:            prev.Hash,
			SubscriberCount: len(p.subscribers),
			Snapshot:        prev,
		}, nil
	}

	hash, size, err := Hash(next)

	if err != nil {
		return fail(err)
	}

	version := p.baseVersion + 1
	var prevSize, cumulative int64

	if prev != nil {
		version = prev.Version + 1
		prevSize = prev.SizeBytes
		cumulative = prev.TokensSaved
	}

	if !s.reserve(size-prevSize, p) {
		log.Warn("rejecting mutation, memory ceiling reached", "project", id, "size", size, "memory", s.memory.Load(), "ceiling", s.cfg.MaxMemoryBytes)

		return fail(errors.ErrResourceExhausted.WithMessagef(
			"context %s needs %d bytes, ceiling %d reached", id, size-prevSize, s.cfg.MaxMemoryBytes,
		))
	}

	saved := s.savings.Saved(prevData, next, transmitted)

	snap := &Snapshot{
		ProjectID:   id,
		Version:     version,
		Hash:        hash,
		Data:        next,
		Timestamp:   now,
		SizeBytes:   size,
		TokensSaved: cumulative + int64(saved),
	}

	p.current.Store(snap)
	p.touch(now)

	ev := Event{
		Kind:        EventUpdated,
		ProjectID:   id,
		Version:     version,
		Hash:        hash,
		Origin:      origin,
		Diff:        &effective,
		Snapshot:    snap,
		TokensSaved: saved,
		Timestamp:   now,
	}

	s.broadcast(p, ev)
	s.notify(ev)

	log.Debug("context updated", "project", id, "version", version, "keys", effective.Len(), "origin", origin)

	return &Result{
		Version:         version,
		Hash:            hash,
		TokensSaved:     saved,
		SubscriberCount: len(p.subscribers),
		Changed:         true,
		Snapshot:        snap,
	}, nil
}

/*
broadcast hands ev to every subscriber except the origin's. A subscriber that
cannot take the event is dropped on the spot. Called with p locked, which
makes delivery order equal commit order.
*/
func (s *Store) broadcast(p *project, ev Event) {
	for agentID, sub := range p.subscribers {
		if agentID == ev.Origin {
			continue
		}

		if sub.Deliver(ev) {
			continue
		}

		log.Warn("dropping slow subscriber", "project", p.id, "agent", agentID, "version", ev.Version)
		s.detach(p, agentID)
		sub.Close(ReasonSlowConsumer)
	}
}

func (s *Store) notify(ev Event) {
	for _, observer := range s.observers {
		observer.Observe(ev)
	}
}

func (s *Store) detach(p *project, agentID string) {
	delete(p.subscribers, agentID)
	p.subCount.Store(int32(len(p.subscribers)))

	if len(p.subscribers) == 0 {
		p.idleSince = s.now()
	}
}

/*
Delete removes a project, telling its subscribers why they are being
disconnected.
*/
func (s *Store) Delete(id string) error {
	p := s.acquire(id, false)

	if p == nil {
		return errors.ErrNotFound.WithMessagef("context %s not found", id)
	}

	defer p.mu.Unlock()

	snap := p.current.Load()

	if snap == nil {
		return errors.ErrNotFound.WithMessagef("context %s not found", id)
	}

	s.closeSubscribers(p, ReasonDeleted)
	s.remove(p)

	s.notify(Event{
		Kind:      EventDeleted,
		ProjectID: id,
		Version:   snap.Version,
		Hash:      snap.Hash,
		Timestamp: s.now(),
	})

	log.Info("context deleted", "project", id, "version", snap.Version)

	return nil
}

func (s *Store) closeSubscribers(p *project, reason CloseReason) {
	for agentID, sub := range p.subscribers {
		delete(p.subscribers, agentID)
		sub.Close(reason)
	}

	p.subCount.Store(0)
	p.idleSince = s.now()
}

/*
Subscribe registers sub for the project's future events. When the project
has data, the full snapshot is delivered to sub before Subscribe returns,
and therefore before any later diff. An earlier subscription of the same
agent on the same project is replaced.
*/
func (s *Store) Subscribe(id string, sub Subscriber) (*Snapshot, error) {
	if s.closed.Load() {
		return nil, errors.ErrUnavailable.WithMessagef("store is shutting down")
	}

	p := s.acquire(id, true)
	defer p.mu.Unlock()

	agentID := sub.AgentID()

	if old, ok := p.subscribers[agentID]; ok && old != sub {
		s.detach(p, agentID)
		old.Close(ReasonReplaced)
	}

	snap := p.current.Load()

	if snap != nil {
		ok := sub.Deliver(Event{
			Kind:      EventSnapshot,
			ProjectID: id,
			Version:   snap.Version,
			Hash:      snap.Hash,
			Snapshot:  snap,
			Timestamp: s.now(),
		})

		if !ok {
			sub.Close(ReasonSlowConsumer)

			return nil, errors.ErrConnectionDropped.WithMessagef("subscriber %s could not take the snapshot", agentID)
		}
	}

	p.subscribers[agentID] = sub
	p.subCount.Store(int32(len(p.subscribers)))
	p.touch(s.now())

	log.Debug("subscriber attached", "project", id, "agent", agentID, "subscribers", len(p.subscribers))

	return snap, nil
}

/*
Unsubscribe removes sub if it is still the registered subscriber of its
agent. A project that never received data and has nobody left is dropped.
*/
func (s *Store) Unsubscribe(id string, sub Subscriber) {
	p := s.acquire(id, false)

	if p == nil {
		return
	}

	defer p.mu.Unlock()

	agentID := sub.AgentID()

	if cur, ok := p.subscribers[agentID]; !ok || cur != sub {
		return
	}

	s.detach(p, agentID)

	if p.current.Load() == nil && len(p.subscribers) == 0 {
		s.remove(p)
	}

	log.Debug("subscriber detached", "project", id, "agent", agentID, "subscribers", len(p.subscribers))
}

/*
Close disconnects every subscriber and refuses further mutations.
*/
func (s *Store) Close() {
	if s.closed.Swap(true) {
		return
	}

	for _, p := range s.snapshotProjects() {
		p.mu.Lock()
		s.closeSubscribers(p, ReasonShutdown)
		p.mu.Unlock()
	}
}

func (s *Store) snapshotProjects() []*project {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*project, 0, len(s.projects))

	for _, p := range s.projects {
		out = append(out, p)
	}

	return out
}
