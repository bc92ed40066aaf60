package store

import (
	"context"
	"sort"
	"time"

	"github.com/charmbracelet/log"
)

/*
reserve claims delta bytes of the memory ceiling for self, evicting other
projects when the claim would cross it. It returns false, leaving the counter
and every other project untouched, when the evictable projects together cannot
free enough room. Called with self locked; other projects are only ever
try-locked, so a project with a write in flight is never chosen and two writers
evicting each other's projects cannot deadlock.
*/
func (s *Store) reserve(delta int64, self *project) bool {
	if s.cfg.MaxMemoryBytes <= 0 || delta <= 0 {
		s.memory.Add(delta)
		return true
	}

	if delta > s.cfg.MaxMemoryBytes {
		return false
	}

	for {
		cur := s.memory.Load()

		if cur+delta <= s.cfg.MaxMemoryBytes {
			if s.memory.CompareAndSwap(cur, cur+delta) {
				return true
			}

			continue
		}

		if !s.evictFor(cur+delta-s.cfg.MaxMemoryBytes, self) {
			return false
		}
	}
}

/*
candidates lists every project holding data except skip, ordered by eviction
preference: projects without subscribers first, then least recently accessed.
*/
func (s *Store) candidates(skip *project) []*project {
	all := s.snapshotProjects()
	out := all[:0]

	for _, p := range all {
		if p != skip && p.current.Load() != nil {
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		iIdle, jIdle := out[i].subCount.Load() == 0, out[j].subCount.Load() == 0

		if iIdle != jIdle {
			return iIdle
		}

		return out[i].lastAccessed.Load() < out[j].lastAccessed.Load()
	})

	return out
}

/*
evictFor removes candidates, in eviction order, until at least need bytes are
freed. The victims are all locked before the first one is touched, so when the
projects that are not busy cannot cover need nothing is evicted at all.
Projects that still have subscribers are only chosen once no idle one is
left; their subscribers are told they were evicted.
*/
func (s *Store) evictFor(need int64, skip *project) bool {
	var (
		victims []*project
		freed   int64
	)

	for _, p := range s.candidates(skip) {
		if freed >= need {
			break
		}

		if !p.mu.TryLock() {
			continue
		}

		snap := p.current.Load()

		if p.removed || snap == nil {
			p.mu.Unlock()
			continue
		}

		victims = append(victims, p)
		freed += snap.SizeBytes
	}

	if freed < need {
		for _, p := range victims {
			p.mu.Unlock()
		}

		return false
	}

	for _, p := range victims {
		s.evictLocked(p)
		p.mu.Unlock()
	}

	return true
}

func (s *Store) evictLocked(p *project) {
	snap := p.current.Load()
	subscribers := len(p.subscribers)

	s.closeSubscribers(p, ReasonEvicted)
	s.remove(p)
	s.evictions.Add(1)

	if snap == nil {
		return
	}

	s.notify(Event{
		Kind:      EventEvicted,
		ProjectID: p.id,
		Version:   snap.Version,
		Hash:      snap.Hash,
		Timestamp: s.now(),
	})

	log.Info("context evicted", "project", p.id, "version", snap.Version, "bytes", snap.SizeBytes, "subscribers", subscribers)
}

/*
Sweep evicts projects that have had no subscribers and no access for longer
than the idle TTL, forgets expired tombstones and brings memory back under
the ceiling. It returns the number of projects evicted.
*/
func (s *Store) Sweep(now time.Time) int {
	evicted := 0

	for _, p := range s.snapshotProjects() {
		p.mu.Lock()

		if !p.removed && len(p.subscribers) == 0 && s.idle(p, now) {
			s.evictLocked(p)
			evicted++
		}

		p.mu.Unlock()
	}

	s.mu.Lock()

	for id, ts := range s.tombstones {
		if s.cfg.TombstoneTTL > 0 && now.Sub(ts.at) > s.cfg.TombstoneTTL {
			delete(s.tombstones, id)
		}
	}

	s.mu.Unlock()

	for s.cfg.MaxMemoryBytes > 0 && s.memory.Load() > s.cfg.MaxMemoryBytes {
		if !s.evictFor(1, nil) {
			break
		}

		evicted++
	}

	if evicted > 0 {
		log.Info("sweep finished", "evicted", evicted, "memory", s.memory.Load())
	}

	return evicted
}

func (s *Store) idle(p *project, now time.Time) bool {
	if s.cfg.IdleTTL <= 0 {
		return false
	}

	last := time.Unix(0, p.lastAccessed.Load())

	if p.idleSince.After(last) {
		last = p.idleSince
	}

	return now.Sub(last) > s.cfg.IdleTTL
}

/*
Run sweeps on every tick of the configured interval until ctx is done.
*/
func (s *Store) Run(ctx context.Context) error {
	interval := s.cfg.SweepInterval

	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}
