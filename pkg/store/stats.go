package store

import (
	"sort"
	"time"
)

/*
ProjectStats describes one project for the metrics endpoint.
*/
type ProjectStats struct {
	ProjectID    string    `json:"projectId"`
	Version      int64     `json:"version"`
	Hash         string    `json:"hash"`
	SizeBytes    int64     `json:"sizeBytes"`
	Subscribers  int       `json:"subscribers"`
	AccessCount  int64     `json:"accessCount"`
	LastAccessed time.Time `json:"lastAccessed"`
	TokensSaved  int64     `json:"tokensSaved"`
}

/*
Stats is a point-in-time view of the whole store. It is assembled without
taking any project lock, so figures of different projects may be from
slightly different moments.
*/
type Stats struct {
	ActiveContexts int            `json:"activeContexts"`
	MemoryBytes    int64          `json:"memoryBytes"`
	MaxMemoryBytes int64          `json:"maxMemoryBytes"`
	Subscribers    int            `json:"subscribers"`
	Evictions      int64          `json:"evictions"`
	TokensSaved    int64          `json:"tokensSaved"`
	Projects       []ProjectStats `json:"projects"`
}

func (s *Store) Stats() Stats {
	stats := Stats{
		MemoryBytes:    s.memory.Load(),
		MaxMemoryBytes: s.cfg.MaxMemoryBytes,
		Evictions:      s.evictions.Load(),
		Projects:       []ProjectStats{},
	}

	for _, p := range s.snapshotProjects() {
		subs := int(p.subCount.Load())
		stats.Subscribers += subs

		snap := p.current.Load()

		if snap == nil {
			continue
		}

		stats.ActiveContexts++
		stats.TokensSaved += snap.TokensSaved

		stats.Projects = append(stats.Projects, ProjectStats{
			ProjectID:    p.id,
			Version:      snap.Version,
			Hash:         snap.Hash,
			SizeBytes:    snap.SizeBytes,
			Subscribers:  subs,
			AccessCount:  p.accessCount.Load(),
			LastAccessed: time.Unix(0, p.lastAccessed.Load()),
			TokensSaved:  snap.TokensSaved,
		})
	}

	sort.Slice(stats.Projects, func(i, j int) bool {
		return stats.Projects[i].ProjectID < stats.Projects[j].ProjectID
	})

	return stats
}

/*
MemoryPressure is the fraction of the memory ceiling in use, or zero when no
ceiling is configured.
*/
func (s *Store) MemoryPressure() float64 {
	if s.cfg.MaxMemoryBytes <= 0 {
		return 0
	}

	return float64(s.memory.Load()) / float64(s.cfg.MaxMemoryBytes)
}

/*
SubscriberCount returns the number of live subscribers of one project.
*/
func (s *Store) SubscriberCount(id string) int {
	p := s.lookup(id, false)

	if p == nil {
		return 0
	}

	return int(p.subCount.Load())
}
