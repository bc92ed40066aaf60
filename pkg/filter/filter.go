/*
Package filter reduces a project context to the part one agent needs. Every
leaf of the context is scored for importance and for relevance to the
agent's profile; low-value leaves are pruned, harder as memory or load
pressure rises, and what is left is packed into the profile's byte budget.
*/
package filter

import (
	"fmt"
	"math"
	"sort"
)

const (
	relevanceFloor  = 0.3
	importanceFloor = 0.8
)

/*
Result is produced fresh by every filter pass.
*/
type Result struct {
	AgentID          string             `json:"agentId"`
	Profile          string             `json:"profile"`
	Original         map[string]any     `json:"original"`
	Filtered         map[string]any     `json:"filtered"`
	ReductionRatio   float64            `json:"reductionRatio"`
	RemovedKeys      []string           `json:"removedKeys"`
	ImportanceScores map[string]float64 `json:"importanceScores"`
	RelevanceScores  map[string]float64 `json:"relevanceScores"`
	MemoryUsageBytes int                `json:"memoryUsageBytes"`
	AdaptationNotes  []string           `json:"adaptationNotes"`
}

/*
pressureQuota returns the share of candidates kept at pressure p.
*/
func pressureQuota(p float64) float64 {
	switch {
	case p > 0.9:
		return 0.4
	case p > 0.8:
		return 0.6
	case p > 0.7:
		return 0.8
	default:
		return 1
	}
}

/*
Filter runs one pass for agentID. It never modifies data, and the encoded
size of Result.Filtered never exceeds profile.MaxContextBytes.
*/
func Filter(agentID string, profile *Profile, data map[string]any, memoryPressure, loadPressure float64) *Result {
	result := &Result{
		AgentID:          agentID,
		Profile:          profile.Name,
		Original:         data,
		Filtered:         map[string]any{},
		RemovedKeys:      []string{},
		ImportanceScores: map[string]float64{},
		RelevanceScores:  map[string]float64{},
		AdaptationNotes:  []string{},
	}

	if len(data) == 0 {
		result.MemoryUsageBytes = encodedLen(result.Filtered)
		return result
	}

	elements := Score(agentID, profile, data)
	removed := map[string]bool{}

	for _, element := range elements {
		result.ImportanceScores[element.Key] = element.Importance
		result.RelevanceScores[element.Key] = element.Relevance
	}

	candidates := keep(elements, removed)
	candidates = underPressure(candidates, max(memoryPressure, loadPressure), removed, result)
	included := withinBudget(candidates, profile.MaxContextBytes, removed, result)

	for _, element := range included {
		place(result.Filtered, element.Path, element.Content)
	}

	for key := range removed {
		result.RemovedKeys = append(result.RemovedKeys, key)
	}

	sort.Strings(result.RemovedKeys)

	original := encodedLen(data)
	result.MemoryUsageBytes = encodedLen(result.Filtered)

	if original > 0 {
		result.ReductionRatio = 1 - float64(result.MemoryUsageBytes)/float64(original)
	}

	return result
}

func keep(elements []*Element, removed map[string]bool) []*Element {
	out := make([]*Element, 0, len(elements))

	for _, element := range elements {
		if element.required || element.Relevance >= relevanceFloor || element.Importance >= importanceFloor {
			out = append(out, element)
			continue
		}

		removed[element.Key] = true
	}

	return out
}

func underPressure(candidates []*Element, pressure float64, removed map[string]bool, result *Result) []*Element {
	quota := pressureQuota(pressure)

	if quota >= 1 || len(candidates) == 0 {
		return candidates
	}

	ranked := append([]*Element(nil), candidates...)

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].rank() > ranked[j].rank()
	})

	limit := int(math.Ceil(quota*float64(len(ranked)) - 1e-9))
	out := make([]*Element, 0, limit)

	for i, element := range ranked {
		if i < limit || element.required {
			out = append(out, element)
			continue
		}

		removed[element.Key] = true
	}

	result.AdaptationNotes = append(result.AdaptationNotes, fmt.Sprintf(
		"pressure %.2f: kept %d of %d candidates (top %.0f%%)", pressure, len(out), len(ranked), quota*100,
	))

	return out
}

/*
withinBudget packs candidates greedily by score. A protected element that
does not fit pushes out lower-ranked elements already taken, provided that
frees enough room: required elements may displace anything not required,
other protected elements only unprotected ones.
*/
func withinBudget(candidates []*Element, budget int, removed map[string]bool, result *Result) []*Element {
	ranked := append([]*Element(nil), candidates...)

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score() > ranked[j].score()
	})

	base := encodedLen(map[string]any{})
	used := base
	included := make([]*Element, 0, len(ranked))

	for _, element := range ranked {
		if used+element.SizeBytes <= budget {
			included = append(included, element)
			used += element.SizeBytes
			continue
		}

		if !element.protected() {
			removed[element.Key] = true
			continue
		}

		if base+element.SizeBytes > budget {
			removed[element.Key] = true
			result.AdaptationNotes = append(result.AdaptationNotes, fmt.Sprintf(
				"%s dropped: %d bytes alone exceed the %d byte budget", element.Key, element.SizeBytes, budget,
			))
			continue
		}

		freeable := 0

		for _, taken := range included {
			if element.displaces(taken) {
				freeable += taken.SizeBytes
			}
		}

		if used-freeable+element.SizeBytes > budget {
			removed[element.Key] = true
			result.AdaptationNotes = append(result.AdaptationNotes, fmt.Sprintf(
				"%s dropped: budget held by protected elements", element.Key,
			))
			continue
		}

		evicted := 0

		for i := len(included) - 1; i >= 0 && used+element.SizeBytes > budget; i-- {
			taken := included[i]

			if !element.displaces(taken) {
				continue
			}

			used -= taken.SizeBytes
			removed[taken.Key] = true
			included = append(included[:i], included[i+1:]...)
			evicted++
		}

		included = append(included, element)
		used += element.SizeBytes

		result.AdaptationNotes = append(result.AdaptationNotes, fmt.Sprintf(
			"%s kept by evicting %d lower-importance elements", element.Key, evicted,
		))
	}

	return included
}

/*
place sets value at path inside root, creating the enclosing objects.
*/
func place(root map[string]any, path []string, value any) {
	node := root

	for _, segment := range path[:len(path)-1] {
		child, ok := node[segment].(map[string]any)

		if !ok {
			child = map[string]any{}
			node[segment] = child
		}

		node = child
	}

	node[path[len(path)-1]] = value
}
