/*
Package diff computes and applies the minimal change set between two context
snapshots. Everything here is pure: no function retains or mutates its inputs.
*/
package diff

import (
	"encoding/json"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/theapemachine/ctxsync/pkg/errors"
)

/*
Diff describes the changes between two versions of a context. A key appears
in at most one of the three sets.
*/
type Diff struct {
	Added    map[string]any `json:"added,omitempty"`
	Modified map[string]any `json:"modified,omitempty"`
	Removed  []string       `json:"removed,omitempty"`
}

/*
New returns an empty diff with allocated sets.
*/
func New() Diff {
	return Diff{
		Added:    map[string]any{},
		Modified: map[string]any{},
	}
}

/*
IsEmpty reports whether applying the diff would change anything at all.
*/
func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

/*
Len is the number of keys touched by the diff.
*/
func (d Diff) Len() int {
	return len(d.Added) + len(d.Modified) + len(d.Removed)
}

/*
Compute returns the diff that turns prev into next. Keys only in next are
added, keys in both with structurally different values are modified and keys
only in prev are removed.
*/
func Compute(prev, next map[string]any) Diff {
	out := New()

	for key, value := range next {
		old, ok := prev[key]

		if !ok {
			out.Added[key] = value
			continue
		}

		if !Equal(old, value) {
			out.Modified[key] = value
		}
	}

	for key := range prev {
		if _, ok := next[key]; !ok {
			out.Removed = append(out.Removed, key)
		}
	}

	sort.Strings(out.Removed)

	return out
}

/*
Validate rejects a diff that names the same key in more than one set.
*/
func Validate(d Diff) error {
	seen := make(map[string]string, d.Len())

	check := func(key, set string) error {
		if other, ok := seen[key]; ok {
			if other == set {
				return errors.ErrValidation.WithMessagef("key %q listed twice in %s", key, set)
			}

			return errors.ErrValidation.WithMessagef("key %q appears in both %s and %s", key, other, set)
		}

		seen[key] = set
		return nil
	}

	for key := range d.Added {
		if err := check(key, "added"); err != nil {
			return err
		}
	}

	for key := range d.Modified {
		if err := check(key, "modified"); err != nil {
			return err
		}
	}

	for _, key := range d.Removed {
		if err := check(key, "removed"); err != nil {
			return err
		}
	}

	return nil
}

/*
Apply returns a copy of data with the diff applied. Applying an already
applied diff yields the same map again.
*/
func Apply(data map[string]any, d Diff) (map[string]any, error) {
	if err := Validate(d); err != nil {
		return nil, err
	}

	out := make(map[string]any, len(data)+len(d.Added))

	for key, value := range data {
		out[key] = value
	}

	for key, value := range d.Added {
		out[key] = value
	}

	for key, value := range d.Modified {
		out[key] = value
	}

	for _, key := range d.Removed {
		delete(out, key)
	}

	return out, nil
}

/*
Effective rewrites an inbound diff relative to the data it is about to be
applied to: assignments to absent keys become additions, assignments to
present keys become modifications when the value actually changes, and
removals of absent keys are dropped. The result is what subscribers need to
stay in sync.
*/
func Effective(data map[string]any, d Diff) Diff {
	out := New()

	assign := func(key string, value any) {
		old, ok := data[key]

		switch {
		case !ok:
			out.Added[key] = value
		case !Equal(old, value):
			out.Modified[key] = value
		}
	}

	for key, value := range d.Added {
		assign(key, value)
	}

	for key, value := range d.Modified {
		assign(key, value)
	}

	for _, key := range d.Removed {
		if _, ok := data[key]; ok {
			out.Removed = append(out.Removed, key)
		}
	}

	sort.Strings(out.Removed)

	return out
}

/*
Equal compares two normalized JSON values structurally.
*/
func Equal(a, b any) bool {
	return cmp.Equal(a, b)
}

/*
Normalize round-trips data through JSON so that every value has the shape the
wire would give it: objects become map[string]any, arrays []any and numbers
float64. Structural comparison is only meaningful between normalized values.
*/
func Normalize(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}

	buf, err := json.Marshal(data)

	if err != nil {
		return nil, errors.ErrValidation.WithMessagef("context data is not serializable: %v", err)
	}

	out := map[string]any{}

	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, errors.ErrValidation.WithMessagef("context data is not serializable: %v", err)
	}

	return out, nil
}

/*
NormalizeDiff normalizes the values carried by a diff.
*/
func NormalizeDiff(d Diff) (Diff, error) {
	added, err := Normalize(d.Added)

	if err != nil {
		return Diff{}, err
	}

	modified, err := Normalize(d.Modified)

	if err != nil {
		return Diff{}, err
	}

	return Diff{Added: added, Modified: modified, Removed: d.Removed}, nil
}
