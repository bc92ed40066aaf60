package diff

import (
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/theapemachine/ctxsync/pkg/errors"
)

func TestCompute(t *testing.T) {
	Convey("Given two snapshots", t, func() {
		prev := map[string]any{
			"task":  "build UI",
			"files": []any{"a"},
			"stale": true,
		}
		next := map[string]any{
			"task":  "build UI v2",
			"files": []any{"a"},
			"owner": "frontend",
		}

		Convey("When computing the diff", func() {
			d := Compute(prev, next)

			Convey("It should classify every key once", func() {
				So(d.Added, ShouldResemble, map[string]any{"owner": "frontend"})
				So(d.Modified, ShouldResemble, map[string]any{"task": "build UI v2"})
				So(d.Removed, ShouldResemble, []string{"stale"})
				So(Validate(d), ShouldBeNil)
			})
		})

		Convey("When the snapshots are identical", func() {
			So(Compute(prev, prev).IsEmpty(), ShouldBeTrue)
		})

		Convey("When nested values differ only deep down", func() {
			a := map[string]any{"cfg": map[string]any{"x": []any{1.0, 2.0}}}
			b := map[string]any{"cfg": map[string]any{"x": []any{1.0, 3.0}}}

			So(Compute(a, b).Modified, ShouldContainKey, "cfg")
		})
	})
}

func TestValidate(t *testing.T) {
	Convey("Given a diff naming a key in two sets", t, func() {
		d := Diff{
			Added:   map[string]any{"task": "x"},
			Removed: []string{"task"},
		}

		Convey("It should be rejected as a validation error", func() {
			err := Validate(d)
			So(err, ShouldNotBeNil)
			So(stderrors.Is(err, errors.ErrValidation), ShouldBeTrue)
		})

		Convey("Apply should refuse it without producing output", func() {
			out, err := Apply(map[string]any{"task": "y"}, d)
			So(err, ShouldNotBeNil)
			So(out, ShouldBeNil)
		})
	})

	Convey("Given a diff removing the same key twice", t, func() {
		So(Validate(Diff{Removed: []string{"a", "a"}}), ShouldNotBeNil)
	})
}

func TestApply(t *testing.T) {
	Convey("Given data and a diff", t, func() {
		data := map[string]any{"task": "build UI", "files": []any{"a"}}
		d := Diff{
			Added:    map[string]any{"files2": []any{"b"}},
			Modified: map[string]any{"task": "build UI v2"},
			Removed:  []string{"files"},
		}

		out, err := Apply(data, d)

		Convey("It should produce the new state without touching the input", func() {
			So(err, ShouldBeNil)
			So(out, ShouldResemble, map[string]any{"task": "build UI v2", "files2": []any{"b"}})
			So(data, ShouldResemble, map[string]any{"task": "build UI", "files": []any{"a"}})
		})

		Convey("Re-applying it should not double count list additions", func() {
			again, err := Apply(out, d)
			So(err, ShouldBeNil)
			So(again, ShouldResemble, out)
		})
	})
}

func TestEffective(t *testing.T) {
	Convey("Given an inbound diff with redundant entries", t, func() {
		data := map[string]any{"task": "same", "keep": 1.0}
		d := Diff{
			Added:    map[string]any{"task": "same", "new": "x"},
			Modified: map[string]any{"keep": 2.0, "ghost": "y"},
			Removed:  []string{"missing"},
		}

		eff := Effective(data, d)

		Convey("It should reclassify and drop no-ops", func() {
			So(eff.Added, ShouldResemble, map[string]any{"new": "x", "ghost": "y"})
			So(eff.Modified, ShouldResemble, map[string]any{"keep": 2.0})
			So(eff.Removed, ShouldBeEmpty)
		})
	})
}

func TestRoundTrip(t *testing.T) {
	Convey("Given random snapshot pairs", t, func() {
		rng := rand.New(rand.NewPCG(7, 11))

		for i := 0; i < 200; i++ {
			prev := randomSnapshot(rng)
			next := randomSnapshot(rng)
			d := Compute(prev, next)

			So(Validate(d), ShouldBeNil)

			out, err := Apply(prev, d)
			So(err, ShouldBeNil)

			if !cmp.Equal(out, next) {
				t.Fatalf("round trip mismatch (-want +got):\n%s", cmp.Diff(next, out))
			}

			twice, err := Apply(out, d)
			So(err, ShouldBeNil)
			So(cmp.Equal(twice, next), ShouldBeTrue)
		}
	})
}

func TestNormalize(t *testing.T) {
	Convey("Given data with native Go numbers and structs", t, func() {
		type file struct {
			Path string `json:"path"`
		}

		out, err := Normalize(map[string]any{
			"count": 3,
			"file":  file{Path: "a.go"},
		})

		So(err, ShouldBeNil)
		So(out["count"], ShouldEqual, 3.0)
		So(out["file"], ShouldResemble, map[string]any{"path": "a.go"})
	})

	Convey("Given a value JSON cannot encode", t, func() {
		_, err := Normalize(map[string]any{"ch": make(chan int)})
		So(stderrors.Is(err, errors.ErrValidation), ShouldBeTrue)
	})
}

func TestEstimators(t *testing.T) {
	Convey("Given the heuristic estimator", t, func() {
		estimator := NewHeuristicEstimator()

		So(estimator.Estimate(nil), ShouldEqual, 0)
		So(estimator.Estimate("abcdefgh"), ShouldEqual, 2)
		So(estimator.Estimate(map[string]any{"k": "v"}), ShouldBeGreaterThan, 0)
	})

	Convey("Given the savings strategies", t, func() {
		estimator := NewHeuristicEstimator()
		prev := map[string]any{"a": "0123456789012345678901234567890123456789"}
		next := map[string]any{"a": "0123456789012345678901234567890123456789", "b": "x"}
		d := Compute(prev, next)

		So(DiffSavings{Estimator: estimator}.Saved(nil, next, next), ShouldEqual, 0)
		So(DiffSavings{Estimator: estimator}.Saved(prev, next, d), ShouldBeGreaterThan, 0)
		So(FirstWritePercent{Estimator: estimator, Percent: 50}.Saved(nil, next, next), ShouldEqual, estimator.Estimate(next)/2)
		So(NewSavingsStrategy("unknown", estimator, 0), ShouldHaveSameTypeAs, DiffSavings{})
	})
}

func randomSnapshot(rng *rand.Rand) map[string]any {
	out := map[string]any{}

	for i := 0; i < rng.IntN(8); i++ {
		out[fmt.Sprintf("k%d", rng.IntN(10))] = randomValue(rng, 2)
	}

	return out
}

func randomValue(rng *rand.Rand, depth int) any {
	kind := rng.IntN(5)

	if depth == 0 {
		kind = rng.IntN(3)
	}

	switch kind {
	case 0:
		return fmt.Sprintf("v%d", rng.IntN(4))
	case 1:
		return float64(rng.IntN(4))
	case 2:
		return rng.IntN(2) == 0
	case 3:
		list := []any{}
		for i := 0; i < rng.IntN(3); i++ {
			list = append(list, randomValue(rng, depth-1))
		}
		return list
	default:
		nested := map[string]any{}
		for i := 0; i < rng.IntN(3); i++ {
			nested[fmt.Sprintf("n%d", rng.IntN(3))] = randomValue(rng, depth-1)
		}
		return nested
	}
}
