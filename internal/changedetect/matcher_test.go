package changedetect

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/scenechange/internal/scene"
)

func det(x1, y1, x2, y2 float64, class string, conf float64) scene.Detection {
	return scene.Detection{Box: scene.Box{X1: x1, Y1: y1, X2: x2, Y2: y2}, ClassID: class, Confidence: conf}
}

func mustMatcher(t *testing.T, p MatchParams) *Matcher {
	t.Helper()
	m, err := NewMatcher(p)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	return m
}

func TestMatch_HighOverlapIsUnchanged(t *testing.T) {
	m := mustMatcher(t, MatchParams{MinIoU: 0.5})

	// 100x100 boxes shifted so that IoU is exactly 0.9:
	// overlap 100*w, union 100*(200-w) -> w/(200-w) = 0.9 -> w = 1800/19.
	w := 1800.0 / 19.0
	before := []scene.Detection{det(0, 0, 100, 100, "chair", 0.9)}
	after := []scene.Detection{det(100-w, 0, 200-w, 100, "chair", 0.8)}

	res, err := m.Match("img", before, after)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(res.Unchanged) != 1 || len(res.Appeared) != 0 || len(res.Disappeared) != 0 {
		t.Fatalf("got %d unchanged, %d appeared, %d disappeared; want 1, 0, 0",
			len(res.Unchanged), len(res.Appeared), len(res.Disappeared))
	}
	if res.Unchanged[0] != before[0] {
		t.Errorf("unchanged should hold the before detection, got %+v", res.Unchanged[0])
	}
	if len(res.Matches) != 1 || res.Matches[0].After != after[0] {
		t.Errorf("unexpected matches %+v", res.Matches)
	}
	if got := res.Matches[0].IoU; got < 0.9-1e-9 || got > 0.9+1e-9 {
		t.Errorf("match IoU = %v, want 0.9", got)
	}
}

func TestMatch_BelowThresholdDoesNotMatch(t *testing.T) {
	m := mustMatcher(t, MatchParams{MinIoU: 0.5})

	before := []scene.Detection{det(0, 0, 10, 10, "chair", 0.9)}
	after := []scene.Detection{det(5, 0, 15, 10, "chair", 0.9)} // IoU 1/3

	res, err := m.Match("img", before, after)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(res.Unchanged) != 0 || len(res.Appeared) != 1 || len(res.Disappeared) != 1 {
		t.Errorf("got %+v", res)
	}
}

func TestMatch_ClassGated(t *testing.T) {
	m := mustMatcher(t, MatchParams{MinIoU: 0})

	before := []scene.Detection{det(0, 0, 10, 10, "chair", 0.9)}
	after := []scene.Detection{det(0, 0, 10, 10, "table", 0.9)}

	res, err := m.Match("img", before, after)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(res.Unchanged) != 0 || len(res.Appeared) != 1 || len(res.Disappeared) != 1 {
		t.Errorf("cross-class pair must never match, got %+v", res)
	}
}

func TestMatch_ZeroThresholdStillNeedsOverlap(t *testing.T) {
	m := mustMatcher(t, MatchParams{MinIoU: 0})

	before := []scene.Detection{det(0, 0, 10, 10, "chair", 0.9)}
	after := []scene.Detection{det(20, 20, 30, 30, "chair", 0.9)}

	res, err := m.Match("img", before, after)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(res.Unchanged) != 0 {
		t.Errorf("disjoint boxes matched: %+v", res)
	}
}

func TestMatch_IdenticalListsAllUnchanged(t *testing.T) {
	m := mustMatcher(t, MatchParams{MinIoU: 0.1})

	dets := []scene.Detection{
		det(0, 0, 10, 10, "chair", 0.9),
		det(50, 50, 80, 90, "table", 0.7),
		det(5, 5, 12, 14, "chair", 0.6),
		det(100, 0, 140, 30, "lamp", 0.5),
	}

	res, err := m.Match("img", dets, append([]scene.Detection(nil), dets...))
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(res.Appeared) != 0 || len(res.Disappeared) != 0 {
		t.Errorf("identical lists produced changes: %+v", res)
	}
	if len(res.Unchanged) != len(dets) {
		t.Errorf("got %d unchanged, want %d", len(res.Unchanged), len(dets))
	}
	for _, mt := range res.Matches {
		if mt.Before != mt.After {
			t.Errorf("identical detection paired with a different one: %+v", mt)
		}
	}
}

func TestMatch_EmptySides(t *testing.T) {
	m := mustMatcher(t, MatchParams{MinIoU: 0.5})
	dets := []scene.Detection{det(0, 0, 10, 10, "chair", 0.9), det(20, 20, 30, 30, "lamp", 0.4)}

	t.Run("empty before", func(t *testing.T) {
		res, err := m.Match("img", nil, dets)
		if err != nil {
			t.Fatalf("Match: %v", err)
		}
		if len(res.Appeared) != 2 || len(res.Disappeared) != 0 || len(res.Unchanged) != 0 {
			t.Errorf("got %+v", res)
		}
	})

	t.Run("empty after", func(t *testing.T) {
		res, err := m.Match("img", dets, nil)
		if err != nil {
			t.Fatalf("Match: %v", err)
		}
		if len(res.Disappeared) != 2 || len(res.Appeared) != 0 || len(res.Unchanged) != 0 {
			t.Errorf("got %+v", res)
		}
	})

	t.Run("both empty", func(t *testing.T) {
		res, err := m.Match("img", nil, nil)
		if err != nil {
			t.Fatalf("Match: %v", err)
		}
		if res.Appeared == nil || res.Disappeared == nil || res.Unchanged == nil {
			t.Error("buckets should be empty, not nil")
		}
	})
}

func TestMatch_MinConfidenceDiscards(t *testing.T) {
	m := mustMatcher(t, MatchParams{MinIoU: 0.5, MinConfidence: 0.5})

	before := []scene.Detection{det(0, 0, 10, 10, "chair", 0.3)}
	after := []scene.Detection{det(0, 0, 10, 10, "chair", 0.9), det(50, 50, 60, 60, "lamp", 0.2)}

	res, err := m.Match("img", before, after)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	want := SinglePairResult{
		Appeared:    []scene.Detection{after[0]},
		Disappeared: []scene.Detection{},
		Unchanged:   []scene.Detection{},
		Matches:     []Match{},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Match() mismatch (-want +got):\n%s", diff)
	}
}

func TestMatch_GreedyPrefersHigherIoU(t *testing.T) {
	m := mustMatcher(t, MatchParams{MinIoU: 0.1})

	// Both before boxes overlap the single after box; only the better one matches.
	before := []scene.Detection{
		det(0, 0, 10, 10, "chair", 0.9),
		det(1, 0, 11, 10, "chair", 0.9),
	}
	after := []scene.Detection{det(1, 0, 11, 10, "chair", 0.9)}

	res, err := m.Match("img", before, after)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(res.Unchanged) != 1 || res.Unchanged[0] != before[1] {
		t.Errorf("expected the exact-overlap box to match, got %+v", res.Unchanged)
	}
	if len(res.Disappeared) != 1 || res.Disappeared[0] != before[0] {
		t.Errorf("expected the weaker box to disappear, got %+v", res.Disappeared)
	}
}

func TestMatch_TieBreakByConfidence(t *testing.T) {
	m := mustMatcher(t, MatchParams{MinIoU: 0.1})

	// Same geometry on both candidates; the more confident before detection wins.
	before := []scene.Detection{
		det(0, 0, 10, 10, "chair", 0.4),
		det(0, 0, 10, 10, "chair", 0.8),
	}
	after := []scene.Detection{det(0, 0, 10, 10, "chair", 0.5)}

	res, err := m.Match("img", before, after)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(res.Unchanged) != 1 || res.Unchanged[0].Confidence != 0.8 {
		t.Errorf("expected the 0.8 detection to match, got %+v", res.Unchanged)
	}
}

func TestMatch_PermutationInvariant(t *testing.T) {
	m := mustMatcher(t, MatchParams{MinIoU: 0.2})

	before := []scene.Detection{
		det(0, 0, 10, 10, "chair", 0.9),
		det(2, 0, 12, 10, "chair", 0.9),
		det(30, 30, 50, 50, "table", 0.6),
		det(31, 30, 51, 50, "table", 0.6),
		det(100, 100, 110, 110, "lamp", 0.5),
	}
	after := []scene.Detection{
		det(1, 0, 11, 10, "chair", 0.9),
		det(30, 31, 50, 51, "table", 0.6),
		det(200, 200, 210, 210, "plant", 0.7),
	}

	want, err := m.Match("img", before, after)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		b := append([]scene.Detection(nil), before...)
		a := append([]scene.Detection(nil), after...)
		rng.Shuffle(len(b), func(i, j int) { b[i], b[j] = b[j], b[i] })
		rng.Shuffle(len(a), func(i, j int) { a[i], a[j] = a[j], a[i] })

		got, err := m.Match("img", b, a)
		if err != nil {
			t.Fatalf("Match: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("trial %d: result depends on input order (-want +got):\n%s", trial, diff)
		}
	}
}

func TestMatch_PartitionTotality(t *testing.T) {
	m := mustMatcher(t, MatchParams{MinIoU: 0.3})
	rng := rand.New(rand.NewSource(7))
	classes := []string{"chair", "table", "lamp"}

	randomDets := func(n int) []scene.Detection {
		out := make([]scene.Detection, n)
		for i := range out {
			x, y := rng.Float64()*100, rng.Float64()*100
			out[i] = det(x, y, x+5+rng.Float64()*20, y+5+rng.Float64()*20,
				classes[rng.Intn(len(classes))], rng.Float64())
		}
		return out
	}

	for trial := 0; trial < 100; trial++ {
		before := randomDets(rng.Intn(8))
		after := randomDets(rng.Intn(8))

		res, err := m.Match("img", before, after)
		if err != nil {
			t.Fatalf("Match: %v", err)
		}

		// Every before detection is either disappeared or the before side of
		// a match; every after detection is either appeared or the after side.
		if got := len(res.Disappeared) + len(res.Matches); got != len(before) {
			t.Fatalf("trial %d: before side accounts for %d of %d detections", trial, got, len(before))
		}
		if got := len(res.Appeared) + len(res.Matches); got != len(after) {
			t.Fatalf("trial %d: after side accounts for %d of %d detections", trial, got, len(after))
		}
		if len(res.Unchanged) != len(res.Matches) {
			t.Fatalf("trial %d: %d unchanged vs %d matches", trial, len(res.Unchanged), len(res.Matches))
		}
		for _, mt := range res.Matches {
			if mt.Before.ClassID != mt.After.ClassID || mt.IoU < 0.3 {
				t.Fatalf("trial %d: invalid match %+v", trial, mt)
			}
		}
	}
}

func TestMatch_MalformedDetection(t *testing.T) {
	m := mustMatcher(t, MatchParams{MinIoU: 0.5})

	before := []scene.Detection{det(10, 0, 0, 10, "chair", 0.9)} // inverted
	_, err := m.Match("img_7", before, nil)
	if err == nil {
		t.Fatal("expected error for inverted box")
	}

	var de *scene.DataError
	if !errors.As(err, &de) {
		t.Fatalf("expected *scene.DataError, got %T", err)
	}
	if de.ImageID != "img_7" || de.Stage != scene.StageMatch {
		t.Errorf("unexpected data error %+v", de)
	}
	if !errors.Is(err, scene.ErrInvalidDetection) {
		t.Errorf("expected ErrInvalidDetection in chain, got %v", err)
	}
}

func TestNewMatcher_InvalidParams(t *testing.T) {
	for _, p := range []MatchParams{{MinIoU: -0.1}, {MinIoU: 1.1}, {MinConfidence: 2}} {
		if _, err := NewMatcher(p); !errors.Is(err, scene.ErrConfig) {
			t.Errorf("NewMatcher(%+v) = %v, want ErrConfig", p, err)
		}
	}
}
