// Package changedetect pairs detections between a before and an after image
// and classifies each one as appeared, disappeared or unchanged.
package changedetect

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/scenechange/internal/scene"
)

// MatchParams configures the frame-pair matcher.
type MatchParams struct {
	// MinIoU is the minimum overlap for a same-class pair to match. Pairs with
	// zero overlap never match, even when MinIoU is 0.
	MinIoU float64
	// MinConfidence discards detections below this confidence before matching.
	MinConfidence float64
}

// Validate checks both thresholds lie in [0, 1].
func (p MatchParams) Validate() error {
	if math.IsNaN(p.MinIoU) || p.MinIoU < 0 || p.MinIoU > 1 {
		return fmt.Errorf("%w: min IoU %v outside [0, 1]", scene.ErrConfig, p.MinIoU)
	}
	if math.IsNaN(p.MinConfidence) || p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("%w: min confidence %v outside [0, 1]", scene.ErrConfig, p.MinConfidence)
	}
	return nil
}

// Matcher performs greedy, class-gated IoU matching. It holds no mutable
// state and is safe for concurrent use.
type Matcher struct {
	params MatchParams
}

// NewMatcher validates params and returns a Matcher.
func NewMatcher(params MatchParams) (*Matcher, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Matcher{params: params}, nil
}

type candidate struct {
	bi, ai int
	iou    float64
	conf   float64
}

// Match classifies the detections of one image pair. A malformed detection on
// either side fails the whole pair with a *scene.DataError.
func (m *Matcher) Match(imageID string, before, after []scene.Detection) (SinglePairResult, error) {
	for i, d := range before {
		if err := d.Validate(); err != nil {
			return SinglePairResult{}, scene.NewDataError(scene.StageMatch, imageID, fmt.Errorf("before detection %d: %w", i, err))
		}
	}
	for i, d := range after {
		if err := d.Validate(); err != nil {
			return SinglePairResult{}, scene.NewDataError(scene.StageMatch, imageID, fmt.Errorf("after detection %d: %w", i, err))
		}
	}

	before = m.filter(before)
	after = m.filter(after)

	var cands []candidate
	for bi, b := range before {
		for ai, a := range after {
			if b.ClassID != a.ClassID {
				continue
			}
			iou := b.Box.IoU(a.Box)
			if iou <= 0 || iou < m.params.MinIoU {
				continue
			}
			cands = append(cands, candidate{bi: bi, ai: ai, iou: iou, conf: b.Confidence + a.Confidence})
		}
	}

	// Rank by IoU, then combined confidence, then detection content so the
	// outcome does not depend on input order. Indices only separate exact
	// duplicates, which are interchangeable.
	sort.Slice(cands, func(i, j int) bool {
		ci, cj := cands[i], cands[j]
		if ci.iou != cj.iou {
			return ci.iou > cj.iou
		}
		if ci.conf != cj.conf {
			return ci.conf > cj.conf
		}
		if bi, bj := before[ci.bi], before[cj.bi]; bi != bj {
			return bi.Less(bj)
		}
		if ai, aj := after[ci.ai], after[cj.ai]; ai != aj {
			return ai.Less(aj)
		}
		if ci.bi != cj.bi {
			return ci.bi < cj.bi
		}
		return ci.ai < cj.ai
	})

	usedBefore := make([]bool, len(before))
	usedAfter := make([]bool, len(after))
	res := newSinglePairResult()

	for _, c := range cands {
		if usedBefore[c.bi] || usedAfter[c.ai] {
			continue
		}
		usedBefore[c.bi] = true
		usedAfter[c.ai] = true
		res.Unchanged = append(res.Unchanged, before[c.bi])
		res.Matches = append(res.Matches, Match{Before: before[c.bi], After: after[c.ai], IoU: c.iou})
	}
	for i, d := range before {
		if !usedBefore[i] {
			res.Disappeared = append(res.Disappeared, d)
		}
	}
	for i, d := range after {
		if !usedAfter[i] {
			res.Appeared = append(res.Appeared, d)
		}
	}

	res.sortBuckets()
	return res, nil
}

func (m *Matcher) filter(dets []scene.Detection) []scene.Detection {
	out := make([]scene.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= m.params.MinConfidence {
			out = append(out, d)
		}
	}
	return out
}
