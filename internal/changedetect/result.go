package changedetect

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/banshee-data/scenechange/internal/fsutil"
	"github.com/banshee-data/scenechange/internal/scene"
)

// ResultFileName is the artifact holding the dataset-level 2D change result.
const ResultFileName = "change_detection_result.json"

// Match records one accepted before/after pairing.
type Match struct {
	Before scene.Detection `json:"before"`
	After  scene.Detection `json:"after"`
	IoU    float64         `json:"iou"`
}

// SinglePairResult is the outcome of matching one before image against its
// after image. Unchanged holds the before-side detection of each match.
type SinglePairResult struct {
	Appeared    []scene.Detection `json:"appeared"`
	Disappeared []scene.Detection `json:"disappeared"`
	Unchanged   []scene.Detection `json:"unchanged"`
	Matches     []Match           `json:"matches"`
}

func newSinglePairResult() SinglePairResult {
	return SinglePairResult{
		Appeared:    []scene.Detection{},
		Disappeared: []scene.Detection{},
		Unchanged:   []scene.Detection{},
		Matches:     []Match{},
	}
}

func (r *SinglePairResult) sortBuckets() {
	for _, b := range [][]scene.Detection{r.Appeared, r.Disappeared, r.Unchanged} {
		sort.SliceStable(b, func(i, j int) bool { return b[i].Less(b[j]) })
	}
	sort.SliceStable(r.Matches, func(i, j int) bool {
		mi, mj := r.Matches[i], r.Matches[j]
		if mi.Before != mj.Before {
			return mi.Before.Less(mj.Before)
		}
		return mi.After.Less(mj.After)
	})
}

// SkippedImage is an identifier found in only one of the two datasets.
type SkippedImage struct {
	ImageID   string `json:"image_id"`
	PresentIn string `json:"present_in"`
	Reason    string `json:"reason"`
}

// DatasetChangeResult aggregates the per-image results of one dataset pair.
// Results is keyed by image identifier and covers exactly the identifiers
// present on both sides that matched without error.
type DatasetChangeResult struct {
	BeforeName string                      `json:"before_name"`
	AfterName  string                      `json:"after_name"`
	Results    map[string]SinglePairResult `json:"results"`
	Skipped    []SkippedImage              `json:"skipped"`
	Failed     []scene.Failure             `json:"failed"`
	Warnings   []scene.Warning             `json:"warnings"`
}

// ImageIDs returns the successfully matched identifiers in sorted order.
func (r *DatasetChangeResult) ImageIDs() []string {
	ids := make([]string, 0, len(r.Results))
	for id := range r.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Changes returns the appeared and disappeared detections of one image.
func (r *DatasetChangeResult) Changes(imageID string) (appeared, disappeared []scene.Detection) {
	res := r.Results[imageID]
	return res.Appeared, res.Disappeared
}

// Counts totals the three buckets across all images.
func (r *DatasetChangeResult) Counts() (appeared, disappeared, unchanged int) {
	for _, res := range r.Results {
		appeared += len(res.Appeared)
		disappeared += len(res.Disappeared)
		unchanged += len(res.Unchanged)
	}
	return appeared, disappeared, unchanged
}

// WriteResult writes the result as indented JSON, replacing any previous file.
func WriteResult(fsys fsutil.FileSystem, path string, r *DatasetChangeResult) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal change detection result: %w", err)
	}
	if err := fsys.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LoadResult reads a result written by WriteResult so later stages can run
// without repeating matching.
func LoadResult(fsys fsutil.FileSystem, path string) (*DatasetChangeResult, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read change detection result: %w", err)
	}
	var r DatasetChangeResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if r.Results == nil {
		r.Results = map[string]SinglePairResult{}
	}
	return &r, nil
}
