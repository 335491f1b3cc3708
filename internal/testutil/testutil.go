// Package testutil provides shared dataset fixtures.
//
// A SceneBuilder lays out before/after datasets in an in-memory filesystem
// using the YOLO directory layout and ARKit/UE5 depth files, so tests across
// packages describe scenes the same way.
package testutil

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/banshee-data/scenechange/internal/fsutil"
)

// SceneBuilder writes dataset fixtures under Root.
type SceneBuilder struct {
	t    testing.TB
	FS   *fsutil.MemoryFileSystem
	Root string
}

// NewSceneBuilder returns a builder over a fresh MemoryFileSystem.
func NewSceneBuilder(t testing.TB, root string) *SceneBuilder {
	return &SceneBuilder{t: t, FS: fsutil.NewMemoryFileSystem(), Root: root}
}

func (b *SceneBuilder) write(path, body string) {
	b.t.Helper()
	if err := b.FS.WriteFile(path, []byte(body), 0644); err != nil {
		b.t.Fatalf("write %s: %v", path, err)
	}
}

// Image adds <dataset>/<id>/<id>.jpg and, when labels is non-nil, its label
// file. The image bytes are not decodable, so loaders fall back to their
// configured image size.
func (b *SceneBuilder) Image(dataset, id string, labels *string) {
	b.t.Helper()
	dir := filepath.Join(b.Root, dataset, id)
	b.write(filepath.Join(dir, id+".jpg"), "not a jpeg")
	if labels != nil {
		b.write(filepath.Join(dir, "labels", id+".txt"), *labels)
	}
}

// Labels joins YOLO label lines into a label file body.
func Labels(lines ...string) *string {
	s := strings.Join(lines, "\n")
	if len(lines) > 0 {
		s += "\n"
	}
	return &s
}

// DepthCSV adds a headerless width x height CSV depth map of constant depth
// at <dataset>/depth/<id>.csv.
func (b *SceneBuilder) DepthCSV(dataset, id string, width, height int, depth float64) {
	b.t.Helper()
	cell := strconv.FormatFloat(depth, 'g', -1, 64)
	row := strings.TrimSuffix(strings.Repeat(cell+",", width), ",")
	b.write(filepath.Join(b.Root, dataset, "depth", id+".csv"), strings.Repeat(row+"\n", height))
}

// Frame is an ARKit capture. Intrinsic and ViewMatrix are column-major, as
// ARKit writes them.
type Frame struct {
	Resolution  [2]int // height, width
	Intrinsic   [][]float64
	ViewMatrix  [][]float64
	DepthWidth  int
	DepthHeight int
	Depth       []float64
	Confidence  []int
}

// UniformFrame is a frame at the world origin looking along the camera axis
// with constant depth over a size x size map and intrinsics f, cx = cy = size/2.
func UniformFrame(size int, f, depth float64) Frame {
	values := make([]float64, size*size)
	for i := range values {
		values[i] = depth
	}
	c := float64(size) / 2
	return Frame{
		Resolution:  [2]int{size, size},
		Intrinsic:   [][]float64{{f, 0, 0}, {0, f, 0}, {c, c, 1}},
		ViewMatrix:  [][]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}},
		DepthWidth:  size,
		DepthHeight: size,
		Depth:       values,
	}
}

// ARKitFrame adds a frame at <dataset>/depth/<id>.json.
func (b *SceneBuilder) ARKitFrame(dataset, id string, fr Frame) {
	b.t.Helper()
	doc := map[string]any{
		"resolution":   fr.Resolution,
		"timestamp":    0.0,
		"frame_number": 0,
		"intrinsic":    fr.Intrinsic,
		"view_matrix":  fr.ViewMatrix,
		"depth_map": map[string]any{
			"width": fr.DepthWidth, "height": fr.DepthHeight, "values": fr.Depth,
		},
	}
	if fr.Confidence != nil {
		doc["confidence_map"] = map[string]any{
			"width": fr.DepthWidth, "height": fr.DepthHeight, "values": fr.Confidence,
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		b.t.Fatalf("marshal frame: %v", err)
	}
	b.write(filepath.Join(b.Root, dataset, "depth", id+".json"), string(data))
}
