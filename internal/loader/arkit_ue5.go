package loader

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/scenechange/internal/fsutil"
	"github.com/banshee-data/scenechange/internal/lift"
	"github.com/banshee-data/scenechange/internal/scene"
	"github.com/banshee-data/scenechange/internal/security"
)

const depthDir = "depth"

// ArkitUE5Loader reads a "before" visit rendered in Unreal Engine 5 and an
// "after" visit captured with ARKit:
//
//	<root>/<before>/depth/<image>.csv   UE5 depth grid, no header, meters
//	<root>/<after>/depth/<image>.json   ARKit frame
//
// Camera parameters for both sides come from the ARKit frame.
type ArkitUE5Loader struct {
	fs fsutil.FileSystem
}

// NewArkitUE5Loader creates an ARKit/UE5 refinement loader.
func NewArkitUE5Loader(opts Options) *ArkitUE5Loader {
	return &ArkitUE5Loader{fs: opts.fs()}
}

// arkitFrame is the JSON document ARKit writes per captured frame. Matrices
// are serialised column by column.
type arkitFrame struct {
	Resolution    [2]int        `json:"resolution"` // [height, width]
	Timestamp     float64       `json:"timestamp"`
	FrameNumber   int           `json:"frame_number"`
	Intrinsic     [][]float64   `json:"intrinsic"`
	ViewMatrix    [][]float64   `json:"view_matrix"`
	DepthMap      arkitGrid     `json:"depth_map"`
	ConfidenceMap *arkitConfMap `json:"confidence_map,omitempty"`
}

type arkitGrid struct {
	Height int       `json:"height"`
	Width  int       `json:"width"`
	Values []float64 `json:"values"`
}

type arkitConfMap struct {
	Height int     `json:"height"`
	Width  int     `json:"width"`
	Values []uint8 `json:"values"`
}

// DepthMapPathPair returns the before (CSV) and after (JSON) depth paths.
func (l *ArkitUE5Loader) DepthMapPathPair(ds scene.Datasets, imageID string) (string, string, error) {
	if err := security.ValidateIdentifier(imageID); err != nil {
		return "", "", err
	}
	before, err := security.JoinWithin(ds.Root, ds.Before, depthDir, imageID+".csv")
	if err != nil {
		return "", "", err
	}
	after, err := security.JoinWithin(ds.Root, ds.After, depthDir, imageID+".json")
	if err != nil {
		return "", "", err
	}
	return before, after, nil
}

// DepthMap loads a depth map, choosing the format by extension.
func (l *ArkitUE5Loader) DepthMap(path string) (*lift.DepthMap, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return l.depthFromCSV(path)
	case ".json":
		return l.depthFromFrame(path)
	default:
		return nil, fmt.Errorf("unsupported depth map format %q", filepath.Ext(path))
	}
}

// CameraParameters reads the ARKit frame of imageID. The pose is the inverse
// of the view matrix and the correction flips the device Y and Z axes.
func (l *ArkitUE5Loader) CameraParameters(ds scene.Datasets, imageID string) (*lift.Camera, error) {
	_, afterPath, err := l.DepthMapPathPair(ds, imageID)
	if err != nil {
		return nil, err
	}
	frame, err := l.readFrame(afterPath)
	if err != nil {
		return nil, err
	}

	k, err := columnMajor(frame.Intrinsic, 3)
	if err != nil {
		return nil, fmt.Errorf("intrinsic: %w", err)
	}
	view, err := columnMajor(frame.ViewMatrix, 4)
	if err != nil {
		return nil, fmt.Errorf("view_matrix: %w", err)
	}

	cam := &lift.Camera{}
	copy(cam.Intrinsics[:], k)
	var viewArr [16]float64
	copy(viewArr[:], view)
	if cam.Pose, err = lift.PoseFromView(viewArr); err != nil {
		return nil, err
	}
	correction := lift.FlipYZ
	cam.Correction = &correction
	return cam, nil
}

func (l *ArkitUE5Loader) readFrame(path string) (*arkitFrame, error) {
	data, err := l.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ARKit frame: %w", err)
	}
	var frame arkitFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("parse ARKit frame %s: %w", filepath.Base(path), err)
	}
	return &frame, nil
}

// depthFromFrame rotates the sensor-oriented depth and confidence maps 90
// degrees clockwise and resizes them to the image resolution.
func (l *ArkitUE5Loader) depthFromFrame(path string) (*lift.DepthMap, error) {
	frame, err := l.readFrame(path)
	if err != nil {
		return nil, err
	}

	g := frame.DepthMap
	if err := lift.CheckSize(g.Width, g.Height); err != nil {
		return nil, fmt.Errorf("ARKit depth %s: %w", filepath.Base(path), err)
	}
	if len(g.Values) != g.Width*g.Height {
		return nil, fmt.Errorf("%w: ARKit depth has %d values for %dx%d", lift.ErrInvalidDepthMap, len(g.Values), g.Width, g.Height)
	}
	height, width := frame.Resolution[0], frame.Resolution[1]
	if width != 0 || height != 0 {
		if err := lift.CheckSize(width, height); err != nil {
			return nil, fmt.Errorf("ARKit resolution %s: %w", filepath.Base(path), err)
		}
	}

	dm := lift.NewDepthMap(g.Width, g.Height)
	for i, v := range g.Values {
		dm.Values[i] = float32(v)
	}
	if c := frame.ConfidenceMap; c != nil && c.Width == g.Width && c.Height == g.Height && len(c.Values) == len(g.Values) {
		dm.Confidence = append([]uint8(nil), c.Values...)
	}
	if err := dm.Validate(); err != nil {
		return nil, err
	}

	dm = dm.Rotate90CW()
	if width > 0 && height > 0 {
		dm = dm.Resize(width, height)
	}
	return dm, nil
}

// depthFromCSV parses a headerless grid of depths, one image row per line.
// Empty or unparsable cells become NaN and are treated as invalid depth.
func (l *ArkitUE5Loader) depthFromCSV(path string) (*lift.DepthMap, error) {
	data, err := l.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read depth CSV: %w", err)
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.ReuseRecord = true
	r.TrimLeadingSpace = true

	var (
		values []float32
		width  int
		height int
	)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse depth CSV %s: %w", filepath.Base(path), err)
		}
		if height == 0 {
			width = len(rec)
		}
		for _, cell := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 32)
			if err != nil {
				v = math.NaN()
			}
			values = append(values, float32(v))
		}
		height++
	}

	dm := &lift.DepthMap{Width: width, Height: height, Values: values}
	if err := dm.Validate(); err != nil {
		return nil, fmt.Errorf("depth CSV %s: %w", filepath.Base(path), err)
	}
	return dm, nil
}

// columnMajor flattens an n×n matrix given as a list of columns into
// row-major order.
func columnMajor(cols [][]float64, n int) ([]float64, error) {
	if len(cols) != n {
		return nil, fmt.Errorf("expected %d columns, got %d", n, len(cols))
	}
	out := make([]float64, n*n)
	for c, col := range cols {
		if len(col) != n {
			return nil, fmt.Errorf("column %d has %d values, want %d", c, len(col), n)
		}
		for r, v := range col {
			out[r*n+c] = v
		}
	}
	return out, nil
}
