package lift

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/scenechange/internal/monitoring"
	"github.com/banshee-data/scenechange/internal/scene"
)

// FrameSource supplies per-image depth maps and camera parameters.
type FrameSource interface {
	// DepthMapPathPair returns the before and after depth map paths of an image.
	DepthMapPathPair(ds scene.Datasets, imageID string) (before, after string, err error)
	// DepthMap loads one depth map.
	DepthMap(path string) (*DepthMap, error)
	// CameraParameters returns the camera that captured an image.
	CameraParameters(ds scene.Datasets, imageID string) (*Camera, error)
}

// ChangeSource is the per-image 2D change result being lifted.
type ChangeSource interface {
	ImageIDs() []string
	Changes(imageID string) (appeared, disappeared []scene.Detection)
}

// Strategy selects which pixels of a detection are back-projected.
type Strategy string

const (
	// StrategyCenter lifts only the box centre pixel.
	StrategyCenter Strategy = "center"
	// StrategyBox lifts a strided grid of pixels inside the box.
	StrategyBox Strategy = "box"
)

// Params configures a Lifter.
type Params struct {
	Strategy              Strategy
	SampleStride          int // pixel step for StrategyBox
	MaxPointsPerDetection int // 0 means no cap
	MinDepthConfidence    uint8
	Workers               int
	Logger                *monitoring.Logger
}

// Validate rejects unknown strategies and non-positive strides.
func (p Params) Validate() error {
	switch p.Strategy {
	case StrategyCenter, StrategyBox:
	default:
		return fmt.Errorf("%w: unknown lift strategy %q", scene.ErrConfig, p.Strategy)
	}
	if p.Strategy == StrategyBox && p.SampleStride < 1 {
		return fmt.Errorf("%w: sample stride must be at least 1, got %d", scene.ErrConfig, p.SampleStride)
	}
	if p.MaxPointsPerDetection < 0 {
		return fmt.Errorf("%w: max points per detection must be non-negative, got %d", scene.ErrConfig, p.MaxPointsPerDetection)
	}
	return nil
}

// Result is the dataset-wide output of lifting.
type Result struct {
	Points   []scene.ChangePoint `json:"points"`
	Warnings []scene.Warning     `json:"warnings"`
	Failed   []scene.Failure     `json:"failed"`
}

// Lifter converts 2D change detections into 3D change points.
type Lifter struct {
	params Params
	logger *monitoring.Logger
}

// NewLifter validates params and creates a Lifter.
func NewLifter(params Params) (*Lifter, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.Workers < 1 {
		params.Workers = 1
	}
	return &Lifter{params: params, logger: params.Logger}, nil
}

type imageLift struct {
	points   []scene.ChangePoint
	warnings []scene.Warning
	failure  *scene.Failure
}

// LiftDataset lifts every appeared and disappeared detection in changes.
// Appeared detections use the after depth map, disappeared ones the before
// depth map. Unchanged detections are never lifted. Per-image failures are
// recorded in the result; only context cancellation aborts the call.
func (l *Lifter) LiftDataset(ctx context.Context, ds scene.Datasets, changes ChangeSource, frames FrameSource) (*Result, error) {
	ids := changes.ImageIDs()
	sort.Strings(ids)
	out := make([]imageLift, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.params.Workers)

	for i, id := range ids {
		i, id := i, id
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			appeared, disappeared := changes.Changes(id)
			out[i] = l.liftImage(ds, id, appeared, disappeared, frames)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{
		Points:   []scene.ChangePoint{},
		Warnings: []scene.Warning{},
		Failed:   []scene.Failure{},
	}
	for _, il := range out {
		res.Points = append(res.Points, il.points...)
		res.Warnings = append(res.Warnings, il.warnings...)
		if il.failure != nil {
			res.Failed = append(res.Failed, *il.failure)
		}
	}

	l.logger.Opsf("lift: %d images, %d points, %d warnings, %d failed",
		len(ids), len(res.Points), len(res.Warnings), len(res.Failed))
	return res, nil
}

func (l *Lifter) liftImage(ds scene.Datasets, imageID string, appeared, disappeared []scene.Detection, frames FrameSource) imageLift {
	var il imageLift
	if len(appeared) == 0 && len(disappeared) == 0 {
		return il
	}

	fail := func(err error) imageLift {
		f := scene.FailureFromError(scene.StageLift, imageID, err)
		l.logger.Opsf("lift: image %s failed: %s", imageID, f.Reason)
		return imageLift{failure: &f}
	}

	cam, err := frames.CameraParameters(ds, imageID)
	if err != nil {
		return fail(fmt.Errorf("camera parameters: %w", err))
	}
	proj, err := NewProjector(cam)
	if err != nil {
		return fail(err)
	}
	beforePath, afterPath, err := frames.DepthMapPathPair(ds, imageID)
	if err != nil {
		return fail(fmt.Errorf("depth paths: %w", err))
	}

	sides := []struct {
		kind  scene.Kind
		dets  []scene.Detection
		depth string
	}{
		{scene.KindAppeared, appeared, afterPath},
		{scene.KindDisappeared, disappeared, beforePath},
	}
	for _, side := range sides {
		if len(side.dets) == 0 {
			continue
		}
		depth, err := frames.DepthMap(side.depth)
		if err == nil {
			err = depth.Validate()
		}
		if err != nil {
			return fail(fmt.Errorf("%s depth map: %w", side.kind, err))
		}

		for di, det := range side.dets {
			pts := l.liftDetection(proj, depth, det)
			if len(pts) == 0 {
				il.warnings = append(il.warnings, scene.Warning{
					ImageID: imageID,
					Stage:   scene.StageLift,
					Message: fmt.Sprintf("%s detection %d (class %s) has no valid depth", side.kind, di, det.ClassID),
				})
				continue
			}
			for _, p := range pts {
				il.points = append(il.points, scene.ChangePoint{
					Position:   p.pos,
					Kind:       side.kind,
					ImageID:    imageID,
					ClassID:    det.ClassID,
					Confidence: det.Confidence,
					Pixel:      p.pixel,
					Weight:     1,
				})
			}
		}
	}

	l.logger.Tracef("lift: image %s -> %d points", imageID, len(il.points))
	return il
}

type liftedPixel struct {
	pos   scene.Point3
	pixel scene.Pixel
}

// liftDetection back-projects the sampled pixels of one detection, skipping
// pixels without valid depth.
func (l *Lifter) liftDetection(proj *Projector, depth *DepthMap, det scene.Detection) []liftedPixel {
	minConf := l.params.MinDepthConfidence

	if l.params.Strategy == StrategyCenter {
		cx, cy := det.Box.Center()
		x, y := int(math.Floor(cx)), int(math.Floor(cy))
		d, ok := depth.ValidAt(x, y, minConf)
		if !ok {
			return nil
		}
		return []liftedPixel{{pos: proj.BackProject(float64(x), float64(y), d), pixel: scene.Pixel{X: x, Y: y}}}
	}

	b := det.Box
	if b.X2 <= 0 || b.Y2 <= 0 || b.X1 >= float64(depth.Width) || b.Y1 >= float64(depth.Height) {
		return nil
	}
	x0 := clampInt(int(math.Floor(det.Box.X1)), 0, depth.Width-1)
	y0 := clampInt(int(math.Floor(det.Box.Y1)), 0, depth.Height-1)
	x1 := clampInt(int(math.Ceil(det.Box.X2))-1, 0, depth.Width-1)
	y1 := clampInt(int(math.Ceil(det.Box.Y2))-1, 0, depth.Height-1)

	var pixels []scene.Pixel
	for y := y0; y <= y1; y += l.params.SampleStride {
		for x := x0; x <= x1; x += l.params.SampleStride {
			if _, ok := depth.ValidAt(x, y, minConf); ok {
				pixels = append(pixels, scene.Pixel{X: x, Y: y})
			}
		}
	}
	pixels = subsample(pixels, l.params.MaxPointsPerDetection)

	out := make([]liftedPixel, 0, len(pixels))
	for _, px := range pixels {
		d, _ := depth.ValidAt(px.X, px.Y, minConf)
		out = append(out, liftedPixel{pos: proj.BackProject(float64(px.X), float64(px.Y), d), pixel: px})
	}
	return out
}

// subsample keeps at most limit evenly spaced elements, preserving order.
func subsample(pixels []scene.Pixel, limit int) []scene.Pixel {
	if limit <= 0 || len(pixels) <= limit {
		return pixels
	}
	out := make([]scene.Pixel, limit)
	for i := range out {
		out[i] = pixels[i*len(pixels)/limit]
	}
	return out
}
