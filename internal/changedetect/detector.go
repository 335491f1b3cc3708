package changedetect

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/scenechange/internal/fsutil"
	"github.com/banshee-data/scenechange/internal/loader"
	"github.com/banshee-data/scenechange/internal/monitoring"
	"github.com/banshee-data/scenechange/internal/scene"
	"github.com/banshee-data/scenechange/internal/security"
)

// Options configures a Detector.
type Options struct {
	Match   MatchParams
	Workers int
	FS      fsutil.FileSystem
	// OutputDir receives ResultFileName after RunAll. Empty skips the write.
	OutputDir string
	Logger    *monitoring.Logger
}

// Detector runs the matcher over every image pair of a dataset.
type Detector struct {
	matcher   *Matcher
	workers   int
	fs        fsutil.FileSystem
	outputDir string
	logger    *monitoring.Logger
}

// NewDetector validates opts and creates a Detector.
func NewDetector(opts Options) (*Detector, error) {
	m, err := NewMatcher(opts.Match)
	if err != nil {
		return nil, err
	}
	d := &Detector{
		matcher:   m,
		workers:   opts.Workers,
		fs:        opts.FS,
		outputDir: opts.OutputDir,
		logger:    opts.Logger,
	}
	if d.workers < 1 {
		d.workers = 1
	}
	if d.fs == nil {
		d.fs = fsutil.OSFileSystem{}
	}
	return d, nil
}

// Run matches a single image pair. An empty label path stands for an image
// without a detection file and reads as no detections.
func (d *Detector) Run(ctx context.Context, imageID, beforeLabels, afterLabels string, ld loader.ObjectDetectionLoader) (SinglePairResult, error) {
	if err := ctx.Err(); err != nil {
		return SinglePairResult{}, err
	}
	before, err := readLabels(ld, beforeLabels)
	if err != nil {
		return SinglePairResult{}, scene.NewDataError(scene.StageMatch, imageID, fmt.Errorf("before labels: %w", err))
	}
	after, err := readLabels(ld, afterLabels)
	if err != nil {
		return SinglePairResult{}, scene.NewDataError(scene.StageMatch, imageID, fmt.Errorf("after labels: %w", err))
	}
	return d.matcher.Match(imageID, before, after)
}

func readLabels(ld loader.ObjectDetectionLoader, path string) ([]scene.Detection, error) {
	if path == "" {
		return nil, nil
	}
	return ld.ReadLabels(path)
}

// sideIndex maps an image identifier to its label file. An identifier with an
// image but no label file maps to "".
type sideIndex map[string]string

func (d *Detector) index(ld loader.ObjectDetectionLoader, dataset string) (sideIndex, []scene.Warning, error) {
	images, err := ld.ImagePaths(dataset)
	if err != nil {
		return nil, nil, err
	}
	labels, err := ld.LabelPaths(dataset)
	if err != nil {
		return nil, nil, err
	}

	var warnings []scene.Warning
	idx := make(sideIndex)
	add := func(path string, isLabel bool) {
		id := ld.ImageID(path)
		if err := security.ValidateIdentifier(id); err != nil {
			warnings = append(warnings, scene.Warning{ImageID: id, Stage: scene.StageMatch, Message: err.Error()})
			return
		}
		if isLabel {
			idx[id] = path
		} else if _, ok := idx[id]; !ok {
			idx[id] = ""
		}
	}
	for _, p := range images {
		add(p, false)
	}
	for _, p := range labels {
		add(p, true)
	}
	return idx, warnings, nil
}

// RunAll matches every identifier present in both datasets under root.
// Identifiers on one side only are recorded as skipped; per-image failures
// are recorded and never abort the run. The result is written to the output
// directory when one is configured.
func (d *Detector) RunAll(ctx context.Context, root string, ld loader.ObjectDetectionLoader, beforeName string) (*DatasetChangeResult, error) {
	ds, err := ResolveDatasets(d.fs, root, beforeName)
	if err != nil {
		return nil, err
	}

	beforeIdx, beforeWarn, err := d.index(ld, ds.BeforePath())
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", ds.Before, err)
	}
	afterIdx, afterWarn, err := d.index(ld, ds.AfterPath())
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", ds.After, err)
	}

	result := &DatasetChangeResult{
		BeforeName: ds.Before,
		AfterName:  ds.After,
		Results:    make(map[string]SinglePairResult),
		Skipped:    []SkippedImage{},
		Failed:     []scene.Failure{},
		Warnings:   append(beforeWarn, afterWarn...),
	}
	if result.Warnings == nil {
		result.Warnings = []scene.Warning{}
	}

	var common []string
	for id := range beforeIdx {
		if _, ok := afterIdx[id]; ok {
			common = append(common, id)
		} else {
			result.Skipped = append(result.Skipped, SkippedImage{ImageID: id, PresentIn: ds.Before, Reason: "missing from " + ds.After})
		}
	}
	for id := range afterIdx {
		if _, ok := beforeIdx[id]; !ok {
			result.Skipped = append(result.Skipped, SkippedImage{ImageID: id, PresentIn: ds.After, Reason: "missing from " + ds.Before})
		}
	}
	sort.Strings(common)

	d.logger.Diagf("change detection: %s -> %s, %d common images, %d skipped",
		ds.Before, ds.After, len(common), len(result.Skipped))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	for _, id := range common {
		id := id
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			beforePath, afterPath := beforeIdx[id], afterIdx[id]
			res, err := d.Run(gctx, id, beforePath, afterPath, ld)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				f := scene.FailureFromError(scene.StageMatch, id, err)
				result.Failed = append(result.Failed, f)
				d.logger.Opsf("change detection: image %s failed: %s", id, f.Reason)
				return nil
			}
			if beforePath == "" || afterPath == "" {
				result.Warnings = append(result.Warnings, scene.Warning{
					ImageID: id, Stage: scene.StageMatch, Message: "no detection file on one side; treated as empty",
				})
			} else if len(res.Appeared)+len(res.Disappeared)+len(res.Unchanged) == 0 {
				result.Warnings = append(result.Warnings, scene.Warning{
					ImageID: id, Stage: scene.StageMatch, Message: "no detections in either image",
				})
			}
			result.Results[id] = res
			d.logger.Tracef("change detection: image %s: %d appeared, %d disappeared, %d unchanged",
				id, len(res.Appeared), len(res.Disappeared), len(res.Unchanged))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sortReport(result)

	a, r, u := result.Counts()
	d.logger.Opsf("change detection: %d images matched, %d failed, %d skipped (%d appeared, %d disappeared, %d unchanged)",
		len(result.Results), len(result.Failed), len(result.Skipped), a, r, u)

	if d.outputDir != "" {
		if err := d.fs.MkdirAll(d.outputDir, 0755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
		if err := WriteResult(d.fs, filepath.Join(d.outputDir, ResultFileName), result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func sortReport(r *DatasetChangeResult) {
	sort.Slice(r.Skipped, func(i, j int) bool {
		if r.Skipped[i].ImageID != r.Skipped[j].ImageID {
			return r.Skipped[i].ImageID < r.Skipped[j].ImageID
		}
		return r.Skipped[i].PresentIn < r.Skipped[j].PresentIn
	})
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i].ImageID < r.Failed[j].ImageID })
	sort.SliceStable(r.Warnings, func(i, j int) bool { return r.Warnings[i].ImageID < r.Warnings[j].ImageID })
}
