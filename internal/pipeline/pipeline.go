// Package pipeline wires change detection, lifting and refinement into one
// dataset run and writes every artifact to the results directory.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/banshee-data/scenechange/internal/changedetect"
	"github.com/banshee-data/scenechange/internal/config"
	"github.com/banshee-data/scenechange/internal/fsutil"
	"github.com/banshee-data/scenechange/internal/lift"
	"github.com/banshee-data/scenechange/internal/loader"
	"github.com/banshee-data/scenechange/internal/monitoring"
	"github.com/banshee-data/scenechange/internal/refine"
	"github.com/banshee-data/scenechange/internal/scene"
	"github.com/banshee-data/scenechange/internal/store"
	"github.com/banshee-data/scenechange/internal/timeutil"
)

// ReportFileName is the run summary written after a full run.
const ReportFileName = "run_report.json"

// Ledger records run history. *store.Store implements it.
type Ledger interface {
	StartRun(ctx context.Context, datasetsRoot string, config any) (string, error)
	SetDatasets(ctx context.Context, runID string, ds scene.Datasets) error
	RecordImages(ctx context.Context, runID string, images []store.RunImage) error
	RecordClusters(ctx context.Context, runID string, clusters []scene.ChangeCluster) error
	FinishRun(ctx context.Context, runID string, sum store.Summary, runErr error) error
}

// Options configures a Runner.
type Options struct {
	Config *config.Config
	FS     fsutil.FileSystem
	Logger *monitoring.Logger
	// Ledger is optional; nil disables run history.
	Ledger Ledger
	// Clock times runs; nil uses the system clock.
	Clock  timeutil.Clock
}

// Runner executes dataset runs. Every component is built and validated in
// NewRunner so configuration errors surface before any image is processed.
type Runner struct {
	cfg      *config.Config
	fs       fsutil.FileSystem
	logger   *monitoring.Logger
	ledger   Ledger
	clock    timeutil.Clock
	detector *changedetect.Detector
	lifter   *lift.Lifter
	refiner  *refine.Refiner
	detLoad  loader.ObjectDetectionLoader
	refLoad  loader.RefinementLoader
}

// NewRunner validates the configuration and builds the pipeline stages.
func NewRunner(opts Options) (*Runner, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.EmptyConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fsys := opts.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	logger := opts.Logger
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	w, h := cfg.GetImageSize()
	lopts := loader.Options{FS: fsys, FallbackWidth: w, FallbackHeight: h}
	detLoad, err := loader.NewObjectDetectionLoader(cfg.GetDetectionLoader(), lopts)
	if err != nil {
		return nil, err
	}
	refLoad, err := loader.NewRefinementLoader(cfg.GetRefinementLoader(), lopts)
	if err != nil {
		return nil, err
	}

	detector, err := changedetect.NewDetector(changedetect.Options{
		Match: changedetect.MatchParams{
			MinIoU:        cfg.GetMinIoU(),
			MinConfidence: cfg.GetMinConfidence(),
		},
		Workers:   cfg.GetWorkers(),
		FS:        fsys,
		OutputDir: cfg.GetResultsPath(),
		Logger:    logger.With("[detect] "),
	})
	if err != nil {
		return nil, err
	}

	lifter, err := lift.NewLifter(lift.Params{
		Strategy:              lift.Strategy(cfg.GetLiftStrategy()),
		SampleStride:          cfg.GetBoxSampleStride(),
		MaxPointsPerDetection: cfg.GetMaxPointsPerDetection(),
		MinDepthConfidence:    uint8(cfg.GetMinDepthConfidence()),
		Workers:               cfg.GetWorkers(),
		Logger:                logger.With("[lift] "),
	})
	if err != nil {
		return nil, err
	}

	refiner, err := refine.NewRefiner(refine.Params{
		Eps:             cfg.GetClusterEps(),
		MinSamples:      cfg.GetClusterMinSamples(),
		MinSupport:      cfg.GetClusterMinSupport(),
		SeparateClasses: cfg.GetSeparateClasses(),
	}, logger.With("[refine] "))
	if err != nil {
		return nil, err
	}

	return &Runner{
		cfg:      cfg,
		fs:       fsys,
		logger:   logger,
		ledger:   opts.Ledger,
		clock:    clock,
		detector: detector,
		lifter:   lifter,
		refiner:  refiner,
		detLoad:  detLoad,
		refLoad:  refLoad,
	}, nil
}

// Report summarises one run.
type Report struct {
	RunID     string                      `json:"run_id,omitempty"`
	Datasets  scene.Datasets              `json:"datasets"`
	Succeeded []string                    `json:"succeeded"`
	Skipped   []changedetect.SkippedImage `json:"skipped"`
	Failed    []scene.Failure             `json:"failed"`
	Warnings  []scene.Warning             `json:"warnings"`

	Appeared    int `json:"appeared"`
	Disappeared int `json:"disappeared"`
	Unchanged   int `json:"unchanged"`
	Points      int `json:"points"`

	Clusters []scene.ChangeCluster `json:"clusters"`
}

func (r *Report) summary() store.Summary {
	return store.Summary{
		Succeeded: len(r.Succeeded),
		Skipped:   len(r.Skipped),
		Failed:    len(r.Failed),
		Warnings:  len(r.Warnings),
		Points:    r.Points,
		Clusters:  len(r.Clusters),
	}
}

// Detect runs change detection over the configured datasets root and writes
// the change detection result.
func (r *Runner) Detect(ctx context.Context) (*changedetect.DatasetChangeResult, error) {
	return r.detector.RunAll(ctx, r.cfg.GetDatasetsPath(), r.detLoad, r.cfg.GetBeforeName())
}

// Refine lifts and clusters a change detection result, writing the point
// and cluster artifacts and their plots. It starts only once every image has
// been matched, since clustering needs the dataset-wide point set. Plot
// failures are logged and reported as warnings.
func (r *Runner) Refine(ctx context.Context, changes *changedetect.DatasetChangeResult) (*Report, error) {
	ds := scene.Datasets{Root: r.cfg.GetDatasetsPath(), Before: changes.BeforeName, After: changes.AfterName}
	lifted, err := r.lifter.LiftDataset(ctx, ds, changes, r.refLoad)
	if err != nil {
		return nil, err
	}

	out := r.cfg.GetResultsPath()
	if err := r.fs.MkdirAll(out, 0755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	if err := lift.WritePoints(r.fs, filepath.Join(out, lift.PointsFileName), lifted.Points); err != nil {
		return nil, err
	}
	var plotWarnings []scene.Warning
	plotFailed := func(name string, err error) {
		r.logger.Opsf("refine: plot %s: %v", name, err)
		plotWarnings = append(plotWarnings, scene.Warning{
			Stage:   scene.StageRefine,
			Message: fmt.Sprintf("plot %s: %v", name, err),
		})
	}
	if err := refine.PlotChangePoints(r.fs, filepath.Join(out, refine.PointsPlotName), lifted.Points); err != nil {
		plotFailed(refine.PointsPlotName, err)
	}

	clusters, err := r.refiner.Refine(lifted.Points)
	if err != nil {
		return nil, err
	}
	if err := refine.WriteClusters(r.fs, filepath.Join(out, refine.ClustersFileName), clusters); err != nil {
		return nil, err
	}
	if err := refine.PlotClusters(r.fs, filepath.Join(out, refine.ClustersPlotName), clusters); err != nil {
		plotFailed(refine.ClustersPlotName, err)
	}

	rep := buildReport(ds, changes, lifted, clusters)
	rep.Warnings = append(rep.Warnings, plotWarnings...)
	return rep, nil
}

// RefineFromArtifact reloads a previously written change detection result
// and refines it.
func (r *Runner) RefineFromArtifact(ctx context.Context) (*Report, error) {
	changes, err := changedetect.LoadResult(r.fs, filepath.Join(r.cfg.GetResultsPath(), changedetect.ResultFileName))
	if err != nil {
		return nil, err
	}
	return r.Refine(ctx, changes)
}

// Run executes detection and refinement end to end, writes the run report
// and records the run in the ledger when one is configured.
func (r *Runner) Run(ctx context.Context) (rep *Report, err error) {
	start := r.clock.Now()
	var runID string
	if r.ledger != nil {
		runID, err = r.ledger.StartRun(ctx, r.cfg.GetDatasetsPath(), r.cfg)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		defer func() {
			var sum store.Summary
			if rep != nil {
				sum = rep.summary()
			}
			// Record the outcome even when ctx was cancelled.
			if ferr := r.ledger.FinishRun(context.WithoutCancel(ctx), runID, sum, err); ferr != nil {
				r.logger.Opsf("ledger: finish run %s: %v", runID, ferr)
			}
		}()
	}

	changes, err := r.Detect(ctx)
	if err != nil {
		return nil, err
	}
	rep, err = r.Refine(ctx, changes)
	if err != nil {
		return nil, err
	}
	rep.RunID = runID

	if err := writeReport(r.fs, filepath.Join(r.cfg.GetResultsPath(), ReportFileName), rep); err != nil {
		return nil, err
	}

	if r.ledger != nil {
		if err := r.record(ctx, runID, rep, changes); err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
	}

	r.logger.Opsf("run complete in %s: %d succeeded, %d skipped, %d failed, %d points, %d clusters",
		r.clock.Since(start).Round(time.Millisecond), len(rep.Succeeded), len(rep.Skipped), len(rep.Failed), rep.Points, len(rep.Clusters))
	return rep, nil
}

func (r *Runner) record(ctx context.Context, runID string, rep *Report, changes *changedetect.DatasetChangeResult) error {
	if err := r.ledger.SetDatasets(ctx, runID, rep.Datasets); err != nil {
		return err
	}
	var images []store.RunImage
	for _, id := range rep.Succeeded {
		res := changes.Results[id]
		images = append(images, store.RunImage{
			ImageID:     id,
			Status:      store.ImageOK,
			Appeared:    len(res.Appeared),
			Disappeared: len(res.Disappeared),
			Unchanged:   len(res.Unchanged),
		})
	}
	for _, s := range rep.Skipped {
		images = append(images, store.RunImage{ImageID: s.ImageID, Status: store.ImageSkipped, Reason: s.Reason})
	}
	for _, f := range rep.Failed {
		images = append(images, store.RunImage{ImageID: f.ImageID, Status: store.ImageFailed, Stage: string(f.Stage), Reason: f.Reason})
	}
	if err := r.ledger.RecordImages(ctx, runID, images); err != nil {
		return err
	}
	return r.ledger.RecordClusters(ctx, runID, rep.Clusters)
}

func buildReport(ds scene.Datasets, changes *changedetect.DatasetChangeResult, lifted *lift.Result, clusters []scene.ChangeCluster) *Report {
	rep := &Report{
		Datasets:  ds,
		Succeeded: []string{},
		Skipped:   append([]changedetect.SkippedImage{}, changes.Skipped...),
		Failed:    append(append([]scene.Failure{}, changes.Failed...), lifted.Failed...),
		Warnings:  append(append([]scene.Warning{}, changes.Warnings...), lifted.Warnings...),
		Points:    len(lifted.Points),
		Clusters:  clusters,
	}
	rep.Appeared, rep.Disappeared, rep.Unchanged = changes.Counts()

	liftFailed := make(map[string]bool, len(lifted.Failed))
	for _, f := range lifted.Failed {
		liftFailed[f.ImageID] = true
	}
	for _, id := range changes.ImageIDs() {
		if !liftFailed[id] {
			rep.Succeeded = append(rep.Succeeded, id)
		}
	}

	sort.SliceStable(rep.Failed, func(i, j int) bool { return rep.Failed[i].ImageID < rep.Failed[j].ImageID })
	sort.SliceStable(rep.Warnings, func(i, j int) bool { return rep.Warnings[i].ImageID < rep.Warnings[j].ImageID })
	return rep
}

func writeReport(fsys fsutil.FileSystem, path string, rep *Report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}
	if err := fsys.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LoadReport reads a run report.
func LoadReport(fsys fsutil.FileSystem, path string) (*Report, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run report: %w", err)
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &rep, nil
}
