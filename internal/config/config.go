package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"github.com/banshee-data/scenechange/internal/scene"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/scenechange.defaults.json"

// Lift strategies accepted by lift_strategy.
const (
	LiftStrategyCenter = "center"
	LiftStrategyBox    = "box"
)

// Config is the run configuration. Every field is optional in the JSON file;
// the Get* accessors supply defaults for fields that are not set.
type Config struct {
	// Datasets and outputs
	DatasetsPath *string `json:"datasets_path,omitempty"`
	ResultsPath  *string `json:"results_path,omitempty"`
	BeforeName   *string `json:"before_name,omitempty"`
	DBPath       *string `json:"db_path,omitempty"` // empty disables the run ledger

	// Loaders
	DetectionLoader  *string `json:"detection_loader,omitempty"`
	RefinementLoader *string `json:"refinement_loader,omitempty"`
	ImageWidth       *int    `json:"image_width,omitempty"`  // fallback when the image cannot be decoded
	ImageHeight      *int    `json:"image_height,omitempty"` // fallback when the image cannot be decoded

	// Matching
	MinIoU        *float64 `json:"min_iou,omitempty"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`
	Workers       *int     `json:"workers,omitempty"` // 0 means runtime.NumCPU()

	// Lifting
	LiftStrategy          *string `json:"lift_strategy,omitempty"`
	BoxSampleStride       *int    `json:"box_sample_stride,omitempty"`
	MaxPointsPerDetection *int    `json:"max_points_per_detection,omitempty"`
	MinDepthConfidence    *int    `json:"min_depth_confidence,omitempty"`

	// Clustering
	ClusterEps        *float64 `json:"cluster_eps,omitempty"`
	ClusterMinSamples *int     `json:"cluster_min_samples,omitempty"`
	ClusterMinSupport *int     `json:"cluster_min_support,omitempty"`
	SeparateClasses   *bool    `json:"separate_classes,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyConfig returns a Config with all fields set to nil.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig loads a Config from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("%w: config file must have .json extension, got %q", scene.ErrConfig, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", scene.ErrConfig, fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config JSON: %v", scene.ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/<pkg>/
		"../../../" + DefaultConfigPath, // from cmd/scenechange/ nested runs
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Merge copies every field set in other onto c. Used to layer CLI flags over
// the file configuration.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	mergeString(&c.DatasetsPath, other.DatasetsPath)
	mergeString(&c.ResultsPath, other.ResultsPath)
	mergeString(&c.BeforeName, other.BeforeName)
	mergeString(&c.DBPath, other.DBPath)
	mergeString(&c.DetectionLoader, other.DetectionLoader)
	mergeString(&c.RefinementLoader, other.RefinementLoader)
	mergeInt(&c.ImageWidth, other.ImageWidth)
	mergeInt(&c.ImageHeight, other.ImageHeight)
	mergeFloat(&c.MinIoU, other.MinIoU)
	mergeFloat(&c.MinConfidence, other.MinConfidence)
	mergeInt(&c.Workers, other.Workers)
	mergeString(&c.LiftStrategy, other.LiftStrategy)
	mergeInt(&c.BoxSampleStride, other.BoxSampleStride)
	mergeInt(&c.MaxPointsPerDetection, other.MaxPointsPerDetection)
	mergeInt(&c.MinDepthConfidence, other.MinDepthConfidence)
	mergeFloat(&c.ClusterEps, other.ClusterEps)
	mergeInt(&c.ClusterMinSamples, other.ClusterMinSamples)
	mergeInt(&c.ClusterMinSupport, other.ClusterMinSupport)
	if other.SeparateClasses != nil {
		c.SeparateClasses = ptrBool(*other.SeparateClasses)
	}
}

func mergeString(dst **string, src *string) {
	if src != nil {
		*dst = ptrString(*src)
	}
}

func mergeInt(dst **int, src *int) {
	if src != nil {
		*dst = ptrInt(*src)
	}
}

func mergeFloat(dst **float64, src *float64) {
	if src != nil {
		*dst = ptrFloat64(*src)
	}
}

// Validate checks that the configuration values are valid. All failures wrap
// scene.ErrConfig.
func (c *Config) Validate() error {
	if c.BeforeName != nil && *c.BeforeName == "" {
		return fmt.Errorf("%w: before_name must not be empty", scene.ErrConfig)
	}
	if c.MinIoU != nil {
		if v := *c.MinIoU; math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: min_iou must be between 0 and 1, got %f", scene.ErrConfig, v)
		}
	}
	if c.MinConfidence != nil {
		if v := *c.MinConfidence; math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: min_confidence must be between 0 and 1, got %f", scene.ErrConfig, v)
		}
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("%w: workers must be non-negative, got %d", scene.ErrConfig, *c.Workers)
	}
	if c.LiftStrategy != nil {
		switch *c.LiftStrategy {
		case LiftStrategyCenter, LiftStrategyBox:
		default:
			return fmt.Errorf("%w: lift_strategy must be %q or %q, got %q",
				scene.ErrConfig, LiftStrategyCenter, LiftStrategyBox, *c.LiftStrategy)
		}
	}
	if c.BoxSampleStride != nil && *c.BoxSampleStride < 1 {
		return fmt.Errorf("%w: box_sample_stride must be at least 1, got %d", scene.ErrConfig, *c.BoxSampleStride)
	}
	if c.MaxPointsPerDetection != nil && *c.MaxPointsPerDetection < 0 {
		return fmt.Errorf("%w: max_points_per_detection must be non-negative, got %d", scene.ErrConfig, *c.MaxPointsPerDetection)
	}
	if c.MinDepthConfidence != nil && (*c.MinDepthConfidence < 0 || *c.MinDepthConfidence > 255) {
		return fmt.Errorf("%w: min_depth_confidence must be between 0 and 255, got %d", scene.ErrConfig, *c.MinDepthConfidence)
	}
	if c.ClusterEps != nil {
		if v := *c.ClusterEps; math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("%w: cluster_eps must be positive, got %f", scene.ErrConfig, v)
		}
	}
	if c.ClusterMinSamples != nil && *c.ClusterMinSamples < 1 {
		return fmt.Errorf("%w: cluster_min_samples must be positive, got %d", scene.ErrConfig, *c.ClusterMinSamples)
	}
	if c.ClusterMinSupport != nil && *c.ClusterMinSupport < 1 {
		return fmt.Errorf("%w: cluster_min_support must be positive, got %d", scene.ErrConfig, *c.ClusterMinSupport)
	}
	if c.ClusterMinSupport != nil && *c.ClusterMinSupport < c.GetClusterMinSamples() {
		return fmt.Errorf("%w: cluster_min_support %d is below cluster_min_samples %d",
			scene.ErrConfig, *c.ClusterMinSupport, c.GetClusterMinSamples())
	}
	if c.ImageWidth != nil && *c.ImageWidth < 0 {
		return fmt.Errorf("%w: image_width must be non-negative, got %d", scene.ErrConfig, *c.ImageWidth)
	}
	if c.ImageHeight != nil && *c.ImageHeight < 0 {
		return fmt.Errorf("%w: image_height must be non-negative, got %d", scene.ErrConfig, *c.ImageHeight)
	}
	return nil
}

// GetDatasetsPath returns the datasets root or the default.
func (c *Config) GetDatasetsPath() string {
	if c.DatasetsPath == nil {
		return "data/datasets"
	}
	return *c.DatasetsPath
}

// GetResultsPath returns the results directory or the default.
func (c *Config) GetResultsPath() string {
	if c.ResultsPath == nil {
		return "data/results"
	}
	return *c.ResultsPath
}

// GetBeforeName returns the name of the "before" dataset directory.
func (c *Config) GetBeforeName() string {
	if c.BeforeName == nil {
		return "before"
	}
	return *c.BeforeName
}

// GetDBPath returns the run ledger path. Empty disables the ledger.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

// GetDetectionLoader returns the object-detection loader id.
func (c *Config) GetDetectionLoader() string {
	if c.DetectionLoader == nil {
		return "yolo"
	}
	return *c.DetectionLoader
}

// GetRefinementLoader returns the refinement loader id.
func (c *Config) GetRefinementLoader() string {
	if c.RefinementLoader == nil {
		return "arkit_ue5"
	}
	return *c.RefinementLoader
}

// GetImageSize returns the fallback image size. Zero means unknown.
func (c *Config) GetImageSize() (int, int) {
	w, h := 0, 0
	if c.ImageWidth != nil {
		w = *c.ImageWidth
	}
	if c.ImageHeight != nil {
		h = *c.ImageHeight
	}
	return w, h
}

// GetMinIoU returns the minimum overlap for a match.
func (c *Config) GetMinIoU() float64 {
	if c.MinIoU == nil {
		return 0.5
	}
	return *c.MinIoU
}

// GetMinConfidence returns the detection confidence floor.
func (c *Config) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 0
	}
	return *c.MinConfidence
}

// GetWorkers returns the worker pool size, resolving 0 to the CPU count.
func (c *Config) GetWorkers() int {
	if c.Workers == nil || *c.Workers == 0 {
		return runtime.NumCPU()
	}
	return *c.Workers
}

// GetLiftStrategy returns the lift strategy.
func (c *Config) GetLiftStrategy() string {
	if c.LiftStrategy == nil {
		return LiftStrategyCenter
	}
	return *c.LiftStrategy
}

// GetBoxSampleStride returns the pixel stride for the box strategy.
func (c *Config) GetBoxSampleStride() int {
	if c.BoxSampleStride == nil {
		return 4
	}
	return *c.BoxSampleStride
}

// GetMaxPointsPerDetection returns the per-detection point cap. Zero means no cap.
func (c *Config) GetMaxPointsPerDetection() int {
	if c.MaxPointsPerDetection == nil {
		return 256
	}
	return *c.MaxPointsPerDetection
}

// GetMinDepthConfidence returns the minimum depth confidence value.
func (c *Config) GetMinDepthConfidence() int {
	if c.MinDepthConfidence == nil {
		return 0
	}
	return *c.MinDepthConfidence
}

// GetClusterEps returns the clustering neighbourhood radius in meters.
func (c *Config) GetClusterEps() float64 {
	if c.ClusterEps == nil {
		return 0.5
	}
	return *c.ClusterEps
}

// GetClusterMinSamples returns the core-point neighbour count.
func (c *Config) GetClusterMinSamples() int {
	if c.ClusterMinSamples == nil {
		return 10
	}
	return *c.ClusterMinSamples
}

// GetClusterMinSupport returns the minimum cluster member count.
func (c *Config) GetClusterMinSupport() int {
	if c.ClusterMinSupport == nil {
		return c.GetClusterMinSamples()
	}
	return *c.ClusterMinSupport
}

// GetSeparateClasses reports whether clustering is done per class.
func (c *Config) GetSeparateClasses() bool {
	if c.SeparateClasses == nil {
		return false
	}
	return *c.SeparateClasses
}
