// Package loader adapts on-disk dataset layouts to the detection records,
// depth maps and camera parameters the pipeline consumes.
package loader

import (
	"fmt"
	"sort"

	"github.com/banshee-data/scenechange/internal/fsutil"
	"github.com/banshee-data/scenechange/internal/lift"
	"github.com/banshee-data/scenechange/internal/scene"
)

// ObjectDetectionLoader reads saved detector output for one dataset.
type ObjectDetectionLoader interface {
	// ImagePaths lists the images of a dataset directory.
	ImagePaths(dataset string) ([]string, error)
	// LabelPaths lists the detection files of a dataset directory.
	LabelPaths(dataset string) ([]string, error)
	// ReadLabels parses one detection file into pixel-space detections.
	ReadLabels(path string) ([]scene.Detection, error)
	// ImageID maps an image or label path to its image identifier.
	ImageID(path string) string
}

// RefinementLoader supplies per-image depth maps and camera parameters.
type RefinementLoader interface {
	lift.FrameSource
}

// Options carries the dependencies shared by all loader implementations.
type Options struct {
	FS fsutil.FileSystem
	// FallbackWidth and FallbackHeight are used when an image's dimensions
	// cannot be read from the file itself.
	FallbackWidth  int
	FallbackHeight int
}

func (o Options) fs() fsutil.FileSystem {
	if o.FS == nil {
		return fsutil.OSFileSystem{}
	}
	return o.FS
}

type (
	detectionFactory  func(Options) ObjectDetectionLoader
	refinementFactory func(Options) RefinementLoader
)

var detectionLoaders = map[string]detectionFactory{
	"yolo": func(o Options) ObjectDetectionLoader { return NewYOLOLoader(o) },
}

var refinementLoaders = map[string]refinementFactory{
	"arkit_ue5": func(o Options) RefinementLoader { return NewArkitUE5Loader(o) },
}

// NewObjectDetectionLoader returns the registered loader for id.
// Unknown ids are configuration errors.
func NewObjectDetectionLoader(id string, opts Options) (ObjectDetectionLoader, error) {
	f, ok := detectionLoaders[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown detection loader %q (known: %v)", scene.ErrConfig, id, DetectionLoaderIDs())
	}
	return f(opts), nil
}

// NewRefinementLoader returns the registered loader for id.
// Unknown ids are configuration errors.
func NewRefinementLoader(id string, opts Options) (RefinementLoader, error) {
	f, ok := refinementLoaders[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown refinement loader %q (known: %v)", scene.ErrConfig, id, RefinementLoaderIDs())
	}
	return f(opts), nil
}

// DetectionLoaderIDs lists registered detection loader ids.
func DetectionLoaderIDs() []string { return sortedKeys(detectionLoaders) }

// RefinementLoaderIDs lists registered refinement loader ids.
func RefinementLoaderIDs() []string { return sortedKeys(refinementLoaders) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
