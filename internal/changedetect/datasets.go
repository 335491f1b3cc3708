package changedetect

import (
	"fmt"

	"github.com/banshee-data/scenechange/internal/fsutil"
	"github.com/banshee-data/scenechange/internal/scene"
)

var (
	// ErrDatasetCount is returned when the datasets root does not hold exactly
	// two dataset directories.
	ErrDatasetCount = fmt.Errorf("%w: expected exactly two dataset directories", scene.ErrConfig)
	// ErrAmbiguousDatasets is returned when neither dataset directory carries
	// the configured before name.
	ErrAmbiguousDatasets = fmt.Errorf("%w: cannot tell before from after", scene.ErrConfig)
)

// ResolveDatasets finds the before and after dataset directories under root.
// Hidden entries and plain files are ignored.
func ResolveDatasets(fsys fsutil.FileSystem, root, beforeName string) (scene.Datasets, error) {
	entries, err := fsys.ReadDir(root)
	if err != nil {
		return scene.Datasets{}, fmt.Errorf("%w: list datasets root: %v", scene.ErrConfig, err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() && e.Name()[0] != '.' {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) != 2 {
		return scene.Datasets{}, fmt.Errorf("%w: found %d in %s %v", ErrDatasetCount, len(dirs), root, dirs)
	}

	switch beforeName {
	case dirs[0]:
		return scene.Datasets{Root: root, Before: dirs[0], After: dirs[1]}, nil
	case dirs[1]:
		return scene.Datasets{Root: root, Before: dirs[1], After: dirs[0]}, nil
	}
	return scene.Datasets{}, fmt.Errorf("%w: neither %q nor %q is named %q", ErrAmbiguousDatasets, dirs[0], dirs[1], beforeName)
}
