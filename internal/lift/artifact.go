package lift

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/scenechange/internal/fsutil"
	"github.com/banshee-data/scenechange/internal/scene"
)

// PointsFileName is the artifact holding the pre-refinement change points.
const PointsFileName = "change_detection_result_3d.json"

// WritePoints writes points as a JSON array, replacing any previous file.
func WritePoints(fsys fsutil.FileSystem, path string, points []scene.ChangePoint) error {
	if points == nil {
		points = []scene.ChangePoint{}
	}
	data, err := json.MarshalIndent(points, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal change points: %w", err)
	}
	if err := fsys.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LoadPoints reads a change point artifact.
func LoadPoints(fsys fsutil.FileSystem, path string) ([]scene.ChangePoint, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read change points: %w", err)
	}
	var points []scene.ChangePoint
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return points, nil
}
