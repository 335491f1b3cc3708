package refine

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/scenechange/internal/fsutil"
	"github.com/banshee-data/scenechange/internal/scene"
)

// Artifact names written next to the change detection result.
const (
	ClustersFileName = "refined_change_detection_result_3d.json"
	PointsPlotName   = "change_points.svg"
	ClustersPlotName = "refined_change_points.svg"
)

// WriteClusters writes clusters as a JSON array, replacing any previous file.
func WriteClusters(fsys fsutil.FileSystem, path string, clusters []scene.ChangeCluster) error {
	if clusters == nil {
		clusters = []scene.ChangeCluster{}
	}
	data, err := json.MarshalIndent(clusters, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal clusters: %w", err)
	}
	if err := fsys.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LoadClusters reads a cluster artifact.
func LoadClusters(fsys fsutil.FileSystem, path string) ([]scene.ChangeCluster, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read clusters: %w", err)
	}
	var clusters []scene.ChangeCluster
	if err := json.Unmarshal(data, &clusters); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return clusters, nil
}
