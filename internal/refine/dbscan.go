// Package refine clusters lifted 3D change points across a dataset and keeps
// only spatially corroborated changes.
package refine

import (
	"math"

	"github.com/banshee-data/scenechange/internal/scene"
)

// Noise is the DBSCAN label of points that belong to no cluster.
const Noise = -1

// estimatedPointsPerCell is used for initial spatial index capacity estimation.
const estimatedPointsPerCell = 4

type cellKey struct{ x, y, z int64 }

// SpatialIndex buckets points into a regular 3D grid so that neighbourhood
// queries only visit the 27 cells around a point. The cell size should match
// the DBSCAN eps.
type SpatialIndex struct {
	CellSize float64
	grid     map[cellKey][]int
}

// NewSpatialIndex creates an empty index with the given cell size.
func NewSpatialIndex(cellSize float64) *SpatialIndex {
	return &SpatialIndex{CellSize: cellSize, grid: make(map[cellKey][]int)}
}

// Build indexes points by position, replacing any previous content.
func (si *SpatialIndex) Build(points []scene.ChangePoint) {
	si.grid = make(map[cellKey][]int, len(points)/estimatedPointsPerCell+1)
	for i, p := range points {
		k := si.cellOf(p.Position)
		si.grid[k] = append(si.grid[k], i)
	}
}

func (si *SpatialIndex) cellOf(p scene.Point3) cellKey {
	return cellKey{
		x: int64(math.Floor(p.X / si.CellSize)),
		y: int64(math.Floor(p.Y / si.CellSize)),
		z: int64(math.Floor(p.Z / si.CellSize)),
	}
}

// RegionQuery returns the indices of all points within eps of points[idx],
// including idx itself, in ascending index order per cell.
func (si *SpatialIndex) RegionQuery(points []scene.ChangePoint, idx int, eps float64) []int {
	return si.AppendRegion(nil, points, idx, eps)
}

// AppendRegion is RegionQuery appending to dst, so callers can reuse one
// buffer across queries.
func (si *SpatialIndex) AppendRegion(dst []int, points []scene.ChangePoint, idx int, eps float64) []int {
	p := points[idx].Position
	base := si.cellOf(p)
	eps2 := eps * eps

	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			for dz := int64(-1); dz <= 1; dz++ {
				k := cellKey{base.x + dx, base.y + dy, base.z + dz}
				for _, j := range si.grid[k] {
					q := points[j].Position
					ddx, ddy, ddz := q.X-p.X, q.Y-p.Y, q.Z-p.Z
					if ddx*ddx+ddy*ddy+ddz*ddz <= eps2 {
						dst = append(dst, j)
					}
				}
			}
		}
	}
	return dst
}

// DBSCAN labels points by density-reachability using 3D Euclidean distance.
// A point is core when the summed weight of its eps-neighbourhood (itself
// included) reaches minSamples. Labels are 0..n-1 for clusters and Noise
// otherwise; n is the number of clusters found. Border points reachable from
// more than one cluster join the first cluster to reach them, so results
// depend on input order.
//
// A point is labelled when it is first reached and enters the expansion
// queue at most once, so memory stays linear in the number of points.
func DBSCAN(points []scene.ChangePoint, eps float64, minSamples int) (labels []int, n int) {
	if len(points) == 0 {
		return nil, 0
	}

	const unvisited = -2
	labels = make([]int, len(points))
	for i := range labels {
		labels[i] = unvisited
	}

	si := NewSpatialIndex(eps)
	si.Build(points)

	weight := func(idx []int) int {
		w := 0
		for _, j := range idx {
			w += points[j].EffectiveWeight()
		}
		return w
	}

	var (
		buf   []int
		queue []int
	)
	// claim labels the unclaimed members of a core neighbourhood and queues
	// the ones not yet expanded. Former noise points are border points.
	claim := func(neighbors []int, cluster int) {
		for _, j := range neighbors {
			switch labels[j] {
			case Noise:
				labels[j] = cluster
			case unvisited:
				labels[j] = cluster
				queue = append(queue, j)
			}
		}
	}

	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		buf = si.AppendRegion(buf[:0], points, i, eps)
		if weight(buf) < minSamples {
			labels[i] = Noise
			continue
		}

		cluster := n
		n++
		labels[i] = cluster

		queue = queue[:0]
		claim(buf, cluster)
		for q := 0; q < len(queue); q++ {
			buf = si.AppendRegion(buf[:0], points, queue[q], eps)
			if weight(buf) >= minSamples {
				claim(buf, cluster)
			}
		}
	}
	return labels, n
}
