package refine

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/scenechange/internal/monitoring"
	"github.com/banshee-data/scenechange/internal/scene"
)

// ErrInvalidParams marks unusable clustering parameters. It wraps
// scene.ErrConfig so callers treat it as fatal before any work starts.
var ErrInvalidParams = fmt.Errorf("%w: invalid clustering parameters", scene.ErrConfig)

// Params configures a Refiner.
type Params struct {
	Eps        float64 // neighbourhood radius in meters
	MinSamples int     // neighbourhood weight that makes a point core
	MinSupport int     // clusters with fewer members are discarded; 0 means MinSamples
	// SeparateClasses clusters each detection class on its own.
	SeparateClasses bool
}

// Validate rejects non-positive eps and min samples, and a min support below
// min samples. A cluster lighter than MinSamples could not re-form as a core
// point when its centroid is clustered again.
func (p Params) Validate() error {
	if !(p.Eps > 0) || math.IsInf(p.Eps, 0) {
		return fmt.Errorf("%w: eps must be positive, got %v", ErrInvalidParams, p.Eps)
	}
	if p.MinSamples < 1 {
		return fmt.Errorf("%w: min samples must be positive, got %d", ErrInvalidParams, p.MinSamples)
	}
	if p.MinSupport < 0 {
		return fmt.Errorf("%w: min support must be non-negative, got %d", ErrInvalidParams, p.MinSupport)
	}
	if p.MinSupport != 0 && p.MinSupport < p.MinSamples {
		return fmt.Errorf("%w: min support %d is below min samples %d", ErrInvalidParams, p.MinSupport, p.MinSamples)
	}
	return nil
}

// minSupport is the smallest member count a reported cluster may have; zero
// MinSupport means MinSamples.
func (p Params) minSupport() int {
	if p.MinSupport == 0 {
		return p.MinSamples
	}
	return p.MinSupport
}

// Refiner turns dataset-wide change points into change clusters.
type Refiner struct {
	params Params
	logger *monitoring.Logger
}

// NewRefiner validates params and creates a Refiner. logger may be nil.
func NewRefiner(params Params, logger *monitoring.Logger) (*Refiner, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Refiner{params: params, logger: logger}, nil
}

type partitionKey struct {
	kind  scene.Kind
	class string
}

// Refine clusters points and returns the supported clusters ordered by
// descending member count, then centroid, then kind and class. Points of
// different kinds never share a cluster. Clusters whose centroids end up
// within eps of each other are merged so the output is stable when its
// centroids are refined again.
func (r *Refiner) Refine(points []scene.ChangePoint) ([]scene.ChangeCluster, error) {
	partitions := make(map[partitionKey][]scene.ChangePoint)
	dropped := 0
	for _, p := range points {
		if !finitePoint(p.Position) {
			dropped++
			continue
		}
		if p.Kind != scene.KindAppeared && p.Kind != scene.KindDisappeared {
			return nil, fmt.Errorf("refine: point from image %q has kind %s", p.ImageID, p.Kind)
		}
		k := partitionKey{kind: p.Kind}
		if r.params.SeparateClasses {
			k.class = p.ClassID
		}
		partitions[k] = append(partitions[k], p)
	}
	if dropped > 0 {
		r.logger.Diagf("refine: dropped %d points with non-finite positions", dropped)
	}

	keys := make([]partitionKey, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].class < keys[j].class
	})

	support := r.params.minSupport()
	clusters := []scene.ChangeCluster{}
	for _, k := range keys {
		pts := partitions[k]
		sortPoints(pts)
		found := r.clusterPartition(pts)
		kept := 0
		for _, c := range found {
			if c.MemberCount < support {
				continue
			}
			clusters = append(clusters, c)
			kept++
		}
		r.logger.Diagf("refine: %s/%q: %d points, %d clusters, %d supported",
			k.kind, k.class, len(pts), len(found), kept)
	}

	sortClusters(clusters)
	for i := range clusters {
		clusters[i].ID = i + 1
	}
	r.logger.Opsf("refine: %d points -> %d clusters", len(points), len(clusters))
	return clusters, nil
}

// clusterPartition runs DBSCAN over one single-kind partition and then merges
// clusters whose centroids lie within eps until none do.
func (r *Refiner) clusterPartition(pts []scene.ChangePoint) []scene.ChangeCluster {
	labels, n := DBSCAN(pts, r.params.Eps, r.params.MinSamples)
	if n == 0 {
		return nil
	}

	uf := newUnionFind(n)
	for {
		clusters := buildClusters(pts, labels, uf)
		merged := false
		eps2 := r.params.Eps * r.params.Eps
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				if dist2(clusters[i].Centroid, clusters[j].Centroid) <= eps2 {
					uf.union(clusters[i].ID, clusters[j].ID)
					merged = true
				}
			}
		}
		if !merged {
			return clusters
		}
	}
}

// buildClusters aggregates points by the union-find root of their label.
// The returned clusters carry the root label in ID.
func buildClusters(pts []scene.ChangePoint, labels []int, uf *unionFind) []scene.ChangeCluster {
	members := make(map[int][]int)
	var roots []int
	for i, l := range labels {
		if l == Noise {
			continue
		}
		root := uf.find(l)
		if _, ok := members[root]; !ok {
			roots = append(roots, root)
		}
		members[root] = append(members[root], i)
	}
	sort.Ints(roots)

	out := make([]scene.ChangeCluster, 0, len(roots))
	for _, root := range roots {
		c := computeClusterMetrics(pts, members[root])
		c.ID = root
		out = append(out, c)
	}
	return out
}

// computeClusterMetrics computes the weighted centroid, extent, member count,
// max confidence, dominant class and supporting images of a cluster.
func computeClusterMetrics(pts []scene.ChangePoint, idx []int) scene.ChangeCluster {
	first := pts[idx[0]]
	c := scene.ChangeCluster{
		Kind: first.Kind,
		Min:  first.Position,
		Max:  first.Position,
	}

	var sumX, sumY, sumZ float64
	classWeight := make(map[string]int)
	images := make(map[string]struct{})
	for _, i := range idx {
		p := pts[i]
		w := p.EffectiveWeight()
		c.MemberCount += w
		sumX += p.Position.X * float64(w)
		sumY += p.Position.Y * float64(w)
		sumZ += p.Position.Z * float64(w)

		c.Min.X = math.Min(c.Min.X, p.Position.X)
		c.Min.Y = math.Min(c.Min.Y, p.Position.Y)
		c.Min.Z = math.Min(c.Min.Z, p.Position.Z)
		c.Max.X = math.Max(c.Max.X, p.Position.X)
		c.Max.Y = math.Max(c.Max.Y, p.Position.Y)
		c.Max.Z = math.Max(c.Max.Z, p.Position.Z)

		if p.Confidence > c.Confidence {
			c.Confidence = p.Confidence
		}
		classWeight[p.ClassID] += w
		if p.ImageID != "" {
			images[p.ImageID] = struct{}{}
		}
	}

	n := float64(c.MemberCount)
	c.Centroid = scene.Point3{X: sumX / n, Y: sumY / n, Z: sumZ / n}

	best := -1
	for class, w := range classWeight {
		if w > best || (w == best && class < c.ClassID) {
			best, c.ClassID = w, class
		}
	}

	c.ImageIDs = make([]string, 0, len(images))
	for id := range images {
		c.ImageIDs = append(c.ImageIDs, id)
	}
	sort.Strings(c.ImageIDs)
	return c
}

// PointsFromClusters represents each cluster as one point at its centroid
// weighted by its member count. Refining these points with the same params
// reproduces the same clusters.
func PointsFromClusters(clusters []scene.ChangeCluster) []scene.ChangePoint {
	out := make([]scene.ChangePoint, 0, len(clusters))
	for _, c := range clusters {
		p := scene.ChangePoint{
			Position:   c.Centroid,
			Kind:       c.Kind,
			ClassID:    c.ClassID,
			Confidence: c.Confidence,
			Weight:     c.MemberCount,
		}
		if len(c.ImageIDs) > 0 {
			p.ImageID = c.ImageIDs[0]
		}
		out = append(out, p)
	}
	return out
}

// sortPoints orders points canonically so clustering does not depend on the
// order images finished lifting.
func sortPoints(pts []scene.ChangePoint) {
	sort.SliceStable(pts, func(i, j int) bool {
		a, b := pts[i], pts[j]
		if a.Position != b.Position {
			return a.Position.Less(b.Position)
		}
		if a.ImageID != b.ImageID {
			return a.ImageID < b.ImageID
		}
		if a.ClassID != b.ClassID {
			return a.ClassID < b.ClassID
		}
		if a.Pixel != b.Pixel {
			if a.Pixel.Y != b.Pixel.Y {
				return a.Pixel.Y < b.Pixel.Y
			}
			return a.Pixel.X < b.Pixel.X
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.EffectiveWeight() > b.EffectiveWeight()
	})
}

func sortClusters(cs []scene.ChangeCluster) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.MemberCount != b.MemberCount {
			return a.MemberCount > b.MemberCount
		}
		if a.Centroid != b.Centroid {
			return a.Centroid.Less(b.Centroid)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.ClassID < b.ClassID
	})
}

func dist2(a, b scene.Point3) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return dx*dx + dy*dy + dz*dz
}

func finitePoint(p scene.Point3) bool {
	for _, v := range [3]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

type unionFind struct{ parent []int }

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

// union links the larger root under the smaller one so roots stay the lowest
// label of their set.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}
