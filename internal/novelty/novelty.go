// Package novelty scores candidate environments by their distance to the archive.
package novelty

import (
	"math"
	"slices"

	"github.com/verystrongjoe/poet/internal/niche"
)

// DefaultK is the neighbour count used when admitting children.
const DefaultK = 5

// VsArchive is the k-nearest-neighbour novelty scorer over EnvConfig.Vector.
type VsArchive struct{}

func (VsArchive) Name() string { return "knn_euclidean" }

// NoveltyVsArchive returns the mean Euclidean distance from candidate to its k nearest
// archive entries. An empty archive scores 0; fewer than k entries averages all of them.
func (VsArchive) NoveltyVsArchive(archive []niche.EnvConfig, candidate niche.EnvConfig, k int) float64 {
	if len(archive) == 0 || k < 1 {
		return 0
	}
	c := candidate.Vector()
	dists := make([]float64, len(archive))
	for i, env := range archive {
		dists[i] = distance(c, env.Vector())
	}
	slices.Sort(dists)
	k = min(k, len(dists))
	var sum float64
	for _, d := range dists[:k] {
		sum += d
	}
	return sum / float64(k)
}

func distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
