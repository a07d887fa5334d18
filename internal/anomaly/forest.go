package anomaly

import (
	"math"
	"math/rand"
)

// isolationForest is a fixed-seed isolation forest. Anomalies isolate in
// fewer random splits, so shorter average path lengths map to higher scores.
type isolationForest struct {
	trees     []*treeNode
	subsample int
}

type treeNode struct {
	splitDim int
	splitVal float64
	left     *treeNode
	right    *treeNode
	size     int // leaf only: number of samples that reached this node
}

// buildForest trains numTrees isolation trees over data, each on a random
// subsample of at most subsample rows. rng drives every random choice so the
// same training window always yields the same forest.
func buildForest(data [][]float64, numTrees, subsample int, rng *rand.Rand) *isolationForest {
	if subsample > len(data) {
		subsample = len(data)
	}
	heightLimit := int(math.Ceil(math.Log2(float64(subsample) + 1)))

	trees := make([]*treeNode, numTrees)
	for i := range trees {
		sample := make([][]float64, subsample)
		perm := rng.Perm(len(data))
		for j := 0; j < subsample; j++ {
			sample[j] = data[perm[j]]
		}
		trees[i] = buildTree(sample, 0, heightLimit, rng)
	}
	return &isolationForest{trees: trees, subsample: subsample}
}

func buildTree(data [][]float64, depth, heightLimit int, rng *rand.Rand) *treeNode {
	if len(data) <= 1 || depth >= heightLimit {
		return &treeNode{size: len(data)}
	}

	dim := len(data[0])
	// Try random dimensions until one with spread is found; all-constant
	// samples cannot be split further.
	for attempt := 0; attempt < dim; attempt++ {
		d := rng.Intn(dim)
		lo, hi := data[0][d], data[0][d]
		for _, row := range data[1:] {
			if row[d] < lo {
				lo = row[d]
			}
			if row[d] > hi {
				hi = row[d]
			}
		}
		if hi <= lo {
			continue
		}
		split := lo + rng.Float64()*(hi-lo)

		var left, right [][]float64
		for _, row := range data {
			if row[d] < split {
				left = append(left, row)
			} else {
				right = append(right, row)
			}
		}
		if len(left) == 0 || len(right) == 0 {
			continue
		}
		return &treeNode{
			splitDim: d,
			splitVal: split,
			left:     buildTree(left, depth+1, heightLimit, rng),
			right:    buildTree(right, depth+1, heightLimit, rng),
		}
	}
	return &treeNode{size: len(data)}
}

// score returns the anomaly score for one point, centered so that roughly
// normal points land below zero and isolated points above.
func (f *isolationForest) score(point []float64) float64 {
	var sum float64
	for _, t := range f.trees {
		sum += pathLength(t, point, 0)
	}
	avg := sum / float64(len(f.trees))
	s := math.Pow(2, -avg/avgPathLength(float64(f.subsample)))
	return s - 0.5
}

func pathLength(node *treeNode, point []float64, depth float64) float64 {
	if node.left == nil {
		if node.size > 1 {
			return depth + avgPathLength(float64(node.size))
		}
		return depth
	}
	if point[node.splitDim] < node.splitVal {
		return pathLength(node.left, point, depth+1)
	}
	return pathLength(node.right, point, depth+1)
}

// avgPathLength is the expected path length of an unsuccessful BST search in
// a tree of n nodes, the standard normalizer for isolation forests.
func avgPathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	const eulerGamma = 0.5772156649015329
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}
