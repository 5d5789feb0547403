package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"
)

// IsolationTree represents a single tree in the Isolation Forest
type IsolationTree struct {
	splitFeature int
	splitValue   float64
	left         *IsolationTree
	right        *IsolationTree
	size         int
	isLeaf       bool
}

// IsolationForest implements the Isolation Forest algorithm for anomaly detection
type IsolationForest struct {
	trees         []*IsolationTree
	numTrees      int
	subSampleSize int
	maxDepth      int
	// sampleSize is the subsample actually drawn, min(subSampleSize, len(data)).
	sampleSize int
	rng        *rand.Rand
}

// DataPoint represents a multi-dimensional data point
type DataPoint struct {
	Features  []float64
	Label     string    // Optional label for debugging
	Timestamp time.Time // Optional timestamp for time-series use
}

// AnomalyResult contains the anomaly score and details
type AnomalyResult struct {
	Score      float64 // 0.0 to 1.0, higher = more anomalous
	PathLength float64
	Severity   Severity
}

// NewIsolationForest creates a new Isolation Forest with specified parameters.
// All randomness is drawn from rng; a nil rng uses DefaultSeed.
// A maxDepth <= 0 selects ceil(log2(subSampleSize)).
func NewIsolationForest(numTrees, subSampleSize, maxDepth int, rng *rand.Rand) *IsolationForest {
	if numTrees <= 0 {
		numTrees = DefaultNumTrees
	}
	if subSampleSize <= 0 {
		subSampleSize = DefaultSampleSize
	}
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth(subSampleSize)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(DefaultSeed))
	}
	return &IsolationForest{
		trees:         make([]*IsolationTree, 0, numTrees),
		numTrees:      numTrees,
		subSampleSize: subSampleSize,
		maxDepth:      maxDepth,
		rng:           rng,
	}
}

func defaultMaxDepth(sampleSize int) int {
	if sampleSize < 2 {
		return 1
	}
	return int(math.Ceil(math.Log2(float64(sampleSize))))
}

// Fit trains the Isolation Forest on the given data
func (f *IsolationForest) Fit(data []DataPoint) error {
	f.trees = f.trees[:0]
	if len(data) == 0 {
		return nil
	}
	if err := checkFeatures(data); err != nil {
		return err
	}

	f.sampleSize = f.subSampleSize
	if f.sampleSize > len(data) {
		f.sampleSize = len(data)
	}

	for i := 0; i < f.numTrees; i++ {
		sample := f.sampleData(data)
		f.trees = append(f.trees, f.buildTree(sample, 0))
	}

	return nil
}

func checkFeatures(data []DataPoint) error {
	dim := len(data[0].Features)
	if dim == 0 {
		return fmt.Errorf("%w: point 0 has no features", ErrInvalidFeatures)
	}
	for i, p := range data {
		if len(p.Features) != dim {
			return fmt.Errorf("%w: point %d has %d features, want %d", ErrInvalidFeatures, i, len(p.Features), dim)
		}
		for j, v := range p.Features {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: point %d feature %d is %v", ErrInvalidFeatures, i, j, v)
			}
		}
	}
	return nil
}

// Predict calculates the anomaly score for a single data point
func (f *IsolationForest) Predict(point DataPoint) AnomalyResult {
	if len(f.trees) == 0 {
		return AnomalyResult{Score: 0.5, Severity: SeverityLow}
	}

	totalPathLength := 0.0
	for _, tree := range f.trees {
		totalPathLength += f.pathLength(tree, point, 0)
	}
	avgPathLength := totalPathLength / float64(len(f.trees))

	// score = 2^(-E[h(x)] / c(n)), c(n) being the average path length of an
	// unsuccessful BST search over the subsample size.
	score := 0.5
	if c := f.averagePathLength(f.sampleSize); c > 0 {
		score = math.Pow(2, -avgPathLength/c)
	}

	return AnomalyResult{
		Score:      score,
		PathLength: avgPathLength,
		Severity:   scoreSeverity(score),
	}
}

// scoreSeverity maps anomaly score to a severity level.
func scoreSeverity(score float64) Severity {
	if score > 0.85 {
		return SeverityCritical
	} else if score > 0.75 {
		return SeverityHigh
	} else if score > 0.65 {
		return SeverityMedium
	}
	return SeverityLow
}

// sampleData randomly samples a subset of data
func (f *IsolationForest) sampleData(data []DataPoint) []DataPoint {
	// Fisher-Yates shuffle and take first sampleSize elements
	shuffled := make([]DataPoint, len(data))
	copy(shuffled, data)

	for i := len(shuffled) - 1; i > 0; i-- {
		j := f.rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	return shuffled[:f.sampleSize]
}

// buildTree recursively builds an isolation tree
func (f *IsolationForest) buildTree(data []DataPoint, depth int) *IsolationTree {
	if len(data) <= 1 || depth >= f.maxDepth || f.allIdentical(data) {
		return &IsolationTree{
			size:   len(data),
			isLeaf: true,
		}
	}

	// Randomly select a feature and split value
	numFeatures := len(data[0].Features)
	splitFeature := f.rng.Intn(numFeatures)

	minVal, maxVal := f.getFeatureRange(data, splitFeature)
	splitValue := minVal + f.rng.Float64()*(maxVal-minVal)

	left, right := f.splitData(data, splitFeature, splitValue)

	// A constant feature leaves one side empty; retry at the same depth so the
	// tree does not stop early on a feature that cannot separate anything.
	if len(left) == 0 || len(right) == 0 {
		if minVal == maxVal {
			return f.buildTree(data, depth)
		}
		return &IsolationTree{
			size:   len(data),
			isLeaf: true,
		}
	}

	return &IsolationTree{
		splitFeature: splitFeature,
		splitValue:   splitValue,
		left:         f.buildTree(left, depth+1),
		right:        f.buildTree(right, depth+1),
		size:         len(data),
		isLeaf:       false,
	}
}

// pathLength calculates the path length for a data point in a tree
func (f *IsolationForest) pathLength(tree *IsolationTree, point DataPoint, currentDepth int) float64 {
	if tree.isLeaf {
		// Add average path length for remaining points in leaf
		return float64(currentDepth) + f.averagePathLength(tree.size)
	}

	if point.Features[tree.splitFeature] < tree.splitValue {
		return f.pathLength(tree.left, point, currentDepth+1)
	}
	return f.pathLength(tree.right, point, currentDepth+1)
}

// averagePathLength calculates the average path length of unsuccessful search in BST
func (f *IsolationForest) averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}

	// c(n) = 2H(n-1) - (2(n-1)/n)
	return 2*f.harmonicNumber(n-1) - (2 * float64(n-1) / float64(n))
}

// harmonicNumber approximates H(n) ≈ ln(n) + γ
func (f *IsolationForest) harmonicNumber(n int) float64 {
	return math.Log(float64(n)) + 0.5772156649
}

// allIdentical checks if all data points are identical
func (f *IsolationForest) allIdentical(data []DataPoint) bool {
	if len(data) <= 1 {
		return true
	}

	first := data[0].Features
	for i := 1; i < len(data); i++ {
		for j := range first {
			if math.Abs(data[i].Features[j]-first[j]) > 1e-10 {
				return false
			}
		}
	}
	return true
}

// getFeatureRange gets min and max values for a feature
func (f *IsolationForest) getFeatureRange(data []DataPoint, feature int) (float64, float64) {
	minVal := data[0].Features[feature]
	maxVal := data[0].Features[feature]

	for _, point := range data {
		val := point.Features[feature]
		if val < minVal {
			minVal = val
		}
		if val > maxVal {
			maxVal = val
		}
	}

	return minVal, maxVal
}

// splitData splits data based on feature and split value
func (f *IsolationForest) splitData(data []DataPoint, feature int, splitValue float64) ([]DataPoint, []DataPoint) {
	left := make([]DataPoint, 0, len(data)/2)
	right := make([]DataPoint, 0, len(data)/2)

	for _, point := range data {
		if point.Features[feature] < splitValue {
			left = append(left, point)
		} else {
			right = append(right, point)
		}
	}

	return left, right
}

// BatchPredict predicts anomaly scores for multiple data points
func (f *IsolationForest) BatchPredict(points []DataPoint) []AnomalyResult {
	results := make([]AnomalyResult, len(points))
	for i, point := range points {
		results[i] = f.Predict(point)
	}
	return results
}

// TopK returns the indices of the k highest-scoring results, highest first.
// Ties keep input order.
func TopK(results []AnomalyResult, k int) []int {
	idx := make([]int, len(results))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return results[idx[a]].Score > results[idx[b]].Score
	})
	if k > len(idx) {
		k = len(idx)
	}
	if k < 0 {
		k = 0
	}
	return idx[:k]
}
