package ml

import (
	"math"
	"math/rand"
	"testing"
)

func seeded(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func TestIsolationForest_Basic(t *testing.T) {
	normalData := []DataPoint{
		{Features: []float64{1.0, 2.0}},
		{Features: []float64{1.1, 2.1}},
		{Features: []float64{0.9, 1.9}},
		{Features: []float64{1.2, 2.2}},
		{Features: []float64{0.8, 1.8}},
		{Features: []float64{1.0, 2.0}},
		{Features: []float64{1.1, 2.0}},
		{Features: []float64{0.9, 2.1}},
	}

	forest := NewIsolationForest(50, 8, 10, seeded(1))
	if err := forest.Fit(normalData); err != nil {
		t.Fatalf("Failed to fit model: %v", err)
	}

	normalResult := forest.Predict(DataPoint{Features: []float64{1.0, 2.0}})
	anomalousResult := forest.Predict(DataPoint{Features: []float64{10.0, 20.0}})

	if anomalousResult.Score <= normalResult.Score {
		t.Errorf("Anomaly score (%f) should be higher than normal score (%f)",
			anomalousResult.Score, normalResult.Score)
	}
	if anomalousResult.PathLength >= normalResult.PathLength {
		t.Errorf("Anomaly path (%f) should be shorter than normal path (%f)",
			anomalousResult.PathLength, normalResult.PathLength)
	}
}

func TestIsolationForest_SingleDimension(t *testing.T) {
	data := []DataPoint{
		{Features: []float64{1.0}},
		{Features: []float64{2.0}},
		{Features: []float64{1.5}},
		{Features: []float64{2.5}},
		{Features: []float64{1.8}},
	}

	forest := NewIsolationForest(10, 3, 5, seeded(2))
	if err := forest.Fit(data); err != nil {
		t.Fatalf("Failed to fit model: %v", err)
	}

	normal := forest.Predict(DataPoint{Features: []float64{2.0}})
	outlier := forest.Predict(DataPoint{Features: []float64{100.0}})

	if outlier.Score <= normal.Score {
		t.Errorf("Outlier score (%f) should be higher than normal score (%f)",
			outlier.Score, normal.Score)
	}
}

func TestIsolationForest_Deterministic(t *testing.T) {
	data := make([]DataPoint, 300)
	r := seeded(7)
	for i := range data {
		data[i] = DataPoint{Features: []float64{r.NormFloat64(), r.NormFloat64(), float64(i % 24)}}
	}

	score := func(seed int64) []AnomalyResult {
		forest := NewIsolationForest(20, 64, 0, seeded(seed))
		_ = forest.Fit(data)
		return forest.BatchPredict(data)
	}

	a, b, c := score(42), score(42), score(43)
	same := true
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("point %d: same seed produced %v and %v", i, a[i], b[i])
		}
		if a[i] != c[i] {
			same = false
		}
	}
	if same {
		t.Error("different seeds should produce different scores")
	}
}

func TestIsolationForest_EmptyData(t *testing.T) {
	forest := NewIsolationForest(10, 5, 10, nil)

	if err := forest.Fit([]DataPoint{}); err != nil {
		t.Errorf("Fit with empty data should not error: %v", err)
	}

	result := forest.Predict(DataPoint{Features: []float64{1.0}})
	if result.Score != 0.5 {
		t.Errorf("Untrained forest should score 0.5, got %f", result.Score)
	}
}

func TestIsolationForest_IdenticalPoints(t *testing.T) {
	data := []DataPoint{
		{Features: []float64{1.0, 1.0}},
		{Features: []float64{1.0, 1.0}},
		{Features: []float64{1.0, 1.0}},
	}

	forest := NewIsolationForest(10, 3, 5, seeded(3))
	_ = forest.Fit(data)

	same := forest.Predict(DataPoint{Features: []float64{1.0, 1.0}})
	different := forest.Predict(DataPoint{Features: []float64{5.0, 5.0}})

	// Every tree is a single leaf, so no point can be told apart.
	if different.Score != same.Score {
		t.Errorf("single-leaf forest should score all points alike: %f vs %f", different.Score, same.Score)
	}
}

func TestIsolationForest_ConstantFeatureDoesNotStopSplitting(t *testing.T) {
	data := make([]DataPoint, 64)
	for i := range data {
		data[i] = DataPoint{Features: []float64{7, float64(i)}}
	}

	forest := NewIsolationForest(30, 64, 0, seeded(4))
	_ = forest.Fit(data)

	for _, tree := range forest.trees {
		if tree.isLeaf {
			t.Fatal("root should split on the varying feature")
		}
		if tree.splitFeature != 1 {
			t.Fatalf("split on constant feature %d", tree.splitFeature)
		}
	}
}

func TestIsolationForest_AveragePathLength(t *testing.T) {
	forest := NewIsolationForest(10, 5, 10, nil)

	tests := []struct {
		n        int
		expected float64
	}{
		{1, 0},
		{2, 1},
		{10, 3.75},
		{256, 10.24},
	}

	for _, tt := range tests {
		result := forest.averagePathLength(tt.n)
		if math.Abs(result-tt.expected) > 0.05 {
			t.Errorf("averagePathLength(%d) = %f (expected ~%f)", tt.n, result, tt.expected)
		}
	}
}

func TestIsolationForest_DefaultDepth(t *testing.T) {
	forest := NewIsolationForest(0, 0, 0, nil)
	if forest.numTrees != DefaultNumTrees || forest.subSampleSize != DefaultSampleSize {
		t.Errorf("defaults not applied: %d trees, %d samples", forest.numTrees, forest.subSampleSize)
	}
	if forest.maxDepth != 8 {
		t.Errorf("expected maxDepth 8 for 256 samples, got %d", forest.maxDepth)
	}
}

func TestTopK(t *testing.T) {
	results := []AnomalyResult{{Score: 0.4}, {Score: 0.9}, {Score: 0.6}, {Score: 0.9}, {Score: 0.1}}

	got := TopK(results, 3)
	want := []int{1, 3, 2}
	if len(got) != len(want) {
		t.Fatalf("expected %d indices, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("TopK[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	if n := len(TopK(results, 10)); n != len(results) {
		t.Errorf("k larger than input should return all, got %d", n)
	}
	if n := len(TopK(results, 0)); n != 0 {
		t.Errorf("k=0 should return none, got %d", n)
	}
}

func BenchmarkIsolationForest_Fit(b *testing.B) {
	data := make([]DataPoint, 1000)
	for i := range data {
		data[i] = DataPoint{
			Features: []float64{
				float64(i % 100),
				float64((i * 2) % 100),
			},
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		forest := NewIsolationForest(100, 256, 0, seeded(int64(i)))
		_ = forest.Fit(data)
	}
}

func BenchmarkIsolationForest_Predict(b *testing.B) {
	data := make([]DataPoint, 1000)
	for i := range data {
		data[i] = DataPoint{
			Features: []float64{
				float64(i % 100),
				float64((i * 2) % 100),
			},
		}
	}

	forest := NewIsolationForest(100, 256, 0, seeded(1))
	_ = forest.Fit(data)

	testPoint := DataPoint{Features: []float64{50.0, 50.0}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		forest.Predict(testPoint)
	}
}
