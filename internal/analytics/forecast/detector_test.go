package forecast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/orderwatch/internal/analytics/timeseries"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func series(origin string, values []float64) []timeseries.Bucket {
	buckets := make([]timeseries.Bucket, len(values))
	for i, v := range values {
		buckets[i] = timeseries.Bucket{
			WindowStart: start.Add(time.Duration(i) * time.Hour),
			Origin:      origin,
			CountSum:    int64(v),
		}
	}
	return buckets
}

func constant(n int, v float64) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = v
	}
	return values
}

func TestQuantile(t *testing.T) {
	assert.InDelta(t, 2.5758, Quantile(0.99), 1e-4)
	assert.InDelta(t, 1.9600, Quantile(0.95), 1e-4)
}

func TestForecastDetector_FlagsSingleDrop(t *testing.T) {
	values := constant(3*168, 100)
	values[300] = 10
	buckets := series("site", values)

	outcome, err := NewForecastDetector(time.Hour).Detect(buckets)
	require.NoError(t, err)
	assert.Empty(t, outcome.Skipped)
	require.Len(t, outcome.Results, len(buckets))

	for i, b := range buckets {
		res := outcome.Results[b.Key()]
		assert.Equal(t, i == 300, res.Anomalous, "bucket %d", i)
		assert.Less(t, res.Lower, res.Yhat)
		assert.Greater(t, res.Upper, res.Yhat)
	}
}

func TestForecastDetector_NoFlagsOnFlatSeries(t *testing.T) {
	buckets := series("site", constant(2*168, 42))

	outcome, err := NewForecastDetector(time.Hour).Detect(buckets)
	require.NoError(t, err)
	for _, res := range outcome.Results {
		assert.False(t, res.Anomalous)
		assert.InDelta(t, 42, res.Yhat, 1e-9)
	}
}

func TestForecastDetector_SpikesAreNotFlagged(t *testing.T) {
	values := constant(2*168, 100)
	values[200] = 400
	buckets := series("site", values)

	outcome, err := NewForecastDetector(time.Hour).Detect(buckets)
	require.NoError(t, err)
	assert.False(t, outcome.Results[buckets[200].Key()].Anomalous)
}

func TestForecastDetector_InsufficientHistory(t *testing.T) {
	buckets := series("site", constant(168+10, 100))

	outcome, err := NewForecastDetector(time.Hour).Detect(buckets)
	require.NoError(t, err)
	assert.Empty(t, outcome.Results)
	require.Contains(t, outcome.Skipped, "site")
	assert.ErrorIs(t, outcome.Skipped["site"], ErrInsufficientHistory)

	d := NewForecastDetector(time.Hour)
	d.MinPeriods = 1
	outcome, err = d.Detect(buckets)
	require.NoError(t, err)
	assert.Len(t, outcome.Results, len(buckets))
	assert.Empty(t, outcome.Skipped)
}

func TestForecastDetector_OriginSelection(t *testing.T) {
	site := series("site", constant(2*168, 100))
	marketplace := series("marketplace", constant(2*168, 80))
	manual := series("manual", constant(100, 30))
	buckets := append(append(append([]timeseries.Bucket{}, site...), marketplace...), manual...)

	t.Run("default forecasts site only", func(t *testing.T) {
		outcome, err := NewForecastDetector(time.Hour).Detect(buckets)
		require.NoError(t, err)
		assert.Len(t, outcome.Results, len(site))
		_, ok := outcome.Results[marketplace[0].Key()]
		assert.False(t, ok)
		assert.Empty(t, outcome.Skipped)
	})

	t.Run("wildcard forecasts every eligible origin", func(t *testing.T) {
		d := NewForecastDetector(time.Hour)
		d.Origins = []string{AllOrigins}
		outcome, err := d.Detect(buckets)
		require.NoError(t, err)
		assert.Len(t, outcome.Results, len(site)+len(marketplace))
		require.Len(t, outcome.Skipped, 1)
		assert.ErrorIs(t, outcome.Skipped["manual"], ErrInsufficientHistory)
	})

	t.Run("empty set forecasts nothing", func(t *testing.T) {
		d := NewForecastDetector(time.Hour)
		d.Origins = []string{}
		outcome, err := d.Detect(buckets)
		require.NoError(t, err)
		assert.Empty(t, outcome.Results)
		assert.Empty(t, outcome.Skipped)
	})

	t.Run("requested origin missing from batch", func(t *testing.T) {
		d := NewForecastDetector(time.Hour)
		d.Origins = []string{"site", "app", "site"}
		outcome, err := d.Detect(buckets)
		require.NoError(t, err)
		assert.Len(t, outcome.Results, len(site))
		assert.ErrorIs(t, outcome.Skipped["app"], ErrInsufficientHistory)
	})
}

func TestForecastDetector_ConfigErrors(t *testing.T) {
	buckets := series("site", constant(2*168, 100))

	d := NewForecastDetector(time.Hour)
	d.IntervalWidth = 1
	_, err := d.Detect(buckets)
	assert.Error(t, err)

	d = NewForecastDetector(time.Hour)
	d.MinPeriods = 0
	_, err = d.Detect(buckets)
	assert.Error(t, err)

	d = NewForecastDetector(7 * time.Hour)
	_, err = d.Detect(buckets)
	assert.ErrorIs(t, err, ErrUnsupportedWindow)
}

func TestForecastDetector_DailyWindowDropAtMinimumHistory(t *testing.T) {
	for _, at := range []int{0, 3, 10, 13} {
		values := constant(14, 100)
		values[at] = 10
		buckets := make([]timeseries.Bucket, len(values))
		for i, v := range values {
			buckets[i] = timeseries.Bucket{
				WindowStart: start.AddDate(0, 0, i),
				Origin:      "site",
				CountSum:    int64(v),
			}
		}

		outcome, err := NewForecastDetector(24 * time.Hour).Detect(buckets)
		require.NoError(t, err)
		require.Len(t, outcome.Results, len(buckets))
		for i, b := range buckets {
			assert.Equal(t, i == at, outcome.Results[b.Key()].Anomalous, "drop at %d, bucket %d", at, i)
		}
	}
}
