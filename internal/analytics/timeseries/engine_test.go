package timeseries

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, 1, 1, hour, minute, 0, 0, time.UTC)
}

func TestNewAggregator_InvalidWindow(t *testing.T) {
	for _, w := range []time.Duration{0, -time.Hour} {
		_, err := NewAggregator(w)
		require.ErrorIs(t, err, ErrInvalidWindowSize)
	}

	_, err := Aggregate([]Observation{{Timestamp: at(1, 0), Origin: "site", Count: 1}}, 0)
	assert.ErrorIs(t, err, ErrInvalidWindowSize)
}

func TestAggregate_ZeroFillsSharedTimeline(t *testing.T) {
	obs := []Observation{
		{Timestamp: at(10, 5), Origin: "site", Count: 1},
		{Timestamp: at(10, 30), Origin: "site", Count: 1},
		{Timestamp: at(12, 10), Origin: "site", Count: 3},
		{Timestamp: at(11, 59), Origin: "manual", Count: 2},
	}

	buckets, err := Aggregate(obs, time.Hour)
	require.NoError(t, err)
	require.Len(t, buckets, 6)

	got := make(map[Key]int64)
	for _, b := range buckets {
		got[b.Key()] = b.CountSum
	}
	key := func(origin string, hour int) Key {
		return Key{Origin: origin, Start: at(hour, 0).UnixNano()}
	}

	assert.Equal(t, int64(2), got[key("site", 10)])
	assert.Equal(t, int64(0), got[key("site", 11)])
	assert.Equal(t, int64(3), got[key("site", 12)])
	assert.Equal(t, int64(0), got[key("manual", 10)])
	assert.Equal(t, int64(2), got[key("manual", 11)])
	assert.Equal(t, int64(0), got[key("manual", 12)])

	// ordered by window start, then origin
	assert.Equal(t, "manual", buckets[0].Origin)
	assert.Equal(t, at(10, 0), buckets[0].WindowStart)
	assert.Equal(t, "site", buckets[5].Origin)
	assert.Equal(t, at(12, 0), buckets[5].WindowStart)
}

func TestAggregate_LeftClosedWindows(t *testing.T) {
	obs := []Observation{
		{Timestamp: at(10, 0), Origin: "site", Count: 1},
		{Timestamp: at(10, 59).Add(59 * time.Second), Origin: "site", Count: 1},
		{Timestamp: at(11, 0), Origin: "site", Count: 1},
	}
	buckets, err := Aggregate(obs, time.Hour)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, int64(2), buckets[0].CountSum)
	assert.Equal(t, int64(1), buckets[1].CountSum)
}

func TestAggregate_SumConservation(t *testing.T) {
	var obs []Observation
	totals := map[string]int64{}
	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 500; i++ {
		origin := []string{"site", "marketplace", "manual"}[i%3]
		count := int64(i % 7)
		obs = append(obs, Observation{
			Timestamp: start.Add(time.Duration(i*13) * time.Minute),
			Origin:    origin,
			Count:     count,
		})
		totals[origin] += count
	}

	buckets, err := Aggregate(obs, 5*time.Minute)
	require.NoError(t, err)

	sums := map[string]int64{}
	for _, b := range buckets {
		assert.GreaterOrEqual(t, b.CountSum, int64(0))
		sums[b.Origin] += b.CountSum
	}
	assert.Equal(t, totals, sums)

	series := GroupByOrigin(buckets)
	require.Len(t, series, 3)
	n := len(series["site"])
	for _, s := range series {
		assert.Len(t, s, n, "every origin covers the same timeline")
		for i := 1; i < len(s); i++ {
			assert.Equal(t, 5*time.Minute, s[i].WindowStart.Sub(s[i-1].WindowStart))
		}
	}
}

func TestAggregator_RejectsNegativeCount(t *testing.T) {
	agg, err := NewAggregator(time.Hour)
	require.NoError(t, err)

	require.NoError(t, agg.Add(Observation{Timestamp: at(1, 0), Origin: "site", Count: 4}))
	err = agg.Add(Observation{Timestamp: at(1, 0), Origin: "site", Count: -1})
	assert.ErrorIs(t, err, ErrNegativeCount)
	assert.Equal(t, 1, agg.Len())
	assert.Equal(t, 1, agg.Observations())
}

func TestAggregator_Empty(t *testing.T) {
	agg, err := NewAggregator(time.Hour)
	require.NoError(t, err)
	assert.Empty(t, agg.Buckets())
	assert.Empty(t, Origins(agg.Buckets()))
}

func TestAggregator_LimitedBuckets(t *testing.T) {
	agg, err := NewAggregator(time.Minute)
	require.NoError(t, err)
	require.NoError(t, agg.Add(Observation{
		Timestamp: time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC), Origin: "site", Count: 1,
	}))
	require.NoError(t, agg.Add(Observation{
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Origin: "manual", Count: 1,
	}))

	steps := int64(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Sub(time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC))/time.Minute) + 1
	assert.Equal(t, 2*steps, agg.BucketCount())

	buckets, err := agg.LimitedBuckets(1_000_000)
	assert.ErrorIs(t, err, ErrTooManyBuckets)
	assert.Nil(t, buckets)

	small, err := NewAggregator(time.Hour)
	require.NoError(t, err)
	require.NoError(t, small.Add(Observation{Timestamp: at(1, 0), Origin: "site", Count: 1}))
	require.NoError(t, small.Add(Observation{Timestamp: at(4, 0), Origin: "manual", Count: 1}))
	assert.Equal(t, int64(8), small.BucketCount())

	buckets, err = small.LimitedBuckets(8)
	require.NoError(t, err)
	assert.Len(t, buckets, 8)

	_, err = small.LimitedBuckets(7)
	assert.ErrorIs(t, err, ErrTooManyBuckets)

	buckets, err = small.LimitedBuckets(0)
	require.NoError(t, err)
	assert.Len(t, buckets, 8)

	empty, err := NewAggregator(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, empty.BucketCount())
}

func TestOrigins(t *testing.T) {
	buckets := []Bucket{{Origin: "site"}, {Origin: "manual"}, {Origin: "site"}}
	assert.Equal(t, []string{"manual", "site"}, Origins(buckets))
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"1h", time.Hour, false},
		{"5min", 5 * time.Minute, false},
		{"10min", 10 * time.Minute, false},
		{"30m", 30 * time.Minute, false},
		{"1d", 24 * time.Hour, false},
		{"2d", 48 * time.Hour, false},
		{"H", time.Hour, false},
		{"soon", 0, true},
		{"xmin", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseWindow(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidWindowSize)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalendarOf(t *testing.T) {
	// 2024-01-01 was a Monday.
	c := CalendarOf(time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), nil)
	assert.Equal(t, Calendar{Hour: 13, Weekday: 0, Day: 1}, c)
	assert.False(t, c.IsWeekend())

	sunday := CalendarOf(time.Date(2024, 1, 7, 23, 0, 0, 0, time.UTC), nil)
	assert.Equal(t, 6, sunday.Weekday)
	assert.True(t, sunday.IsWeekend())

	// 02:00 UTC Monday is 23:00 Sunday in Sao Paulo (UTC-3).
	loc := time.FixedZone("BRT", -3*3600)
	local := CalendarOf(time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC), loc)
	assert.Equal(t, Calendar{Hour: 23, Weekday: 6, Day: 31}, local)
}
