package forecast

import (
	"errors"
	"math"
	"testing"
	"time"
)

// weeklyPattern is an hourly series with a daily sine cycle and a 30% weekend lift.
func weeklyPattern(weeks int) []float64 {
	data := make([]float64, weeks*168)
	for t := range data {
		v := 100 + 20*math.Sin(2*math.Pi*float64(t%24)/24)
		if (t/24)%7 >= 5 {
			v *= 1.3
		}
		data[t] = v
	}
	return data
}

func TestNewModel_Periods(t *testing.T) {
	tests := []struct {
		window       time.Duration
		daily, weeky int
	}{
		{time.Hour, 24, 168},
		{30 * time.Minute, 48, 336},
		{5 * time.Minute, 288, 2016},
		{24 * time.Hour, 1, 7},
	}
	for _, tt := range tests {
		m, err := NewModel(tt.window, DefaultParams())
		if err != nil {
			t.Fatalf("NewModel(%s): %v", tt.window, err)
		}
		if m.DailyPeriod != tt.daily || m.WeeklyPeriod != tt.weeky {
			t.Errorf("NewModel(%s) periods = %d/%d, want %d/%d",
				tt.window, m.DailyPeriod, m.WeeklyPeriod, tt.daily, tt.weeky)
		}
	}
}

func TestNewModel_Rejects(t *testing.T) {
	for _, w := range []time.Duration{0, 7 * time.Hour, 48 * time.Hour} {
		if _, err := NewModel(w, DefaultParams()); !errors.Is(err, ErrUnsupportedWindow) {
			t.Errorf("window %s: expected ErrUnsupportedWindow, got %v", w, err)
		}
	}

	bad := DefaultParams()
	bad.Omega = 1.5
	if _, err := NewModel(time.Hour, bad); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}
}

func TestModel_ExactOnPeriodicSeries(t *testing.T) {
	data := weeklyPattern(3)
	m, _ := NewModel(time.Hour, DefaultParams())

	fit, err := m.Fit(data)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if len(fit.Fitted) != len(data) {
		t.Fatalf("expected %d fitted values, got %d", len(data), len(fit.Fitted))
	}
	for i, r := range fit.Residuals {
		if math.Abs(r) > 1e-9 {
			t.Fatalf("residual %d = %g, want ~0", i, r)
		}
	}
	// Floor is 1e-6 * (1 + mean|y|).
	if fit.StdError <= 0 || fit.StdError > 1e-3 {
		t.Errorf("expected floored std error, got %g", fit.StdError)
	}
}

func TestModel_DailyWindow(t *testing.T) {
	data := make([]float64, 21)
	for i := range data {
		data[i] = 100
		if i%7 >= 5 {
			data[i] = 130
		}
	}
	m, err := NewModel(24*time.Hour, DefaultParams())
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	fit, err := m.Fit(data)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	for i, r := range fit.Residuals {
		if math.Abs(r) > 1e-9 {
			t.Errorf("residual %d = %g, want ~0", i, r)
		}
	}
}

func TestModel_InsufficientHistory(t *testing.T) {
	m, _ := NewModel(time.Hour, DefaultParams())
	_, err := m.Fit(make([]float64, 100))
	if !errors.Is(err, ErrInsufficientHistory) {
		t.Errorf("expected ErrInsufficientHistory, got %v", err)
	}
}

func TestModel_TracksLevelShift(t *testing.T) {
	data := weeklyPattern(4)
	for i := 2 * 168; i < len(data); i++ {
		data[i] += 50
	}
	m, _ := NewModel(time.Hour, DefaultParams())
	fit, err := m.Fit(data)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// Right after the shift the model under-predicts; a week later it has adapted.
	first := math.Abs(fit.Residuals[2*168])
	last := math.Abs(fit.Residuals[len(data)-1])
	if last >= first/5 {
		t.Errorf("residual should shrink after the shift: first %f, last %f", first, last)
	}
}

func TestFit_Bounds(t *testing.T) {
	fit := &Fit{Fitted: []float64{10, 20}, StdError: 2}
	lower, upper := fit.Bounds(1.5)
	want := [][2]float64{{7, 13}, {17, 23}}
	for i := range want {
		if lower[i] != want[i][0] || upper[i] != want[i][1] {
			t.Errorf("bounds[%d] = (%f, %f), want %v", i, lower[i], upper[i], want[i])
		}
	}
}

func TestModel_TwoWeekSlotIgnoresExtremeSample(t *testing.T) {
	data := make([]float64, 14)
	for i := range data {
		data[i] = 100
		if i%7 >= 5 {
			data[i] = 130
		}
	}
	data[9] = 10

	m, err := NewModel(24*time.Hour, DefaultParams())
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	fit, err := m.Fit(data)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if math.Abs(fit.Fitted[9]-100) > 1e-9 {
		t.Errorf("yhat at drop = %g, want 100", fit.Fitted[9])
	}
	if math.Abs(fit.Fitted[5]-130) > 1e-9 {
		t.Errorf("yhat on saturday = %g, want 130", fit.Fitted[5])
	}
}
