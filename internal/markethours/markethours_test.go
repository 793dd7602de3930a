package markethours

import (
	"testing"
	"time"

	"pivot-signals/internal/model"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestLastTradingDay(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"wednesday", utc(2025, 6, 4, 23, 3), utc(2025, 6, 4, 0, 0)},
		{"saturday", utc(2025, 6, 7, 10, 0), utc(2025, 6, 6, 0, 0)},
		{"sunday", utc(2025, 6, 8, 23, 3), utc(2025, 6, 6, 0, 0)},
		{"christmas thursday", utc(2025, 12, 25, 23, 3), utc(2025, 12, 24, 0, 0)},
		{"new year after weekend", utc(2023, 1, 1, 12, 0), utc(2022, 12, 30, 0, 0)},
	}
	for _, tt := range tests {
		if got := LastTradingDay(tt.in); !got.Equal(tt.want) {
			t.Errorf("%s: LastTradingDay(%v) = %v, want %v", tt.name, tt.in, got, tt.want)
		}
	}
}

func TestPreviousTradingDay(t *testing.T) {
	// Monday -> Friday
	got := PreviousTradingDay(utc(2025, 6, 9, 1, 0))
	if want := utc(2025, 6, 6, 0, 0); !got.Equal(want) {
		t.Fatalf("PreviousTradingDay = %v, want %v", got, want)
	}
}

func TestCalcWindow(t *testing.T) {
	tests := []struct {
		s    model.Session
		now  time.Time
		want bool
	}{
		{model.SessionClassic, utc(2025, 6, 4, 23, 3), true},
		{model.SessionClassic, utc(2025, 6, 4, 23, 2), false},
		{model.SessionClassic, utc(2025, 6, 4, 23, 59), true},
		{model.SessionAsia, utc(2025, 6, 4, 4, 3), true},
		{model.SessionAsia, utc(2025, 6, 4, 5, 3), false},
		{model.SessionEurope, utc(2025, 6, 4, 13, 10), true},
		{model.SessionEurope, utc(2025, 6, 4, 12, 59), false},
	}
	for _, tt := range tests {
		if got := IsCalcWindow(tt.s, tt.now); got != tt.want {
			t.Errorf("IsCalcWindow(%s, %v) = %v, want %v", tt.s, tt.now, got, tt.want)
		}
	}

	if got, want := CalcMoment(model.SessionEurope, utc(2025, 6, 4, 0, 0)), utc(2025, 6, 4, 13, 3); !got.Equal(want) {
		t.Errorf("CalcMoment europe = %v, want %v", got, want)
	}
}

func TestWindow(t *testing.T) {
	now := utc(2025, 6, 4, 13, 3)
	from, to := Window(model.SessionEurope, now)
	if !from.Equal(utc(2025, 6, 4, 4, 0)) || !to.Equal(utc(2025, 6, 4, 13, 0)) {
		t.Errorf("europe window = [%v, %v)", from, to)
	}
	from, to = Window(model.SessionAsia, now)
	if !from.Equal(utc(2025, 6, 4, 0, 0)) || !to.Equal(utc(2025, 6, 4, 4, 0)) {
		t.Errorf("asia window = [%v, %v)", from, to)
	}
	from, to = Window(model.SessionClassic, utc(2025, 6, 7, 23, 3))
	if !from.Equal(utc(2025, 6, 6, 0, 0)) || !to.Equal(utc(2025, 6, 7, 0, 0)) {
		t.Errorf("classic window on saturday = [%v, %v)", from, to)
	}
}

func TestProfile(t *testing.T) {
	tests := map[int]string{0: "asia", 3: "asia", 4: "europe", 12: "europe", 13: "us", 22: "us", 23: "us"}
	for h, want := range tests {
		if got := Profile(utc(2025, 6, 4, h, 30)); got != want {
			t.Errorf("Profile(%02dh) = %s, want %s", h, got, want)
		}
	}
}

func TestNextCalc(t *testing.T) {
	s, at := NextCalc(utc(2025, 6, 4, 5, 0))
	if s != model.SessionEurope || !at.Equal(utc(2025, 6, 4, 13, 3)) {
		t.Errorf("NextCalc at 05:00 = %s %v", s, at)
	}
	s, at = NextCalc(utc(2025, 6, 4, 23, 30))
	if s != model.SessionAsia || !at.Equal(utc(2025, 6, 5, 4, 3)) {
		t.Errorf("NextCalc at 23:30 = %s %v", s, at)
	}
}
