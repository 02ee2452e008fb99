package markethours

import (
	"testing"
	"time"
)

func d(m time.Month, day, h, min int) time.Time {
	return time.Date(2026, m, day, h, min, 0, 0, IST)
}

func TestIsTradingDay(t *testing.T) {
	cases := []struct {
		ts   time.Time
		want bool
	}{
		{d(time.August, 21, 10, 0), true},   // Friday
		{d(time.August, 22, 10, 0), false},  // Saturday
		{d(time.August, 23, 10, 0), false},  // Sunday
		{d(time.November, 5, 10, 0), false}, // Diwali
		{d(time.January, 26, 10, 0), false}, // Republic Day
		{d(time.November, 4, 10, 0), true},  // Wednesday before Diwali
	}
	for _, tc := range cases {
		if got := IsTradingDay(tc.ts); got != tc.want {
			t.Errorf("IsTradingDay(%v) = %v, want %v", tc.ts, got, tc.want)
		}
	}
}

func TestIsMarketOpen_Boundaries(t *testing.T) {
	if IsMarketOpen(d(time.August, 21, 9, 14)) {
		t.Fatal("09:14 is before the open")
	}
	if !IsMarketOpen(d(time.August, 21, 9, 15)) {
		t.Fatal("09:15 is the open")
	}
	if !IsMarketOpen(d(time.August, 21, 15, 29)) {
		t.Fatal("15:29 is inside the session")
	}
	if IsMarketOpen(d(time.August, 21, 15, 30)) {
		t.Fatal("15:30 is the close")
	}
	if IsMarketOpen(d(time.August, 22, 12, 0)) {
		t.Fatal("weekend must be closed")
	}
}

func TestAtClock(t *testing.T) {
	base := d(time.August, 21, 9, 30)

	got, err := AtClock(base, "15:20")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(d(time.August, 21, 15, 20)) {
		t.Fatalf("AtClock = %v", got)
	}

	for _, bad := range []string{"", "25:00", "12:75", "noon"} {
		if _, err := AtClock(base, bad); err == nil {
			t.Errorf("AtClock(%q) must fail", bad)
		}
	}
}

func TestSessionClocks(t *testing.T) {
	base := d(time.August, 21, 11, 42)
	if !SessionOpen(base).Equal(d(time.August, 21, 9, 15)) {
		t.Fatal("session open")
	}
	if !SessionClose(base).Equal(d(time.August, 21, 15, 30)) {
		t.Fatal("session close")
	}
	if !DefaultSquareOff(base).Equal(d(time.August, 21, 15, 29)) {
		t.Fatal("default square-off")
	}
	if !SameTradingDay(base, d(time.August, 21, 15, 0)) {
		t.Fatal("same day")
	}
	if SameTradingDay(base, d(time.August, 24, 11, 42)) {
		t.Fatal("different day")
	}
}
