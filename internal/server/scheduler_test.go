package server

import (
	"testing"
	"time"
)

func TestIsDue(t *testing.T) {
	now := time.Now()
	recent := now.Add(-10 * time.Minute)
	yesterday := now.Add(-25 * time.Hour)
	twoHours := now.Add(-2 * time.Hour)

	cases := []struct {
		name string
		cron string
		last *time.Time
		want bool
	}{
		{"daily never ran", "@daily", nil, true},
		{"daily ran recently", "@daily", &recent, false},
		{"daily ran yesterday", "@daily", &yesterday, true},
		{"hourly ran recently", "@hourly", &recent, false},
		{"hourly two hours ago", "@hourly", &twoHours, true},
		{"cron never ran", "0 * * * *", nil, true},
		{"cron due", "*/5 * * * *", &twoHours, true},
		{"invalid falls back to daily", "not-a-cron", &recent, false},
		{"invalid never ran", "not-a-cron", nil, true},
	}
	for _, tc := range cases {
		if got := isDue(tc.cron, tc.last); got != tc.want {
			t.Errorf("%s: isDue(%q) = %v, want %v", tc.name, tc.cron, got, tc.want)
		}
	}
}
