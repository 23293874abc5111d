package model_test

import (
	"testing"
	"time"

	"github.com/geopilot/geopilot/internal/model"

	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
		thenErr  bool
	}{
		{"hour", "PT1H", time.Hour, false},
		{"day and hours", "P1DT2H", 26 * time.Hour, false},
		{"week", "P2W", 14 * 24 * time.Hour, false},
		{"minutes", "PT90M", 90 * time.Minute, false},
		{"fraction", "PT1.5S", 1500 * time.Millisecond, false},
		{"comma", "PT0,25S", 250 * time.Millisecond, false},
		{"months", "P2M", 0, true},
		{"dangling T", "P2DT", 0, true},
		{"empty", "PT", 0, true},
		{"garbage", "1h", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := model.ParseISODuration(tc.given)
			if tc.thenErr {
				require.ErrorIs(t, err, model.ErrISOFormat)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
		thenErr  bool
	}{
		{"default", "", time.Minute, false},
		{"go", "90m", 90 * time.Minute, false},
		{"iso", "PT2H", 2 * time.Hour, false},
		{"iso lower case", "pt2h", 2 * time.Hour, false},
		{"zero", "0s", 0, true},
		{"negative", "-1h", 0, true},
		{"invalid", "soon", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := model.ParseDuration(tc.given, time.Minute)
			if tc.thenErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestParseCron(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
		thenErr  string
	}{
		{"every 15 minutes", "*/15 * * * *", 15 * time.Minute, ""},
		{"hourly", "@hourly", time.Hour, ""},
		{"every", "@every 5m", 5 * time.Minute, ""},
		{"empty", "", 0, "empty cron expression"},
		{"six fields", "0 */2 * * * *", 0, "expected exactly 5 fields, found 6: [0 */2 * * * *]"},
		{"out of range", "* * 32 * *", 0, "end of range (32) above maximum (31): 32"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := model.ParseCron(tc.given)
			if tc.thenErr != "" {
				require.EqualError(t, err, tc.thenErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}
