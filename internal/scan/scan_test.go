package scan_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/geopilot/geopilot/internal/scan"

	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     bool
	}{
		{"ok", "http://clamav:8080", true},
		{"trailing slash", "http://clamav:8080/", true},
		{"no scheme", "clamav:8080", false},
		{"path", "http://clamav:8080/api", false},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := scan.NewClient(tc.given, time.Second)
			if tc.then {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestCheckFiles(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario    string
		status      int
		contentType string
		body        string
		then        scan.Result
		thenErr     string
	}{
		{
			scenario:    "clean",
			status:      http.StatusOK,
			contentType: "application/json",
			body:        `{"isClean": true}`,
			then:        scan.Result{Clean: true},
		},
		{
			scenario:    "threat",
			status:      http.StatusOK,
			contentType: "application/json; charset=utf-8",
			body:        `{"isClean": false, "threatDetails": "Eicar-Test-Signature"}`,
			then:        scan.Result{ThreatDetails: "Eicar-Test-Signature"},
		},
		{
			scenario:    "threat without details",
			status:      http.StatusOK,
			contentType: "application/json",
			body:        `{"isClean": false}`,
			then:        scan.Result{ThreatDetails: "threat detected"},
		},
		{
			scenario:    "problem",
			status:      http.StatusBadRequest,
			contentType: "application/problem+json",
			body:        `{"detail": "no such key"}`,
			thenErr:     "status code: 400, detail: no such key",
		},
		{
			scenario:    "server error",
			status:      http.StatusInternalServerError,
			contentType: "text/plain",
			body:        "boom",
			thenErr:     "unknown error, status: 500, body: boom",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			var got struct {
				Keys []string `json:"keys"`
			}
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/api/v1/check" {
					http.NotFound(w, r)
					return
				}
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.Header().Set("Content-Type", tc.contentType)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			t.Cleanup(srv.Close)

			c, err := scan.NewClient(srv.URL, time.Second)
			require.NoError(t, err)
			res, err := c.CheckFiles(t.Context(), []string{"uploads/a/first.xtf"})
			if tc.thenErr != "" {
				require.EqualError(t, err, tc.thenErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, res)
			require.Equal(t, []string{"uploads/a/first.xtf"}, got.Keys)
		})
	}
}

func TestNoop(t *testing.T) {
	t.Parallel()
	res, err := scan.Noop{}.CheckFiles(t.Context(), []string{"a"})
	require.NoError(t, err)
	require.True(t, res.Clean)
}
