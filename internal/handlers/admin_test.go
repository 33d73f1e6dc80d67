package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumen/internal/exporter"
)

type fakeSource struct {
	stats  exporter.Stats
	closed bool
}

func (f *fakeSource) Stats() exporter.Stats { return f.stats }
func (f *fakeSource) Closed() bool          { return f.closed }

func newTestHandler(src *fakeSource) http.Handler {
	h := NewAdminHandler(src)
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		closed     bool
		wantStatus int
		wantBody   string
	}{
		{name: "running", wantStatus: http.StatusOK, wantBody: "healthy"},
		{name: "stopped", closed: true, wantStatus: http.StatusServiceUnavailable, wantBody: "stopped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{
				closed: tt.closed,
				stats:  exporter.Stats{Buffered: 4, Storage: &exporter.StorageStats{Batches: 2}},
			}
			rec := httptest.NewRecorder()
			newTestHandler(src).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantBody, resp.Status)
			assert.Equal(t, "2026-03-01T12:00:00Z", resp.Timestamp)
			assert.Equal(t, 4, resp.Buffered)
			assert.Equal(t, 2, resp.Stored)
		})
	}
}

func TestStats(t *testing.T) {
	src := &fakeSource{stats: exporter.Stats{Records: 10, Accepted: 7, Stored: 3}}
	rec := httptest.NewRecorder()
	newTestHandler(src).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.EqualValues(t, 10, got["records"])
	assert.EqualValues(t, 7, got["accepted"])
	assert.EqualValues(t, 3, got["stored"])
	assert.NotContains(t, got, "storage")
}

func TestAdminRejectsNonGet(t *testing.T) {
	for _, path := range []string{"/health", "/stats"} {
		rec := httptest.NewRecorder()
		newTestHandler(&fakeSource{}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}
