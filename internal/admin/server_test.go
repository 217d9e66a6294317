package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"regionsync/internal/agent"
	"regionsync/internal/domain"
	"regionsync/internal/metrics"
)

type fixedStatus struct {
	streams []agent.StreamStatus
	healthy bool
}

func (f fixedStatus) Status() []agent.StreamStatus { return f.streams }
func (f fixedStatus) Healthy() bool                { return f.healthy }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	require.Equal(t, http.StatusOK, get(t, NewRouter(fixedStatus{healthy: true}, nil), "/healthz").Code)
	require.Equal(t, http.StatusServiceUnavailable, get(t, NewRouter(fixedStatus{}, nil), "/healthz").Code)
}

func TestStatus(t *testing.T) {
	src := fixedStatus{healthy: true, streams: []agent.StreamStatus{{
		SourceRegion:   "iad",
		SubscriptionID: "sub-1",
		Position:       domain.StreamPosition{0: 12},
		QueueDepths:    []int{0, 3},
	}}}
	rec := get(t, NewRouter(src, nil), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Streams []agent.StreamStatus `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Streams, 1)
	require.Equal(t, "iad", body.Streams[0].SourceRegion)
	require.Equal(t, uint64(12), body.Streams[0].Position[0])
	require.Equal(t, []int{0, 3}, body.Streams[0].QueueDepths)
}

func TestMetricsExposesRegistry(t *testing.T) {
	metrics.ForRegion("iad").Retry("users", "transient")
	rec := get(t, NewRouter(fixedStatus{healthy: true}, nil), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "regionsync_stream_retries_total"))
}
