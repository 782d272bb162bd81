package indexer

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:        srv.URL,
		FailThreshold:  5,
		OpenWindow:     time.Minute,
		HalfOpenProbes: 3,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     2,
	}, slog.New(slog.DiscardHandler))
}

func TestTriggerBuildAndStatus(t *testing.T) {
	shadowID := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/builds", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /v1/builds/"+shadowID.String(), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"shadow_id":"` + shadowID.String() + `","state":"building","progress_pct":42.5,"record_count":1000}`))
	})
	c := testClient(t, mux)

	require.NoError(t, c.TriggerBuild(t.Context(), BuildRequest{
		ShadowID: shadowID, Branch: "main", IndexType: "search", TargetPath: "/tmp/x",
	}))

	status, err := c.Status(t.Context(), shadowID)
	require.NoError(t, err)
	assert.Equal(t, "building", status.State)
	assert.InDelta(t, 42.5, status.ProgressPct, 0.001)
}

func TestServerErrorsRetry(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.TriggerBuild(t.Context(), BuildRequest{ShadowID: uuid.New()}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsDoNotRetry(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	err := c.TriggerBuild(t.Context(), BuildRequest{ShadowID: uuid.New()})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	// Each call retries twice (3 attempts); two calls push consecutive
	// failures past the threshold of 5.
	_ = c.TriggerBuild(t.Context(), BuildRequest{ShadowID: uuid.New()})
	_ = c.TriggerBuild(t.Context(), BuildRequest{ShadowID: uuid.New()})

	err := c.Healthy(t.Context())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.LessOrEqual(t, calls.Load(), int32(6))
}
