package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, batchRunsTotal)
	require.NotNil(t, lookupsTotal)
}

func TestObservers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(batchItemsTotal.WithLabelValues("failed"))
	ObserveItems("failed", 3)
	ObserveItems("failed", 0)
	require.InDelta(t, before+3, testutil.ToFloat64(batchItemsTotal.WithLabelValues("failed")), 0.001)

	runs := testutil.ToFloat64(batchRunsTotal.WithLabelValues("completed"))
	ObserveBatchRun("completed")
	require.InDelta(t, runs+1, testutil.ToFloat64(batchRunsTotal.WithLabelValues("completed")), 0.001)

	SetBatchActive(true)
	require.InDelta(t, 1, testutil.ToFloat64(batchActive), 0.001)
	SetBatchActive(false)
	require.InDelta(t, 0, testutil.ToFloat64(batchActive), 0.001)

	ObserveLookup("found", 2)
	ObserveLoginTransition("authenticated")
	ObserveNotification("updated", "sent")
	require.Positive(t, testutil.CollectAndCount(lookupCandidates))
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/progress", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ok := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	notFound := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))

	for _, path := range []string{"/v1/progress", "/missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, ok+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")), 0.001)
	require.InDelta(t, notFound+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")), 0.001)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
