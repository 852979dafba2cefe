package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_RecordsEvents(t *testing.T) {
	p := NewPrometheus()

	p.RunCompleted("success", 2*time.Second)
	p.RunCompleted("skipped", time.Millisecond)
	p.RunCompleted("success", time.Second)
	p.RecordsWritten(4200)
	p.RecordsWritten(0)
	p.RetryAttempt("api")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.runs.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.runs.WithLabelValues("skipped")))
	assert.Equal(t, 4200.0, testutil.ToFloat64(p.records))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.retries.WithLabelValues("api")))
}

func TestPrometheus_Handler(t *testing.T) {
	p := NewPrometheus()
	p.RunCompleted("error", time.Second)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `kabuka_ingest_runs_total{status="error"} 1`)
}

func TestFrom_DefaultsToNoop(t *testing.T) {
	assert.IsType(t, Noop{}, From(context.Background()))

	p := NewPrometheus()
	ctx := WithRecorder(context.Background(), p)
	assert.Same(t, p, From(ctx))
}
