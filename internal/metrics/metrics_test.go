package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics("collabsync", "test")

	m.RecordSync("success", "merge", 5*time.Millisecond)
	m.RecordSync("invalid_version", "", 0)
	m.RecordConflict("auto_resolved")
	m.RecordConflict("auto_resolved")
	m.RecordLock("lock", "held")
	m.RecordEvent("document_change", true)
	m.RecordJob(false)
	m.SetWSConnections(3, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncTotal.WithLabelValues("success", "merge")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("auto_resolved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockOpsTotal.WithLabelValues("lock", "held")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("dropped")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.WSActiveConnections))
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	// 每个实例使用独立 registry, 重复创建不会冲突
	a := NewMetrics("collabsync", "test")
	b := NewMetrics("collabsync", "test")

	a.RecordOperation("insert")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.OperationsTotal.WithLabelValues("insert")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.OperationsTotal.WithLabelValues("insert")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("collabsync", "test")
	c := NewCollector(m, zaptest.NewLogger(t))
	c.Start()
	defer c.Stop()

	m.RecordHTTPRequest("GET", "/api/v1/documents/:id", "200", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "collabsync_test_http_requests_total"))
	assert.True(t, strings.Contains(body, "collabsync_test_goroutines"))
}
