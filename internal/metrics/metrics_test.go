package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstancesDoNotShareRegistries(t *testing.T) {
	a := NewMetrics("signaling")
	b := NewMetrics("signaling")

	a.RecordCallCreated("video")
	a.RecordCallCreated("video")
	b.RecordCallCreated("video")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.callsCreatedTotal.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.callsCreatedTotal.WithLabelValues("video")))
}

func TestSubscriptionGauge(t *testing.T) {
	m := NewMetrics("signaling")

	m.SubscriptionOpened("call")
	m.SubscriptionOpened("call")
	m.SubscriptionClosed("call")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscriptionsActive.WithLabelValues("call")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics("signaling")
	m.RecordStatus("accepted")

	router := gin.New()
	router.Use(m.Middleware())
	router.GET("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `call_status_transitions_total{service="signaling",status="accepted"} 1`)
}
