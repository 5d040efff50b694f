package metrics_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/signal-consensus/internal/events"
	"github.com/atlas-desktop/signal-consensus/internal/metrics"
	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

func TestMetricsFromEvents(t *testing.T) {
	m := metrics.New()

	require.NoError(t, m.Handle(events.NewRecommendationEvent(&types.AggregatedRecommendation{
		Direction:     types.DirectionLong,
		AvgConfidence: 7.5,
	})))
	require.NoError(t, m.Handle(events.NewRecommendationEvent(&types.AggregatedRecommendation{
		Direction: types.DirectionNeutral,
	})))
	require.NoError(t, m.Handle(events.NewOutcomeEvent(types.BotPrediction{
		Outcome: types.Outcome{Status: types.OutcomeWin},
	})))
	require.NoError(t, m.Handle(events.NewWeightsEvent(types.NewWeightTable(4, time.Now(), map[string]float64{
		"alpha": 1.2,
	}))))
	require.NoError(t, m.Handle(events.NewCycleEvent("scan", "run-1", 3, 1, 2*time.Second)))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Recommendations.WithLabelValues("long")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Recommendations.WithLabelValues("neutral")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("win")))
	assert.Equal(t, 1.2, testutil.ToFloat64(m.BotWeight.WithLabelValues("alpha")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.WeightsVersion))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Jobs.WithLabelValues("scan", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Jobs.WithLabelValues("scan", "error")))
}

func TestObservePoolTask(t *testing.T) {
	m := metrics.New()
	m.ObservePoolTask("scan", 10*time.Millisecond, nil)
	m.ObservePoolTask("scan", 10*time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolTasks.WithLabelValues("scan", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolTasks.WithLabelValues("scan", "error")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := metrics.New()
	m.ProducerFailures.WithLabelValues("alpha").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `consensus_producer_failures_total{bot="alpha"} 1`)
}
