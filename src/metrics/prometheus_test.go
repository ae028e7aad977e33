package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnforge/buildcore/src/core"
)

func TestRecordActionCountsByStatus(t *testing.T) {
	r := New()
	r.RecordAction(core.Success, 10*time.Millisecond)
	r.RecordAction(core.Cached, 0)
	r.RecordAction(core.Failed, 5*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.actionsTotal.WithLabelValues("Success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.actionsTotal.WithLabelValues("Cached")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.actionsTotal.WithLabelValues("Failed")))
}

func TestRecordActionSplitsCacheHitsFromMisses(t *testing.T) {
	r := New()
	r.RecordAction(core.Cached, 0)
	r.RecordAction(core.Cached, 0)
	r.RecordAction(core.Success, time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(r.cacheHits))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.cacheMisses))
}

func TestSetQueueDepth(t *testing.T) {
	r := New()
	r.SetQueueDepth(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(r.queueDepth))
}

func TestGathererExposesRegisteredCollectors(t *testing.T) {
	r := New()
	r.RecordAction(core.Success, time.Millisecond)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "buildcore_actions_total" {
			found = true
		}
	}
	assert.True(t, found, "expected buildcore_actions_total to be gathered")
}

func TestStartSamplingPopulatesResourceGauges(t *testing.T) {
	r := New()
	r.StartSampling(context.Background(), 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	r.Stop()

	assert.True(t, testutil.ToFloat64(r.rssBytes) > 0, "expected a nonzero memory sample")
}

func TestStopWithoutStartSamplingDoesNotBlock(t *testing.T) {
	r := New()
	r.Stop()
}
