package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndObserve(t *testing.T) {
	registry := prometheus.NewRegistry()
	require.NotPanics(t, func() { Register(registry) })

	before := testutil.ToFloat64(decisionsTotal.WithLabelValues("allow"))
	ObserveDecision("allow", 0.0002)
	assert.Equal(t, before+1, testutil.ToFloat64(decisionsTotal.WithLabelValues("allow")))

	SetHealthyEndpoints(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(endpointsHealthy))

	SetSnapshotPolicies(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(snapshotPolicies))

	syncBefore := testutil.ToFloat64(policySyncs.WithLabelValues("skipped"))
	IncPolicySync("skipped")
	assert.Equal(t, syncBefore+1, testutil.ToFloat64(policySyncs.WithLabelValues("skipped")))

	removedBefore := testutil.ToFloat64(expiredRemoved)
	AddExpiredRemoved(3)
	assert.Equal(t, removedBefore+3, testutil.ToFloat64(expiredRemoved))

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRegisterTwicePanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	Register(registry)
	assert.Panics(t, func() { Register(registry) })
}
