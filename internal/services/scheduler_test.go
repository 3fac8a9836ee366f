package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacon-iot/edgegate/internal/discovery"
)

func TestScheduler_InitialSyncAndStop(t *testing.T) {
	fetcher := &stubFetcher{deltas: []*PolicyDelta{{
		Policies: []json.RawMessage{json.RawMessage(`{"id":"p1","name":"n","rules":{"default_action":"allow"}}`)},
	}}}
	syncSvc, store := newTestSync(t, fetcher, SyncOptions{})
	backend := &fakeBackend{responses: map[string]string{pathRegister: `{"success":true,"token":"t"}`}}
	ledger := newLedgerService(t, backend)
	audit := NewAuditService(&memorySink{}, 4)
	pool := discovery.NewPool(discovery.PoolOptions{SweepInterval: time.Hour})

	sched := NewScheduler(SchedulerDeps{
		Pool:   pool,
		Store:  store,
		Sync:   syncSvc,
		Ledger: ledger,
		Audit:  audit,
	}, SchedulerOptions{
		SyncInterval:      time.Hour,
		CleanupInterval:   time.Hour,
		HeartbeatInterval: time.Hour,
	})
	require.NoError(t, sched.Start(context.Background()))

	require.Eventually(t, func() bool { return syncSvc.Stats().Runs == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, ledger.Registered())
	_, err := store.Get("p1")
	assert.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_CleanupJob(t *testing.T) {
	store := setupTestStore(t)
	expired := newPolicy("old", 1, `{"default_action":"deny"}`)
	expired.ExpiresAt = expiresIn(-time.Minute)
	mustPut(t, store, expired)
	mustPut(t, store, newPolicy("live", 1, `{"default_action":"deny"}`))

	sched := NewScheduler(SchedulerDeps{Store: store}, SchedulerOptions{})
	sched.ctx, sched.cancel = context.WithCancel(context.Background())
	defer sched.cancel()
	sched.cleanupJob()

	all, err := store.List(false, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "live", all[0].ID)
}

func TestScheduler_HeartbeatRegistersFirst(t *testing.T) {
	backend := &fakeBackend{}
	ledger := newLedgerService(t, backend)
	sched := NewScheduler(SchedulerDeps{Ledger: ledger}, SchedulerOptions{})
	sched.ctx, sched.cancel = context.WithCancel(context.Background())
	defer sched.cancel()

	sched.heartbeatJob()
	assert.Equal(t, pathRegister, backend.last().path)
	sched.heartbeatJob()
	assert.Equal(t, pathHeartbeat, backend.last().path)
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	sched := NewScheduler(SchedulerDeps{}, SchedulerOptions{})
	assert.NotPanics(t, sched.Stop)
}

var (
	_ DecisionRecorder    = (*AuditService)(nil)
	_ AuditSink           = (*LedgerService)(nil)
	_ PolicyFetcher       = (*LedgerService)(nil)
	_ SnapshotInvalidator = (*PolicyEnforcer)(nil)
	_ BackendCaller       = (*discovery.Client)(nil)
)
