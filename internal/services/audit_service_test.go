package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacon-iot/edgegate/internal/models"
)

type memorySink struct {
	mu      sync.Mutex
	records []models.DecisionRecord
	err     error
	block   chan struct{}
}

func (m *memorySink) LogAudit(ctx context.Context, rec models.DecisionRecord) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestAuditService_LogOnly(t *testing.T) {
	svc := NewAuditService(nil, 0)
	svc.RecordDecision(models.DecisionRecord{UUID: "d1", HashedDeviceID: "abcdef0123456789", Decision: models.DecisionAllow})

	st := svc.Stats()
	assert.Equal(t, uint64(1), st.Recorded)
	assert.False(t, st.Enabled)
	assert.Zero(t, st.Dropped)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAuditService_Forwards(t *testing.T) {
	sink := &memorySink{}
	svc := NewAuditService(sink, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	for i := 0; i < 5; i++ {
		svc.RecordDecision(models.DecisionRecord{UUID: "d", Decision: models.DecisionDeny})
	}

	require.Eventually(t, func() bool { return sink.count() == 5 }, 2*time.Second, 10*time.Millisecond)
	st := svc.Stats()
	assert.Equal(t, uint64(5), st.Recorded)
	assert.Equal(t, uint64(5), st.Forwarded)
	assert.True(t, st.Enabled)
}

func TestAuditService_DropsWhenQueueFull(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	svc := NewAuditService(sink, 2)

	// Nothing drains the queue, so the third record must be dropped without blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			svc.RecordDecision(models.DecisionRecord{UUID: "d"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RecordDecision blocked on a full queue")
	}

	st := svc.Stats()
	assert.Equal(t, uint64(3), st.Recorded)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 2, st.Queued)
	close(sink.block)
}

func TestAuditService_CountsSinkFailures(t *testing.T) {
	sink := &memorySink{err: errors.New("ledger unavailable")}
	svc := NewAuditService(sink, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	svc.RecordDecision(models.DecisionRecord{UUID: "d1"})
	require.Eventually(t, func() bool { return svc.Stats().Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, svc.Stats().Forwarded)
}
