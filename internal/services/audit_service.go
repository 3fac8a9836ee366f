package services

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/beacon-iot/edgegate/internal/logger"
	"github.com/beacon-iot/edgegate/internal/metrics"
	"github.com/beacon-iot/edgegate/internal/models"
	"github.com/beacon-iot/edgegate/internal/util"
)

const (
	defaultAuditQueueSize = 1024
	auditForwardTimeout   = 10 * time.Second
)

// AuditSink ships a decision record off the gateway.
type AuditSink interface {
	LogAudit(ctx context.Context, rec models.DecisionRecord) error
}

// AuditStats counts decision records seen by the audit service.
type AuditStats struct {
	Recorded  uint64 `json:"recorded"`
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Queued    int    `json:"queued"`
	Enabled   bool   `json:"forwarding_enabled"`
}

// AuditService logs every decision locally and optionally forwards it through a bounded queue.
// RecordDecision never blocks; records that do not fit in the queue are dropped and counted.
type AuditService struct {
	sink  AuditSink
	queue chan models.DecisionRecord
	log   *logrus.Entry

	recorded  atomic.Uint64
	forwarded atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewAuditService returns a log-only service when sink is nil.
func NewAuditService(sink AuditSink, queueSize int) *AuditService {
	s := &AuditService{sink: sink, log: logger.Component("audit")}
	if sink != nil {
		if queueSize <= 0 {
			queueSize = defaultAuditQueueSize
		}
		s.queue = make(chan models.DecisionRecord, queueSize)
	}
	return s
}

// RecordDecision implements DecisionRecorder.
func (s *AuditService) RecordDecision(rec models.DecisionRecord) {
	s.recorded.Add(1)
	s.log.WithFields(logrus.Fields{
		"decision_id": rec.UUID,
		"device_hash": util.ShortHash(rec.HashedDeviceID),
		"device_type": util.SanitizeForLog(rec.DeviceType),
		"action":      util.SanitizeForLog(rec.Action),
		"resource":    util.SanitizeForLog(rec.Resource),
		"decision":    rec.Decision,
		"policy_id":   rec.PolicyID,
	}).Info("Access decision logged")

	if s.queue == nil {
		return
	}
	select {
	case s.queue <- rec:
	default:
		s.dropped.Add(1)
		metrics.IncAuditDropped()
	}
}

// Run forwards queued records until ctx is cancelled. Forwarding failures are logged and counted.
func (s *AuditService) Run(ctx context.Context) {
	if s.queue == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-s.queue:
			s.forward(ctx, rec)
		}
	}
}

func (s *AuditService) forward(ctx context.Context, rec models.DecisionRecord) {
	fctx, cancel := context.WithTimeout(ctx, auditForwardTimeout)
	defer cancel()
	if err := s.sink.LogAudit(fctx, rec); err != nil {
		s.failed.Add(1)
		s.log.WithError(err).WithField("decision_id", rec.UUID).Warn("Failed to forward decision record")
		return
	}
	s.forwarded.Add(1)
}

// Stats returns a point-in-time copy of the counters.
func (s *AuditService) Stats() AuditStats {
	st := AuditStats{
		Recorded:  s.recorded.Load(),
		Forwarded: s.forwarded.Load(),
		Dropped:   s.dropped.Load(),
		Failed:    s.failed.Load(),
		Enabled:   s.queue != nil,
	}
	if s.queue != nil {
		st.Queued = len(s.queue)
	}
	return st
}
