package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/beacon-iot/edgegate/internal/logger"
	"github.com/beacon-iot/edgegate/internal/metrics"
	"github.com/beacon-iot/edgegate/internal/models"
)

// ErrSyncInProgress is returned immediately when a sync is requested while another runs.
var ErrSyncInProgress = errors.New("sync already in progress")

const defaultFailureAlertAfter = 3

// PolicyFetcher pulls incremental policy changes from the backend.
type PolicyFetcher interface {
	FetchPolicyDelta(ctx context.Context, since *time.Time, includeDisabled bool) (*PolicyDelta, error)
}

// SnapshotInvalidator is told when the store changed underneath the decision engine.
type SnapshotInvalidator interface {
	Invalidate()
}

// SyncResult describes one sync run.
type SyncResult struct {
	SyncID    string    `json:"sync_id"`
	Success   bool      `json:"success"`
	Added     int       `json:"policies_added"`
	Updated   int       `json:"policies_updated"`
	Unchanged int       `json:"policies_unchanged"`
	Removed   int       `json:"policies_removed"`
	Rejected  int       `json:"policies_rejected"`
	StartedAt time.Time `json:"last_sync_time"`
	Duration  float64   `json:"duration_ms"`
	Error     string    `json:"error_message,omitempty"`
}

// Changed reports whether the run modified the store.
func (r SyncResult) Changed() bool {
	return r.Added+r.Updated+r.Removed > 0
}

// SyncStats accumulates sync runs for the status endpoint.
type SyncStats struct {
	Runs                uint64      `json:"sync_count"`
	Failures            uint64      `json:"failed_sync_count"`
	ConsecutiveFailures uint64      `json:"consecutive_failures"`
	Skipped             uint64      `json:"skipped_count"`
	InProgress          bool        `json:"sync_in_progress"`
	LastSync            *time.Time  `json:"last_policy_sync"`
	LastResult          *SyncResult `json:"last_result,omitempty"`
}

// SyncOptions configures a PolicySyncService.
type SyncOptions struct {
	IncludeDisabled bool
	Invalidator     SnapshotInvalidator
	Notifier        *NotificationService
	// FailureAlertAfter is the number of consecutive failures that triggers one operator alert.
	FailureAlertAfter int
}

// PolicySyncService merges backend policy deltas into the local store.
// At most one sync runs at a time; overlapping requests fail fast with ErrSyncInProgress.
type PolicySyncService struct {
	fetcher   PolicyFetcher
	store     *PolicyStore
	validator *PolicyValidator
	opts      SyncOptions
	log       *logrus.Entry

	inProgress atomic.Bool

	mu    sync.Mutex
	stats SyncStats
}

// NewPolicySyncService wires a fetcher to the store. validator may be nil to accept records unchecked.
func NewPolicySyncService(fetcher PolicyFetcher, store *PolicyStore, validator *PolicyValidator, opts SyncOptions) *PolicySyncService {
	if opts.FailureAlertAfter <= 0 {
		opts.FailureAlertAfter = defaultFailureAlertAfter
	}
	return &PolicySyncService{
		fetcher:   fetcher,
		store:     store,
		validator: validator,
		opts:      opts,
		log:       logger.Component("policy_sync"),
	}
}

// SyncPolicies runs one incremental sync. Records that fail validation are skipped and counted;
// a transport or store failure fails the whole run and leaves the last sync time untouched.
func (s *PolicySyncService) SyncPolicies(ctx context.Context) (SyncResult, error) {
	if !s.inProgress.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.stats.Skipped++
		s.mu.Unlock()
		metrics.IncPolicySync("skipped")
		s.log.Debug("Policy sync already in progress")
		return SyncResult{Error: ErrSyncInProgress.Error()}, ErrSyncInProgress
	}
	defer s.inProgress.Store(false)

	res := SyncResult{SyncID: uuid.NewString(), StartedAt: time.Now().UTC()}
	log := s.log.WithField("sync_id", res.SyncID)

	var since *time.Time
	if last, ok := s.store.LastSync(); ok {
		since = &last
	}

	err := s.apply(ctx, log, since, &res)
	res.Duration = float64(time.Since(res.StartedAt).Microseconds()) / 1000.0
	// Writes made before a failure are already in the store.
	if res.Changed() && s.opts.Invalidator != nil {
		s.opts.Invalidator.Invalidate()
	}
	if err != nil {
		res.Error = err.Error()
		s.fail(log, res)
		return res, err
	}

	res.Success = true

	s.mu.Lock()
	s.stats.Runs++
	s.stats.ConsecutiveFailures = 0
	started := res.StartedAt
	s.stats.LastSync = &started
	last := res
	s.stats.LastResult = &last
	s.mu.Unlock()
	metrics.IncPolicySync("success")

	log.WithFields(logrus.Fields{
		"added":     res.Added,
		"updated":   res.Updated,
		"unchanged": res.Unchanged,
		"removed":   res.Removed,
		"rejected":  res.Rejected,
	}).Info("Policy sync completed")
	return res, nil
}

func (s *PolicySyncService) apply(ctx context.Context, log *logrus.Entry, since *time.Time, res *SyncResult) error {
	delta, err := s.fetcher.FetchPolicyDelta(ctx, since, s.opts.IncludeDisabled)
	if err != nil {
		return fmt.Errorf("fetch policy delta: %w", err)
	}

	for _, raw := range delta.Policies {
		if s.validator != nil {
			if err := s.validator.ValidateRecord(raw); err != nil {
				res.Rejected++
				log.WithError(err).Warn("Rejected policy record")
				continue
			}
		}
		p, err := DecodePolicyRecord(raw)
		if err != nil {
			res.Rejected++
			log.WithError(err).Warn("Rejected policy record")
			continue
		}
		outcome, err := s.store.Put(p)
		if err != nil {
			if errors.Is(err, ErrInvalidPolicy) {
				res.Rejected++
				log.WithError(err).Warn("Rejected policy record")
				continue
			}
			return err
		}
		switch outcome {
		case PutAdded:
			res.Added++
		case PutUpdated:
			res.Updated++
		default:
			res.Unchanged++
		}
	}

	for _, id := range delta.RemovedPolicies {
		existed, err := s.store.Delete(id)
		if err != nil {
			return err
		}
		if existed {
			res.Removed++
		}
	}

	return s.store.RecordLastSync(res.StartedAt)
}

func (s *PolicySyncService) fail(log *logrus.Entry, res SyncResult) {
	s.mu.Lock()
	s.stats.Runs++
	s.stats.Failures++
	s.stats.ConsecutiveFailures++
	consecutive := s.stats.ConsecutiveFailures
	last := res
	s.stats.LastResult = &last
	s.mu.Unlock()
	metrics.IncPolicySync("failure")

	log.WithField("consecutive_failures", consecutive).WithField("error", res.Error).Error("Policy sync failed")
	if consecutive == uint64(s.opts.FailureAlertAfter) && s.opts.Notifier != nil {
		s.opts.Notifier.SendExternal(EventSyncFailing, "Policy sync failing",
			fmt.Sprintf("%d consecutive policy syncs failed. Last error: %s", consecutive, res.Error))
	}
}

// Stats returns a copy of the sync counters.
func (s *PolicySyncService) Stats() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.InProgress = s.inProgress.Load()
	return st
}

type policyRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description *string         `json:"description"`
	Rules       json.RawMessage `json:"rules"`
	Priority    int             `json:"priority"`
	Enabled     *bool           `json:"enabled"`
	Version     int             `json:"version"`
	CreatedAt   *string         `json:"created_at"`
	UpdatedAt   *string         `json:"updated_at"`
	ExpiresAt   *string         `json:"expires_at"`
}

// DecodePolicyRecord turns a backend or admin record into a Policy. A missing enabled flag
// means enabled; timestamps without a zone are taken as UTC.
func DecodePolicyRecord(raw []byte) (*models.Policy, error) {
	var rec policyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if strings.TrimSpace(rec.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidPolicy)
	}

	p := &models.Policy{
		ID:       rec.ID,
		Name:     rec.Name,
		Rules:    rec.Rules,
		Priority: rec.Priority,
		Enabled:  true,
		Version:  rec.Version,
	}
	if rec.Description != nil {
		p.Description = *rec.Description
	}
	if rec.Enabled != nil {
		p.Enabled = *rec.Enabled
	}

	var err error
	if p.CreatedAt, err = parseOptionalTime(rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("%w: created_at: %v", ErrInvalidPolicy, err)
	}
	if p.UpdatedAt, err = parseOptionalTime(rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("%w: updated_at: %v", ErrInvalidPolicy, err)
	}
	if rec.ExpiresAt != nil && strings.TrimSpace(*rec.ExpiresAt) != "" {
		exp, err := parseRecordTime(*rec.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("%w: expires_at: %v", ErrInvalidPolicy, err)
		}
		p.ExpiresAt = &exp
	}
	return p, nil
}

func parseOptionalTime(s *string) (time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return time.Time{}, nil
	}
	return parseRecordTime(*s)
}

var recordTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseRecordTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range recordTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
