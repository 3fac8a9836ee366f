package services

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/beacon-iot/edgegate/internal/logger"
	"github.com/beacon-iot/edgegate/internal/metrics"
	"github.com/beacon-iot/edgegate/internal/models"
)

var (
	ErrPolicyNotFound = errors.New("policy not found")
	ErrInvalidPolicy  = errors.New("invalid policy")
)

// MetaLastSync is the sync_metadata key holding the last successful sync start time.
const MetaLastSync = "last_sync"

// PutOutcome says what Put did with a record.
type PutOutcome string

const (
	PutAdded     PutOutcome = "added"
	PutUpdated   PutOutcome = "updated"
	PutUnchanged PutOutcome = "unchanged"
)

// StoreStats is the cache view exposed on the status endpoint.
type StoreStats struct {
	TotalPolicies   int64      `json:"total_policies"`
	EnabledPolicies int64      `json:"enabled_policies"`
	ExpiredPolicies int64      `json:"expired_policies"`
	LastSync        *time.Time `json:"last_sync"`
	SizeBytes       int64      `json:"cache_size_bytes"`
	Path            string     `json:"cache_file"`
}

// PolicyStore persists policies and sync bookkeeping in the local SQLite file.
// Every write is committed before it returns.
type PolicyStore struct {
	db   *gorm.DB
	path string
	log  *logrus.Entry

	writeMu sync.Mutex

	syncMu         sync.RWMutex
	lastSync       time.Time
	lastSyncLoaded bool
}

// NewPolicyStore wraps an already migrated database. path is only used for size reporting.
func NewPolicyStore(db *gorm.DB, path string) *PolicyStore {
	return &PolicyStore{db: db, path: path, log: logger.Component("policy_store")}
}

// Put inserts or overwrites a policy by id. A payload whose fingerprint matches the
// stored row is a no-op. Overwrites keep the original insertion position and creation
// time, and bump the version past the stored one.
func (s *PolicyStore) Put(p *models.Policy) (PutOutcome, error) {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return "", fmt.Errorf("%w: id is required", ErrInvalidPolicy)
	}
	if strings.TrimSpace(p.Name) == "" {
		return "", fmt.Errorf("%w: name is required for %s", ErrInvalidPolicy, p.ID)
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.SyncStatus == "" {
		p.SyncStatus = "synced"
	}
	p.Checksum = p.Fingerprint()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	outcome := PutAdded
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.Policy
		err := tx.Where("id = ?", p.ID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			var maxSeq int64
			if err := tx.Model(&models.Policy{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
				return err
			}
			p.Seq = maxSeq + 1
			if p.Version < 1 {
				p.Version = 1
			}
			return tx.Create(p).Error
		case err != nil:
			return err
		}

		if existing.Checksum == p.Checksum {
			outcome = PutUnchanged
			*p = existing
			return nil
		}

		outcome = PutUpdated
		p.Seq = existing.Seq
		p.CreatedAt = existing.CreatedAt
		if p.Version <= existing.Version {
			p.Version = existing.Version + 1
		}
		return tx.Save(p).Error
	})
	if err != nil {
		s.log.WithError(err).WithField("policy_id", p.ID).Error("Failed to store policy")
		return "", fmt.Errorf("store policy %s: %w", p.ID, err)
	}

	s.log.WithFields(logrus.Fields{"policy_id": p.ID, "outcome": outcome, "version": p.Version}).Debug("Stored policy")
	return outcome, nil
}

// Get returns an enabled, unexpired policy. Anything else, including read failures, is ErrPolicyNotFound.
func (s *PolicyStore) Get(id string) (*models.Policy, error) {
	var p models.Policy
	if err := s.db.Where("id = ? AND enabled = ?", id, true).Take(&p).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.WithError(err).WithField("policy_id", id).Error("Failed to read policy")
		}
		return nil, ErrPolicyNotFound
	}
	if p.IsExpired(time.Now().UTC()) {
		return nil, ErrPolicyNotFound
	}
	return &p, nil
}

// List returns policies by descending priority; equal priorities keep insertion order.
func (s *PolicyStore) List(enabledOnly, excludeExpired bool) ([]models.Policy, error) {
	q := s.db.Model(&models.Policy{})
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	if excludeExpired {
		q = q.Where("(expires_at IS NULL OR expires_at > ?)", time.Now().UTC())
	}

	var policies []models.Policy
	if err := q.Order("priority DESC").Order("seq ASC").Find(&policies).Error; err != nil {
		s.log.WithError(err).Error("Failed to list policies")
		return nil, fmt.Errorf("list policies: %w", err)
	}
	return policies, nil
}

// Delete removes a policy and reports whether it existed.
func (s *PolicyStore) Delete(id string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := s.db.Where("id = ?", id).Delete(&models.Policy{})
	if res.Error != nil {
		s.log.WithError(res.Error).WithField("policy_id", id).Error("Failed to delete policy")
		return false, fmt.Errorf("delete policy %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		s.log.WithField("policy_id", id).Debug("Policy not found for deletion")
		return false, nil
	}
	s.log.WithField("policy_id", id).Info("Deleted policy")
	return true, nil
}

// CleanupExpired physically removes every policy whose expiry has passed.
func (s *PolicyStore) CleanupExpired() (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := s.db.Where("expires_at IS NOT NULL AND expires_at <= ?", time.Now().UTC()).Delete(&models.Policy{})
	if res.Error != nil {
		s.log.WithError(res.Error).Error("Failed to clean up expired policies")
		return 0, fmt.Errorf("cleanup expired policies: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		metrics.AddExpiredRemoved(res.RowsAffected)
		s.log.WithField("removed", res.RowsAffected).Info("Cleaned up expired policies")
	}
	return res.RowsAffected, nil
}

// SetMetadata upserts one sync_metadata entry.
func (s *PolicyStore) SetMetadata(key, value string) error {
	row := models.SyncMetadata{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		s.log.WithError(err).WithField("key", key).Error("Failed to update sync metadata")
		return fmt.Errorf("set sync metadata %s: %w", key, err)
	}
	return nil
}

// GetMetadata returns the stored value and whether the key exists.
func (s *PolicyStore) GetMetadata(key string) (string, bool, error) {
	var row models.SyncMetadata
	err := s.db.Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get sync metadata %s: %w", key, err)
	}
	return row.Value, true, nil
}

// RecordLastSync persists the timestamp an incremental sync resumes from.
func (s *PolicyStore) RecordLastSync(t time.Time) error {
	t = t.UTC()
	if err := s.SetMetadata(MetaLastSync, t.Format(time.RFC3339Nano)); err != nil {
		return err
	}
	s.syncMu.Lock()
	s.lastSync = t
	s.lastSyncLoaded = true
	s.syncMu.Unlock()
	return nil
}

// LastSync returns the recorded sync time, reading it from disk on first use.
func (s *PolicyStore) LastSync() (time.Time, bool) {
	s.syncMu.RLock()
	if s.lastSyncLoaded {
		t := s.lastSync
		s.syncMu.RUnlock()
		return t, !t.IsZero()
	}
	s.syncMu.RUnlock()

	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if !s.lastSyncLoaded {
		value, ok, err := s.GetMetadata(MetaLastSync)
		if err != nil {
			s.log.WithError(err).Warn("Failed to load last sync time")
			return time.Time{}, false
		}
		if ok {
			if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
				s.lastSync = t
			} else {
				s.log.WithError(err).Warn("Ignoring unparseable last sync time")
			}
		}
		s.lastSyncLoaded = true
	}
	return s.lastSync, !s.lastSync.IsZero()
}

// Stats counts policies and reports the store file size.
func (s *PolicyStore) Stats() (StoreStats, error) {
	var st StoreStats
	now := time.Now().UTC()
	if err := s.db.Model(&models.Policy{}).Count(&st.TotalPolicies).Error; err != nil {
		return st, fmt.Errorf("count policies: %w", err)
	}
	if err := s.db.Model(&models.Policy{}).Where("enabled = ?", true).Count(&st.EnabledPolicies).Error; err != nil {
		return st, fmt.Errorf("count enabled policies: %w", err)
	}
	if err := s.db.Model(&models.Policy{}).Where("expires_at IS NOT NULL AND expires_at <= ?", now).Count(&st.ExpiredPolicies).Error; err != nil {
		return st, fmt.Errorf("count expired policies: %w", err)
	}
	if t, ok := s.LastSync(); ok {
		st.LastSync = &t
	}
	st.Path = s.path
	if s.path != "" {
		if info, err := os.Stat(s.path); err == nil {
			st.SizeBytes = info.Size()
		}
	}
	return st, nil
}

// Close releases the underlying database handle. Call after background jobs have stopped.
func (s *PolicyStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
