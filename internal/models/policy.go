package models

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/zeebo/blake3"
	"gorm.io/gorm"
)

// Policy is a versioned, prioritized access-control rule set cached from the ledger.
// Rules holds the raw condition/action tree; it is decoded by the decision engine so a
// malformed payload only disables the policy it belongs to.
type Policy struct {
	ID          string          `gorm:"primaryKey" json:"id"`
	Name        string          `gorm:"not null" json:"name"`
	Description string          `json:"description"`
	Rules       json.RawMessage `gorm:"-" json:"rules"`
	RulesJSON   string          `gorm:"column:rules;type:text;not null" json:"-"`
	Priority    int             `gorm:"index:idx_policy_priority" json:"priority"`
	Enabled     bool            `gorm:"index:idx_policy_enabled" json:"enabled"`
	CreatedAt   time.Time       `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime:false" json:"updated_at"`
	ExpiresAt   *time.Time      `gorm:"index:idx_policy_expires" json:"expires_at,omitempty"`
	Version     int             `gorm:"default:1" json:"version"`
	Checksum    string          `json:"-"`
	SyncStatus  string          `gorm:"default:synced" json:"sync_status,omitempty"`
	// Seq is assigned on first insert and never changes; it breaks priority ties.
	Seq int64 `gorm:"index" json:"-"`
}

// SyncMetadata is a key/value row recording synchronization bookkeeping.
type SyncMetadata struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the bookkeeping table name stable across gorm naming strategies.
func (SyncMetadata) TableName() string {
	return "sync_metadata"
}

// PolicySummary is the list view handed to the local API.
type PolicySummary struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Priority  int        `json:"priority"`
	Enabled   bool       `json:"enabled"`
	Version   int        `json:"version"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Summary strips the rules payload.
func (p *Policy) Summary() PolicySummary {
	return PolicySummary{
		ID:        p.ID,
		Name:      p.Name,
		Priority:  p.Priority,
		Enabled:   p.Enabled,
		Version:   p.Version,
		UpdatedAt: p.UpdatedAt,
		ExpiresAt: p.ExpiresAt,
	}
}

// IsExpired reports whether the policy has an expiry at or before now.
func (p *Policy) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// Fingerprint is a content digest over the fields that change a decision. Timestamps and
// version are excluded so re-delivering the same payload is detectable as a no-op.
func (p *Policy) Fingerprint() string {
	var rules any = string(p.Rules)
	if len(p.Rules) > 0 && json.Valid(p.Rules) {
		rules = p.Rules
	}
	var expires any
	if p.ExpiresAt != nil {
		expires = p.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	doc := map[string]any{
		"name":        p.Name,
		"description": p.Description,
		"rules":       rules,
		"priority":    p.Priority,
		"enabled":     p.Enabled,
		"expires_at":  expires,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		raw = []byte(p.ID + string(p.Rules))
	}
	if canonical, err := jcs.Transform(raw); err == nil {
		raw = canonical
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// BeforeSave normalizes timestamps to UTC so expiry comparisons in SQL are lexical-safe,
// and serializes the rules payload.
func (p *Policy) BeforeSave(tx *gorm.DB) error {
	if len(p.Rules) == 0 {
		p.RulesJSON = "{}"
	} else {
		p.RulesJSON = string(p.Rules)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if p.ExpiresAt != nil {
		utc := p.ExpiresAt.UTC()
		p.ExpiresAt = &utc
	}
	if p.Version < 1 {
		p.Version = 1
	}
	return nil
}

// AfterFind exposes the stored rules payload.
func (p *Policy) AfterFind(tx *gorm.DB) error {
	p.Rules = json.RawMessage(p.RulesJSON)
	return nil
}
