package models

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "models.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Policy{}, &SyncMetadata{}))
	return db
}

func TestPolicy_SaveAndFindRoundTripsRules(t *testing.T) {
	db := setupTestDB(t)
	loc := time.FixedZone("CET", 3600)
	expires := time.Date(2030, 1, 1, 12, 0, 0, 0, loc)
	p := &Policy{
		ID:        "p1",
		Name:      "sensors",
		Rules:     json.RawMessage(`{"device_types":["sensor"]}`),
		Enabled:   true,
		CreatedAt: time.Date(2024, 5, 1, 8, 0, 0, 0, loc),
		UpdatedAt: time.Date(2024, 5, 1, 8, 0, 0, 0, loc),
		ExpiresAt: &expires,
	}
	require.NoError(t, db.Create(p).Error)
	assert.Equal(t, 1, p.Version)

	var got Policy
	require.NoError(t, db.First(&got, "id = ?", "p1").Error)
	assert.JSONEq(t, `{"device_types":["sensor"]}`, string(got.Rules))
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))
	assert.Equal(t, time.UTC, got.ExpiresAt.Location())
	assert.Equal(t, "synced", got.SyncStatus)
}

func TestPolicy_EmptyRulesStoredAsObject(t *testing.T) {
	db := setupTestDB(t)
	p := &Policy{ID: "p-empty", Name: "empty"}
	require.NoError(t, db.Create(p).Error)
	assert.Equal(t, "{}", p.RulesJSON)
}

func TestPolicy_IsExpired(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	assert.False(t, (&Policy{}).IsExpired(now))
	assert.True(t, (&Policy{ExpiresAt: &past}).IsExpired(now))
	assert.True(t, (&Policy{ExpiresAt: &now}).IsExpired(now))
	assert.False(t, (&Policy{ExpiresAt: &future}).IsExpired(now))
}

func TestPolicy_Fingerprint(t *testing.T) {
	base := Policy{ID: "p1", Name: "n", Rules: json.RawMessage(`{"b":1,"a":[1,2]}`), Priority: 5, Enabled: true}

	reordered := base
	reordered.Rules = json.RawMessage(`{ "a": [1, 2], "b": 1 }`)
	reordered.Version = 9
	reordered.UpdatedAt = time.Now()
	assert.Equal(t, base.Fingerprint(), reordered.Fingerprint(), "key order, whitespace, version and timestamps do not matter")

	changed := base
	changed.Priority = 6
	assert.NotEqual(t, base.Fingerprint(), changed.Fingerprint())

	disabled := base
	disabled.Enabled = false
	assert.NotEqual(t, base.Fingerprint(), disabled.Fingerprint())

	broken := base
	broken.Rules = json.RawMessage(`{not json`)
	assert.Len(t, broken.Fingerprint(), 64)
}

func TestSyncMetadata_TableName(t *testing.T) {
	db := setupTestDB(t)
	assert.True(t, db.Migrator().HasTable("sync_metadata"))
	require.NoError(t, db.Create(&SyncMetadata{Key: "last_sync", Value: "x"}).Error)
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules(json.RawMessage(`{
		"device_types": ["sensor"],
		"actions": [],
		"time_restrictions": {"allowed_hours": [8, 9]},
		"allow_rules": [{"protocol": "mqtt", "attributes": {"floor": 2}}],
		"unknown_key": true
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"sensor"}, rules.DeviceTypes)
	assert.NotNil(t, rules.Actions)
	assert.Empty(t, rules.Actions)
	assert.Nil(t, rules.Resources)
	require.NotNil(t, rules.TimeRestrictions)
	assert.Equal(t, []int{8, 9}, rules.TimeRestrictions.AllowedHours)
	require.Len(t, rules.AllowRules, 1)
	assert.Equal(t, json.Number("2"), rules.AllowRules[0].Attributes["floor"])

	_, err = ParseRules(json.RawMessage(`{"device_types": "sensor"}`))
	assert.Error(t, err)
	_, err = ParseRules(json.RawMessage(`{broken`))
	assert.Error(t, err)
	_, err = ParseRules(nil)
	assert.Error(t, err)
}
