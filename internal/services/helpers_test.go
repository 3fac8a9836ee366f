package services

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beacon-iot/edgegate/internal/database"
	"github.com/beacon-iot/edgegate/internal/models"
)

func setupTestStore(t *testing.T) *PolicyStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.db")
	db, err := database.Connect(path)
	require.NoError(t, err)
	store := NewPolicyStore(db, path)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newPolicy(id string, priority int, rules string) *models.Policy {
	return &models.Policy{
		ID:       id,
		Name:     id + "-name",
		Rules:    json.RawMessage(rules),
		Priority: priority,
		Enabled:  true,
	}
}

func expiresIn(d time.Duration) *time.Time {
	t := time.Now().UTC().Add(d)
	return &t
}

func mustPut(t *testing.T, store *PolicyStore, p *models.Policy) PutOutcome {
	t.Helper()
	outcome, err := store.Put(p)
	require.NoError(t, err)
	return outcome
}
