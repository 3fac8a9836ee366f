package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/beacon-iot/edgegate/internal/config"
	"github.com/beacon-iot/edgegate/internal/database"
	"github.com/beacon-iot/edgegate/internal/logger"
	"github.com/beacon-iot/edgegate/internal/services"
)

// seedFile is the on-disk layout: a list of policy records in the same shape the ledger delivers.
type seedFile struct {
	Policies []map[string]any `yaml:"policies"`
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	policiesPath := pflag.StringP("policies", "p", "policies.yaml", "YAML file with policies to load")
	dbPath := pflag.String("db", "", "override the policy store path")
	pflag.Parse()

	logger.Init(false, os.Stdout)
	log := logger.Log()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
			log.WithError(err).Fatal("Failed to create database directory")
		}
	}

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	store := services.NewPolicyStore(db, cfg.DatabasePath)
	defer func() { _ = store.Close() }()

	exprs, err := services.NewExpressionCompiler()
	if err != nil {
		log.WithError(err).Fatal("Failed to build expression compiler")
	}
	validator, err := services.NewPolicyValidator(exprs)
	if err != nil {
		log.WithError(err).Fatal("Failed to build policy validator")
	}

	f, err := os.Open(*policiesPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to open policies file")
	}
	defer func() { _ = f.Close() }()

	var doc seedFile
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		log.WithError(err).Fatal("Failed to parse policies file")
	}

	outcomes := map[services.PutOutcome]int{}
	rejected := 0
	for i, rec := range doc.Policies {
		raw, err := json.Marshal(rec)
		if err != nil {
			rejected++
			log.WithError(err).WithField("index", i).Warn("Skipping unencodable policy")
			continue
		}
		if err := validator.ValidateRecord(raw); err != nil {
			rejected++
			log.WithError(err).WithField("index", i).Warn("Skipping invalid policy")
			continue
		}
		p, err := services.DecodePolicyRecord(raw)
		if err != nil {
			rejected++
			log.WithError(err).WithField("index", i).Warn("Skipping invalid policy")
			continue
		}
		p.SyncStatus = "local"
		outcome, err := store.Put(p)
		if err != nil {
			log.WithError(err).WithField("policy_id", p.ID).Fatal("Failed to store policy")
		}
		outcomes[outcome]++
		log.WithField("policy_id", p.ID).WithField("outcome", outcome).Info("Seeded policy")
	}

	stats, err := store.Stats()
	if err != nil {
		log.WithError(err).Fatal("Failed to read store stats")
	}

	fmt.Println("\n✓ Policy store seeded")
	fmt.Printf("  Added: %d, Updated: %d, Unchanged: %d, Rejected: %d\n",
		outcomes[services.PutAdded], outcomes[services.PutUpdated], outcomes[services.PutUnchanged], rejected)
	fmt.Printf("  Store: %s (%d policies, %d enabled, %d expired)\n",
		stats.Path, stats.TotalPolicies, stats.EnabledPolicies, stats.ExpiredPolicies)
}
