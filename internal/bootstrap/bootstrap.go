// Package bootstrap builds the stores and services the binaries share from a
// loaded config.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sqlrecall/sqlrecall/internal/assist"
	"github.com/sqlrecall/sqlrecall/internal/config"
	"github.com/sqlrecall/sqlrecall/internal/feedback"
	"github.com/sqlrecall/sqlrecall/internal/maintenance"
	"github.com/sqlrecall/sqlrecall/internal/nl2sql"
	"github.com/sqlrecall/sqlrecall/internal/patterns"
	patternspostgres "github.com/sqlrecall/sqlrecall/internal/patterns/postgres"
	patternssqlite "github.com/sqlrecall/sqlrecall/internal/patterns/sqlite"
	"github.com/sqlrecall/sqlrecall/internal/query"
	duckdbengine "github.com/sqlrecall/sqlrecall/internal/query/duckdb"
	"github.com/sqlrecall/sqlrecall/internal/retrieval"
	"github.com/sqlrecall/sqlrecall/internal/sqlguard"
	"github.com/sqlrecall/sqlrecall/internal/storage"
	s3store "github.com/sqlrecall/sqlrecall/internal/storage/s3"
)

// PatternStore is an opened store with its lifecycle hooks. Health is nil
// when the backend has nothing to probe.
type PatternStore struct {
	patterns.Store
	Health func(ctx context.Context) error
	Close  func() error
}

func OpenPatternStore(ctx context.Context, cfg config.Config) (PatternStore, error) {
	opts := patterns.Options{LearningRate: cfg.Learning.Rate}
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		return PatternStore{Store: patterns.NewMemoryStore(opts), Close: func() error { return nil }}, nil
	case config.StoreDriverSQLite:
		store, err := patternssqlite.Open(ctx, cfg.Store.SQLitePath, opts)
		if err != nil {
			return PatternStore{}, err
		}
		return PatternStore{Store: store, Health: store.Ping, Close: store.Close}, nil
	case config.StoreDriverPostgres:
		db, err := patternspostgres.Open(ctx, patternspostgres.DBConfig{
			DSN:             cfg.Store.PostgresDSN,
			ApplicationName: cfg.Service.Name,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		})
		if err != nil {
			return PatternStore{}, err
		}
		store := patternspostgres.NewStore(db, opts)
		return PatternStore{Store: store, Health: store.HealthCheck, Close: db.Close}, nil
	default:
		return PatternStore{}, fmt.Errorf("unsupported pattern store driver %q", cfg.Store.Driver)
	}
}

func OpenObjectStore(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	switch cfg.ObjectStore.Driver {
	case config.ObjectStoreDriverMemory:
		return storage.NewMemoryStore(), nil
	case config.ObjectStoreDriverS3:
		return s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
	default:
		return nil, fmt.Errorf("unsupported object store driver %q", cfg.ObjectStore.Driver)
	}
}

func NewValidator(cfg config.Config) *sqlguard.Validator {
	return sqlguard.New(sqlguard.Options{
		MaxRows:         cfg.Validator.MaxRows,
		InspectLiterals: cfg.Validator.InspectLiterals,
	})
}

// NewAssistant wires retrieval, feedback, translation and DuckDB execution
// over store. objects may be nil, in which case questions are never executed.
func NewAssistant(cfg config.Config, store patterns.Store, objects storage.ObjectStore, logger *slog.Logger) (*assist.Service, error) {
	validator := NewValidator(cfg)

	var translator nl2sql.Translator
	if cfg.AI.TranslateEnabled {
		openai, err := nl2sql.NewOpenAITranslator(nl2sql.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize query translator: %w", err)
		}
		translator = openai
	}

	var engine query.Engine
	if objects != nil {
		engine = duckdbengine.NewEngine(objects)
	}

	retriever := retrieval.New(store, retrieval.Config{
		Threshold:       cfg.Retrieval.Threshold,
		MinOutcomeScore: cfg.Retrieval.MinOutcomeScore,
		RecencyHalfLife: cfg.Retrieval.RecencyHalfLife,
	}, logger)
	assistCfg := assist.Config{
		TopK:           cfg.Retrieval.TopK,
		ReuseThreshold: cfg.Retrieval.ReuseThreshold,
		SampleRows:     cfg.Retrieval.SampleRows,
	}
	processor := feedback.NewProcessor(store, validator, logger)

	return assist.NewService(retriever, processor, validator, translator, engine, assistCfg, logger), nil
}

func NewMaintenance(cfg config.Config, store patterns.Store, objects storage.ObjectStore, logger *slog.Logger) *maintenance.Service {
	return &maintenance.Service{
		Store:       store,
		ObjectStore: objects,
		Config: maintenance.Config{
			PruneInterval:  cfg.Maintenance.PruneInterval,
			MaxAge:         cfg.Maintenance.MaxAge,
			MinScore:       cfg.Maintenance.MinScore,
			MaxPatterns:    cfg.Maintenance.MaxPatterns,
			ExportInterval: cfg.Maintenance.ExportInterval,
			ExportPrefix:   cfg.Maintenance.ExportPrefix,
			KeepExports:    cfg.Maintenance.KeepExports,
		},
		Logger: logger,
	}
}
