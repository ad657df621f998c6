package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"github.com/ashureev/conductor/internal/capabilities"
	"github.com/ashureev/conductor/internal/config"
	"github.com/ashureev/conductor/internal/embedding"
	"github.com/ashureev/conductor/internal/integrations/paramstore"
	"github.com/ashureev/conductor/internal/registry"
	"github.com/ashureev/conductor/internal/store"
)

// app holds what every subcommand needs: configuration, the database, the
// checkpoint backend and the capability registry.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	repo        *store.SQLiteStore
	checkpoints store.CheckpointStore
	embedder    *embedding.Shared
	registry    *registry.Registry
}

func bootstrap(ctx context.Context) (*app, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	// AWS is only needed for Parameter Store secrets and the DynamoDB backend.
	var dynamo *awsdynamodb.Client
	if cfg.ParamPrefix != "" || cfg.Checkpoint.Backend == config.BackendDynamoDB {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		if cfg.ParamPrefix != "" {
			params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
			if err != nil {
				return nil, fmt.Errorf("create parameter store client: %w", err)
			}
			if err := cfg.ResolveSecrets(ctx, params); err != nil {
				return nil, err
			}
			logger.Info("Secrets resolved from Parameter Store", "prefix", cfg.ParamPrefix)
		}
		if cfg.Checkpoint.Backend == config.BackendDynamoDB {
			dynamo = awsdynamodb.NewFromConfig(awsCfg)
		}
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}

	var checkpoints store.CheckpointStore = repo
	if dynamo != nil {
		checkpoints, err = store.NewDynamoCheckpoints(dynamo, cfg.Checkpoint.Table, cfg.Checkpoint.TTL())
		if err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("initialize dynamodb checkpoints: %w", err)
		}
	}
	logger.Info("Database connected", "path", cfg.DBPath, "checkpoint_backend", cfg.Checkpoint.Backend)

	embedder := embedding.NewShared(func() (embedding.Embedder, error) {
		if cfg.Embedding.Addr == "" {
			logger.Info("Using local hashing embedder", "dimensions", cfg.Embedding.Dimensions)
			return embedding.NewHashEmbedder(cfg.Embedding.Dimensions), nil
		}
		grpcCfg := embedding.DefaultGRPCConfig(cfg.Embedding.Addr)
		grpcCfg.Dimensions = cfg.Embedding.Dimensions
		return embedding.NewGRPCEmbedder(grpcCfg, logger)
	})

	reg := registry.New(repo, embedder, logger)
	reg.Register(capabilities.Descriptors()...)

	return &app{
		cfg:         cfg,
		logger:      logger,
		repo:        repo,
		checkpoints: checkpoints,
		embedder:    embedder,
		registry:    reg,
	}, nil
}

// syncCapabilities applies the configured capability manifest, if any, and
// syncs the registry.
func (a *app) syncCapabilities(ctx context.Context) (int, error) {
	if a.cfg.CapabilityManifest != "" {
		if _, err := registry.NewWatcher(a.registry, a.cfg.CapabilityManifest, a.logger).Reload(ctx); err != nil {
			return 0, err
		}
		return a.registry.Len(), nil
	}
	return a.registry.Sync(ctx)
}

func (a *app) Close() {
	if err := a.embedder.Close(); err != nil {
		a.logger.Warn("Failed to close embedder", "error", err)
	}
	if err := a.repo.Close(); err != nil {
		a.logger.Error("Failed to close repository", "error", err)
	}
}
