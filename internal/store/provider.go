package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// NewProvider creates the provider for the configured backend.
func NewProvider(ctx context.Context, cfg *Config, logger *zap.Logger) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("backend", cfg.Backend))

	switch cfg.Backend {
	case BackendFile:
		return NewFileProvider(cfg.Dir, logger)
	case BackendMemory:
		logger.Warn("Using in-memory lock store, locks will not survive a restart")
		return NewMemoryProvider(), nil
	case BackendOlric:
		return NewOlricProvider(ctx, cfg.Olric, logger)
	case BackendPostgres:
		return NewPostgresProvider(ctx, cfg.Postgres, logger)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}
