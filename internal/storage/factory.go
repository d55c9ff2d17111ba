package storage

import (
	"logcask/internal/config"
	"logcask/internal/logging"
	"logcask/internal/monitoring"
)

// New builds the configured storage stack: the log-structured engine,
// wrapped in a read cache when one is enabled.
func New(cfg *config.Config, logger *logging.Logger, metrics *monitoring.Metrics) (KV, error) {
	engine, err := Open(cfg, logger, metrics)
	if err != nil {
		return nil, err
	}

	if !cfg.Storage.Cache.Enabled {
		return engine, nil
	}

	return NewCachedKV(engine, cfg.Storage.Cache), nil
}
