// Package config provides 12-factor configuration for vizflow.
//
// Configuration is loaded from environment variables with defaults. A YAML
// or TOML file may be layered on top with LoadFile; keys present in the file
// override the environment.
//
// Configuration Sections:
//   - Shm: segment backend (file or heap), directory, arena size and tables, name prefix
//   - Channel: slot capacity and chunk size of message channels
//   - Coupling: handshake file, rank, module id, timeouts, idle backoff, connect breaker, options
//   - Archive: compression of inline object frames
//   - Logging: log level and output format
//   - Server: status server address
//
// Example Usage:
//
//	cfg, err := config.LoadFile("vizflow.yaml")
//	if err != nil {
//		return err
//	}
//	orch := orchestrator.New(backend, registry, pipe, cfg.Orchestrator(), logger, metrics)
//
// Environment Variables:
//   - VIZFLOW_SHM_BACKEND, VIZFLOW_SHM_DIR, VIZFLOW_SHM_ARENA_SIZE, VIZFLOW_SHM_PREFIX
//   - VIZFLOW_CHANNEL_CAPACITY, VIZFLOW_CHANNEL_CHUNK_SIZE
//   - VIZFLOW_COUPLING_HANDSHAKE_PATH, VIZFLOW_COUPLING_RANK, VIZFLOW_COUPLING_END_TIMEOUT
//   - VIZFLOW_ARCHIVE_COMPRESS, VIZFLOW_ARCHIVE_LEVEL
//   - VIZFLOW_LOGGING_LEVEL, VIZFLOW_LOGGING_DEVELOPMENT
//   - VIZFLOW_SERVER_ENABLED, VIZFLOW_SERVER_HOST, VIZFLOW_SERVER_PORT
package config
