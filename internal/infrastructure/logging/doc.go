// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: colored console output
//
// Components receive the embedded *zap.Logger and name themselves
// ("coupling", "orchestrator", "sim"). ForRank tags every entry of one
// module instance with its id and rank.
//
// Example Usage:
//
//	logger := logging.NewDefault().ForRank("viewer", 1, 0)
//	logger.Info("Connected", zap.String("key", key))
package logging
