// Package log wraps go.uber.org/zap for the forwarding engine, adopted
// from the production logging stack present in the pack
// (aws-karpenter-provider-aws's go.mod closure requires go.uber.org/zap)
// since the teacher itself carries no structured logger.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap.Logger at the given level ("debug", "info",
// "warn", "error"; anything else falls back to "info").
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ForRequest returns a sub-logger carrying conn_id/txn_id fields, matching
// the teacher's habit of carrying small structured metadata through call
// chains (pkg/timing.Timer, pkg/errors.Error fields).
func ForRequest(base *zap.Logger, connID, txnID string) *zap.Logger {
	fields := make([]zap.Field, 0, 2)
	if connID != "" {
		fields = append(fields, zap.String("conn_id", connID))
	}
	if txnID != "" {
		fields = append(fields, zap.String("txn_id", txnID))
	}
	return base.With(fields...)
}
