package utils

import (
	"go.uber.org/zap"
)

type Logger struct {
	s *zap.SugaredLogger
}

func NewLogger() *Logger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{s: z.Sugar()}
}

// NewNopLogger returns a logger that discards everything (used in tests).
func NewNopLogger() *Logger {
	return &Logger{s: zap.NewNop().Sugar()}
}

func (lg *Logger) Debug(msg string, kv ...any) { lg.s.Debugw(msg, kv...) }
func (lg *Logger) Info(msg string, kv ...any)  { lg.s.Infow(msg, kv...) }
func (lg *Logger) Warn(msg string, kv ...any)  { lg.s.Warnw(msg, kv...) }
func (lg *Logger) Error(msg string, kv ...any) { lg.s.Errorw(msg, kv...) }

func (lg *Logger) Sync() { _ = lg.s.Sync() }
