package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a *zap.Logger to Logger. The level is held in a
// zap.AtomicLevel shared with every child, and is checked before the entry
// reaches the core so SetLevel works even for cores with a fixed enabler.
type ZapLogger struct {
	logger *zap.Logger
	level  zap.AtomicLevel
}

var _ Logger = (*ZapLogger)(nil)

// NewZapLogger wraps an existing zap logger starting at the given level.
func NewZapLogger(z *zap.Logger, level Level) *ZapLogger {
	if z == nil {
		z = zap.NewNop()
	}
	return &ZapLogger{
		logger: z,
		level:  zap.NewAtomicLevelAt(levelToZap(level)),
	}
}

// NewProductionZapLogger builds a JSON zap logger on stderr.
func NewProductionZapLogger(level Level) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(levelToZap(level))
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	built, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to build zap logger: %w", err)
	}
	return &ZapLogger{logger: built, level: cfg.Level}, nil
}

func (l *ZapLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *ZapLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *ZapLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *ZapLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

func (l *ZapLogger) log(level Level, msg string, fields []Field) {
	zl := levelToZap(level)
	if !l.level.Enabled(zl) {
		return
	}
	if ce := l.logger.Check(zl, msg); ce != nil {
		ce.Write(toZapFields(fields)...)
	}
}

// With creates a child logger with the given fields pre-set
func (l *ZapLogger) With(fields ...Field) Logger {
	return &ZapLogger{
		logger: l.logger.With(toZapFields(fields)...),
		level:  l.level,
	}
}

func (l *ZapLogger) SetLevel(level Level) {
	l.level.SetLevel(levelToZap(level))
}

func (l *ZapLogger) GetLevel() Level {
	switch l.level.Level() {
	case zapcore.DebugLevel:
		return DebugLevel
	case zapcore.InfoLevel:
		return InfoLevel
	case zapcore.WarnLevel:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

// Raw returns the underlying zap logger.
func (l *ZapLogger) Raw() *zap.Logger {
	return l.logger
}

func levelToZap(level Level) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
