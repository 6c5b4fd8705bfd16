// Package logging builds dispatchd's zap loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/msageha/dispatchd/internal/model"
)

const timeLayout = "2006-01-02 15:04:05.000"

// ParseLevel maps a config level name to a zap level. Unknown names are info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New returns a logger writing to the configured rotating file, or to stderr
// when no file is set. The returned closer flushes and closes the file.
func New(cfg model.LoggingConfig) (*zap.SugaredLogger, io.Closer) {
	var sink zapcore.WriteSyncer
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		sink = zapcore.AddSync(lj)
		closer = lj
	} else {
		sink = zapcore.Lock(os.Stderr)
	}
	logger := NewWithWriter(sink, ParseLevel(cfg.Level))
	return logger, closerFunc(func() error {
		_ = logger.Sync()
		return closer.Close()
	})
}

// NewWithWriter builds a console-encoded logger over an arbitrary sink.
func NewWithWriter(w zapcore.WriteSyncer, level zapcore.Level) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), w, level)
	return zap.New(core, zap.AddCaller()).Sugar()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
