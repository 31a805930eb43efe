// Package logger configures the process-wide zap logger.
package logger

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls log level and optional file rotation.
type Options struct {
	Level       string
	Environment string
	FilePath    string // directory; empty disables file output
	MaxSizeMB   int
	MaxAgeDays  int
	MaxBackups  int
	Compress    bool
}

// Init builds a zap logger from opts and installs it as the global logger.
// The returned function flushes buffered entries.
func Init(opts Options) (*zap.Logger, func()) {
	level := parseLevel(opts.Level)

	var encCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if opts.Environment == "production" {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
	}

	if opts.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(opts.FilePath, "tracker.log"),
			MaxSize:    withDefault(opts.MaxSizeMB, 200),
			MaxAge:     withDefault(opts.MaxAgeDays, 30),
			MaxBackups: withDefault(opts.MaxBackups, 7),
			Compress:   opts.Compress,
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(rotator), level))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	restore := zap.ReplaceGlobals(l)

	return l, func() {
		_ = l.Sync()
		restore()
	}
}

func parseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func withDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
