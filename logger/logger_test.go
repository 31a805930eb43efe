package logger

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	l, flush := Init(Options{Level: "info", Environment: "production", FilePath: dir})

	if zap.L() != l {
		t.Fatal("Init did not replace the global logger")
	}
	zap.L().Info("snapshot stored", zap.Uint("portfolio_id", 7))
	flush()

	data, err := os.ReadFile(filepath.Join(dir, "tracker.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("log file is empty")
	}
}
