package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Use(zap.New(core))
	t.Cleanup(func() { Init(false, "info") })

	Debug("hidden %d", 1)
	Info("table %s has %d columns", "orders", 3)
	Warn("slow query")
	Error("connect: %v", "refused")

	var tests = []struct {
		level zapcore.Level
		msg   string
	}{
		{zapcore.InfoLevel, "table orders has 3 columns"},
		{zapcore.WarnLevel, "slow query"},
		{zapcore.ErrorLevel, "connect: refused"},
	}

	entries := logs.All()
	if len(entries) != len(tests) {
		t.Fatalf("\ngot %d entries, wanted %d", len(entries), len(tests))
	}
	for i, tt := range tests {
		if entries[i].Level != tt.level || entries[i].Message != tt.msg {
			t.Errorf("\ngot %v %q, wanted %v %q", entries[i].Level, entries[i].Message, tt.level, tt.msg)
		}
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	l := New(true, "not-a-level")
	if l.Core().Enabled(zapcore.DebugLevel) {
		t.Errorf("\ndebug should be disabled for an unknown level")
	}
	if !l.Core().Enabled(zapcore.InfoLevel) {
		t.Errorf("\ninfo should be enabled for an unknown level")
	}
}
