package logger

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    zapcore.Level
		wantErr bool
	}{
		{"empty defaults to info", "", zapcore.InfoLevel, false},
		{"info", "info", zapcore.InfoLevel, false},
		{"error", "error", zapcore.ErrorLevel, false},
		{"warning", "warning", zapcore.WarnLevel, false},
		{"warn alias", "warn", zapcore.WarnLevel, false},
		{"debug", "debug", zapcore.DebugLevel, false},
		{"trace maps to debug", "trace", zapcore.DebugLevel, false},
		{"mixed case", "DeBuG", zapcore.DebugLevel, false},
		{"unknown", "verbose", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestSetLoggerControlsDebugFlag(t *testing.T) {
	defer SetLogger(zap.NewNop().Sugar())

	core, _ := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core).Sugar())
	if !IsDebugEnabled() {
		t.Error("debug-level logger: IsDebugEnabled() = false, want true")
	}

	core, _ = observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core).Sugar())
	if IsDebugEnabled() {
		t.Error("info-level logger: IsDebugEnabled() = true, want false")
	}
}

func TestHelpersRouteThroughLogger(t *testing.T) {
	defer SetLogger(zap.NewNop().Sugar())

	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core).Sugar())

	LogInfo("session up for %s", "test@example.com")
	LogWarn("queue depth %d", 33)
	LogDebug("dropped") // below the observer level

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || !strings.Contains(entries[0].Message, "session up for test@example.com") {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Level != zapcore.WarnLevel || !strings.Contains(entries[1].Message, "queue depth 33") {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}
