package logger

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Setup should not panic
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestLoggerMethodsExist(t *testing.T) {
	if Log == nil {
		Setup("info", "console")
	}

	// These should not panic
	Log.Info("test info message", "key", "value")
	Log.Debug("test debug message", "key", "value")
	Log.Warn("test warn message", "key", "value")
	Log.Error("test error message", "key", "value")
}

func TestLoggerWithMultipleFields(t *testing.T) {
	if Log == nil {
		Setup("debug", "console")
	}

	Log.Info(
		"multi-field test",
		"string_field", "value",
		"int_field", 42,
		"float_field", 3.14,
		"bool_field", true,
	)
}

func TestLoggerWithOddArgs(t *testing.T) {
	if Log == nil {
		Setup("info", "console")
	}

	// Odd number of args: last key has no value and is dropped
	Log.Info("odd args", "key1", "value1", "orphan_key")
}

func TestLoggerLevelConstants(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel}, // default case
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Setup(tt.level, "console")
			got := zerolog.GlobalLevel()
			if got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestComponentLogger(t *testing.T) {
	Setup("info", "console")

	child := Log.Component("engine")
	if child == nil {
		t.Fatal("Component returned nil")
	}
	if child == Log {
		t.Error("Component should return a distinct child logger")
	}

	// Child loggers log without panic and can nest
	child.Info("component message", "layer", 3)
	child.Component("cache").Warn("nested component message")
}

func TestAddFieldsWithNonStringKey(t *testing.T) {
	if Log == nil {
		Setup("info", "console")
	}

	// Non-string key gets converted to a string
	Log.Info("test non-string key", 123, "value")
}

func TestAddFieldsWithNilValue(t *testing.T) {
	if Log == nil {
		Setup("info", "console")
	}

	Log.Info("test nil value", "key", nil)
}
