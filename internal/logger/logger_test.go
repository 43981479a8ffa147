package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestSetLevelString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"", zapcore.InfoLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{" error ", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			level.SetLevel(zapcore.InfoLevel)
			err := SetLevelString(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SetLevelString(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got := level.Level(); got != tt.want {
				t.Errorf("level = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetBeforeInit(t *testing.T) {
	// Must be usable without Init so library packages can log unconditionally.
	Get().Info("no-op")
	Named("engine").Debug("no-op")
}
