package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	cases := []struct {
		level, format string
		wantErr       bool
		enabled       zapcore.Level
	}{
		{"info", "json", false, zapcore.InfoLevel},
		{"debug", "console", false, zapcore.DebugLevel},
		{"warn", "", false, zapcore.WarnLevel},
		{"loud", "json", true, 0},
		{"info", "xml", true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.level+"/"+tc.format, func(t *testing.T) {
			log, err := New(tc.level, tc.format)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if !log.Core().Enabled(tc.enabled) || log.Core().Enabled(tc.enabled-1) {
				t.Fatalf("level %s not applied", tc.level)
			}
		})
	}
}
