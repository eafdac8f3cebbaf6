package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/leafscan/internal/config"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level   string
		want    logrus.Level
		wantErr bool
	}{
		{"", logrus.InfoLevel, false},
		{"debug", logrus.DebugLevel, false},
		{"warn", logrus.WarnLevel, false},
		{"loud", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log, closer, err := New(config.LoggingConfig{Level: tt.level})
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer closer.Close()
			if log.GetLevel() != tt.want {
				t.Errorf("Expected level %s, got %s", tt.want, log.GetLevel())
			}
		})
	}
}

func TestNewJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leafscan.log")
	log, closer, err := New(config.LoggingConfig{Level: "info", Format: "json", File: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.WithField("fingerprint", "64:00ff").Info("cache hit")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"fingerprint":"64:00ff"`) {
		t.Errorf("Expected JSON field in log file, got %s", data)
	}
}

func TestNewUnknownFormat(t *testing.T) {
	if _, _, err := New(config.LoggingConfig{Format: "xml"}); err == nil {
		t.Error("Expected error for unknown format")
	}
}
