package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/keller-mark/viv/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Cleanup(func() {
		logrus.SetOutput(os.Stderr)
		logrus.SetFormatter(&logrus.TextFormatter{})
		logrus.SetLevel(logrus.InfoLevel)
	})

	t.Run("json file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "viv.log")
		logger, closeLog, err := newLogger(config.LogConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})
		if err != nil {
			t.Fatalf("newLogger: %v", err)
		}
		logger.WithField("dataset", "demo").Debug("hello")
		closeLog()

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read log: %v", err)
		}
		var entry map[string]interface{}
		if err := json.Unmarshal(data, &entry); err != nil {
			t.Fatalf("log line is not JSON: %q", data)
		}
		if entry["msg"] != "hello" || entry["dataset"] != "demo" || entry["level"] != "debug" {
			t.Errorf("unexpected entry %v", entry)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		if _, _, err := newLogger(config.LogConfig{Level: "loud"}); err == nil {
			t.Error("expected error for unknown level")
		}
		if _, _, err := newLogger(config.LogConfig{Level: "info", Format: "xml"}); err == nil {
			t.Error("expected error for unknown format")
		}
	})
}
