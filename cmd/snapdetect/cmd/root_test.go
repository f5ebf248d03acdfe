package cmd

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/snapdetect/internal/config"
)

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "snapdetect", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)

	names := make([]string, 0, len(rootCmd.Commands()))
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, expected := range []string{"detect", "watch", "serve", "models", "config", "version"} {
		assert.Contains(t, names, expected)
	}
}

func TestRootCommandHelp(t *testing.T) {
	isolate(t)
	stdout, _, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "COCO-SSD")
	assert.Contains(t, stdout, "Available Commands:")
}

func TestRootCommandVersionFlag(t *testing.T) {
	isolate(t)
	stdout, _, err := execute(t, "--version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "snapdetect dev"))
}

func TestRootCommandInvalidFlag(t *testing.T) {
	isolate(t)
	_, stderr, err := execute(t, "--invalid-flag")
	require.Error(t, err)
	assert.Contains(t, stderr, "unknown flag")
}

func TestVersionCommand_JSON(t *testing.T) {
	isolate(t)
	stdout, _, err := execute(t, "version", "--json")
	require.NoError(t, err)

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, "dev", info["version"])
	assert.Contains(t, info, "commit")
}

func TestConfigShow_ReflectsFileAndFlags(t *testing.T) {
	dir := isolate(t)
	file := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(file, []byte("detector:\n  max_boxes: 7\nwatch:\n  settle_ms: 900\n"), 0o600))

	stdout, _, err := execute(t, "--config", file, "--log-level", "warn", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, stdout, "# loaded from "+file)
	assert.Contains(t, stdout, "max_boxes: 7")
	assert.Contains(t, stdout, "settle_ms: 900")
	assert.Contains(t, stdout, "log_level: warn")
}

func TestConfigShow_InvalidConfig(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapdetect.yaml"), []byte("detector:\n  min_score: 3\n"), 0o600))

	_, _, err := execute(t, "config", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration")
}

func TestConfigInit(t *testing.T) {
	dir := isolate(t)
	stdout, _, err := execute(t, "config", "init", "out.yaml")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Wrote out.yaml")

	loaded, err := config.NewLoader().LoadWithFile(filepath.Join(dir, "out.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Detector.MaxBoxes, loaded.Detector.MaxBoxes)
}

func TestConfigPaths(t *testing.T) {
	isolate(t)
	stdout, _, err := execute(t, "config", "paths")
	require.NoError(t, err)
	assert.Contains(t, stdout, "/etc/snapdetect")
}

func TestModelsCommand(t *testing.T) {
	dir := isolate(t)
	modelsDir := filepath.Join(dir, "models")
	require.NoError(t, os.MkdirAll(filepath.Join(modelsDir, "detection"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modelsDir, "detection", "ssd_mobilenet_v1_12.onnx"), []byte("x"), 0o600))

	stdout, _, err := execute(t, "--models-dir", modelsDir, "models")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Models directory: "+modelsDir)
	assert.Contains(t, stdout, "ssd-mobilenet-v1")
	assert.Contains(t, stdout, "present")
	assert.Contains(t, stdout, "missing")
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.Config
		debugSeen bool
		json      bool
	}{
		{name: "default json info", cfg: config.Config{LogLevel: "info", LogFormat: "json"}, json: true},
		{name: "verbose overrides level", cfg: config.Config{LogLevel: "error", LogFormat: "json", Verbose: true}, debugSeen: true, json: true},
		{name: "text debug", cfg: config.Config{LogLevel: "debug", LogFormat: "text"}, debugSeen: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newLogger(&buf, &tt.cfg)
			logger.Debug("debug line")
			logger.Info("info line", slog.String("stage", "decode"))

			out := buf.String()
			assert.Equal(t, tt.debugSeen, strings.Contains(out, "debug line"))
			if tt.cfg.LogLevel != "error" {
				assert.Contains(t, out, "info line")
			}
			assert.Equal(t, tt.json, strings.HasPrefix(out, "{"))
		})
	}
}
