package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 180, cfg.CheckIntervalSec)
	assert.Equal(t, 600, cfg.CooldownSec)
	assert.Equal(t, 0.6, cfg.ConfidenceThreshold)
	assert.Equal(t, 50, cfg.DailyAddLimit)
	assert.Equal(t, 23, cfg.QuietHoursStart)
	assert.Equal(t, 7, cfg.QuietHoursEnd)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
database_path: /tmp/mon.db
check_interval: 300
max_workers: 4
admin_ids: ["1", "2"]
detector_weights:
  keyword: 1
  dom: 1
  api: 1
  fingerprint: 1
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/mon.db", cfg.DatabasePath)
	assert.Equal(t, 300, cfg.CheckIntervalSec)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, 600, cfg.CooldownSec, "unset keys keep defaults")
	assert.True(t, cfg.IsAdmin("2"))
	assert.False(t, cfg.IsAdmin("3"))

	w := cfg.DetectorWeights.Normalised()
	assert.InDelta(t, 0.25, w.Keyword, 0.001)
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	path := writeConfig(t, "database_path: /tmp/mon.db\nbot_token: from-file\n")
	t.Setenv("VPSMON_BOT_TOKEN", "from-env")
	t.Setenv("VPSMON_CHAT_ID", "-100555")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.BotToken)
	assert.Equal(t, "-100555", cfg.ChatID)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"interval too small", "database_path: x\ncheck_interval: 5\n"},
		{"threshold out of range", "database_path: x\nconfidence_threshold: 1.5\n"},
		{"quiet hours out of range", "database_path: x\nquiet_hours_start: 25\n"},
		{"too many workers", "database_path: x\nmax_workers: 1000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNormalisedZeroWeightsFallBack(t *testing.T) {
	w := DetectorWeights{}.Normalised()
	assert.Equal(t, DefaultWeights(), w)
}
