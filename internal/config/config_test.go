package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quotehub/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8002", cfg.HTTPBind)
	assert.Equal(t, ":5556", cfg.TickEgressBind)
	assert.Equal(t, time.Second, cfg.HealthInterval)
	assert.Equal(t, 60*time.Second, cfg.CanaryThreshold)
	assert.Equal(t, 5*time.Second, cfg.CooldownMin)
	assert.Equal(t, 300*time.Second, cfg.CooldownMax)
	assert.Equal(t, 5, cfg.MaxRestartAttempts)
	assert.Equal(t, []string{"rb2601"}, cfg.CanarySymbols[domain.GatewayCTP])
	assert.Empty(t, cfg.CanarySymbols[domain.GatewaySOPT])
	assert.False(t, cfg.Backup.Enabled())
	assert.Equal(t, 30, cfg.Backup.RetentionDays)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_BIND", ":9100")
	t.Setenv("CANARY_SYMBOLS_CTP", "rb2601, ag2606 ,")
	t.Setenv("CROSS_TYPE_FAILOVER", "true")
	t.Setenv("BACKUP_S3_BUCKET", "quotehub-backups")
	t.Setenv("MAX_RESTART_ATTEMPTS", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.HTTPBind)
	assert.Equal(t, []string{"rb2601", "ag2606"}, cfg.CanarySymbols[domain.GatewayCTP])
	assert.True(t, cfg.CrossTypeFailover)
	assert.True(t, cfg.Backup.Enabled())
	assert.Equal(t, 8, cfg.MaxRestartAttempts)
}

func TestValidateRejectsBadBounds(t *testing.T) {
	t.Setenv("COOLDOWN_MIN_SEC", "600")
	t.Setenv("COOLDOWN_MAX_SEC", "5")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateRejectsZeroAttempts(t *testing.T) {
	t.Setenv("MAX_RESTART_ATTEMPTS", "0")
	_, err := Load()
	require.Error(t, err)
}

func TestParseCSV(t *testing.T) {
	assert.Nil(t, parseCSV(""))
	assert.Equal(t, []string{"a"}, parseCSV("a"))
	assert.Equal(t, []string{"a", "b"}, parseCSV(" a , b ,,"))
}
