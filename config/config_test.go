package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_URL", "REALTIME_SOURCE", "META_WEBHOOK_PATH", "S3_BUCKET", "CLINIC_ID", "RABBITMQ_QUEUE"} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "dbdata/inbox.db", cfg.DatabaseURL)
	assert.Equal(t, "local", cfg.RealtimeSource)
	assert.Equal(t, "/webhooks/meta", cfg.MetaWebhookPath)
	assert.Equal(t, "default", cfg.ClinicID)
	assert.False(t, cfg.S3.Enabled())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("META_VERIFY_TOKEN", "secret")
	t.Setenv("S3_BUCKET", "media")
	t.Setenv("S3_PATH_STYLE", "true")
	t.Setenv("ROUTING_DEPARTMENT_ID", "dep-1")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "secret", cfg.MetaVerifyToken)
	assert.True(t, cfg.S3.Enabled())
	assert.True(t, cfg.S3.PathStyle)
	assert.Equal(t, "dep-1", cfg.RoutingDepartmentID)
}
