package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, 2*time.Minute, cfg.DrainGrace)
	assert.Equal(t, 5*time.Minute, cfg.VerificationTimeout)
	assert.Equal(t, "demo", cfg.IdentityBackend)
	assert.False(t, cfg.CloudinaryEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DRAIN_GRACE", "30s")
	t.Setenv("ARCHIVE_DRIVER", "sqlite")
	t.Setenv("QUEUE_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.DrainGrace)
	assert.Equal(t, "sqlite", cfg.ArchiveDriver)
	assert.Equal(t, "memory", cfg.QueueBackend)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown driver", env: map[string]string{"ARCHIVE_DRIVER": "mysql"}},
		{name: "http identity without url", env: map[string]string{"IDENTITY_BACKEND": "http"}},
		{name: "bad duration", env: map[string]string{"DRAIN_GRACE": "soon"}},
		{name: "production with dev secrets", env: map[string]string{"APP_ENV": "production"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
