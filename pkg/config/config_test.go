package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/deploybay")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SUBSTRATE_URL", "http://localhost:9400")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, "development", c.AppEnv)
	require.Equal(t, "0.0.0.0:8080", c.HTTPAddr)
	require.Equal(t, "0.0.0.0:8090", c.GatewayAddr)
	require.Equal(t, 5, c.ProvisionAttempts)
	require.Equal(t, 15*time.Second, c.SubstrateTimeout)
	require.Equal(t, 2*time.Minute, c.GracePeriod)
	require.Equal(t, 3*time.Second, c.ActiveCacheTTL)
	require.Equal(t, 5*time.Minute, c.DomainCacheTTL)
	require.Greater(t, c.CacheMaxAge, c.ActiveCacheTTL)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/deploybay")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SUBSTRATE_URL", "http://localhost:9400")
	t.Setenv("GRACE_PERIOD", "not-a-duration")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsMissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SUBSTRATE_URL", "http://localhost:9400")

	_, err := Load()
	require.Error(t, err)
}
