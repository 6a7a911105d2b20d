package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerEnv(t *testing.T) {
	t.Setenv("CHUB_JWT_SECRET", "s3cret")
	t.Setenv("CHUB_ADDR", ":9090")
	t.Setenv("CHUB_ALLOW_LEGACY_ACTOR_HEADER", "true")

	got, err := LoadServerEnv()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got.JWTSecret)
	assert.Equal(t, ":9090", got.Addr)
	assert.Equal(t, "/v0", got.BasePath)
	assert.True(t, got.AllowLegacyActorHeader)
	assert.Empty(t, got.OTelEndpoint)
	assert.True(t, got.OTelEnabled)
}

func TestLoadServerEnvTracing(t *testing.T) {
	t.Setenv("CHUB_OTEL_ENDPOINT", "http://collector:4318")
	t.Setenv("CHUB_OTEL_ENABLED", "false")

	got, err := LoadServerEnv()
	require.NoError(t, err)
	assert.Equal(t, "http://collector:4318", got.OTelEndpoint)
	assert.False(t, got.OTelEnabled)
}

func TestLoadServerEnvRejectsBadBool(t *testing.T) {
	t.Setenv("CHUB_ALLOW_LEGACY_ACTOR_HEADER", "maybe")
	_, err := LoadServerEnv()
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, LoadDotEnv(dir))

	const key = "CHUB_TEST_DOTENV_VALUE"
	t.Cleanup(func() { os.Unsetenv(key) })
	require.NoError(t, os.WriteFile(filepath.Join(dir, DotEnvFile), []byte(key+"=from-file\n"), 0o600))
	require.NoError(t, LoadDotEnv(dir))
	assert.Equal(t, "from-file", os.Getenv(key))

	t.Setenv(key, "from-env")
	require.NoError(t, LoadDotEnv(dir))
	assert.Equal(t, "from-env", os.Getenv(key))
}
