package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducksearch-labs/ducksearch/internal/testutil"
)

func TestLoad_Sidecar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	require.NoError(t, os.WriteFile(path, []byte("API_TOKEN=hunter2\nDB_PASS=s3cret\n"), 0o600))
	t.Setenv(SidecarEnv, path)

	v, err := Load(testutil.NewTestLogger(t))
	require.NoError(t, err)

	got, ok := v.Resolve("API_TOKEN")
	assert.True(t, ok)
	assert.Equal(t, "hunter2", got)
}

func TestLoad_MissingSidecarFails(t *testing.T) {
	t.Setenv(SidecarEnv, filepath.Join(t.TempDir(), "nope.env"))
	_, err := Load(testutil.NewTestLogger(t))
	assert.Error(t, err)
}

func TestResolve_EnvFallback(t *testing.T) {
	t.Setenv(SidecarEnv, "")
	t.Setenv("ONLY_IN_ENV", "value")

	v, err := Load(testutil.NewTestLogger(t))
	require.NoError(t, err)

	got, ok := v.Resolve("ONLY_IN_ENV")
	assert.True(t, ok)
	assert.Equal(t, "value", got)

	_, ok = v.Resolve("DEFINITELY_NOT_SET_ANYWHERE")
	assert.False(t, ok)
}

func TestRedact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	require.NoError(t, os.WriteFile(path, []byte("TOKEN=tok-12345\n"), 0o600))
	t.Setenv(SidecarEnv, path)

	v, err := Load(testutil.NewTestLogger(t))
	require.NoError(t, err)

	msg := v.Redact("failed near tok-12345 in query")
	assert.NotContains(t, msg, "tok-12345")
	assert.Contains(t, msg, "[redacted]")
}

func TestRedactNamed_EnvSecrets(t *testing.T) {
	t.Setenv(SidecarEnv, "")
	t.Setenv("ENV_SECRET", "swordfish")

	v, err := Load(testutil.NewTestLogger(t))
	require.NoError(t, err)

	msg := v.RedactNamed("error: swordfish rejected", []string{"ENV_SECRET"})
	assert.NotContains(t, msg, "swordfish")
}
