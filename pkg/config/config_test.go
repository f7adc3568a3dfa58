package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobile-measure/collector/pkg/config"
)

func writeTempTOML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "collector.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	opts := config.Default()
	assert.Equal(t, 8080, opts.HTTP.Port)
	assert.Equal(t, "gridfs", opts.StorageType)
	assert.Equal(t, "mocked", opts.AuthType)
	assert.NoError(t, opts.Validate())
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	path := writeTempTOML(t, `
storage-type = "google"

[http]
port = 9090

[mongo]
uri = "mongodb://localhost:27017"
db = "measurements"
`)

	opts, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "google", opts.StorageType)
	assert.Equal(t, 9090, opts.HTTP.Port)
	assert.Equal(t, "0.0.0.0", opts.HTTP.Host, "unset fields keep their default")
	assert.Equal(t, "mongodb://localhost:27017", opts.Mongo.URI)
	assert.Equal(t, "mocked", opts.AuthType, "auth-type wasn't overridden, stays default")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}

func TestLoad_InvalidStorageTypeFailsValidation(t *testing.T) {
	path := writeTempTOML(t, `storage-type = "nfs"`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestValidate_RejectsUnrecognizedAuthType(t *testing.T) {
	opts := config.Default()
	opts.AuthType = "ldap"
	assert.Error(t, opts.Validate())
}

func TestValidate_RejectsNonPositiveExpiration(t *testing.T) {
	opts := config.Default()
	opts.Upload.ExpirationMS = 0
	assert.Error(t, opts.Validate())
}

func TestValidate_RejectsNonPositivePayloadLimit(t *testing.T) {
	opts := config.Default()
	opts.Measurement.PayloadLimitBytes = -1
	assert.Error(t, opts.Validate())
}
