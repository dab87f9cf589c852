package cmd

import (
	"errors"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil before init", func(t *testing.T) {
		// Save and restore
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		result := GetAppIdentity()
		assert.Nil(t, result)
	})

	t.Run("returns identity after set", func(t *testing.T) {
		// If appIdentity is already set from other tests, verify it returns
		if appIdentity != nil {
			result := GetAppIdentity()
			assert.NotNil(t, result)
			assert.Equal(t, appIdentity, result)
		}
	})
}

func TestSetDefaults(t *testing.T) {
	// Reset viper for clean test
	v := viper.New()
	viper.Reset()
	defer func() {
		// Restore defaults
		viper.Reset()
		_ = v
	}()

	// Call setDefaults
	setDefaults()

	// Verify server defaults
	assert.Equal(t, "localhost", viper.GetString("server.host"))
	assert.Equal(t, 8080, viper.GetInt("server.port"))
	assert.Equal(t, "30s", viper.GetString("server.read_timeout"))
	assert.Equal(t, "30s", viper.GetString("server.write_timeout"))
	assert.Equal(t, "120s", viper.GetString("server.idle_timeout"))
	assert.Equal(t, "10s", viper.GetString("server.shutdown_timeout"))

	// Verify logging defaults
	assert.Equal(t, "info", viper.GetString("logging.level"))
	assert.Equal(t, "structured", viper.GetString("logging.profile"))

	// Verify queue and dispatch defaults
	assert.Equal(t, 30, viper.GetInt("queue.lease_seconds"))
	assert.True(t, viper.GetBool("dispatch.enabled"))
	assert.Equal(t, 4, viper.GetInt("dispatch.workers"))
	assert.Equal(t, "2s", viper.GetString("dispatch.poll_interval"))
	assert.Equal(t, "ephemeral", viper.GetString("dispatch.container_mode"))

	// Verify storage defaults
	assert.Equal(t, "sqlite", viper.GetString("database.driver"))
	assert.True(t, strings.HasSuffix(viper.GetString("database.path"), "agentdock.db"))

	// Verify pool and archive defaults
	assert.NotEmpty(t, viper.GetString("pool.image"))
	assert.Equal(t, "docker", viper.GetString("pool.docker_binary"))
	assert.False(t, viper.GetBool("archive.enabled"))
	assert.Equal(t, "workspaces", viper.GetString("archive.prefix"))
}

func TestCLIErrorCarriesExitCode(t *testing.T) {
	cause := errors.New("boom")
	err := exitError(42, "Something failed", cause)

	var ce *cliError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 42, ce.Code)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "Something failed")
	assert.Contains(t, err.Error(), "exit code 42")
}
