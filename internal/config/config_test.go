package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
allowed_networks = ["10.0.0.0/8"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.BindAddress)
	require.Equal(t, 1080, cfg.SOCKS5Port)
	require.Equal(t, 8080, cfg.HTTPPort)
	require.Equal(t, 512, cfg.MaxConnections)
	require.Len(t, cfg.AllowedPrefixes, 1)
}

func TestLoadRejectsInvalidCIDR(t *testing.T) {
	path := writeTempConfig(t, `allowed_networks = ["not-a-cidr"]`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsAuthRequiredWithoutUsers(t *testing.T) {
	path := writeTempConfig(t, `
[auth]
required = true
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateUsernames(t *testing.T) {
	path := writeTempConfig(t, `
[auth]
required = true
[[auth.users]]
username = "alice"
password_hash = "x"
[[auth.users]]
username = "alice"
password_hash = "y"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestFindUser(t *testing.T) {
	path := writeTempConfig(t, `
[auth]
required = true
[[auth.users]]
username = "alice"
password_hash = "x"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	u := cfg.FindUser("alice")
	require.NotNil(t, u)
	require.Equal(t, "x", u.PasswordHash)

	require.Nil(t, cfg.FindUser("bob"))
}

func TestDurationRoundTrip(t *testing.T) {
	path := writeTempConfig(t, `connection_timeout = "45s"`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(45), int64(cfg.ConnectionTimeout.Duration.Seconds()))
}

func TestWriteDefaultProducesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.toml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.AllowedPrefixes, 1)
}
