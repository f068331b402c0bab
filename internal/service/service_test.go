package service

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateUnitContainsExecStartAndPaths(t *testing.T) {
	unit := generateUnit("/usr/local/bin/proxyd", "/etc/dualproxy/configs/prod.toml")

	require.Contains(t, unit, "ExecStart=/usr/local/bin/proxyd run -c /etc/dualproxy/configs/prod.toml")
	require.Contains(t, unit, "[Unit]")
	require.Contains(t, unit, "[Service]")
	require.Contains(t, unit, "[Install]")
	require.Contains(t, unit, "Restart=on-failure")
}

func TestCopyFileCopiesContentAndPermissions(t *testing.T) {
	dir := t.TempDir()
	src := dir + "/src.txt"
	dst := dir + "/dst.txt"

	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0644))
	require.NoError(t, copyFile(src, dst, 0600))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
