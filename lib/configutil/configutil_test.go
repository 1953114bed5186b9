package configutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Port     int    `json:"port"`
	Database string `json:"database"`
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "config.json5")
	writeFile(t, name, `{
		// comments are fine, this is json5
		port: 8200,
		database: "classly.db",
	}`)

	config, err := ReadConfig[testConfig](name)
	require.NoError(t, err)
	require.Equal(t, 8200, config.Port)
	require.Equal(t, "classly.db", config.Database)
}

func TestReadConfigLocalOverrideWins(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "config.json5")
	writeFile(t, name, `{ port: 8200, database: "classly.db" }`)
	writeFile(t, filepath.Join(dir, "config.local.json5"), `{ port: 9999 }`)

	config, err := ReadConfig[testConfig](name)
	require.NoError(t, err)
	require.Equal(t, 9999, config.Port)
	require.Equal(t, "classly.db", config.Database)
}

func TestReadConfigLocalOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.local.json5"), `{ port: 9999 }`)

	config, err := ReadConfig[testConfig](filepath.Join(dir, "config.json5"))
	require.NoError(t, err)
	require.Equal(t, 9999, config.Port)
}

func TestReadConfigMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadConfig[testConfig](filepath.Join(dir, "config.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadConfigMalformed(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "config.json5")
	writeFile(t, name, `{ port: `)

	_, err := ReadConfig[testConfig](name)
	require.Error(t, err)
}

func TestLocalPath(t *testing.T) {
	require.Equal(t, "config.local.json5", localPath("config.json5"))
	require.Equal(t, "dir/a.local.json", localPath("dir/a.json"))
}
