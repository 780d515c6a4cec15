package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InternetumM/AsyncNet/config"
)

func TestDefaultHasSaneLogDefaults(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "console", cfg.Log.Format)
	require.Equal(t, []string{"stdout"}, cfg.Log.Outputs)
	require.Nil(t, cfg.TCPClient)
	require.Nil(t, cfg.TCPServer)
}

func TestLoadWithNoFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/asyncnet.yaml"
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: nonsense\n"), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	t.Setenv("ASYNCNET_LOG_LEVEL", "debug")
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestMustLoadPanicsOnInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/bad.yaml"
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: nonsense\n"), 0o644))

	require.Panics(t, func() { config.MustLoad(path) })
}
