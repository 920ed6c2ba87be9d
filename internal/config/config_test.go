package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringP("config", "c", "", "")
	cmd.Flags().StringP("storage", "s", "", "")
	cmd.Flags().String("hostname", "", "")
	cmd.Flags().IntP("port", "p", 0, "")
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Duration("lifecycle-interval", 0, "")
	return cmd
}

func TestLoadDefaults(t *testing.T) {
	cmd := newCommand()
	require.NoError(t, cmd.Flags().Set("storage", t.TempDir()))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Hostname)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, int64(5*1024*1024), cfg.Storage.MinPartSize)
	assert.Equal(t, time.Hour, cfg.Lifecycle.Interval)
	assert.Equal(t, time.Hour, cfg.Lifecycle.MultipartAbortAfter)
	assert.True(t, cfg.Metrics.Enable)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.True(t, filepath.IsAbs(cfg.Storage.DataDir))
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	cmd := newCommand()
	require.NoError(t, cmd.Flags().Set("storage", t.TempDir()))
	require.NoError(t, cmd.Flags().Set("hostname", "0.0.0.0"))
	require.NoError(t, cmd.Flags().Set("port", "9000"))
	require.NoError(t, cmd.Flags().Set("log-level", "debug"))
	require.NoError(t, cmd.Flags().Set("lifecycle-interval", "30m"))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Hostname)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Minute, cfg.Lifecycle.Interval)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr())
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "stratumfs.yaml")
	content := "port: 7070\nstorage:\n  data_dir: " + dir + "\n  min_part_size: 1024\nauth:\n  admin_access_key: AKROOT\n"
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))

	cmd := newCommand()
	require.NoError(t, cmd.Flags().Set("config", file))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, int64(1024), cfg.Storage.MinPartSize)
	assert.Equal(t, "AKROOT", cfg.Auth.AdminAccessKey)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cmd := newCommand()
	require.NoError(t, cmd.Flags().Set("storage", t.TempDir()))
	require.NoError(t, cmd.Flags().Set("port", "99999"))

	_, err := Load(cmd)
	assert.Error(t, err)

	cmd = newCommand()
	require.NoError(t, cmd.Flags().Set("config", filepath.Join(t.TempDir(), "absent.yaml")))
	_, err = Load(cmd)
	assert.Error(t, err)
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{Storage: StorageConfig{DataDir: "/data/stratumfs"}}
	assert.Equal(t, "/data/stratumfs/stratumfs.db", cfg.DatabasePath())
	assert.Equal(t, "/data/stratumfs/objects", cfg.ObjectsDir())
	assert.Equal(t, "/data/stratumfs/uploads", cfg.UploadsDir())
}
