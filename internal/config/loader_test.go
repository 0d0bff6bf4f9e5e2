package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baaaht/netlinkd/pkg/types"
)

func TestInterpolateEnvVars(t *testing.T) {
	t.Setenv("NETLINKD_TEST_DIR", "/run/netlinkd")

	tests := []struct {
		in   string
		want string
	}{
		{"${NETLINKD_TEST_DIR}/nl.sock", "/run/netlinkd/nl.sock"},
		{"${NETLINKD_TEST_UNSET:-/tmp}/nl.sock", "/tmp/nl.sock"},
		{"${NETLINKD_TEST_UNSET}", ""},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, interpolateEnvVars(tt.in), tt.in)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("wrong extension", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(tmpDir, "config.json"))
		require.Error(t, err)
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(tmpDir, "absent.yaml"))
		require.Error(t, err)
		assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "empty.yaml")
		require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))
		_, err := LoadFromFile(path)
		require.Error(t, err)
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))
	})

	t.Run("syntax error", func(t *testing.T) {
		path := filepath.Join(tmpDir, "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("netlink: [prealloc"), 0o644))
		_, err := LoadFromFile(path)
		require.Error(t, err)
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))
	})

	t.Run("type error", func(t *testing.T) {
		path := filepath.Join(tmpDir, "types.yaml")
		require.NoError(t, os.WriteFile(path, []byte("netlink:\n  prealloc: lots\n"), 0o644))
		_, err := LoadFromFile(path)
		require.Error(t, err)
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(tmpDir, "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("netlink:\n  prealloc: 8\n  max_conns: 2\n"), 0o644))
		_, err := LoadFromFile(path)
		require.Error(t, err)
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))
	})
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Netlink.MaxQueued = 32
	cfg.Admin.Enabled = true
	require.NoError(t, SaveToFile(cfg, path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Netlink, loaded.Netlink)
	assert.Equal(t, cfg.Admin, loaded.Admin)
	assert.Equal(t, cfg.IPC, loaded.IPC)
}
