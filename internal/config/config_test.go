package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvedAttachmentsDir_DefaultsUnderOSTempDir(t *testing.T) {
	var cfg Config
	require.Equal(t, filepath.Join(os.TempDir(), "messenger-attachments"), cfg.ResolvedAttachmentsDir())
}

func TestResolvedAttachmentsDir_UsesConfiguredValue(t *testing.T) {
	cfg := Config{AttachmentsDir: " /var/lib/messenger "}
	require.Equal(t, "/var/lib/messenger", cfg.ResolvedAttachmentsDir())
}

func TestClampPageSize(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 50, cfg.ClampPageSize(0))
	require.Equal(t, 10, cfg.ClampPageSize(10))
	require.Equal(t, 200, cfg.ClampPageSize(5000))

	var nilCfg *Config
	require.Equal(t, 50, nilCfg.ClampPageSize(-1))
}

func TestConfigTravelsInContext(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
	require.Nil(t, FromContext(context.Background()))
}
