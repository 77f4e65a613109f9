package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Validate())
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "macrobrain.yaml")
	doc := `
server:
  port: 9091
guard:
  block_vix_thresh: 35.0
calibration:
  smoothing: 0.4
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9091, cfg.Server.Port)
	assert.Equal(t, 35.0, cfg.Guard.BlockVixThresh)
	assert.Equal(t, 0.4, cfg.Calibration.Smoothing)
	// Untouched keys keep defaults.
	assert.Equal(t, 0.50, cfg.Guard.BlockCreditThresh)
	assert.Equal(t, 90, cfg.Regime.StabilityDaysScale)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	doc := `
guard:
  accel_impulse_thresh: 0.2
calibration:
  min_weight: 0.5
  max_weight: 0.1
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestValidate_GuardOrdering(t *testing.T) {
	cfg := Default()
	cfg.Guard.BlockCreditThresh = 0.2 // below crisis
	issues := cfg.Validate()
	require.NotEmpty(t, issues)
	assert.Contains(t, issues[0], "block credit")
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}
