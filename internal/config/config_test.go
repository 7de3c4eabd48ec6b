package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "p2p", cfg.Signaling.Transport)
	assert.Equal(t, 25.0, cfg.VAD.Threshold)
	assert.Equal(t, 550, cfg.VAD.SilenceDelayMs)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Signaling.Transport = "carrier-pigeon" }},
		{"relay without url", func(c *Config) { c.Signaling.Transport = "relay"; c.Signaling.RelayURL = "" }},
		{"relay with http url", func(c *Config) { c.Signaling.Transport = "relay"; c.Signaling.RelayURL = "http://x" }},
		{"port out of range", func(c *Config) { c.Signaling.ListenPort = 70000 }},
		{"threshold out of range", func(c *Config) { c.VAD.Threshold = 150 }},
		{"negative silence delay", func(c *Config) { c.VAD.SilenceDelayMs = -1 }},
		{"zero tick", func(c *Config) { c.VAD.TickMs = 0 }},
		{"smoothing of one", func(c *Config) { c.VAD.Smoothing = 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMergesIntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"vad":{"threshold":40}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 40.0, cfg.VAD.Threshold, "explicit value wins")
	assert.Equal(t, 550, cfg.VAD.SilenceDelayMs, "missing fields keep defaults")
	assert.Equal(t, "p2p", cfg.Signaling.Transport)
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.json")
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"display_name":"Alice"}}`)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Alice", cfg.Identity.DisplayName)
}

func TestEnsureCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "p2p", cfg.Signaling.Transport)

	// Second run loads the existing file.
	cfg2, created, err := Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg, cfg2)
}

func TestSaveRefusesInvalidConfig(t *testing.T) {
	cfg := Default()
	cfg.Signaling.Transport = "nope"
	err := Save(filepath.Join(t.TempDir(), "parley.json"), cfg)
	assert.Error(t, err)
}
