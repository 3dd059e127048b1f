package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaults(t *testing.T) {
	local, err := LoadLocal("")
	require.NoError(t, err)
	require.NoError(t, local.Validate())
	require.Equal(t, "127.0.0.1:9527", local.Listen)
	require.Equal(t, "ws://127.0.0.1:9528/tunnel", local.URL())
	require.Equal(t, "at-proxy", local.Key)

	remote, err := LoadRemote("")
	require.NoError(t, err)
	require.NoError(t, remote.Validate())
	require.Equal(t, 20*time.Second, remote.ConnectTimeout.Std())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "remote.yaml", `
listen: 0.0.0.0:8443
transport: tcp
key: secret
cipher: chacha20-poly1305
connect_timeout: 5s
resolver: 1.1.1.1:53
log:
  level: debug
`)
	cfg, err := LoadRemote(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "0.0.0.0:8443", cfg.Listen)
	require.Equal(t, TransportTCP, cfg.Transport)
	require.Equal(t, "secret", cfg.Key)
	require.Equal(t, 5*time.Second, cfg.ConnectTimeout.Std())
	require.Equal(t, "1.1.1.1:53", cfg.Resolver)
	require.Equal(t, "debug", cfg.Log.Level)
	// Unset fields keep their defaults.
	require.Equal(t, int64(256), cfg.MaxPendingDials)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "local.json", `{
  "listen": "127.0.0.1:1080",
  "remote": "relay.example.com:443",
  "tls": true,
  "path": "/ws",
  "key": "k",
  "connect_timeout": "10s"
}`)
	cfg, err := LoadLocal(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "wss://relay.example.com:443/ws", cfg.URL())
	require.Equal(t, 10*time.Second, cfg.ConnectTimeout.Std())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.yml")
	cfg := DefaultLocalConfig()
	cfg.Key = "generated"
	require.NoError(t, Save(path, cfg))

	loaded, err := LoadLocal(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*RemoteConfig)
	}{
		{"bad listen", func(c *RemoteConfig) { c.Listen = "nope" }},
		{"bad transport", func(c *RemoteConfig) { c.Transport = "quic" }},
		{"empty key", func(c *RemoteConfig) { c.Key = "" }},
		{"bad cipher", func(c *RemoteConfig) { c.Cipher = "rc4" }},
		{"bad path", func(c *RemoteConfig) { c.Path = "tunnel" }},
		{"zero timeout", func(c *RemoteConfig) { c.ConnectTimeout = 0 }},
		{"bad resolver", func(c *RemoteConfig) { c.Resolver = "8.8.8.8" }},
		{"no dials", func(c *RemoteConfig) { c.MaxPendingDials = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRemoteConfig()
			tt.modify(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadLocal(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	path := writeFile(t, "bad.json", `{"connect_timeout": "soon"}`)
	_, err = LoadLocal(path)
	require.Error(t, err)
}
