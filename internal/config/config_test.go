package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swaplive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	d := Defaults()
	require.NoError(t, d.Validate())
	assert.Equal(t, BusyEvict, d.Session.BusyPolicy)
	assert.Equal(t, 60*time.Second, d.Session.IdleTimeout)
	assert.Equal(t, float64(15), d.Session.MaxFPS)
	assert.Equal(t, 15, d.Session.Burst)
	assert.Equal(t, int64(10*1024*1024), d.Upload.MaxBytes)
	assert.Equal(t, 3000, d.Server.PortRangeStart)
	assert.Equal(t, 9999, d.Server.PortRangeEnd)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 5000
session:
  busy_policy: reject
  idle_timeout: 90s
tunnel:
  region: eu
`)
	t.Setenv(EnvPrefix+"_CONFIG", path)
	t.Setenv(EnvPrefix+"_SERVER_PORT", "6000")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--port", "7000"}))

	s, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, 7000, s.Server.Port, "flag beats env and file")
	assert.Equal(t, BusyReject, s.Session.BusyPolicy, "file beats defaults")
	assert.Equal(t, 90*time.Second, s.Session.IdleTimeout)
	assert.Equal(t, "eu", s.Tunnel.Region)
	assert.Equal(t, "0.0.0.0", s.Server.Host, "untouched fields keep defaults")
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 5000\n")
	t.Setenv(EnvPrefix+"_SERVER_PORT", "6000")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path}))

	s, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, 6000, s.Server.Port)
}

func TestLegacyTunnelEnv(t *testing.T) {
	t.Setenv("NGROK_AUTHTOKEN", "legacy-token")
	t.Setenv("NGROK_REGION", "AP")
	t.Setenv("NGROK_SUBDOMAIN", "demo")

	s, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "legacy-token", s.Tunnel.AuthToken)
	assert.Equal(t, "ap", s.Tunnel.Region)
	assert.Equal(t, "demo", s.Tunnel.Subdomain)
}

func TestNoGPUFlag(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--no-gpu"}))

	s, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, "cpu", s.Engine.Device)
}

func TestExtensionsNormalized(t *testing.T) {
	t.Setenv(EnvPrefix+"_UPLOAD_ALLOWED_EXTENSIONS", "JPG, .png,png")

	s, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{".jpg", ".png"}, s.Upload.AllowedExtensions)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Settings){
		"busy policy": func(s *Settings) { s.Session.BusyPolicy = "queue" },
		"port range":  func(s *Settings) { s.Server.PortRangeStart, s.Server.PortRangeEnd = 9000, 8000 },
		"port":        func(s *Settings) { s.Server.Port = 70000 },
		"max fps":     func(s *Settings) { s.Session.MaxFPS = 0 },
		"burst":       func(s *Settings) { s.Session.Burst = 0 },
		"device":      func(s *Settings) { s.Engine.Device = "tpu" },
		"log format":  func(s *Settings) { s.Log.Format = "xml" },
		"empty allow": func(s *Settings) { s.Upload.AllowedExtensions = nil },
		"tunnel region": func(s *Settings) {
			s.Tunnel.Enabled = true
			s.Tunnel.Region = "mars"
		},
		"tunnel attempts": func(s *Settings) {
			s.Tunnel.Enabled = true
			s.Tunnel.VerifyAttempts = 0
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := Defaults()
			mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(EnvPrefix+"_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load(nil)
	assert.Error(t, err)
}
