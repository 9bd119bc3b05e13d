package config

import (
	"github.com/spf13/pflag"
)

// Flags holds the command-line layer. Only flags the user actually set
// override lower layers.
type Flags struct {
	fs         *pflag.FlagSet
	v          Settings
	configPath string
	noGPU      bool
}

// RegisterFlags adds every configuration flag to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	d := Defaults()

	fs.StringVar(&f.configPath, "config", "", "path to a YAML config file")

	fs.StringVar(&f.v.Server.Host, "host", d.Server.Host, "interface to bind")
	fs.IntVarP(&f.v.Server.Port, "port", "p", d.Server.Port, "port to bind; 0 scans the port range")
	fs.IntVar(&f.v.Server.PortRangeStart, "port-range-start", d.Server.PortRangeStart, "first port tried when --port is 0")
	fs.IntVar(&f.v.Server.PortRangeEnd, "port-range-end", d.Server.PortRangeEnd, "last port tried when --port is 0")

	fs.StringVar(&f.v.Session.BusyPolicy, "busy-policy", d.Session.BusyPolicy, "what to do when a second client connects: reject or evict")
	fs.DurationVar(&f.v.Session.IdleTimeout, "idle-timeout", d.Session.IdleTimeout, "reclaim the session after this long without activity")
	fs.Float64Var(&f.v.Session.MaxFPS, "max-fps", d.Session.MaxFPS, "frames admitted per second")

	fs.StringVar(&f.v.Engine.Command, "engine-command", d.Engine.Command, "transformation engine executable")
	fs.StringVar(&f.v.Engine.ModelsDir, "models-dir", d.Engine.ModelsDir, "directory holding engine models")
	fs.BoolVar(&f.noGPU, "no-gpu", false, "run the engine on the CPU")

	fs.BoolVar(&f.v.Tunnel.Enabled, "tunnel", d.Tunnel.Enabled, "expose the server through a public tunnel")
	fs.StringVar(&f.v.Tunnel.AuthToken, "tunnel-token", d.Tunnel.AuthToken, "tunnel agent auth token")
	fs.StringVar(&f.v.Tunnel.Region, "tunnel-region", d.Tunnel.Region, "tunnel region")
	fs.StringVar(&f.v.Tunnel.Subdomain, "tunnel-subdomain", d.Tunnel.Subdomain, "requested tunnel subdomain")

	fs.StringVar(&f.v.Log.Level, "log-level", d.Log.Level, "log level")
	fs.StringVar(&f.v.Log.File, "log-file", d.Log.File, "also write logs to this file")
	fs.StringVar(&f.v.DatabasePath, "db", d.DatabasePath, "sqlite database path; empty disables persistence")

	return f
}

// ConfigPath returns the --config value.
func (f *Flags) ConfigPath() string {
	return f.configPath
}

func (f *Flags) apply(s *Settings) {
	set := func(name string, fn func()) {
		if f.fs.Changed(name) {
			fn()
		}
	}

	set("host", func() { s.Server.Host = f.v.Server.Host })
	set("port", func() { s.Server.Port = f.v.Server.Port })
	set("port-range-start", func() { s.Server.PortRangeStart = f.v.Server.PortRangeStart })
	set("port-range-end", func() { s.Server.PortRangeEnd = f.v.Server.PortRangeEnd })
	set("busy-policy", func() { s.Session.BusyPolicy = f.v.Session.BusyPolicy })
	set("idle-timeout", func() { s.Session.IdleTimeout = f.v.Session.IdleTimeout })
	set("max-fps", func() { s.Session.MaxFPS = f.v.Session.MaxFPS })
	set("engine-command", func() { s.Engine.Command = f.v.Engine.Command })
	set("models-dir", func() { s.Engine.ModelsDir = f.v.Engine.ModelsDir })
	set("tunnel", func() { s.Tunnel.Enabled = f.v.Tunnel.Enabled })
	set("tunnel-token", func() { s.Tunnel.AuthToken = f.v.Tunnel.AuthToken })
	set("tunnel-region", func() { s.Tunnel.Region = f.v.Tunnel.Region })
	set("tunnel-subdomain", func() { s.Tunnel.Subdomain = f.v.Tunnel.Subdomain })
	set("log-level", func() { s.Log.Level = f.v.Log.Level })
	set("log-file", func() { s.Log.File = f.v.Log.File })
	set("db", func() { s.DatabasePath = f.v.DatabasePath })

	if f.noGPU {
		s.Engine.Device = "cpu"
	}
}
