package config

import "twitchwatch/internal/observability/debugsrv"

// DebugServerConfig maps the debug section onto the debug server config.
// An unparseable timeout is left at zero (no timeout).
func (c *Config) DebugServerConfig() debugsrv.Config {
	dc := c.Debug
	read, _ := ParseDurationField("debug.read_timeout", dc.ReadTimeout)
	write, _ := ParseDurationField("debug.write_timeout", dc.WriteTimeout)
	idle, _ := ParseDurationField("debug.idle_timeout", dc.IdleTimeout)
	return debugsrv.Config{
		Enabled:       dc.Enabled,
		Addr:          dc.Addr,
		Prefix:        dc.Prefix,
		Token:         dc.Token,
		AllowInsecure: dc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}
}
