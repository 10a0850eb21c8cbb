package config

import (
	"reflect"
	"strings"

	logx "twitchwatch/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, log fields that are
// safe to print (never credentials), and whether the change needs a restart
// to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)
	restart := false

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oldDbg, newDbg := oldCfg.Debug, newCfg.Debug
	oldDbg.Token, newDbg.Token = "", ""
	if oldDbg != newDbg || oldCfg.Debug.Token != newCfg.Debug.Token {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broadcasters, newCfg.Broadcasters) {
		changed = append(changed, "broadcasters")
		attrs = append(attrs, logx.Int("broadcasters.count", len(newCfg.Broadcasters)))
		restart = true
	}
	if !reflect.DeepEqual(oldCfg.Blacklist, newCfg.Blacklist) {
		changed = append(changed, "blacklist")
		attrs = append(attrs, logx.Int("blacklist.count", len(newCfg.Blacklist)))
		restart = true
	}
	if oldCfg.Socket != newCfg.Socket {
		changed = append(changed, "socket")
		attrs = append(attrs, logx.String("socket", newCfg.Socket))
		restart = true
	}
	if oldCfg.Twitch.ClientID != newCfg.Twitch.ClientID ||
		oldCfg.Twitch.ClientSecret != newCfg.Twitch.ClientSecret ||
		oldCfg.Twitch.AppToken != newCfg.Twitch.AppToken {
		changed = append(changed, "twitch")
		restart = true
	}
	return changed, attrs, restart
}
