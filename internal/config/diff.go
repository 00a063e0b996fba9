package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any persona setting changed. Applied on the
	// next connect.
	SessionChanged bool

	// RestartRequired lists top-level sections that changed but cannot be
	// applied without restarting the process.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session != new.Session {
		d.SessionChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameEntry(old.Provider, new.Provider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if len(old.Fallbacks) != len(new.Fallbacks) {
		d.RestartRequired = append(d.RestartRequired, "fallbacks")
	} else {
		for i := range old.Fallbacks {
			if !sameEntry(old.Fallbacks[i], new.Fallbacks[i]) {
				d.RestartRequired = append(d.RestartRequired, "fallbacks")
				break
			}
		}
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}

	return d
}

// sameEntry compares entries ignoring Options, which may hold uncomparable
// values.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.APIKeyEnv == b.APIKeyEnv &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model
}
