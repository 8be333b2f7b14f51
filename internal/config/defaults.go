package config

// defaults is Layer 1. Durations are strings so every layer decodes the same way.
func defaults() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"host":             "localhost",
			"port":             8080,
			"read_timeout":     "30s",
			"write_timeout":    "30s",
			"idle_timeout":     "120s",
			"shutdown_timeout": "10s",
		},
		"store": map[string]any{
			"driver":       "libsql",
			"path":         "",
			"url":          "",
			"auth_token":   "",
			"busy_timeout": "5s",
		},
		"node": map[string]any{
			"url":     "",
			"timeout": "30s",
			"headers": map[string]any{},
		},
		"rate_limit": map[string]any{
			"spare":           0,
			"fallback_window": "15s",
			"fallback_count":  150,
			"backoff_mean":    "30s",
			"epsilon":         "10ms",
			"seed":            0,
		},
		"simulator": map[string]any{
			"enabled":      true,
			"mode":         "polli",
			"limit":        150,
			"window":       "15s",
			"failure_rate": 0.0,
			"seed":         0,
		},
		"bench": map[string]any{
			"count":  5000,
			"method": "ping",
			"save":   true,
		},
		"logging": map[string]any{
			"level":   "info",
			"profile": "SIMPLE",
		},
		"metrics": map[string]any{
			"enabled": true,
			"port":    9090,
		},
		"health": map[string]any{
			"enabled": true,
		},
		"debug": map[string]any{
			"enabled":       false,
			"pprof_enabled": false,
		},
	}
}
