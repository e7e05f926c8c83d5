// Package config provides loading and environment overlay for jarvis queue
// configuration. It exposes a Default() baseline, JSON file loading, and a
// JARVIS_* environment overlay.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/jarvis.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
package config
