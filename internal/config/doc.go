// Package config resolves dlog settings from the environment and an optional
// config file.
//
// The config file keeps every key under a [default] section:
//
//	[default]
//	target = "deploy@swarm-manager.example.com"
//	backend = "swarm"
//	identity_files = ["~/.ssh/id_ed25519"]
//
// Files ending in .yaml or .yml are read as YAML with the same layout; any
// other file is read as TOML. Without an explicit path the first existing of
// ~/.config/dlog/config.toml, ~/.config/dlog/config.yaml,
// ~/.config/dlog/config and dlog.conf beside the executable is used.
//
// Precedence, highest first: command-line flags (applied by the caller),
// DLOG_* environment variables, the config file, built-in defaults.
package config
