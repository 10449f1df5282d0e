// Package config loads, normalizes, and validates docpipe's TOML
// configuration.
//
// Load resolves the config file (explicit path, ~/.config/docpipe, or a
// project-local docpipe.toml), layers it over Default(), expands paths, and
// rejects settings that would make the daemon misbehave. Other packages
// receive a fully-populated *Config and never consult the environment
// directly.
package config
