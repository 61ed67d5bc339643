// Package config loads, normalizes, and validates the TOML configuration
// for the toolbridge daemon and CLI.
package config
