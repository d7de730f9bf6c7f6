// Package config loads, normalizes, and validates Redub's TOML configuration.
//
// Configuration is resolved from an explicit path, ~/.config/redub/config.toml,
// or a redub.toml in the working directory, in that order. Missing files fall
// back to built-in defaults so the daemon can start with zero configuration.
package config
