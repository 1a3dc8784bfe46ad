// Package config loads the solagentd configuration from a JSON file, applies
// SOLAGENT_ prefixed environment overrides and fills in defaults. Secrets are
// never part of the configuration; only their source is.
package config
