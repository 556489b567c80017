// Package config loads and validates the daemon's YAML configuration.
package config
