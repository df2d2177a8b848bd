// Package config provides centralized configuration management for the
// render daemon. It loads a JSON configuration file once at startup, fills
// defaults, applies deployment-level environment overrides, and hands the
// resulting immutable struct to every component.
package config
