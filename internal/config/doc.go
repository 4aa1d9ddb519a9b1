// Package config loads, normalizes, and validates envtrack configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, imports an optional .env file, and honours
// environment fallbacks such as ENVTRACK_SIGNING_SECRET. The Config type
// centralizes every knob the daemon and CLI need.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical policy names, and clear validation errors.
package config
