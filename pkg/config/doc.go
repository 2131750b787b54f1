// Package config loads the endpoint directory's config.yaml (executor
// spec, strategy parameters, broker address overrides), applies FUNCX_
// environment variable overrides, and hot-reloads the non-broker settings
// when the file changes on disk.
package config
