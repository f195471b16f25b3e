// Package config provides gateway process configuration loaded from YAML
// with environment variable overrides, defaults, and validation.
//
// Process configuration is deliberately separate from the routing store
// (pkg/routing): this package describes how the gateway runs; the routing
// store describes which upstream accounts it can use and how client tokens
// map onto them. The routing store is hot-reloadable, this configuration
// is fixed for the process lifetime.
package config
