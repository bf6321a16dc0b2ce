// Package config loads and validates the controller's process-scoped
// configuration from defaults, an optional YAML file, and CONTROLLER_*
// environment variables. Startup fails fast on a short API key so a
// controller can never come up unauthenticated.
package config
