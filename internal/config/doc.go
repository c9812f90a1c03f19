// Package config loads the deployment configuration of the dashboard
// application from multiple sources (YAML files, environment variables, CLI
// flags) with precedence: CLI flags > Environment variables > YAML config >
// Defaults. Secrets and connection strings are read from the environment only;
// a missing required variable fails the load immediately.
package config
