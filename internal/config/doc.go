// Package config loads the process configuration of the mcplink binary from
// a YAML file, a .env file and MCPLINK_* environment variables, in that
// order of increasing precedence.
package config
