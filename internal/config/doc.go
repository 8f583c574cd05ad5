// Package config holds the runtime settings for the leafdx server and CLI.
//
// Values are layered: NewConfig defaults, then an optional YAML file, then
// LEAFDX_* environment variables, then command-line flags.
package config
