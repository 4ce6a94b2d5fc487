// Package config loads cruxpy settings.
//
// Settings come from three layers, later ones winning: built-in defaults, an
// optional YAML file, and CRUXPY_* environment variables. Without an
// explicit path the file is cruxpy.yaml in the working directory, then in the
// xdg config directory. Nested keys map to variables by joining with
// underscores, so supervisor.max_requests is CRUXPY_SUPERVISOR_MAX_REQUESTS.
// Command-line flags are applied by the caller on top of the result.
package config
