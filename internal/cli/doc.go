// Parses flags, loads settings, and configures logging for the cruxpy
// command.
//
// Global flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	    --config    Settings file.
//
// Flags override build-time defaults set via linker flags and values from
// the settings file. After parsing, the global logger is reconfigured to
// reflect the final level and verbosity before the command runs.
package cli
