package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Subdirectory name under each XDG base directory.
	appName = "cruxpy"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644

	// Permission mode for directories holding worker sockets. Only the
	// supervisor account and its workers may enter them.
	PrivateDirMode os.FileMode = 0750

	// Base name of the settings file, without extension.
	SettingsName = "cruxpy"
)

// Directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/cruxpy, falling back to $XDG_CACHE_HOME/cruxpy/run
//	macOS:   ~/Library/Caches/cruxpy/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, appName)
	}
	return filepath.Join(xdg.CacheHome, appName, "run")
}

// Default control socket of a running supervisor.
func Socket() string {
	return filepath.Join(Runtime(), "cruxpy.sock")
}

// Default PID file of a running supervisor.
func PIDFile() string {
	return filepath.Join(Runtime(), "cruxpy.pid")
}

// Directory caching base images pulled from registries.
func Images() string {
	return filepath.Join(xdg.CacheHome, appName, "images")
}

// Directory searched for the settings file after the working directory.
func Config() string {
	return filepath.Join(xdg.ConfigHome, appName)
}
