package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformConfigDir returns the platform-specific configuration directory.
//
// Platform paths:
//   - Linux:   $XDG_CONFIG_HOME/cardwedge or ~/.config/cardwedge
//   - macOS:   ~/Library/Application Support/cardwedge
//   - Windows: %APPDATA%\cardwedge
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "cardwedge")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "cardwedge")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "cardwedge")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "cardwedge")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "cardwedge")
	}
}

// PlatformRuntimeDir returns the directory for the control socket:
// $XDG_RUNTIME_DIR (usually /run/user/$UID), or a per-user directory
// under the temp dir.
func PlatformRuntimeDir() string {
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return xdgRuntime
	}
	return filepath.Join(os.TempDir(), "cardwedge-"+getUserID())
}

func getUserID() string {
	if uid := os.Getuid(); uid >= 0 {
		return strconv.Itoa(uid)
	}
	return "0"
}

// SystemConfigPath is checked after the per-user locations.
const SystemConfigPath = "/etc/cardwedge"

// ConfigPath returns the default per-user configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	// Search order:
	// 1. Current directory
	// 2. Per-user config directory
	// 3. System config directory
	searchDirs := []string{
		".",
		PlatformConfigDir(),
		SystemConfigPath,
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "cardwedge."+ext)
			if dir != "." {
				path = filepath.Join(dir, "config."+ext)
			}
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
