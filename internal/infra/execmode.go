package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the application.
type ExecMode string

const (
	// ExecModeUser keeps state under the invoking user's home (no sudo required)
	ExecModeUser ExecMode = "user"
	// ExecModeSystem keeps state in system directories (root)
	ExecModeSystem ExecMode = "system"
)

const appName = "flowagent"

// ExecModeConfig holds default paths based on execution mode.
type ExecModeConfig struct {
	Mode      ExecMode
	DataDir   string // Encrypted store, key and controller registry
	ConfigDir string // config.toml and .env
	LogFile   string // Controller log
	IsRoot    bool   // Whether running as root
}

// ConfigFile returns the default config file location.
func (c *ExecModeConfig) ConfigFile() string {
	return filepath.Join(c.ConfigDir, "config.toml")
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	if os.Geteuid() == 0 && os.Getenv("SUDO_USER") == "" {
		return &ExecModeConfig{
			Mode:      ExecModeSystem,
			DataDir:   filepath.Join("/var/lib", appName),
			ConfigDir: filepath.Join("/etc", appName),
			LogFile:   filepath.Join("/var/log", appName, appName+".log"),
			IsRoot:    true,
		}
	}
	return GetUserModeConfig()
}

// GetUserModeConfig returns user mode config regardless of current euid,
// following the XDG base directory variables when set.
func GetUserModeConfig() *ExecModeConfig {
	home := GetRealUserHome()
	return &ExecModeConfig{
		Mode:      ExecModeUser,
		DataDir:   filepath.Join(xdgDir("XDG_DATA_HOME", home, ".local", "share"), appName),
		ConfigDir: filepath.Join(xdgDir("XDG_CONFIG_HOME", home, ".config"), appName),
		LogFile:   filepath.Join(xdgDir("XDG_STATE_HOME", home, ".local", "state"), appName, appName+".log"),
		IsRoot:    os.Geteuid() == 0, // Still track actual root status for permission operations
	}
}

func xdgDir(env, home string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" && filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (non-root)"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
