// Package config holds the viper-backed configuration singleton and the
// workspace discovery used by every command.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WorkspaceDirName is the per-project state directory.
const WorkspaceDirName = ".runner"

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Precedence: project .runner/config.yaml > ~/.config/runner/config.yaml
	// > ~/.runner/config.yaml. The project file is found by walking up from
	// the CWD so commands work from subdirectories.
	configFileSet := false

	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, WorkspaceDirName, "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "runner", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, WorkspaceDirName, "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// E.g. RUNNER_JSON, RUNNER_DB, RUNNER_POLL_INTERVAL.
	v.SetEnvPrefix("RUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("json", false)
	v.SetDefault("db", "")
	v.SetDefault("graph-db", "")
	v.SetDefault("runs-dir", "")
	v.SetDefault("sources-dir", "")
	v.SetDefault("worker-id", "")
	v.SetDefault("lease", "5m")
	v.SetDefault("poll-interval", "2s")
	v.SetDefault("request-budget", "1h")
	v.SetDefault("python", "python3")
	v.SetDefault("npx", "npx")

	// Daemon log rotation.
	v.SetDefault("log.max-size-mb", 10)
	v.SetDefault("log.max-backups", 3)
	v.SetDefault("log.max-age-days", 28)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// FindWorkspaceRoot walks up from startDir looking for a .runner directory.
// Returns the directory containing it, or startDir when none exists yet.
func FindWorkspaceRoot(startDir string) string {
	for dir := startDir; ; dir = filepath.Dir(dir) {
		if info, err := os.Stat(filepath.Join(dir, WorkspaceDirName)); err == nil && info.IsDir() {
			return dir
		}
		if dir == filepath.Dir(dir) {
			return startDir
		}
	}
}

// WorkspaceDir returns the .runner directory for a workspace root.
func WorkspaceDir(root string) string {
	return filepath.Join(root, WorkspaceDirName)
}

// DBPath returns the task database path: the "db" setting when given,
// otherwise <workspace>/.runner/tasks.db.
func DBPath(root string) string {
	if p := GetString("db"); p != "" {
		return p
	}
	return filepath.Join(WorkspaceDir(root), "tasks.db")
}

// GraphDBPath returns the request graph database path.
func GraphDBPath(root string) string {
	if p := GetString("graph-db"); p != "" {
		return p
	}
	return filepath.Join(WorkspaceDir(root), "graph.db")
}

// RunsDir returns where per-stack run files are written.
func RunsDir(root string) string {
	if p := GetString("runs-dir"); p != "" {
		return p
	}
	return filepath.Join(WorkspaceDir(root), "runs")
}

// SourcesDir returns the spool directory watched for source artifacts.
func SourcesDir(root string) string {
	if p := GetString("sources-dir"); p != "" {
		return p
	}
	return filepath.Join(WorkspaceDir(root), "sources")
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set sets a configuration value
func Set(key string, value any) {
	if v != nil {
		v.Set(key, value)
	}
}
