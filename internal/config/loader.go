package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir     = ".config/alpacon-mcp"
	configFileName    = "config.yaml"
	projectConfigName = ".alpacon-mcp.yaml"
)

// LoadSettings loads settings by layering defaults, the user file, and the
// project file. Missing files are fine; malformed files are an error.
func LoadSettings() (Settings, error) {
	settings := DefaultSettings()

	userPath, err := getUserSettingsPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not determine user config path: %v\n", err)
	} else if fileExists(userPath) {
		overlay, err := loadSettingsFromFile(userPath)
		if err != nil {
			return Settings{}, fmt.Errorf("loading user config from %s: %w", userPath, err)
		}
		settings = mergeSettings(settings, overlay)
	}

	projectPath, err := getProjectSettingsPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not determine project config path: %v\n", err)
	} else if fileExists(projectPath) {
		overlay, err := loadSettingsFromFile(projectPath)
		if err != nil {
			return Settings{}, fmt.Errorf("loading project config from %s: %w", projectPath, err)
		}
		settings = mergeSettings(settings, overlay)
	}

	return settings, nil
}

var getUserSettingsPath = func() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectSettingsPath = func() (string, error) {
	wd, err := osGetwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigName), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func loadSettingsFromFile(path string) (Settings, error) {
	var settings Settings
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// mergeSettings merges 'overlay' into 'base', field by field; zero values in
// the overlay leave the base value in place.
func mergeSettings(base, overlay Settings) Settings {
	merged := base

	if overlay.API.Timeout != 0 {
		merged.API.Timeout = overlay.API.Timeout
	}

	if overlay.Websh.ConnectTimeout != 0 {
		merged.Websh.ConnectTimeout = overlay.Websh.ConnectTimeout
	}
	if overlay.Websh.CommandTimeout != 0 {
		merged.Websh.CommandTimeout = overlay.Websh.CommandTimeout
	}
	if overlay.Websh.IdleTimeout != 0 {
		merged.Websh.IdleTimeout = overlay.Websh.IdleTimeout
	}
	if overlay.Websh.HealthInterval != 0 {
		merged.Websh.HealthInterval = overlay.Websh.HealthInterval
	}
	if overlay.Websh.DefaultRows != 0 {
		merged.Websh.DefaultRows = overlay.Websh.DefaultRows
	}
	if overlay.Websh.DefaultCols != 0 {
		merged.Websh.DefaultCols = overlay.Websh.DefaultCols
	}

	if overlay.Breaker.FailureThreshold != 0 {
		merged.Breaker.FailureThreshold = overlay.Breaker.FailureThreshold
	}
	if overlay.Breaker.Cooldown != 0 {
		merged.Breaker.Cooldown = overlay.Breaker.Cooldown
	}

	if overlay.SSE.Addr != "" {
		merged.SSE.Addr = overlay.SSE.Addr
	}

	return merged
}

// GetUserConfigDir returns the user configuration directory path.
func GetUserConfigDir() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir), nil
}
