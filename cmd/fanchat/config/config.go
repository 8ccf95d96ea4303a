// Package config stores terminal preferences that live beside, not inside,
// the main YAML configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Prefs holds per-user terminal preferences.
type Prefs struct {
	Theme string `json:"theme,omitempty"` // "light", "dark" or empty for auto
}

// ConfigDir returns the preferences directory. A .fanchat directory in the
// working directory wins over the one in the home directory.
func ConfigDir() (string, error) {
	if cwd, err := os.Getwd(); err == nil {
		local := filepath.Join(cwd, ".fanchat")
		if info, err := os.Stat(local); err == nil && info.IsDir() {
			return local, nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".fanchat"), nil
}

// ConfigFile returns the path of the preferences file.
func ConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ui.json"), nil
}

// Load reads the preferences file. A missing file yields zero preferences.
func Load() (Prefs, error) {
	path, err := ConfigFile()
	if err != nil {
		return Prefs{}, err
	}
	return LoadFrom(path)
}

// LoadFrom reads preferences from path.
func LoadFrom(path string) (Prefs, error) {
	var p Prefs
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, err
	}
	return p, nil
}

// Save writes the preferences file, creating its directory if needed.
func Save(p Prefs) error {
	path, err := ConfigFile()
	if err != nil {
		return err
	}
	return SaveTo(path, p)
}

// SaveTo writes preferences to path.
func SaveTo(path string, p Prefs) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
