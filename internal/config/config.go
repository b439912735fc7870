package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultProfileName follows the active pointer when asked for.
const DefaultProfileName = "default"

// Profile holds the credentials for one slice. Components receive only the
// fields they need; the profile is resolved once and never mutated.
type Profile struct {
	Project   string `yaml:"project_id"`
	Zone      string `yaml:"zone"`
	SliceName string `yaml:"tpu_name"`
}

// Complete reports whether every field required to address a slice is set.
func (p Profile) Complete() bool {
	return p.Project != "" && p.Zone != "" && p.SliceName != ""
}

// File is the on-disk configuration: named profiles plus an active pointer.
type File struct {
	Active   string             `yaml:"active"`
	Profiles map[string]Profile `yaml:"profiles"`
}

// DefaultDir resolves $XDG_CONFIG_HOME/eopod or ~/.config/eopod.
func DefaultDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "eopod")
}

// DefaultPath is the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Load reads the configuration from path (or the default location when
// path is empty). A missing file yields an empty, usable configuration.
func Load(path string) (*File, error) {
	if path == "" {
		path = DefaultPath()
	}
	f := &File{Profiles: map[string]Profile{}}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if f.Profiles == nil {
		f.Profiles = map[string]Profile{}
	}
	return f, nil
}

// Save writes the configuration to path (or the default location when path
// is empty), creating the directory if needed.
func Save(path string, f *File) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	content, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Set stores a profile under name. The default profile, or the first one
// ever stored, becomes active.
func (f *File) Set(name string, p Profile) {
	f.Profiles[name] = p
	if name == DefaultProfileName || f.Active == "" {
		f.Active = name
	}
}

// Resolve returns the profile for name along with the name it resolved to.
// An empty name or "default" follows the active pointer, matching the
// configure/set-active pair.
func (f *File) Resolve(name string) (Profile, string, bool) {
	if name == "" || name == DefaultProfileName {
		if f.Active != "" {
			name = f.Active
		} else {
			name = DefaultProfileName
		}
	}
	p, ok := f.Profiles[name]
	return p, name, ok
}

// SetActive switches the active profile to an existing one.
func (f *File) SetActive(name string) error {
	if _, ok := f.Profiles[name]; !ok {
		return fmt.Errorf("configuration %q does not exist", name)
	}
	f.Active = name
	return nil
}
