package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// LegacyFile is the name of the JSON config looked up in the working and
// home directories.
const LegacyFile = "vigil.json"

// Loader runs the configuration cascade. Highest precedence first:
// Overrides, environment variables, the YAML file at Path, ./vigil.json,
// ~/vigil.json. Every source is optional; the result must still carry a key
// and an app name.
type Loader struct {
	// Path is the YAML config file. Empty skips it.
	Path string

	// Overrides runs last and may set any field.
	Overrides func(*Config)

	// Getenv defaults to os.Getenv.
	Getenv func(string) string

	// WorkDir and HomeDir locate the legacy JSON files. They default to the
	// process working directory and the user's home directory.
	WorkDir string
	HomeDir string
}

// Load is Loader{Path: path}.Load().
func Load(path string) (*Config, error) {
	return Loader{Path: path}.Load()
}

// Load applies the cascade, the environment defaults and validation.
func (l Loader) Load() (*Config, error) {
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	work, home := l.WorkDir, l.HomeDir
	if work == "" {
		work, _ = os.Getwd()
	}
	if home == "" {
		home, _ = os.UserHomeDir()
	}

	cfg := defaults()

	// Lowest precedence first; each layer overwrites what it sets.
	for _, dir := range []string{home, work} {
		if dir == "" {
			continue
		}
		if err := applyLegacy(cfg, filepath.Join(dir, LegacyFile)); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	if l.Path != "" {
		data, err := os.ReadFile(l.Path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if l.Overrides != nil {
		l.Overrides(cfg)
	}

	cfg.applyEnvironment(LookupEnvironment(cfg.Environment, getenv))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// legacyFile is the JSON config shape. appName may be a list: the first
// element is the app name and the rest, joined by ":", the hostname.
type legacyFile struct {
	Key      string          `json:"key"`
	UserKey  string          `json:"userKey"`
	AppName  json.RawMessage `json:"appName"`
	Proxy    *EndpointConfig `json:"proxy"`
	Endpoint *EndpointConfig `json:"endpoint"`
}

func applyLegacy(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var lf legacyFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &lf); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if lf.UserKey != "" {
		cfg.Key = lf.UserKey
	} else if lf.Key != "" {
		cfg.Key = lf.Key
	}
	if len(lf.AppName) > 0 {
		var name string
		var parts []string
		switch {
		case json.Unmarshal(lf.AppName, &name) == nil:
			cfg.AppName = name
		case json.Unmarshal(lf.AppName, &parts) == nil && len(parts) > 0:
			cfg.AppName = parts[0]
			if len(parts) > 1 {
				cfg.Hostname = strings.Join(parts[1:], ":")
			}
		default:
			return fmt.Errorf("parse %s: appName must be a string or a list of strings", path)
		}
	}
	if lf.Proxy != nil {
		cfg.Proxy = lf.Proxy
	}
	if lf.Endpoint != nil {
		cfg.Endpoint = lf.Endpoint
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("VIGIL_KEY"); v != "" {
		cfg.Key = v
	}
	if v := getenv("VIGIL_APP_NAME"); v != "" {
		cfg.AppName = v
	}
	if v := getenv("VIGIL_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := getenv("VIGIL_PROXY"); v != "" {
		ep, err := ParseEndpoint(v)
		if err != nil {
			return fmt.Errorf("VIGIL_PROXY: %w", err)
		}
		cfg.Proxy = ep
	}
	return nil
}
