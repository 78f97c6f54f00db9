package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/gopherchef/internal/sandbox"
)

type Config struct {
	DataDir   string `json:"data_dir" yaml:"data_dir"`
	Workspace string `json:"workspace" yaml:"workspace"`
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`
	HTTP      struct {
		Listen string `json:"listen" yaml:"listen"`
		Token  string `json:"token" yaml:"token"`
	} `json:"http" yaml:"http"`
	Queue struct {
		MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
		Depth         int `json:"depth" yaml:"depth"`
	} `json:"queue" yaml:"queue"`
	Actions struct {
		Shell                 string `json:"shell" yaml:"shell"`
		ShellTimeoutSeconds   int    `json:"shell_timeout_seconds" yaml:"shell_timeout_seconds"`
		InstallTimeoutSeconds int    `json:"install_timeout_seconds" yaml:"install_timeout_seconds"`
		DeployCommand         string `json:"deploy_command" yaml:"deploy_command"`
		TokenizerModel        string `json:"tokenizer_model" yaml:"tokenizer_model"`
		MaxOutputTokens       int    `json:"max_output_tokens" yaml:"max_output_tokens"`
	} `json:"actions" yaml:"actions"`
	Snapshot struct {
		DebounceMS    int      `json:"debounce_ms" yaml:"debounce_ms"`
		Excludes      []string `json:"excludes" yaml:"excludes"`
		Keep          int      `json:"keep" yaml:"keep"`
		PruneSchedule string   `json:"prune_schedule" yaml:"prune_schedule"`
	} `json:"snapshot" yaml:"snapshot"`
}

// DefaultPath is ~/.gopherchef/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".gopherchef", "config.json")
}

func defaults() *Config {
	home := filepath.Join(os.Getenv("HOME"), ".gopherchef")
	cfg := &Config{
		DataDir:   home,
		Workspace: filepath.Join(home, "workspaces"),
		LogLevel:  "info",
		LogFormat: "text",
	}
	cfg.HTTP.Listen = "127.0.0.1:8484"
	cfg.Queue.MaxConcurrent = 2
	cfg.Queue.Depth = 256
	cfg.Actions.Shell = "bash"
	cfg.Actions.ShellTimeoutSeconds = 120
	cfg.Actions.InstallTimeoutSeconds = 600
	cfg.Actions.DeployCommand = "npm run build"
	cfg.Actions.TokenizerModel = "gpt-4"
	cfg.Actions.MaxOutputTokens = 4000
	cfg.Snapshot.DebounceMS = 100
	cfg.Snapshot.Excludes = sandbox.DefaultExcludes()
	cfg.Snapshot.Keep = 5
	cfg.Snapshot.PruneSchedule = "@hourly"
	return cfg
}

// isYAML reports whether path should be read and written as YAML.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func unmarshal(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func marshal(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if v := os.Getenv("GOPHERCHEF_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("GOPHERCHEF_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("GOPHERCHEF_LISTEN"); v != "" {
		cfg.HTTP.Listen = v
	}
	if v := os.Getenv("GOPHERCHEF_TOKEN"); v != "" {
		cfg.HTTP.Token = v
	}

	return cfg, nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := marshal(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a nested map keyed by its JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns the flattened config, optionally with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if err := unmarshal(path, data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored under a dot-separated key. The config
// file is created with defaults if it does not exist.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(raw)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot-separated key. Values that parse as JSON
// (numbers, booleans) are stored typed, anything else as a string.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat[key] = parsed

	data, err := marshal(path, Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func (c *Config) ShellTimeout() time.Duration {
	return time.Duration(c.Actions.ShellTimeoutSeconds) * time.Second
}

func (c *Config) InstallTimeout() time.Duration {
	return time.Duration(c.Actions.InstallTimeoutSeconds) * time.Second
}

func (c *Config) SnapshotDebounce() time.Duration {
	return time.Duration(c.Snapshot.DebounceMS) * time.Millisecond
}

// DBPath is the SQLite file holding persisted messages and snapshot refs.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "backend.db")
}

// WorkspaceFor returns the sandbox directory of one chat.
func (c *Config) WorkspaceFor(chatID string) string {
	return filepath.Join(c.Workspace, chatID)
}
