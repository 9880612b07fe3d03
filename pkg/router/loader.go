package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReadConfigFile reads a routing configuration from path.
//
// The format is chosen by extension: .yaml/.yml for YAML, .json for JSON.
// Unknown extensions try YAML first, then JSON.
func ReadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("routing config not found: %s", path)
		}
		if os.IsPermission(err) {
			return Config{}, fmt.Errorf("permission denied reading routing config: %s", path)
		}
		return Config{}, fmt.Errorf("failed to read routing config: %w", err)
	}
	return ParseConfig(data, path)
}

// ParseConfig decodes a routing configuration. path is used only for format
// detection and may be empty.
func ParseConfig(data []byte, path string) (Config, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Config{}, errors.New("routing config is empty")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		cfg, yamlErr := parseYAML(data)
		if yamlErr == nil {
			return cfg, nil
		}
		if cfg, err := parseJSON(data); err == nil {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to parse routing config (tried YAML and JSON): %w", yamlErr)
	}
}

func parseJSON(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return cfg, nil
}

func parseYAML(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid YAML: %w", err)
	}
	return cfg, nil
}
