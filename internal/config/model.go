package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrModelConfigNotFound is returned when the model YAML file is missing.
var ErrModelConfigNotFound = errors.New("model config file not found")

// ModelConfig is one vendor entry of the model YAML file:
//
//	claude:
//	  model: claude-sonnet-4-20250514
//	  max_tokens: 64000
type ModelConfig struct {
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// LoadModelConfig reads the vendor section from a model YAML file.
func LoadModelConfig(path, vendor string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrModelConfigNotFound, path)
		}
		return nil, fmt.Errorf("read model config %s: %w", path, err)
	}
	return ParseModelConfig(data, vendor)
}

// ParseModelConfig decodes and validates a model YAML document.
func ParseModelConfig(data []byte, vendor string) (*ModelConfig, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse model config: %w", err)
	}

	key := strings.ToLower(strings.TrimSpace(vendor))
	if key == "" {
		key = DefaultVendor
	}
	node, ok := doc[key]
	if !ok || node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("model config for vendor %q is missing or invalid", vendor)
	}

	var cfg ModelConfig
	if err := node.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("model config for vendor %q: max_tokens must be an integer: %w", vendor, err)
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		return nil, fmt.Errorf("model config 'model' must be a non-empty string")
	}
	if cfg.MaxTokens <= 0 {
		return nil, fmt.Errorf("model config 'max_tokens' must be a positive integer")
	}
	return &cfg, nil
}
