// Package types holds configuration and data types shared across flowproxy.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config represents the flowproxy configuration.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty"`

	// HTTP listen port
	Port int `json:"port,omitempty"`

	Upstream UpstreamConfig `json:"upstream"`
	Prompts  PromptsConfig  `json:"prompts"`
	Session  SessionConfig  `json:"session"`
	History  HistoryConfig  `json:"history"`
	Log      LogConfig      `json:"log"`
}

// UpstreamConfig describes the vendor messages endpoint.
type UpstreamConfig struct {
	BaseURL      string `json:"baseURL,omitempty"`
	MessagesPath string `json:"messagesPath,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	Version      string `json:"version,omitempty"` // anthropic-version header

	// Model settings. When empty they come from the model YAML file.
	Model       string `json:"model,omitempty"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
	ModelConfig string `json:"modelConfig,omitempty"` // path to anthropic_llm_config.yaml
	Vendor      string `json:"vendor,omitempty"`      // key inside the YAML file

	ChunkTimeout   Duration `json:"chunkTimeout,omitempty"`
	ConnectTimeout Duration `json:"connectTimeout,omitempty"`
}

// MessagesURL joins BaseURL and MessagesPath.
func (u UpstreamConfig) MessagesURL() string {
	return strings.TrimRight(u.BaseURL, "/") + "/" + strings.TrimLeft(u.MessagesPath, "/")
}

// PromptsConfig locates the two system prompt templates.
type PromptsConfig struct {
	Dir          string `json:"dir,omitempty"`
	Generation   string `json:"generation,omitempty"`   // file name inside Dir
	Modification string `json:"modification,omitempty"` // file name inside Dir
	Watch        bool   `json:"watch,omitempty"`
}

// SessionConfig bounds the in-memory session cache.
type SessionConfig struct {
	MaxSessions int      `json:"maxSessions,omitempty"`
	TTL         Duration `json:"ttl,omitempty"`
}

// HistoryConfig controls the optional SQLite turn history.
type HistoryConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	File   bool   `json:"file,omitempty"`
	Dir    string `json:"dir,omitempty"`
	Pretty bool   `json:"pretty,omitempty"`
}

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("90s", "2m") or a number of seconds.
type Duration time.Duration

// ParseDuration accepts "120", "120s" or "2m".
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(time.Duration(secs * float64(time.Second))), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return Duration(d), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON encodes the duration as a Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON decodes a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*d = Duration(time.Duration(n * float64(time.Second)))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
