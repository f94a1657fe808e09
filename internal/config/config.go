package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/bitflow/flowproxy/internal/logging"
	"github.com/bitflow/flowproxy/pkg/types"
)

// Defaults used when no source sets a value.
const (
	DefaultPort             = 3002
	DefaultBaseURL          = "https://api.anthropic.com"
	DefaultMessagesPath     = "/v1/messages"
	DefaultAPIVersion       = "2023-06-01"
	DefaultVendor           = "claude"
	DefaultChunkTimeout     = 120 * time.Second
	DefaultConnectTimeout   = 30 * time.Second
	DefaultPromptsDir       = "prompts"
	DefaultGenerationFile   = "FlowGenerationPrompt.md"
	DefaultModificationFile = "FlowModificationPrompt.md"
	DefaultModelConfigFile  = "settings/anthropic_llm_config.yaml"
	DefaultMaxSessions      = 10000
	DefaultSessionTTL       = 24 * time.Hour
)

var (
	ErrMissingAPIKey = errors.New("CLAUDE_API_KEY is not set; define it in .env or the process environment")
	ErrMissingModel  = errors.New("upstream model is not configured")
	ErrBadMaxTokens  = errors.New("upstream max_tokens must be a positive integer")
)

// Default returns a configuration with every default applied.
func Default() *types.Config {
	return &types.Config{
		Port: DefaultPort,
		Upstream: types.UpstreamConfig{
			BaseURL:        DefaultBaseURL,
			MessagesPath:   DefaultMessagesPath,
			Version:        DefaultAPIVersion,
			Vendor:         DefaultVendor,
			ModelConfig:    DefaultModelConfigFile,
			ChunkTimeout:   types.Duration(DefaultChunkTimeout),
			ConnectTimeout: types.Duration(DefaultConnectTimeout),
		},
		Prompts: types.PromptsConfig{
			Dir:          DefaultPromptsDir,
			Generation:   DefaultGenerationFile,
			Modification: DefaultModificationFile,
		},
		Session: types.SessionConfig{
			MaxSessions: DefaultMaxSessions,
			TTL:         types.Duration(DefaultSessionTTL),
		},
		History: types.HistoryConfig{
			Path: GetPaths().HistoryPath(),
		},
		Log: types.LogConfig{
			Level: "INFO",
			Dir:   GetPaths().LogDir(),
		},
	}
}

// Load loads configuration from multiple sources (priority order):
// 1. .env in directory (never overrides the process environment)
// 2. Global config (~/.config/flowproxy/)
// 3. Project config (<directory>/flowproxy.jsonc)
// 4. FLOWPROXY_CONFIG file
// 5. FLOWPROXY_CONFIG_CONTENT inline JSON
// 6. Environment variables
// 7. Model YAML for any model setting still unset
func Load(directory string) (*types.Config, error) {
	if directory != "" {
		envFile := filepath.Join(directory, ".env")
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			logging.Warn().Err(err).Str("path", envFile).Msg("failed to read .env")
		}
	}

	config := Default()

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) error {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil
		}
		if loaded[absPath] {
			return nil
		}
		err = loadConfigFile(path, config, baseDir)
		if err == nil {
			loaded[absPath] = true
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	globalPath := GetPaths().Config
	for _, name := range []string{"flowproxy.json", "flowproxy.jsonc"} {
		if err := loadOnce(filepath.Join(globalPath, name), globalPath); err != nil {
			return nil, err
		}
	}

	if directory != "" {
		for _, name := range []string{"flowproxy.json", "flowproxy.jsonc"} {
			if err := loadOnce(filepath.Join(directory, name), directory); err != nil {
				return nil, err
			}
		}
	}

	if configPath := os.Getenv("FLOWPROXY_CONFIG"); configPath != "" {
		if err := loadOnce(configPath, filepath.Dir(configPath)); err != nil {
			return nil, err
		}
	}

	if configContent := os.Getenv("FLOWPROXY_CONFIG_CONTENT"); configContent != "" {
		var inlineConfig types.Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(configContent)), &inlineConfig); err != nil {
			return nil, fmt.Errorf("invalid FLOWPROXY_CONFIG_CONTENT: %w", err)
		}
		mergeConfig(config, &inlineConfig)
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	resolvePaths(config, directory)

	if config.Upstream.Model == "" || config.Upstream.MaxTokens == 0 {
		model, err := LoadModelConfig(config.Upstream.ModelConfig, config.Upstream.Vendor)
		switch {
		case err == nil:
			if config.Upstream.Model == "" {
				config.Upstream.Model = model.Model
			}
			if config.Upstream.MaxTokens == 0 {
				config.Upstream.MaxTokens = model.MaxTokens
			}
		case errors.Is(err, ErrModelConfigNotFound):
			logging.Debug().Str("path", config.Upstream.ModelConfig).Msg("model config file not found")
		default:
			return nil, err
		}
	}

	return config, nil
}

// Validate checks the settings the upstream call cannot work without.
func Validate(config *types.Config) error {
	if strings.TrimSpace(config.Upstream.APIKey) == "" {
		return ErrMissingAPIKey
	}
	if strings.TrimSpace(config.Upstream.Model) == "" {
		return ErrMissingModel
	}
	if config.Upstream.MaxTokens <= 0 {
		return ErrBadMaxTokens
	}
	return nil
}

// Redacted returns a copy safe to print.
func Redacted(config *types.Config) *types.Config {
	c := *config
	if c.Upstream.APIKey != "" {
		c.Upstream.APIKey = "***"
	}
	return &c
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)

	data = interpolate(data, baseDir)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	// Relative prompt and model paths are relative to the file that names them.
	if fileConfig.Prompts.Dir != "" && !filepath.IsAbs(fileConfig.Prompts.Dir) {
		fileConfig.Prompts.Dir = filepath.Join(baseDir, fileConfig.Prompts.Dir)
	}
	if fileConfig.Upstream.ModelConfig != "" && !filepath.IsAbs(fileConfig.Upstream.ModelConfig) {
		fileConfig.Upstream.ModelConfig = filepath.Join(baseDir, fileConfig.Upstream.ModelConfig)
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			home := os.Getenv("HOME")
			filePath = filepath.Join(home, filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		// Escape for JSON string
		escaped, _ := json.Marshal(strings.TrimSpace(string(content)))
		return string(escaped[1 : len(escaped)-1])
	})

	return []byte(str)
}

// mergeConfig merges non-zero source fields into target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Port != 0 {
		target.Port = source.Port
	}

	u, su := &target.Upstream, source.Upstream
	if su.BaseURL != "" {
		u.BaseURL = su.BaseURL
	}
	if su.MessagesPath != "" {
		u.MessagesPath = su.MessagesPath
	}
	if su.APIKey != "" {
		u.APIKey = su.APIKey
	}
	if su.Version != "" {
		u.Version = su.Version
	}
	if su.Model != "" {
		u.Model = su.Model
	}
	if su.MaxTokens != 0 {
		u.MaxTokens = su.MaxTokens
	}
	if su.ModelConfig != "" {
		u.ModelConfig = su.ModelConfig
	}
	if su.Vendor != "" {
		u.Vendor = su.Vendor
	}
	if su.ChunkTimeout != 0 {
		u.ChunkTimeout = su.ChunkTimeout
	}
	if su.ConnectTimeout != 0 {
		u.ConnectTimeout = su.ConnectTimeout
	}

	p, sp := &target.Prompts, source.Prompts
	if sp.Dir != "" {
		p.Dir = sp.Dir
	}
	if sp.Generation != "" {
		p.Generation = sp.Generation
	}
	if sp.Modification != "" {
		p.Modification = sp.Modification
	}
	if sp.Watch {
		p.Watch = true
	}

	if source.Session.MaxSessions != 0 {
		target.Session.MaxSessions = source.Session.MaxSessions
	}
	if source.Session.TTL != 0 {
		target.Session.TTL = source.Session.TTL
	}

	if source.History.Enabled {
		target.History.Enabled = true
	}
	if source.History.Path != "" {
		target.History.Path = source.History.Path
	}

	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.File {
		target.Log.File = true
	}
	if source.Log.Dir != "" {
		target.Log.Dir = source.Log.Dir
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) error {
	// CLAUDE_API_KEY is the historical name; ANTHROPIC_API_KEY is accepted too.
	for _, envVar := range []string{"ANTHROPIC_API_KEY", "CLAUDE_API_KEY"} {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			config.Upstream.APIKey = apiKey
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		config.Port = n
	}

	if v := os.Getenv("FLOWPROXY_BASE_URL"); v != "" {
		config.Upstream.BaseURL = v
	}
	if v := os.Getenv("FLOWPROXY_MODEL"); v != "" {
		config.Upstream.Model = v
	}
	if v := os.Getenv("FLOWPROXY_MAX_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FLOWPROXY_MAX_TOKENS %q: %w", v, err)
		}
		config.Upstream.MaxTokens = n
	}
	if v := os.Getenv("FLOWPROXY_CHUNK_TIMEOUT"); v != "" {
		d, err := types.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FLOWPROXY_CHUNK_TIMEOUT %q: %w", v, err)
		}
		config.Upstream.ChunkTimeout = d
	}
	if v := os.Getenv("FLOWPROXY_PROMPTS_DIR"); v != "" {
		config.Prompts.Dir = v
	}
	if v := os.Getenv("FLOWPROXY_LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	return nil
}

// resolvePaths anchors relative paths left at their defaults to directory.
func resolvePaths(config *types.Config, directory string) {
	if directory == "" {
		return
	}
	if !filepath.IsAbs(config.Prompts.Dir) {
		config.Prompts.Dir = filepath.Join(directory, config.Prompts.Dir)
	}
	if !filepath.IsAbs(config.Upstream.ModelConfig) {
		config.Upstream.ModelConfig = filepath.Join(directory, config.Upstream.ModelConfig)
	}
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
