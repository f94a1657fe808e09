package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitflow/flowproxy/pkg/types"
)

// isolate points HOME and XDG config at a temp dir and clears the
// variables Load reads.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, ".config"))
	for _, name := range []string{
		"CLAUDE_API_KEY", "ANTHROPIC_API_KEY", "PORT",
		"FLOWPROXY_CONFIG", "FLOWPROXY_CONFIG_CONTENT", "FLOWPROXY_BASE_URL",
		"FLOWPROXY_MODEL", "FLOWPROXY_MAX_TOKENS", "FLOWPROXY_CHUNK_TIMEOUT",
		"FLOWPROXY_PROMPTS_DIR", "FLOWPROXY_LOG_LEVEL",
	} {
		t.Setenv(name, "")
	}
	return tmpDir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := isolate(t)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "https://api.anthropic.com/v1/messages", cfg.Upstream.MessagesURL())
	assert.Equal(t, DefaultAPIVersion, cfg.Upstream.Version)
	assert.Equal(t, DefaultChunkTimeout, cfg.Upstream.ChunkTimeout.Std())
	assert.Equal(t, filepath.Join(tmpDir, "prompts"), cfg.Prompts.Dir)
	assert.Equal(t, DefaultGenerationFile, cfg.Prompts.Generation)
	assert.Equal(t, DefaultModificationFile, cfg.Prompts.Modification)
	assert.Equal(t, DefaultMaxSessions, cfg.Session.MaxSessions)
	assert.False(t, cfg.History.Enabled)
}

func TestLoadProjectConfigWithComments(t *testing.T) {
	tmpDir := isolate(t)

	writeFile(t, filepath.Join(tmpDir, "flowproxy.jsonc"), `{
		// upstream settings
		"port": 8088,
		"upstream": {
			"baseURL": "http://localhost:9999", /* local mock */
			"model": "claude-3-5-haiku-20241022",
			"max_tokens": 2048,
			"chunkTimeout": "45s"
		},
		"session": {"maxSessions": 10, "ttl": 3600},
		"history": {"enabled": true}
	}`)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Port)
	assert.Equal(t, "http://localhost:9999/v1/messages", cfg.Upstream.MessagesURL())
	assert.Equal(t, "claude-3-5-haiku-20241022", cfg.Upstream.Model)
	assert.Equal(t, 2048, cfg.Upstream.MaxTokens)
	assert.Equal(t, 45*time.Second, cfg.Upstream.ChunkTimeout.Std())
	assert.Equal(t, 10, cfg.Session.MaxSessions)
	assert.Equal(t, time.Hour, cfg.Session.TTL.Std())
	assert.True(t, cfg.History.Enabled)
}

func TestEnvInterpolation(t *testing.T) {
	tmpDir := isolate(t)
	t.Setenv("TEST_FLOW_KEY", "interpolated-key")

	writeFile(t, filepath.Join(tmpDir, "flowproxy.json"), `{
		"upstream": {"apiKey": "{env:TEST_FLOW_KEY}"}
	}`)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "interpolated-key", cfg.Upstream.APIKey)
}

func TestFileInterpolation(t *testing.T) {
	tmpDir := isolate(t)

	writeFile(t, filepath.Join(tmpDir, "secrets", "key.txt"), "file-key\n")
	writeFile(t, filepath.Join(tmpDir, "flowproxy.json"), `{
		"upstream": {"apiKey": "{file:secrets/key.txt}"}
	}`)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "file-key", cfg.Upstream.APIKey)
}

func TestEnvVarOverride(t *testing.T) {
	tmpDir := isolate(t)

	writeFile(t, filepath.Join(tmpDir, "flowproxy.json"), `{
		"port": 9000,
		"upstream": {"apiKey": "from-file", "model": "m-file", "max_tokens": 10}
	}`)
	t.Setenv("CLAUDE_API_KEY", "from-env")
	t.Setenv("PORT", "7000")
	t.Setenv("FLOWPROXY_MODEL", "m-env")
	t.Setenv("FLOWPROXY_MAX_TOKENS", "4096")
	t.Setenv("FLOWPROXY_CHUNK_TIMEOUT", "5")

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Upstream.APIKey)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "m-env", cfg.Upstream.Model)
	assert.Equal(t, 4096, cfg.Upstream.MaxTokens)
	assert.Equal(t, 5*time.Second, cfg.Upstream.ChunkTimeout.Std())
}

func TestEnvVarInvalidPort(t *testing.T) {
	tmpDir := isolate(t)
	t.Setenv("PORT", "not-a-port")

	_, err := Load(tmpDir)
	assert.Error(t, err)
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	tmpDir := isolate(t)
	os.Unsetenv("CLAUDE_API_KEY")
	t.Cleanup(func() { os.Unsetenv("CLAUDE_API_KEY") })

	writeFile(t, filepath.Join(tmpDir, ".env"), "CLAUDE_API_KEY=\"dotenv-key\"\n# comment\nPORT=4000\n")

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "dotenv-key", cfg.Upstream.APIKey)
	// PORT was already present (empty) in the environment, so .env must not win.
	assert.Equal(t, DefaultPort, cfg.Port)
}

func TestFLOWPROXY_CONFIG(t *testing.T) {
	tmpDir := isolate(t)

	customPath := filepath.Join(tmpDir, "custom", "proxy.json")
	writeFile(t, customPath, `{"upstream": {"model": "custom-model"}, "prompts": {"dir": "tmpl"}}`)
	t.Setenv("FLOWPROXY_CONFIG", customPath)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "custom-model", cfg.Upstream.Model)
	assert.Equal(t, filepath.Join(tmpDir, "custom", "tmpl"), cfg.Prompts.Dir)
}

func TestFLOWPROXY_CONFIG_CONTENT(t *testing.T) {
	tmpDir := isolate(t)
	t.Setenv("FLOWPROXY_CONFIG_CONTENT", `{"upstream": {"version": "2024-01-01"}}`)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", cfg.Upstream.Version)
}

func TestInvalidConfigFile(t *testing.T) {
	tmpDir := isolate(t)
	writeFile(t, filepath.Join(tmpDir, "flowproxy.json"), `{"port": "eighty"}`)

	_, err := Load(tmpDir)
	assert.Error(t, err)
}

func TestModelYAMLFillsUnsetFields(t *testing.T) {
	tmpDir := isolate(t)

	writeFile(t, filepath.Join(tmpDir, "settings", "anthropic_llm_config.yaml"), `
claude:
  model: claude-sonnet-4-20250514
  max_tokens: 64000
`)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.Upstream.Model)
	assert.Equal(t, 64000, cfg.Upstream.MaxTokens)
}

func TestParseModelConfig(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		vendor  string
		wantErr bool
	}{
		{"valid", "claude:\n  model: m\n  max_tokens: 10\n", "claude", false},
		{"vendor case-insensitive", "claude:\n  model: m\n  max_tokens: 10\n", " Claude ", false},
		{"missing vendor", "other:\n  model: m\n  max_tokens: 10\n", "claude", true},
		{"empty model", "claude:\n  model: ''\n  max_tokens: 10\n", "claude", true},
		{"string max tokens", "claude:\n  model: m\n  max_tokens: lots\n", "claude", true},
		{"vendor not a mapping", "claude: 3\n", "claude", true},
		{"bad yaml", "claude: [\n", "claude", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseModelConfig([]byte(tt.doc), tt.vendor)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "m", cfg.Model)
			assert.Equal(t, 10, cfg.MaxTokens)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, Validate(cfg), ErrMissingAPIKey)

	cfg.Upstream.APIKey = "k"
	assert.ErrorIs(t, Validate(cfg), ErrMissingModel)

	cfg.Upstream.Model = "m"
	assert.ErrorIs(t, Validate(cfg), ErrBadMaxTokens)

	cfg.Upstream.MaxTokens = 1
	assert.NoError(t, Validate(cfg))
}

func TestRedacted(t *testing.T) {
	cfg := &types.Config{Upstream: types.UpstreamConfig{APIKey: "secret"}}
	r := Redacted(cfg)
	assert.Equal(t, "***", r.Upstream.APIKey)
	assert.Equal(t, "secret", cfg.Upstream.APIKey)
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := isolate(t)
	path := filepath.Join(tmpDir, "out", "flowproxy.json")

	cfg := Default()
	cfg.Upstream.Model = "saved-model"
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, "saved-model", loaded.Upstream.Model)
}
