package testutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bitflow/flowproxy/internal/config"
	"github.com/bitflow/flowproxy/internal/event"
	"github.com/bitflow/flowproxy/internal/flow"
	"github.com/bitflow/flowproxy/internal/history"
	"github.com/bitflow/flowproxy/internal/prompt"
	"github.com/bitflow/flowproxy/internal/provider"
	"github.com/bitflow/flowproxy/internal/relay"
	"github.com/bitflow/flowproxy/internal/server"
	"github.com/bitflow/flowproxy/internal/session"
	"github.com/bitflow/flowproxy/pkg/types"
)

// Templates used when no prompts directory is given. The generation
// template carries a marker the mock upstream can match on.
const (
	TestGenerationPrompt   = "GENERATE a draw.io business flow."
	TestModificationPrompt = "MODIFY this diagram:\n{{ previous_drawio }}"
)

// TestServer wraps a running flowproxy for testing.
type TestServer struct {
	Server   *server.Server
	BaseURL  string
	Config   *types.Config
	Flows    *flow.Service
	Bus      *event.Bus
	History  *history.Store
	Selector *prompt.Selector
	TempDir  string

	recorder *history.Recorder
	port     int
}

// TestServerOption configures TestServer.
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	history      bool
	chunkTimeout time.Duration
}

// WithHistory enables the SQLite turn history.
func WithHistory() TestServerOption {
	return func(c *testServerConfig) {
		c.history = true
	}
}

// WithChunkTimeout overrides the relay's per-chunk timeout.
func WithChunkTimeout(d time.Duration) TestServerOption {
	return func(c *testServerConfig) {
		c.chunkTimeout = d
	}
}

// StartTestServer starts flowproxy against upstream on a free port.
func StartTestServer(upstream *MockUpstream, opts ...TestServerOption) (*TestServer, error) {
	cfg := &testServerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	tempDir, err := os.MkdirTemp("", "flowproxy-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	port, err := findAvailablePort()
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}

	appConfig := buildTestConfig(upstream.URL(), tempDir, port)
	if cfg.chunkTimeout > 0 {
		appConfig.Upstream.ChunkTimeout = types.Duration(cfg.chunkTimeout)
	}
	appConfig.History.Enabled = cfg.history

	ts := &TestServer{
		Config:  appConfig,
		TempDir: tempDir,
		port:    port,
	}
	if err := ts.build(); err != nil {
		ts.cleanup()
		return nil, err
	}

	go func() {
		_ = ts.Server.Start()
	}()

	ts.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := waitForServer(ts.BaseURL, 10*time.Second); err != nil {
		ts.Stop()
		return nil, fmt.Errorf("server failed to start: %w", err)
	}
	return ts, nil
}

func (ts *TestServer) build() error {
	ctx := context.Background()
	ts.Bus = event.NewBus()

	files := prompt.Files{
		Dir:          ts.Config.Prompts.Dir,
		Generation:   ts.Config.Prompts.Generation,
		Modification: ts.Config.Prompts.Modification,
	}
	if err := os.MkdirAll(files.Dir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(files.GenerationPath(), []byte(TestGenerationPrompt), 0644); err != nil {
		return err
	}
	if err := os.WriteFile(files.ModificationPath(), []byte(TestModificationPrompt), 0644); err != nil {
		return err
	}
	selector, err := prompt.Load(files)
	if err != nil {
		return err
	}
	ts.Selector = selector

	r, err := relay.New(relay.ConfigFrom(ts.Config.Upstream), nil)
	if err != nil {
		return err
	}
	sender, err := provider.NewAnthropicProvider(ctx, provider.ConfigFrom(ts.Config.Upstream))
	if err != nil {
		return err
	}

	store := session.NewStore(session.Options{
		MaxSessions: ts.Config.Session.MaxSessions,
		TTL:         ts.Config.Session.TTL.Std(),
	})
	ts.Flows = flow.NewService(store, selector, r, sender, ts.Bus)

	if ts.Config.History.Enabled {
		db, err := history.Open(ts.Config.History.Path)
		if err != nil {
			return err
		}
		ts.History = history.NewStore(db)
		ts.recorder = history.NewRecorder(ts.History, ts.Bus)
		if err := ts.recorder.Start(ctx); err != nil {
			return err
		}
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Hostname = "127.0.0.1"
	serverConfig.Port = ts.port
	ts.Server = server.New(serverConfig, ts.Config, ts.Flows, ts.History, ts.Bus)
	return nil
}

// Stop shuts down the test server and cleans up.
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if ts.Server != nil {
		err = ts.Server.Shutdown(ctx)
	}
	ts.cleanup()
	return err
}

func (ts *TestServer) cleanup() {
	if ts.recorder != nil {
		ts.recorder.Stop()
	}
	if ts.History != nil {
		ts.History.Close()
	}
	if ts.Bus != nil {
		ts.Bus.Close()
	}
	if ts.TempDir != "" {
		os.RemoveAll(ts.TempDir)
	}
}

// Client returns a new test client for this server.
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.BaseURL)
}

// buildTestConfig starts from the defaults and points everything at the
// mock upstream and tempDir.
func buildTestConfig(upstreamURL, tempDir string, port int) *types.Config {
	cfg := config.Default()
	cfg.Port = port
	cfg.Upstream.BaseURL = upstreamURL
	cfg.Upstream.APIKey = "test-key"
	cfg.Upstream.Model = "claude-mock"
	cfg.Upstream.MaxTokens = 1024
	cfg.Prompts.Dir = filepath.Join(tempDir, "prompts")
	cfg.History.Path = filepath.Join(tempDir, "history.db")
	cfg.Log.Dir = tempDir
	return cfg
}

// findAvailablePort finds an available TCP port.
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// waitForServer waits for the health endpoint to answer.
func waitForServer(baseURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}
