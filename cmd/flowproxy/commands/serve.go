package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bitflow/flowproxy/internal/config"
	"github.com/bitflow/flowproxy/internal/event"
	"github.com/bitflow/flowproxy/internal/flow"
	"github.com/bitflow/flowproxy/internal/history"
	"github.com/bitflow/flowproxy/internal/logging"
	"github.com/bitflow/flowproxy/internal/prompt"
	"github.com/bitflow/flowproxy/internal/provider"
	"github.com/bitflow/flowproxy/internal/relay"
	"github.com/bitflow/flowproxy/internal/server"
	"github.com/bitflow/flowproxy/internal/session"
	"github.com/bitflow/flowproxy/pkg/types"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the flowproxy HTTP server",
	Long: `Start flowproxy as an HTTP server.

The API key is read from CLAUDE_API_KEY (or ANTHROPIC_API_KEY), which may be
set in a .env file in the working directory. Model and max_tokens come from
settings/anthropic_llm_config.yaml unless the config file overrides them.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config, 3002)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "0.0.0.0", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	initLogging(appConfig.Log, true)
	defer logging.Close()

	if err := config.Validate(appConfig); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if servePort != 0 {
		appConfig.Port = servePort
	}

	logging.Info().
		Str("version", Version).
		Str("directory", workDir).
		Str("model", appConfig.Upstream.Model).
		Int("maxTokens", appConfig.Upstream.MaxTokens).
		Msg("starting flowproxy")

	bus := event.NewBus()
	defer bus.Close()

	files := promptFiles(appConfig.Prompts)
	selector, err := prompt.Load(files)
	if err != nil {
		return err
	}
	if gen, mod := selector.Loaded(); !gen || !mod {
		logging.Warn().
			Bool("generation", gen).
			Bool("modification", mod).
			Str("dir", files.Dir).
			Msg("prompt templates missing; affected turns will fail with a configuration error")
	}

	if appConfig.Prompts.Watch {
		watcher, err := prompt.NewWatcher(selector, files, func(err error) {
			data := event.PromptsReloadedData{}
			data.Generation, data.Modification = selector.Loaded()
			if err != nil {
				data.Error = err.Error()
			}
			bus.Publish(event.Event{Type: event.PromptsReloaded, Data: data})
		})
		if err != nil {
			logging.Warn().Err(err).Str("dir", files.Dir).Msg("prompt watcher disabled")
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	r, err := relay.New(relay.ConfigFrom(appConfig.Upstream), nil)
	if err != nil {
		return err
	}

	// Non-streaming turns stay disabled when the chat model cannot be built.
	var sender flow.Sender
	if p, err := provider.NewAnthropicProvider(cmd.Context(), provider.ConfigFrom(appConfig.Upstream)); err != nil {
		logging.Warn().Err(err).Msg("non-streaming turns disabled")
	} else {
		sender = p
	}

	store := session.NewStore(session.Options{
		MaxSessions: appConfig.Session.MaxSessions,
		TTL:         appConfig.Session.TTL.Std(),
	})
	flows := flow.NewService(store, selector, r, sender, bus)

	var hist *history.Store
	if appConfig.History.Enabled {
		var rec *history.Recorder
		hist, rec, err = openHistory(cmd.Context(), appConfig.History.Path, bus)
		if err != nil {
			return err
		}
		defer hist.Close()
		defer rec.Stop()
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Port = appConfig.Port
	serverConfig.Hostname = serveHostname

	srv := server.New(serverConfig, appConfig, flows, hist, bus)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Msgf("server listening on http://%s:%d", serveHostname, serverConfig.Port)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logging.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("server stopped")
	return nil
}

func promptFiles(cfg types.PromptsConfig) prompt.Files {
	return prompt.Files{
		Dir:          cfg.Dir,
		Generation:   cfg.Generation,
		Modification: cfg.Modification,
	}
}

// openHistory opens the history database and starts recording completed
// turns from bus.
func openHistory(ctx context.Context, path string, bus *event.Bus) (*history.Store, *history.Recorder, error) {
	db, err := history.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}
	store := history.NewStore(db)

	rec := history.NewRecorder(store, bus)
	if err := rec.Start(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("start history recorder: %w", err)
	}
	logging.Info().Str("path", path).Msg("turn history enabled")
	return store, rec, nil
}
