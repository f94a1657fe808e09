package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bitflow/flowproxy/internal/config"
	"github.com/bitflow/flowproxy/internal/prompt"
)

var (
	renderFirst    bool
	renderArtifact string
	renderSession  string
	renderDir      string
)

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Inspect system prompt templates",
}

var promptRenderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render the system prompt a turn would use",
	Long: `Render the system prompt selected for a turn and print it to stdout.

With --first the generation template is used. Otherwise the modification
template is rendered with the document read from --artifact; without an
artifact a follow-up turn falls back to the generation template.`,
	RunE: runPromptRender,
}

func init() {
	promptRenderCmd.Flags().BoolVar(&renderFirst, "first", false, "Render as the session's first turn")
	promptRenderCmd.Flags().StringVar(&renderArtifact, "artifact", "", "File holding the previous draw.io document")
	promptRenderCmd.Flags().StringVar(&renderSession, "session", "cli", "Session ID passed to the template")
	promptRenderCmd.Flags().StringVar(&renderDir, "directory", "", "Working directory")

	promptCmd.AddCommand(promptRenderCmd)
}

func runPromptRender(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(renderDir)
	if err != nil {
		return err
	}
	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	initLogging(appConfig.Log, false)

	selector, err := prompt.Load(promptFiles(appConfig.Prompts))
	if err != nil {
		return err
	}

	var previous string
	if renderArtifact != "" {
		data, err := os.ReadFile(renderArtifact)
		if err != nil {
			return fmt.Errorf("read artifact: %w", err)
		}
		previous = string(data)
	}

	text, kind, err := selector.Select(renderFirst, previous, renderSession)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "# %s template\n", kind)
	fmt.Fprintln(cmd.OutOrStdout(), text)
	return nil
}
