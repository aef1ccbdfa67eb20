// Package main provides the CLI entry point for Ensemble, a multi-agent
// orchestration runtime for a personal AI assistant.
//
// Ensemble fronts a team of specialized language-model-backed bots against
// chat channels (CLI, Telegram, Discord, Slack), with a shared hybrid
// memory: an append-only event log, background entity/fact extraction, a
// staleness-driven summary tree, and per-bot learnings.
//
// # Basic Usage
//
// Talk to the team interactively:
//
//	ensemble agent --room general
//
// Inspect what the assistant knows:
//
//	ensemble explain --mode summary
//	ensemble how "why did you pick sqlite"
//	ensemble memory status
//
// # Environment Variables
//
//   - ENSEMBLE_CONFIG: Path to configuration file (default: ensemble.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models and embeddings
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
//   - DISCORD_BOT_TOKEN: Discord bot token
//   - SLACK_BOT_TOKEN / SLACK_APP_TOKEN: Slack Socket Mode credentials
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ensembleai/ensemble/internal/broker"
	"github.com/ensembleai/ensemble/internal/coordinator"
	"github.com/ensembleai/ensemble/internal/eventstore"
	"github.com/ensembleai/ensemble/internal/knowledge"
	"github.com/ensembleai/ensemble/internal/rooms"
	"github.com/ensembleai/ensemble/internal/security"
	"github.com/ensembleai/ensemble/internal/tools"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes of the CLI contract. Anything unrecognized exits 1.
const (
	exitOK           = 0
	exitFailure      = 1
	exitUsage        = 2
	exitPermission   = 3
	exitPrecondition = 4
)

// errUsage marks invalid invocations (bad args, unknown subjects).
var errUsage = errors.New("invalid usage")

// errPrecondition marks commands that cannot run against the current
// workspace state: missing provider keys, paused rooms, failed checks.
var errPrecondition = errors.New("precondition failed")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}

func preconditionErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errPrecondition}, args...)...)
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage), isCobraUsageError(err):
		return exitUsage
	case errors.Is(err, tools.ErrPermissionDenied):
		return exitPermission
	case errors.Is(err, errPrecondition),
		errors.Is(err, rooms.ErrNotFound),
		errors.Is(err, knowledge.ErrEntityNotFound),
		errors.Is(err, eventstore.ErrNotFound),
		errors.Is(err, coordinator.ErrRoomPaused),
		errors.Is(err, broker.ErrBusy),
		errors.Is(err, security.ErrChainBroken):
		return exitPrecondition
	default:
		return exitFailure
	}
}

// isCobraUsageError classifies cobra's own parse failures, which are
// plain fmt errors without a sentinel to match on.
func isCobraUsageError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{
		"unknown command",
		"unknown flag",
		"unknown shorthand flag",
		"invalid argument",
		"requires at least",
		"accepts at most",
		"accepts ",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ensemble",
		Short: "Ensemble - multi-agent orchestration runtime",
		Long: `Ensemble coordinates a team of LLM-backed bots over shared memory.

Rooms order messages, the leader routes or decomposes requests, and every
turn is recorded in an append-only event log that feeds the knowledge
graph, summary tree, and per-bot learnings.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath(), "Path to YAML configuration file")

	rootCmd.AddCommand(
		buildAgentCmd(),
		buildRoomCmd(),
		buildExplainCmd(),
		buildHowCmd(),
		buildMemoryCmd(),
	)
	return rootCmd
}

func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("ENSEMBLE_CONFIG")); p != "" {
		return p
	}
	return "ensemble.yaml"
}

func configPathFrom(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
