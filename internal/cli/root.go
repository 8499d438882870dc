package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/convoflow/convoflow/internal/app"
	"github.com/convoflow/convoflow/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/convoflow/convoflow/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"   ___ ___  _ ____   _____  / _| | _____      __\n" +
		"  / __/ _ \\| '_ \\ \\ / / _ \\| |_| |/ _ \\ \\ /\\ / /\n" +
		" | (_| (_) | | | \\ V / (_) |  _| | (_) \\ V  V /\n" +
		"  \\___\\___/|_| |_|\\_/ \\___/|_| |_|\\___/ \\_/\\_/\n"
)

var rootCmd = &cobra.Command{
	Use:   "convoflow",
	Short: "convoflow - conversational agents that learn",
	Long:  color.CyanString(logo) + "\nMulti-agent orchestration with continuous learning and automation triggers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		return setupLogging(level)
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("log-level", envOr("CONVOFLOW_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(learningCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(triggersCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(whatsappCmd)
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

// openApp loads the config and builds the service graph. Tests replace it.
var openApp = func(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return app.New(ctx, cfg, app.Options{})
}

func printJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func ok(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.GreenString("✓ ")+fmt.Sprintf(format, args...))
}

func warn(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.YellowString("! ")+fmt.Sprintf(format, args...))
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
