package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway, learning worker and trigger scheduler",
	RunE:  runServe,
}

var serveSignalNotify = signal.Notify
var serveSignalStop = signal.Stop

func runServe(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printHeader(out, "🌐 convoflow gateway")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sigChan := make(chan os.Signal, 1)
	serveSignalNotify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer serveSignalStop(sigChan)
	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(out, "\nShutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	if addr := a.Config.Channels.Webhook.Addr; addr != "" {
		fmt.Fprintf(out, "Webhooks: http://%s/webhooks/{channel}\n", addr)
	}
	if a.Prom != nil {
		fmt.Fprintf(out, "Metrics:  http://%s/metrics\n", a.Config.Metrics.Addr)
	}
	if err := a.Serve(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
