package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/convoflow/convoflow/internal/channels"
	"github.com/convoflow/convoflow/internal/config"
)

var (
	whatsappCmd = &cobra.Command{
		Use:   "whatsapp",
		Short: "WhatsApp channel utilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	whatsappLoginCmd = &cobra.Command{
		Use:   "login",
		Short: "Pair this host as a linked WhatsApp device by scanning a QR code",
		RunE:  runWhatsAppLogin,
	}

	whatsappSendCmd = &cobra.Command{
		Use:   "send <phone> <text>",
		Short: "Send a test message from the paired device",
		Args:  cobra.ExactArgs(2),
		RunE:  runWhatsAppSend,
	}
)

func init() {
	whatsappLoginCmd.Flags().Duration("timeout", 3*time.Minute, "How long to wait for the scan")
	whatsappCmd.AddCommand(whatsappLoginCmd, whatsappSendCmd)
}

func runWhatsAppLogin(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	out := cmd.OutOrStdout()
	printHeader(out, "📱 WhatsApp login")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	wa := channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, nil, "")
	defer wa.Stop()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	fmt.Fprintln(out, "Open WhatsApp on your phone, go to Linked devices and scan:")
	if err := wa.Login(ctx, out); err != nil {
		return err
	}
	ok(out, "Paired. Set channels.whatsapp.enabled=true and run `convoflow serve`.")
	return nil
}

func runWhatsAppSend(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Channels.WhatsApp.Enabled = true
	wa := channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, nil, "")
	if err := wa.Start(cmd.Context()); err != nil {
		return err
	}
	defer wa.Stop()

	res, err := wa.SendText(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	ok(cmd.OutOrStdout(), "Sent %s (%s)", res.MessageID, res.Status)
	return nil
}
