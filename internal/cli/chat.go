package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/convoflow/convoflow/internal/app"
	"github.com/convoflow/convoflow/internal/orchestrator"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to an agent from the terminal",
	Long:  "Sends one message with --message, or reads lines from stdin until EOF.",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringP("agent", "a", "", "Agent ID or slug (defaults to orchestrator.defaultAgent)")
	chatCmd.Flags().StringP("message", "m", "", "Message to send")
	chatCmd.Flags().StringP("conversation", "c", "", "Conversation ID to continue")
	chatCmd.Flags().String("client", "", "Client ID for the conversation")
	chatCmd.Flags().Bool("json", false, "Print the full response as JSON")
}

func runChat(cmd *cobra.Command, args []string) error {
	agentID, _ := cmd.Flags().GetString("agent")
	message, _ := cmd.Flags().GetString("message")
	convID, _ := cmd.Flags().GetString("conversation")
	clientID, _ := cmd.Flags().GetString("client")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.Orchestrator == nil {
		return app.ErrNoProvider
	}
	if agentID == "" {
		agentID = a.Config.Orchestrator.DefaultAgent
	}
	if agentID == "" {
		return fmt.Errorf("--agent is required")
	}
	if convID == "" {
		convID = uuid.NewString()
	}
	stop := a.StartQueue(ctx)
	defer stop()

	out := cmd.OutOrStdout()
	send := func(text string) error {
		resp, err := a.Orchestrator.Process(ctx, orchestrator.Request{
			AgentID:        agentID,
			Message:        text,
			ConversationID: convID,
			ClientID:       clientID,
			Channel:        "cli",
			UserID:         "cli",
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(out, resp)
		}
		who := agentID
		if sub, found := a.Agents.Get(resp.SubAgentID); resp.Delegated && found {
			who = fmt.Sprintf("%s → %s", agentID, sub.Slug)
		}
		fmt.Fprintf(out, "%s %s\n", color.CyanString(who+":"), resp.Response)
		return nil
	}

	if message != "" {
		return send(message)
	}

	fmt.Fprintf(out, "Conversation %s. Ctrl-D to exit.\n", convID)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, color.GreenString("you: "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := send(line); err != nil {
			fmt.Fprintln(out, color.RedString("error: %v", err))
		}
	}
}
