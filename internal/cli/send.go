package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harryaskham/io-mcp/internal/config"
	"github.com/harryaskham/io-mcp/internal/domain"
	"github.com/harryaskham/io-mcp/internal/gateway"
)

func newSendCmd() *cobra.Command {
	var (
		brokerURL string
		sessionID string
		urgent    bool
		async     bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Issue a single tool call against a running broker",
	}
	cmd.PersistentFlags().StringVar(&brokerURL, "broker", "ws://127.0.0.1:8444/ws", "broker WebSocket URL")
	cmd.PersistentFlags().StringVar(&sessionID, "session", "", "stable session id (default: one-shot)")

	dial := func(ctx context.Context) (*gateway.ClientConn, error) {
		cfg, err := config.Load(paths.Config)
		if err != nil {
			return nil, err
		}
		token := gateway.ResolveAuth(cfg.Gateway.Auth).Token
		hostname, _ := os.Hostname()
		return gateway.Dial(ctx, brokerURL, gateway.AgentInfo{
			InstanceID:  sessionID,
			DisplayName: "send@" + hostname,
			Platform:    "cli",
		}, token)
	}

	speakCmd := &cobra.Command{
		Use:   "speak <text>",
		Short: "Speak a line through the broker's voice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			conn, err := dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			tool := "speak"
			if urgent {
				tool = "speak_urgent"
			} else if async {
				tool = "speak_async"
			}
			payload, err := conn.Call(ctx, tool, map[string]string{"text": args[0]})
			if err != nil {
				return err
			}
			fmt.Println(string(payload))
			return nil
		},
	}
	speakCmd.Flags().BoolVar(&urgent, "urgent", false, "preempt current playback")
	speakCmd.Flags().BoolVar(&async, "async", false, "return at enqueue")

	var preamble string
	choicesCmd := &cobra.Command{
		Use:   "choices <label[::summary]>...",
		Short: "Present choices and print the operator's selection",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()

			conn, err := dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			options := make([]domain.Option, 0, len(args))
			for _, arg := range args {
				label, summary, _ := strings.Cut(arg, "::")
				options = append(options, domain.Option{Label: label, Summary: summary})
			}
			payload, err := conn.Call(ctx, "present_choices", map[string]any{
				"preamble": preamble,
				"choices":  options,
			})
			if err != nil {
				return err
			}
			fmt.Println(string(payload))
			return nil
		},
	}
	choicesCmd.Flags().StringVar(&preamble, "preamble", "", "narration spoken before the choices")

	cmd.AddCommand(speakCmd)
	cmd.AddCommand(choicesCmd)
	return cmd
}
