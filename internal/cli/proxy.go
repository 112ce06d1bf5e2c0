package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harryaskham/io-mcp/internal/proxy"
)

func newProxyCmd() *cobra.Command {
	var (
		listen string
		broker string
	)

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the agent-side proxy that survives broker restarts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return proxy.New(listen, broker, log).Start(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8445", "address to accept agent connections on")
	cmd.Flags().StringVar(&broker, "broker", "ws://127.0.0.1:8444/ws", "broker WebSocket URL")
	return cmd
}
