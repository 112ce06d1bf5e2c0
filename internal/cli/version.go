package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harryaskham/io-mcp/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the io-mcp version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	}
}
