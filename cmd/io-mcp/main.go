package main

import (
	"os"

	"github.com/tillberg/autorestart"

	"github.com/harryaskham/io-mcp/internal/cli"
)

func main() {
	go autorestart.RestartOnChange()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
