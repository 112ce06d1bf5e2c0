package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/harryaskham/io-mcp/internal/domain"
	"github.com/harryaskham/io-mcp/internal/gateway"
)

func newStatusCmd() *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show broker health and connected sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}

			var health gateway.HealthResponse
			if err := getJSON(client, baseURL+"/api/health", &health); err != nil {
				return fmt.Errorf("broker unreachable: %w", err)
			}
			fmt.Printf("status:   %s (v%s)\n", health.Status, health.Version)
			fmt.Printf("agents:   %d connected, %d sessions\n", health.Agents, health.Sessions)
			fmt.Printf("audio:    %s\n", health.Audio)
			fmt.Printf("uptime:   %ds\n", health.UptimeSeconds)

			var sessions struct {
				Sessions []domain.SessionSnapshot `json:"sessions"`
			}
			if err := getJSON(client, baseURL+"/api/sessions", &sessions); err != nil {
				return nil // health worked; sessions may need auth
			}
			for _, s := range sessions.Sessions {
				marker := " "
				if s.HasActiveItem {
					marker = "o"
				}
				fmt.Printf("  %s %-20s %-6s inbox=%d calls=%d last=%s\n",
					marker, s.Name, s.Lifecycle, s.InboxLen, s.ToolCalls, s.LastTool)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8444", "broker base URL")
	return cmd
}

func getJSON(client *http.Client, url string, target any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}
