package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relayfabric/relayfabric/internal/httpapi"
)

func newTokenCommand() *cobra.Command {
	var nodeID string
	var admin bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Request an API token",
		Long:  "Request a signed API token from the node for subsequent calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeID == "" {
				return fmt.Errorf("--node-id is required")
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			var resp httpapi.TokenResponse
			req := httpapi.TokenRequest{NodeID: nodeID, Admin: admin}
			if err := apiPost(ctx, "/v1/auth/token", req, &resp); err != nil {
				return fmt.Errorf("request token: %w", err)
			}
			fmt.Println(resp.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeID, "node-id", "", "Identity to issue the token for")
	cmd.Flags().BoolVar(&admin, "admin", false, "Request admin privileges")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Display the node's identity, uptime, component sizes, and cloud state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			var resp httpapi.StatusResponse
			if err := apiGet(ctx, "/v1/status", &resp); err != nil {
				return fmt.Errorf("fetch status: %w", err)
			}

			fmt.Printf("Node:    %s\n", resp.NodeID)
			fmt.Printf("Scope:   %s\n", resp.Scope)
			fmt.Printf("Uptime:  %s\n", resp.Uptime)
			fmt.Printf("Cloud:   connected=%t", resp.CloudConnected)
			if resp.MasterNode != "" {
				fmt.Printf(" master=%s queued=%d", resp.MasterNode, resp.MasterQueueDepth)
			}
			fmt.Println()
			fmt.Println("Components:")
			for _, c := range resp.Components {
				fmt.Printf("  %-22s count=%-8d size=%dB\n", c.Name, c.Count, c.SizeBytes)
			}
			return nil
		},
	}
}

func newConnectionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List registered connections",
		Long:  "List every peer connection the node currently tracks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			var resp httpapi.ConnectionsResponse
			if err := apiGet(ctx, "/v1/connections", &resp); err != nil {
				return fmt.Errorf("fetch connections: %w", err)
			}

			fmt.Printf("%d connection(s)\n", resp.Total)
			for _, c := range resp.Connections {
				state := "dead"
				switch {
				case c.Connected && c.Alive:
					state = "alive"
				case c.Connected:
					state = "suspect"
				}
				fmt.Printf("  %-20s role=%-12s scope=%-10s state=%-8s queue=%d\n",
					c.NodeID, c.Role, c.Scope, state, c.QueueLen)
				for _, sub := range c.Subscriptions {
					fmt.Printf("    sub: %s\n", sub)
				}
			}
			return nil
		},
	}
}

func newSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions (admin)",
		Long:  "List every live session on the node; requires an admin token",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			var resp httpapi.SessionsResponse
			if err := apiGet(ctx, "/v1/sessions", &resp); err != nil {
				return fmt.Errorf("fetch sessions: %w", err)
			}

			fmt.Printf("%d session(s)\n", resp.Total)
			for _, s := range resp.Sessions {
				fmt.Printf("  %-36s device=%-16s hits=%-6d last=%s\n",
					s.ID, s.DeviceID, s.PageHits, s.LastAccess.Format("15:04:05"))
			}
			return nil
		},
	}
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check node health",
		Long:  "Check the liveness of the node's admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			var resp httpapi.HealthResponse
			if err := apiGet(ctx, "/healthz", &resp); err != nil {
				return fmt.Errorf("check health: %w", err)
			}
			if resp.Healthy {
				fmt.Printf("healthy, %d connection(s)\n", resp.Connections)
				return nil
			}
			return fmt.Errorf("node reports unhealthy: %s", resp.Message)
		},
	}
}
