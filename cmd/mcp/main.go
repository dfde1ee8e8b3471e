// bountyescrow MCP server - exposes escrow inspection tools to support agents
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/bountyescrow/internal/auth"
	"github.com/mbd888/bountyescrow/internal/mcpserver"
)

var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("BOUNTYESCROW_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("BOUNTYESCROW_ADMIN_TOKEN"),
	}

	// Mint a short-lived admin token when running next to the server.
	if cfg.Token == "" {
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			fmt.Fprintln(os.Stderr, "BOUNTYESCROW_ADMIN_TOKEN or JWT_SECRET is required")
			os.Exit(1)
		}
		tok, err := auth.NewVerifier(secret).Issue(envOrDefault("BOUNTYESCROW_OPERATOR", "support-console"), auth.RoleAdmin, 12*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue admin token: %v\n", err)
			os.Exit(1)
		}
		cfg.Token = tok
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
