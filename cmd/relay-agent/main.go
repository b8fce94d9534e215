// ABOUTME: Entry point for the relay agent running on a user's machine
// ABOUTME: Connects to the gateway, heartbeats, and forwards routed requests locally

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/relay-gateway/internal/agent"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	var (
		gatewayURL = flag.String("gateway", "", "gateway websocket URL (default from credentials file)")
		token      = flag.String("token", "", "relay token (default from credentials file)")
		credsPath  = flag.String("credentials", "", "credentials file path (default ~/.relay-gateway/agent_token.json)")
		name       = flag.String("name", "", "display name for this machine")
		localPort  = flag.Int("local-port", 8377, "local port routed requests are forwarded to")
		heartbeat  = flag.Duration("heartbeat", agent.DefaultHeartbeatInterval, "heartbeat interval")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if err := run(*gatewayURL, *token, *credsPath, *name, *localPort, *heartbeat, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(gatewayURL, token, credsPath, name string, localPort int, heartbeat time.Duration, debug bool) error {
	// Flags win; the credentials file fills in whatever is missing.
	if gatewayURL == "" || token == "" {
		path := credsPath
		if path == "" {
			var err error
			path, err = agent.DefaultCredentialsPath()
			if err != nil {
				return err
			}
		}

		creds, err := agent.LoadCredentials(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no credentials at %s (run relay-gateway bootstrap, or pass --gateway and --token)", path)
			}
			return err
		}
		if gatewayURL == "" {
			gatewayURL = creds.GatewayURL
		}
		if token == "" {
			token = creds.Token
		}
		if name == "" {
			name = creds.MachineName
		}
	}
	if gatewayURL == "" {
		return fmt.Errorf("--gateway is required")
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	a := agent.New(agent.Config{
		GatewayURL:        gatewayURL,
		Token:             token,
		DisplayName:       name,
		HeartbeatInterval: heartbeat,
	}, agent.NewHTTPExecutor(localPort), logger)

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	cyan.Printf("relay-agent %s\n", version)
	gray.Printf("  identity: %s\n", a.Identity())
	gray.Printf("  gateway:  %s\n", gatewayURL)
	gray.Printf("  forward:  127.0.0.1:%d\n\n", localPort)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := a.Run(ctx)
	switch {
	case errors.Is(err, agent.ErrReplaced):
		logger.Info("another agent took over this identity, exiting")
		return nil
	case errors.Is(err, context.Canceled):
		logger.Info("shutting down")
		return nil
	default:
		return err
	}
}
