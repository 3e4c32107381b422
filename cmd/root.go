package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chatstream/internal/config"
	"chatstream/internal/logger"
)

const usage = `chatstream is a streaming chat client for the local completion backend.

Usage:
  chatstream <command> [flags]

Commands:
  chat           Start an interactive conversation
  mock-backend   Serve a scripted completion stream
  replay         Re-project a recorded turn

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "chat":
		return chat(ctx, args[1:])
	case "mock-backend":
		return mockBackend(ctx, args[1:])
	case "replay":
		return replay(ctx, args[1:])
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}

// loadConfig reads cfgPath, or returns defaults when it is empty.
func loadConfig(cfgPath string) (config.Config, error) {
	if cfgPath == "" {
		var cfg config.Config
		cfg.ApplyDefaults()
		return cfg, cfg.Validate()
	}
	return config.Load(cfgPath)
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	log, closer, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return log, closer, nil
}
