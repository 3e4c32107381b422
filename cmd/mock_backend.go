package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"chatstream/internal/logger"
	"chatstream/internal/server"
)

const mockBackendUsage = `Usage:
  chatstream mock-backend [--config <path>] [--port <port>] [--script <path>]

Flags:
  --config string   Path to YAML configuration file
  --port   int      Override mock_backend.port from configuration
  --script string   YAML script to stream (defaults to the tool-use demo)`

func mockBackend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mock-backend", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, mockBackendUsage)
	}

	var cfgPath, scriptPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override listen port")
	fs.StringVar(&scriptPath, "script", "", "path to script file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse mock-backend flags: %w", err)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort < 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.MockBackend.Port = overridePort
	}
	if scriptPath != "" {
		cfg.MockBackend.Script = scriptPath
	}

	log, closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	script := server.DefaultScript()
	if cfg.MockBackend.Script != "" {
		script, err = server.LoadScript(cfg.MockBackend.Script)
		if err != nil {
			return err
		}
	}

	srv, err := server.New(cfg.MockBackend, script, logger.Component(log, "mock-backend"))
	if err != nil {
		return err
	}

	fmt.Printf("\nchatstream mock backend listening on http://127.0.0.1:%d\n", cfg.MockBackend.Port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  POST /v1/chat/completions/stream")
	fmt.Println("  POST /v1/chat/token_info")
	fmt.Println()

	return srv.Run(ctx)
}
