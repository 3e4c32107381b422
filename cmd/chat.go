package cmd

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"chatstream/internal/classify"
	"chatstream/internal/client"
	"chatstream/internal/config"
	"chatstream/internal/conversation"
	"chatstream/internal/logger"
	"chatstream/internal/provider"
	"chatstream/internal/session"
	"chatstream/internal/transcript"
)

const chatUsage = `Usage:
  chatstream chat --config <path> [--model <id>]

Flags:
  --config string   Path to YAML configuration file (required)
  --model  string   Override the model from configuration

Commands inside the session:
  /new            Start a new conversation
  /cancel         Stop the reply that is streaming
  /model <id>     Switch model
  /tokens         Show token usage of the conversation
  /quit           Exit`

func chat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, chatUsage)
	}

	var cfgPath, model string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&model, "model", "", "override model")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse chat flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("chat command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if model != "" {
		cfg.Model = model
	}

	log, closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	registry, err := provider.FromConfig(cfg)
	if err != nil {
		return err
	}
	if cfg.Model == "" {
		if available := registry.Models(); len(available) > 0 {
			cfg.Model = available[0].ID
		}
	}

	backend, err := client.New(cfg.Backend, nil, logger.Component(log, "client"))
	if err != nil {
		return err
	}

	var accountant conversation.Accountant
	if !cfg.TokenAccounting.Disabled {
		acc := session.NewAccountant(backend, session.AccountantConfig{
			RequestsPerSecond: cfg.TokenAccounting.RequestsPerSecond,
			Burst:             cfg.TokenAccounting.Burst,
			RequestTimeout:    cfg.TokenAccounting.RequestTimeout,
			MaxFailures:       cfg.TokenAccounting.MaxFailures,
			BreakerTimeout:    cfg.TokenAccounting.BreakerTimeout,
		}, logger.Component(log, "tokens"))
		go acc.Run(ctx)
		accountant = acc
	}

	var recorder conversation.Recorder
	if cfg.Transcript.Path != "" {
		store, err := transcript.Open(cfg.Transcript.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder = store
	}

	r := newRenderer(os.Stdout, os.Stderr)
	var conv *conversation.Conversation
	conv, err = conversation.New(conversation.Options{
		Streamer:   backend,
		Models:     registry,
		Accountant: accountant,
		Recorder:   recorder,
		Model:      cfg.Model,
		Notices:    classify.Policy{DismissAfter: cfg.Notices.DismissAfter},
		Logger:     logger.Component(log, "conversation"),
		OnUpdate:   func(u conversation.Update) { r.update(conv, u) },
	})
	if err != nil {
		return err
	}

	fmt.Printf("chatstream: talking to %s using %s. Type /quit to exit.\n", cfg.Backend.ChatURL, cfg.Model)
	return runREPL(ctx, conv, os.Stdin, os.Stdout)
}

// runREPL reads commands and messages from in until EOF, /quit or ctx ends.
// Turns stream on their own goroutine so /cancel is honoured mid-reply.
func runREPL(ctx context.Context, conv *conversation.Conversation, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var turnDone chan error
	wait := func() {
		if turnDone != nil {
			<-turnDone
			turnDone = nil
		}
	}
	prompt := func() { fmt.Fprint(out, "> ") }

	prompt()
	for {
		select {
		case <-ctx.Done():
			conv.Cancel()
			wait()
			return ctx.Err()

		case <-turnDone:
			turnDone = nil
			prompt()

		case line, ok := <-lines:
			if !ok {
				wait()
				fmt.Fprintln(out)
				return nil
			}

			line = strings.TrimSpace(line)
			cmd, arg, _ := strings.Cut(line, " ")
			switch cmd {
			case "":
				if turnDone == nil {
					prompt()
				}
			case "/quit", "/exit":
				conv.Cancel()
				wait()
				return nil
			case "/cancel":
				conv.Cancel()
			case "/new":
				conv.Reset()
				wait()
				fmt.Fprintln(out, "(new conversation)")
				prompt()
			case "/model":
				if arg = strings.TrimSpace(arg); arg == "" {
					fmt.Fprintf(out, "model: %s\n", conv.Model())
				} else {
					conv.SetModel(arg)
					fmt.Fprintf(out, "model set to %s\n", arg)
				}
				if turnDone == nil {
					prompt()
				}
			case "/tokens":
				printTokens(out, conv)
				if turnDone == nil {
					prompt()
				}
			default:
				if turnDone != nil {
					fmt.Fprintln(out, "(a reply is still streaming; /cancel to stop it)")
					continue
				}
				done := make(chan error, 1)
				turnDone = done
				go func(text string) { done <- conv.Submit(ctx, text) }(line)
			}
		}
	}
}

func printTokens(out io.Writer, conv *conversation.Conversation) {
	info, ok := conv.TokenInfo()
	if !ok {
		fmt.Fprintln(out, "token info unavailable")
		return
	}
	fmt.Fprintf(out, "tokens: %d used of %d (%d remaining) for %s\n",
		info.UsedTokens, info.MaxTokens, info.RemainingTokens, info.Model)
}
