package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"chatstream/internal/config"
	"chatstream/internal/conversation"
	"chatstream/internal/logger"
	"chatstream/internal/transcript"
)

const replayUsage = `Usage:
  chatstream replay --config <path> --turn <id>
  chatstream replay --config <path> --list

Flags:
  --config string   Path to YAML configuration file (required)
  --turn   string   Id of the recorded turn to re-project
  --list            List recorded turns, newest first`

func replay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, replayUsage)
	}

	var cfgPath, turnID string
	var list bool
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&turnID, "turn", "", "turn id")
	fs.BoolVar(&list, "list", false, "list recorded turns")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse replay flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("replay command requires --config <path>")
	}
	if !list && turnID == "" {
		return errors.New("replay command requires --turn <id> or --list")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfg.Transcript.Path == "" {
		return errors.New("replay requires transcript.path in configuration")
	}

	log, closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := transcript.Open(cfg.Transcript.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if list {
		return listTurns(ctx, store, os.Stdout)
	}

	turn, err := store.Turn(ctx, turnID)
	if err != nil {
		return err
	}

	conv, err := conversation.New(conversation.Options{
		Streamer: store.Source(turnID),
		Model:    turn.Model,
		Logger:   logger.Component(log, "replay"),
	})
	if err != nil {
		return err
	}

	if err := conv.Submit(ctx, turn.UserText); err != nil {
		log.Info("recorded turn ended with a failure", "turn", turnID, "error", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(conv.Messages())
}

func listTurns(ctx context.Context, store *transcript.Store, out io.Writer) error {
	turns, err := store.Turns(ctx, 50)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TURN\tSTARTED\tMODEL\tOUTCOME\tFRAMES\tMESSAGE")
	for _, t := range turns {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			t.ID, t.StartedAt.Local().Format("2006-01-02 15:04:05"), t.Model, t.Outcome, t.Frames, summarize(t.UserText, 40))
	}
	return tw.Flush()
}

func summarize(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
