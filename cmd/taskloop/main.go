// Command taskloop submits a request record and runs it to completion in the
// current process, or inspects records already in the store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/GoCodeAlone/taskloop/comms"
	"github.com/GoCodeAlone/taskloop/config"
	"github.com/GoCodeAlone/taskloop/internal/engine"
	"github.com/GoCodeAlone/taskloop/internal/logging"
	"github.com/GoCodeAlone/taskloop/internal/version"
	"github.com/GoCodeAlone/taskloop/provider"
	"github.com/GoCodeAlone/taskloop/task"
)

func main() {
	var (
		configPath = flag.String("config", "taskloop.yaml", "path to config file (defaults are used if it does not exist)")
		logLevel   = flag.String("log-level", "", "override log.level from the config")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	cmd, rest := args[0], args[1:]
	if cmd == "version" {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logger, _, closeLog, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := engine.New(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer e.Close() //nolint:errcheck

	switch cmd {
	case "run":
		err = cmdRun(ctx, e, rest, os.Stdout)
	case "submit":
		err = cmdSubmit(ctx, e, rest, os.Stdout)
	case "list":
		err = cmdList(ctx, e, rest, os.Stdout)
	case "show":
		err = cmdShow(ctx, e, rest, os.Stdout)
	case "models":
		err = cmdModels(ctx, e, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `taskloop: run and inspect task records

Usage:
  taskloop [flags] <command> [args]

Flags:
  --config     <path>   config file (default: taskloop.yaml)
  --log-level  <level>  debug, info, warn or error

Commands:
  version                          print version
  run [--kind k] [--retries n] <prompt>
                                   submit a record and run it here until it is terminal
  submit [--kind k] <prompt>       push a record for taskloopd to pick up
  list [--status s] [--parent id]  list records
  show [--transcript] <id>         print one record
  models                           list models served by the configured endpoint
`)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.DefaultConfig()
		cfg.ApplyEnv(os.LookupEnv)
		return cfg, cfg.Validate()
	}
	return cfg, err
}

// --- run / submit ---

func cmdRun(ctx context.Context, e *engine.Engine, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	kind := fs.String("kind", "request", "record kind")
	retries := fs.Int("retries", -1, "max retries (-1 for none)")
	events := fs.Bool("events", false, "print lifecycle events to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		return errors.New("run: prompt is required")
	}

	if *events {
		unsub := e.Bus.Subscribe("", func(_ context.Context, ev *comms.Event) error {
			fmt.Fprintf(os.Stderr, "[%s] %s %s\n", ev.Timestamp.Format("15:04:05"), ev.Type, ev.RecordID)
			return nil
		})
		defer unsub()
	}

	id, err := e.Submit(ctx, *kind, prompt, *retries)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	rec, err := e.RunToCompletion(ctx, id, "taskloop-cli")
	if err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}
	if rec.Status == task.StatusFailed {
		return fmt.Errorf("record %s failed after %d retries: %s", rec.ID, rec.RetryCount, rec.Error)
	}
	fmt.Fprintln(out, rec.Result)
	return nil
}

func cmdSubmit(ctx context.Context, e *engine.Engine, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	kind := fs.String("kind", "request", "record kind")
	retries := fs.Int("retries", 0, "max retries (0 for the store default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		return errors.New("submit: prompt is required")
	}
	id, err := e.Submit(ctx, *kind, prompt, *retries)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, id)
	return nil
}

// --- list / show ---

func cmdList(ctx context.Context, e *engine.Engine, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status")
	parent := fs.String("parent", "", "filter by parent id")
	kind := fs.String("kind", "", "filter by kind")
	limit := fs.Int("limit", 50, "maximum records")
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter := task.Filter{Kind: *kind, ParentID: *parent, Limit: *limit}
	if *status != "" {
		st := task.Status(*status)
		filter.Status = &st
	}
	recs, err := e.Store.List(ctx, filter)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tRETRIES\tPARENT\tCREATED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.ID, r.Kind, r.Status, r.RetryCount, r.MaxRetries, r.ParentID, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func cmdShow(ctx context.Context, e *engine.Engine, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	withTranscript := fs.Bool("transcript", false, "include the message transcript")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("show: exactly one record id is required")
	}
	rec, err := e.Store.Get(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	view := map[string]any{"record": rec}
	if *withTranscript {
		if e.Transcript == nil {
			return errors.New("show: the configured store keeps no transcript")
		}
		entries, err := e.Transcript.ByRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		view["transcript"] = entries
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func cmdModels(ctx context.Context, e *engine.Engine, out io.Writer) error {
	lister, ok := e.Provider.(provider.ModelLister)
	if !ok {
		return fmt.Errorf("models: provider %q cannot list models", e.Provider.Name())
	}
	models, err := lister.Models(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%s\n", m.ID, m.Name)
	}
	return tw.Flush()
}
