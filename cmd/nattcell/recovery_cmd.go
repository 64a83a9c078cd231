package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/recovery"
)

// runDLQCmd implements `nattcell dlq <list|replay>`.
func runDLQCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: nattcell dlq <list|replay> [flags]")
		return 2
	}
	sub := args[0]
	cmd := flag.NewFlagSet("dlq "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	id := cmd.String("id", "", "Operation id to replay")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := openApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close(ctx)

	switch sub {
	case "list":
		ops, err := a.recovery.GetDeadLetterQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: list dead letters: %v\n", err)
			return 2
		}
		writeJSON(stdout, ops)
		return 0
	case "replay":
		if *id == "" {
			_, _ = fmt.Fprintln(stderr, "Error: --id is required")
			return 2
		}
		op, err := a.recovery.ReplayOperation(ctx, *id, nil)
		if recovery.IsNotFound(err) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		writeJSON(stdout, op)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown dlq subcommand: %s\n", sub)
		return 2
	}
}

// runCheckpointCmd implements `nattcell checkpoint <create|list|restore>`.
func runCheckpointCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: nattcell checkpoint <create|list|restore> [flags]")
		return 2
	}
	sub := args[0]
	cmd := flag.NewFlagSet("checkpoint "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		module    string
		stateFile string
		id        string
	)
	cmd.StringVar(&module, "module", "", "Module name")
	cmd.StringVar(&stateFile, "state", "", "Path to a JSON object holding the module state")
	cmd.StringVar(&id, "id", "", "Checkpoint id")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	var state map[string]any
	switch sub {
	case "create":
		if module == "" || stateFile == "" {
			_, _ = fmt.Fprintln(stderr, "Error: --module and --state are required")
			return 2
		}
		data, err := os.ReadFile(stateFile)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: read state: %v\n", err)
			return 2
		}
		if err := json.Unmarshal(data, &state); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: state must be a JSON object: %v\n", err)
			return 2
		}
	case "restore":
		if id == "" {
			_, _ = fmt.Fprintln(stderr, "Error: --id is required")
			return 2
		}
	case "list":
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown checkpoint subcommand: %s\n", sub)
		return 2
	}

	ctx := context.Background()
	a, err := openApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close(ctx)

	switch sub {
	case "create":
		cpID, err := a.recovery.CreateCheckpoint(ctx, module, state)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: create checkpoint: %v\n", err)
			return 2
		}
		writeJSON(stdout, map[string]string{"id": cpID, "module": module})
	case "list":
		cps, err := a.recovery.Checkpoints(ctx, module)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: list checkpoints: %v\n", err)
			return 2
		}
		writeJSON(stdout, cps)
	case "restore":
		cp, err := a.recovery.RestoreCheckpoint(ctx, id)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: restore checkpoint: %v\n", err)
			return 1
		}
		writeJSON(stdout, cp)
	}
	return 0
}
