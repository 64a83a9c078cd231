package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

// runHandleCmd implements `nattcell handle`.
//
// Exit codes:
//
//	0 = command succeeded
//	1 = command failed (the Output carries the error)
//	2 = runtime error
func runHandleCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("handle", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var file string
	cmd.StringVar(&file, "file", "", "Path to a command JSON document, or - for stdin (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read command: %v\n", err)
		return 2
	}
	var command contracts.Command
	if err := json.Unmarshal(data, &command); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: parse command: %v\n", err)
		return 2
	}

	ctx := context.Background()
	a, err := openApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close(ctx)

	out := a.runtime.Handle(ctx, command)
	writeJSON(stdout, out)
	if !out.Success {
		return 1
	}
	return 0
}

// runRelayCmd implements `nattcell relay`.
func runRelayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("relay", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	limit := cmd.Int("limit", 100, "Maximum number of pending events to deliver")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := openApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close(ctx)

	res, err := a.publisher.Relay(ctx, *limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: relay: %v\n", err)
		return 2
	}
	writeJSON(stdout, res)
	if res.Failed > 0 {
		return 1
	}
	return 0
}

func writeJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}
