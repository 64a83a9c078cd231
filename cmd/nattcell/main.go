package main

import (
	"fmt"
	"io"
	"os"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. Exit codes: 0 success, 1 a check or
// command failed, 2 usage or runtime error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "handle":
		return runHandleCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "scan":
		return runScanCmd(args[2:], stdout, stderr)
	case "lockdown":
		return runLockdownCmd(args[2:], stdout, stderr)
	case "relay":
		return runRelayCmd(args[2:], stdout, stderr)
	case "timeline":
		return runTimelineCmd(args[2:], stdout, stderr)
	case "dlq":
		return runDLQCmd(args[2:], stdout, stderr)
	case "checkpoint":
		return runCheckpointCmd(args[2:], stdout, stderr)
	case "decide":
		return runDecideCmd(args[2:], stdout, stderr)
	case "constitution":
		return runConstitutionCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "nattcell %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGreen = "\033[32m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%snattcell %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sTransactional command runtime.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  nattcell <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "COMMANDS")
	printCommand(w, "handle", "Run a command document through the pipeline (--file)")
	printCommand(w, "relay", "Re-deliver pending outbox events (--limit)")

	printSection(w, "AUDIT")
	printCommand(w, "verify", "Verify one audit chain (--tenant, --chain)")
	printCommand(w, "scan", "Verify every chain and count orphans")
	printCommand(w, "lockdown", "Show, engage or clear the ledger lockdown")
	printCommand(w, "timeline", "Causal timeline of a tenant (--tenant, --correlation)")

	printSection(w, "GOVERNANCE")
	printCommand(w, "decide", "Record a gatekeeper decision")
	printCommand(w, "constitution", "Show or advance the constitutional milestones")

	printSection(w, "RECOVERY")
	printCommand(w, "dlq", "List or replay dead-lettered operations")
	printCommand(w, "checkpoint", "Create, list or restore module checkpoints")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Configuration is read from %sNATTCELL_*%s environment variables.\n", ColorBold, ColorReset)
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
