package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/observability"
)

// runVerifyCmd implements `nattcell verify`: it recomputes one audit chain.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var tenant, chain string
	cmd.StringVar(&tenant, "tenant", "", "Tenant id (REQUIRED)")
	cmd.StringVar(&chain, "chain", "", "Chain id, usually the domain (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenant == "" || chain == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --tenant and --chain are required")
		return 2
	}

	ctx := context.Background()
	a, err := openApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close(ctx)

	state, err := a.ledger.VerifyChain(ctx, tenant, chain)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verify: %v\n", err)
		return 2
	}
	writeJSON(stdout, state)
	if !state.IsValid {
		return 1
	}
	return 0
}

// runScanCmd implements `nattcell scan`. A broken chain engages the lockdown.
func runScanCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("scan", flag.ContinueOnError)
	cmd.SetOutput(stderr)
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

	report, err := a.ledger.Scan(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: scan: %v\n", err)
		return 2
	}
	writeJSON(stdout, report)
	if report.Tampered {
		return 1
	}
	return 0
}

// runLockdownCmd implements `nattcell lockdown <status|engage|clear>`.
func runLockdownCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: nattcell lockdown <status|engage|clear> [flags]")
		return 2
	}
	sub := args[0]
	cmd := flag.NewFlagSet("lockdown "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	actor := cmd.String("actor", "", "Operator requesting the change")
	reason := cmd.String("reason", "", "Reason recorded with the change")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if sub != "status" && (*actor == "" || *reason == "") {
		_, _ = fmt.Fprintln(stderr, "Error: --actor and --reason are required")
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
	case "status":
	case "engage":
		res, err := a.gatekeeper.EmergencyLockdown(ctx, *actor, *reason)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: lockdown: %v\n", err)
			return 2
		}
		if !res.Success {
			writeJSON(stdout, res)
			return 1
		}
	case "clear":
		if err := a.ledger.ClearLockdown(ctx, *actor, *reason); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: clear lockdown: %v\n", err)
			return 2
		}
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown lockdown subcommand: %s\n", sub)
		return 2
	}
	writeJSON(stdout, a.ledger.Lockdown())
	return 0
}

// runTimelineCmd implements `nattcell timeline`: the causal order of a
// tenant's audit records, or of one saga when --correlation is given.
func runTimelineCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("timeline", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenant      string
		correlation string
		since       time.Duration
		limit       int
	)
	cmd.StringVar(&tenant, "tenant", "", "Tenant id (REQUIRED)")
	cmd.StringVar(&correlation, "correlation", "", "Start from the records of this command")
	cmd.DurationVar(&since, "since", 0, "Only records newer than this")
	cmd.IntVar(&limit, "limit", 0, "Maximum number of entries")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenant == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --tenant is required")
		return 2
	}

	ctx := context.Background()
	a, err := openApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.Close(ctx)

	heads, err := a.db.ListChains(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: list chains: %v\n", err)
		return 2
	}
	var records []contracts.AuditRecord
	for _, h := range heads {
		if h.TenantID != tenant {
			continue
		}
		recs, err := a.db.ListRecords(ctx, h.TenantID, h.ChainID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: list records: %v\n", err)
			return 2
		}
		records = append(records, recs...)
	}

	q := observability.TimelineQuery{TenantID: tenant, CorrelationID: correlation, Limit: limit}
	if since > 0 {
		after := time.Now().Add(-since)
		q.After = &after
	}
	writeJSON(stdout, observability.BuildTimeline(records, q))
	return 0
}
