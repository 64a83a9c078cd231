package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/gatekeeper"
)

// runDecideCmd implements `nattcell decide [record|token|journal]`.
//
// record (the default) appends one decision to the journal; token mints a
// single-use emergency token; journal verifies the journal hash chain.
func runDecideCmd(args []string, stdout, stderr io.Writer) int {
	sub := "record"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}
	cmd := flag.NewFlagSet("decide "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		typ       string
		resource  string
		actor     string
		reasoning string
		evidence  string
		token     string
		purpose   string
		bypass    bool
	)
	cmd.StringVar(&typ, "type", string(contracts.DecisionApproval), "APPROVAL, REJECTION, OVERRIDE or EMERGENCY")
	cmd.StringVar(&resource, "resource", "", "Resource the decision applies to")
	cmd.StringVar(&actor, "actor", "", "Deciding actor")
	cmd.StringVar(&reasoning, "reasoning", "", "Reasoning recorded with the decision")
	cmd.StringVar(&evidence, "evidence", "", "Comma separated evidence references")
	cmd.StringVar(&token, "token", "", "Emergency token")
	cmd.StringVar(&purpose, "purpose", "", "Emergency token purpose (defaults to the resource)")
	cmd.BoolVar(&bypass, "bypass-cooling-off", false, "Bypass cooling-off with an emergency token")
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

	switch sub {
	case "record":
		res, err := a.gatekeeper.MakeDecision(ctx, gatekeeper.Request{
			Type:      contracts.DecisionType(strings.ToUpper(typ)),
			Resource:  resource,
			Actor:     actor,
			Reasoning: reasoning,
			Evidence:  splitList(evidence),
			Options: gatekeeper.Options{
				BypassCoolingOff: bypass,
				EmergencyToken:   token,
				TokenPurpose:     purpose,
			},
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: decide: %v\n", err)
			return 2
		}
		writeJSON(stdout, res)
		if !res.Success {
			return 1
		}
	case "token":
		if purpose == "" {
			purpose = resource
		}
		if purpose == "" {
			_, _ = fmt.Fprintln(stderr, "Error: --purpose or --resource is required")
			return 2
		}
		tok, err := a.gatekeeper.GenerateEmergencyToken(ctx, purpose)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: generate token: %v\n", err)
			return 2
		}
		writeJSON(stdout, map[string]string{"token": tok, "purpose": purpose})
	case "journal":
		state, err := a.gatekeeper.VerifyJournal(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: verify journal: %v\n", err)
			return 2
		}
		writeJSON(stdout, state)
		if !state.IsValid {
			return 1
		}
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown decide subcommand: %s\n", sub)
		return 2
	}
	return 0
}

// runConstitutionCmd implements `nattcell constitution <status|advance>`.
// advance records a gatekeeper approval for the target and uses it at once.
func runConstitutionCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: nattcell constitution <status|advance> [flags]")
		return 2
	}
	sub := args[0]
	cmd := flag.NewFlagSet("constitution "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	actor := cmd.String("actor", "", "Approving actor")
	target := cmd.String("target", "", "Milestone to enter (defaults to the next one)")
	evidence := cmd.String("evidence", "", "Comma separated evidence references")
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
	case "status":
		writeJSON(stdout, map[string]any{
			"current": a.constitution.Current(),
			"next":    a.constitution.Next(),
			"history": a.constitution.History(),
		})
		return 0
	case "advance":
		if *actor == "" {
			_, _ = fmt.Fprintln(stderr, "Error: --actor is required")
			return 2
		}
		to := *target
		if to == "" {
			to = a.constitution.Next()
		}
		ev := splitList(*evidence)
		approval, err := a.gatekeeper.ApproveStateTransition(ctx, *actor, to, ev)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: approve: %v\n", err)
			return 2
		}
		if !approval.Success {
			writeJSON(stdout, approval.Result)
			return 1
		}
		t, err := a.constitution.Advance(ctx, to, ev, approval.Token)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		writeJSON(stdout, t)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown constitution subcommand: %s\n", sub)
		return 2
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
