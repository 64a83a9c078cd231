package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("NATTCELL_DB_DRIVER", "sqlite")
	t.Setenv("NATTCELL_DB_DSN", filepath.Join(dir, "nattcell.db"))
	t.Setenv("NATTCELL_MASTER_SECRET", "cli-test-master-secret")
	t.Setenv("NATTCELL_TENANTS", "acme")
	t.Setenv("NATTCELL_LOG_LEVEL", "ERROR")
	t.Setenv("NATTCELL_BLOB_BACKEND", "fs")
	t.Setenv("NATTCELL_BLOB_DIR", filepath.Join(dir, "blobs"))
	return dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"nattcell"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeCommand(t *testing.T, dir, name string, cmd contracts.Command) string {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func handle(t *testing.T, dir string, cmd contracts.Command) (int, contracts.Output) {
	t.Helper()
	code, stdout, stderr := run(t, "handle", "-file", writeCommand(t, dir, cmd.CorrelationID+".json", cmd))
	var out contracts.Output
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode output: %v\nstdout: %s\nstderr: %s", err, stdout, stderr)
	}
	return code, out
}

func orderCommand(correlation, op string, payload map[string]any) contracts.Command {
	return contracts.Command{
		TenantID:      "acme",
		CorrelationID: correlation,
		Domain:        "order",
		Operation:     op,
		ActorID:       "alice",
		Payload:       payload,
	}
}

func TestRun_Usage(t *testing.T) {
	if code, _, _ := run(t); code != 2 {
		t.Errorf("no args: exit = %d, want 2", code)
	}
	if code, stdout, _ := run(t, "help"); code != 0 || !strings.Contains(stdout, "handle") {
		t.Errorf("help: exit = %d", code)
	}
	if code, _, _ := run(t, "frobnicate"); code != 2 {
		t.Errorf("unknown: exit = %d, want 2", code)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	setupEnv(t)
	t.Setenv("NATTCELL_MASTER_SECRET", "")
	code, _, stderr := run(t, "scan")
	if code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(stderr, "MASTER_SECRET") {
		t.Errorf("stderr does not name the missing setting: %s", stderr)
	}
}

func TestHandle_AuditedAcrossProcesses(t *testing.T) {
	dir := setupEnv(t)

	code, out := handle(t, dir, orderCommand("c1", "request_payment", map[string]any{"amount": 10}))
	if code != 0 || !out.Success {
		t.Fatalf("request_payment: exit = %d, error = %+v", code, out.Error)
	}
	entity := out.Metadata.StateChanges[0].EntityID

	code, out = handle(t, dir, orderCommand("c2", "pay", map[string]any{"entity_id": entity}))
	if code != 0 || !out.Success {
		t.Fatalf("pay: exit = %d, error = %+v", code, out.Error)
	}
	if got := out.Metadata.StateChanges[0].FromState; got != "PAYMENT_PENDING" {
		t.Errorf("from state = %s, want PAYMENT_PENDING", got)
	}

	code, stdout, _ := run(t, "verify", "-tenant", "acme", "-chain", "order")
	if code != 0 {
		t.Fatalf("verify: exit = %d\n%s", code, stdout)
	}
	var state contracts.IntegrityState
	if err := json.Unmarshal([]byte(stdout), &state); err != nil {
		t.Fatal(err)
	}
	if state.RecordsChecked != 2 {
		t.Errorf("records checked = %d, want 2", state.RecordsChecked)
	}

	if code, stdout, _ := run(t, "scan"); code != 0 {
		t.Errorf("scan: exit = %d\n%s", code, stdout)
	}
	code, stdout, _ = run(t, "timeline", "-tenant", "acme", "-correlation", "c1")
	if code != 0 || !strings.Contains(stdout, "order.request_payment") {
		t.Errorf("timeline: exit = %d\n%s", code, stdout)
	}
}

func TestHandle_StateViolation(t *testing.T) {
	dir := setupEnv(t)
	code, out := handle(t, dir, orderCommand("c1", "pay", nil))
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if out.Error == nil || out.Error.Code != contracts.CodeStateViolation {
		t.Errorf("error = %+v, want STATE_VIOLATION", out.Error)
	}
}

func TestLockdown_BlocksCommandsUntilCleared(t *testing.T) {
	dir := setupEnv(t)

	if code, stdout, stderr := run(t, "lockdown", "engage", "-actor", "ops", "-reason", "drill"); code != 0 {
		t.Fatalf("engage: exit = %d\n%s\n%s", code, stdout, stderr)
	}
	if code, stdout, _ := run(t, "lockdown", "status"); code != 0 || !strings.Contains(stdout, `"active": true`) {
		t.Fatalf("status: exit = %d\n%s", code, stdout)
	}

	code, out := handle(t, dir, orderCommand("c1", "request_payment", map[string]any{"amount": 5}))
	if code != 1 || out.Error.Code != contracts.CodeLedgerLockdown {
		t.Fatalf("handle during lockdown: exit = %d, error = %+v", code, out.Error)
	}

	if code, _, stderr := run(t, "lockdown", "clear", "-actor", "ops", "-reason", "drill over"); code != 0 {
		t.Fatalf("clear: exit = %d\n%s", code, stderr)
	}
	code, out = handle(t, dir, orderCommand("c1", "request_payment", map[string]any{"amount": 5}))
	if code != 0 {
		t.Fatalf("handle after clear: exit = %d, error = %+v", code, out.Error)
	}
}

func TestCheckpoint_CreateAndRestore(t *testing.T) {
	dir := setupEnv(t)
	statePath := filepath.Join(dir, "state.json")
	if err := os.WriteFile(statePath, []byte(`{"cursor": 42, "region": "eu"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := run(t, "checkpoint", "create", "-module", "billing", "-state", statePath)
	if code != 0 {
		t.Fatalf("create: exit = %d\n%s", code, stderr)
	}
	var created map[string]string
	if err := json.Unmarshal([]byte(stdout), &created); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr = run(t, "checkpoint", "restore", "-id", created["id"])
	if code != 0 {
		t.Fatalf("restore: exit = %d\n%s", code, stderr)
	}
	var cp contracts.Checkpoint
	if err := json.Unmarshal([]byte(stdout), &cp); err != nil {
		t.Fatal(err)
	}
	if cp.Module != "billing" || cp.ModuleState["region"] != "eu" {
		t.Errorf("restored checkpoint = %+v", cp)
	}

	if code, _, _ := run(t, "checkpoint", "restore", "-id", "missing"); code != 1 {
		t.Errorf("restore missing: exit = %d, want 1", code)
	}
}

func TestConstitution_Advance(t *testing.T) {
	setupEnv(t)

	code, stdout, _ := run(t, "constitution", "status")
	if code != 0 || !strings.Contains(stdout, "S0_INCEPTION") {
		t.Fatalf("status: exit = %d\n%s", code, stdout)
	}
	code, stdout, stderr := run(t, "constitution", "advance", "-actor", "board", "-evidence", "charter signed")
	if code != 0 {
		t.Fatalf("advance: exit = %d\n%s\n%s", code, stdout, stderr)
	}
	code, stdout, _ = run(t, "constitution", "status")
	if code != 0 || !strings.Contains(stdout, `"current": "S1_FOUNDATION"`) {
		t.Errorf("status after advance: exit = %d\n%s", code, stdout)
	}

	// S2 requires ledger evidence.
	if code, _, _ := run(t, "constitution", "advance", "-actor", "board", "-evidence", "unrelated"); code != 1 {
		t.Errorf("advance without predicate evidence: exit = %d, want 1", code)
	}
}

func TestDecide_JournalAndDLQ(t *testing.T) {
	setupEnv(t)

	code, stdout, _ := run(t, "decide", "-type", "override", "-resource", "invoice:7", "-actor", "cfo", "-reasoning", "fix")
	if code != 0 {
		t.Fatalf("decide: exit = %d\n%s", code, stdout)
	}
	code, stdout, _ = run(t, "decide", "-type", "override", "-resource", "invoice:7", "-actor", "cfo", "-reasoning", "again")
	if code != 1 || !strings.Contains(stdout, string(contracts.CodeCoolingOff)) {
		t.Errorf("second override: exit = %d\n%s", code, stdout)
	}
	if code, stdout, _ := run(t, "decide", "journal"); code != 0 {
		t.Errorf("journal: exit = %d\n%s", code, stdout)
	}

	if code, stdout, _ := run(t, "dlq", "list"); code != 0 {
		t.Errorf("dlq list: exit = %d\n%s", code, stdout)
	}
	if code, _, _ := run(t, "dlq", "replay", "-id", "nope"); code != 1 {
		t.Errorf("dlq replay missing: exit = %d, want 1", code)
	}
}
