package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

// replayCommand re-runs the pipeline body for a dead-lettered command. The
// idempotency cache is bypassed: the cached Output of the original attempt
// is the failure being repaired.
func (r *Runtime) replayCommand(ctx context.Context, op contracts.OperationRecord) error {
	cmd, err := commandFromParams(op.Params)
	if err != nil {
		return err
	}
	if ld := r.deps.Ledger.Lockdown(); ld.Active {
		return contracts.NewError(contracts.CodeLedgerLockdown, "replay refused during lockdown: %s", ld.Reason)
	}
	out := r.execute(ctx, cmd, r.clock(), true)
	if !out.Success {
		return contracts.NewError(out.Error.Code, "replay of %s: %s", cmd.CorrelationID, out.Error.Message)
	}
	r.logger.InfoContext(ctx, "dead-lettered command replayed",
		"operation_id", op.ID, "tenant_id", cmd.TenantID, "correlation_id", cmd.CorrelationID)
	return nil
}

func commandFromParams(params map[string]any) (contracts.Command, error) {
	raw, ok := params["command"]
	if !ok {
		return contracts.Command{}, contracts.NewError(contracts.CodeValidation, "operation carries no command")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return contracts.Command{}, fmt.Errorf("encode stored command: %w", err)
	}
	var cmd contracts.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return contracts.Command{}, contracts.WrapError(contracts.CodeValidation, "stored command is malformed", err)
	}
	return cmd, nil
}
