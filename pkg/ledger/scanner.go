package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

// Orphan is a record whose causation id points at nothing known to its tenant.
type Orphan struct {
	TenantID    string `json:"tenant_id"`
	ChainID     string `json:"chain_id"`
	Sequence    uint64 `json:"sequence"`
	CausationID string `json:"causation_id"`
}

// ScanReport is the result of a full ledger scan.
type ScanReport struct {
	Chains          []contracts.IntegrityState `json:"chains"`
	RecordsChecked  int                        `json:"records_checked"`
	Orphans         []Orphan                   `json:"orphans,omitempty"`
	Tampered        bool                       `json:"tampered"`
	LockdownEngaged bool                       `json:"lockdown_engaged"`
}

// Scan verifies every chain and counts orphans. Any broken chain engages the
// lockdown; orphans are reported only.
func (l *Ledger) Scan(ctx context.Context) (ScanReport, error) {
	heads, err := l.store.ListChains(ctx)
	if err != nil {
		return ScanReport{}, fmt.Errorf("list chains: %w", err)
	}
	sort.Slice(heads, func(i, j int) bool {
		if heads[i].TenantID != heads[j].TenantID {
			return heads[i].TenantID < heads[j].TenantID
		}
		return heads[i].ChainID < heads[j].ChainID
	})

	var report ScanReport
	known := make(map[string]map[string]bool)
	var causes []Orphan
	var broken []string

	for _, head := range heads {
		recs, err := l.store.ListRecords(ctx, head.TenantID, head.ChainID)
		if err != nil {
			return ScanReport{}, fmt.Errorf("list records of %s/%s: %w", head.TenantID, head.ChainID, err)
		}
		st := verifyRecords(head.TenantID, head.ChainID, recs, head, true)
		report.Chains = append(report.Chains, st)
		report.RecordsChecked += st.RecordsChecked
		if !st.IsValid {
			report.Tampered = true
			broken = append(broken, fmt.Sprintf("%s/%s@%d", st.TenantID, st.ChainID, *st.BrokenAtSequence))
			l.logger.ErrorContext(ctx, "audit chain integrity violation",
				"tenant_id", st.TenantID, "chain_id", st.ChainID,
				"broken_at_sequence", *st.BrokenAtSequence, "reason", st.Reason)
		}

		ids := known[head.TenantID]
		if ids == nil {
			ids = make(map[string]bool)
			known[head.TenantID] = ids
		}
		for _, r := range recs {
			ids[r.RecordID] = true
			if r.CorrelationID != "" {
				ids[r.CorrelationID] = true
			}
			if r.CausationID != "" {
				causes = append(causes, Orphan{TenantID: r.TenantID, ChainID: r.ChainID, Sequence: r.Sequence, CausationID: r.CausationID})
			}
		}
	}

	for _, c := range causes {
		if !known[c.TenantID][c.CausationID] {
			report.Orphans = append(report.Orphans, c)
		}
	}

	if report.Tampered {
		reason := "chain integrity violation: " + strings.Join(broken, ", ")
		if err := l.EngageLockdown(ctx, reason, "scanner"); err != nil {
			return report, err
		}
		report.LockdownEngaged = true
	}
	return report, nil
}
