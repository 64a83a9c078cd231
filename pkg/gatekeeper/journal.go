package gatekeeper

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/canonicalize"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

// GenesisHash is the PrevHash of the first journal entry.
const GenesisHash = "genesis"

// JournalChain names the decision journal in integrity reports.
const JournalChain = "gatekeeper-journal"

// DecisionHash is SHA-256 over every field of d except Hash, chained to PrevHash.
func DecisionHash(d contracts.GatekeeperDecision) string {
	parts := []string{
		d.PrevHash,
		d.DecisionID,
		strconv.FormatUint(d.Sequence, 10),
		string(d.Type),
		d.Resource,
		d.Actor,
		d.Reasoning,
		strconv.FormatBool(d.CoolingOffApplied),
		strconv.FormatBool(d.EmergencyTokenUse),
		string(d.StressLevel),
		d.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(len(d.Evidence)),
	}
	parts = append(parts, d.Evidence...)
	return canonicalize.HashParts(parts...)
}

// VerifyJournal re-walks the decision journal.
func (s *Service) VerifyJournal(ctx context.Context) (contracts.IntegrityState, error) {
	journal, err := s.store.ListDecisions(ctx)
	if err != nil {
		return contracts.IntegrityState{}, fmt.Errorf("list decisions: %w", err)
	}
	st := contracts.IntegrityState{ChainID: JournalChain, IsValid: true}
	prev := GenesisHash
	for i, d := range journal {
		seq := uint64(i) + 1
		st.RecordsChecked = i + 1
		var reason string
		switch {
		case d.Sequence != seq:
			reason = fmt.Sprintf("expected sequence %d, found %d", seq, d.Sequence)
		case d.PrevHash != prev:
			reason = fmt.Sprintf("prev hash mismatch at sequence %d", seq)
		case DecisionHash(d) != d.Hash:
			reason = fmt.Sprintf("hash mismatch at sequence %d", seq)
		}
		if reason != "" {
			st.IsValid = false
			st.BrokenAtSequence = &seq
			st.Reason = reason
			return st, nil
		}
		prev = d.Hash
	}
	return st, nil
}
