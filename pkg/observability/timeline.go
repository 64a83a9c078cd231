package observability

import (
	"sort"
	"time"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

// TimelineEntry is one step of a saga as seen in the audit ledger.
type TimelineEntry struct {
	RecordID      string    `json:"record_id"`
	ChainID       string    `json:"chain_id"`
	Sequence      uint64    `json:"sequence"`
	EventType     string    `json:"event_type"`
	Actor         string    `json:"actor,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	Depth         int       `json:"depth"`
}

// TimelineQuery selects the records a timeline is built from.
type TimelineQuery struct {
	TenantID string
	// CorrelationID, when set, starts the saga at the records of that
	// command and follows everything caused by it.
	CorrelationID string
	After         *time.Time
	Before        *time.Time
	Limit         int
}

// BuildTimeline reconstructs the causal order of audit records. A record is
// a child of the earliest record whose record id or correlation id equals its
// causation id. Children follow their parent depth first; siblings and roots
// are ordered by timestamp, then chain and sequence.
func BuildTimeline(records []contracts.AuditRecord, q TimelineQuery) []TimelineEntry {
	var sel []contracts.AuditRecord
	for _, r := range records {
		switch {
		case q.TenantID != "" && r.TenantID != q.TenantID:
			continue
		case q.After != nil && r.Timestamp.Before(*q.After):
			continue
		case q.Before != nil && r.Timestamp.After(*q.Before):
			continue
		}
		sel = append(sel, r)
	}
	sort.SliceStable(sel, func(i, j int) bool {
		a, b := sel[i], sel[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ChainID != b.ChainID {
			return a.ChainID < b.ChainID
		}
		return a.Sequence < b.Sequence
	})

	owner := make(map[string]int, 2*len(sel))
	for i, r := range sel {
		if _, ok := owner[r.RecordID]; !ok && r.RecordID != "" {
			owner[r.RecordID] = i
		}
		if _, ok := owner[r.CorrelationID]; !ok && r.CorrelationID != "" {
			owner[r.CorrelationID] = i
		}
	}
	children := make(map[int][]int)
	var roots []int
	for i, r := range sel {
		p, ok := owner[r.CausationID]
		switch {
		case !ok || r.CausationID == "" || p == i:
			roots = append(roots, i)
		case sel[p].CorrelationID == r.CorrelationID && r.CorrelationID != "":
			// same command; keep it a sibling of its first record
			roots = append(roots, i)
		default:
			children[p] = append(children[p], i)
		}
	}
	if q.CorrelationID != "" {
		roots = roots[:0]
		for i, r := range sel {
			if r.CorrelationID == q.CorrelationID {
				roots = append(roots, i)
			}
		}
	}

	var out []TimelineEntry
	visited := make([]bool, len(sel))
	var walk func(i, depth int)
	walk = func(i, depth int) {
		if visited[i] {
			return
		}
		visited[i] = true
		r := sel[i]
		out = append(out, TimelineEntry{
			RecordID: r.RecordID, ChainID: r.ChainID, Sequence: r.Sequence, EventType: r.EventType,
			Actor: r.Actor, Timestamp: r.Timestamp, CorrelationID: r.CorrelationID, CausationID: r.CausationID,
			Depth: depth,
		})
		for _, c := range children[i] {
			walk(c, depth+1)
		}
	}
	for _, i := range roots {
		walk(i, 0)
	}
	if q.CorrelationID == "" {
		// records on a causation cycle have no root
		for i := range sel {
			walk(i, 0)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
