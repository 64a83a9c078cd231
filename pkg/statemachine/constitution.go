package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/canonicalize"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/celeval"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

// Milestone is one constitutional state. Predicate is an optional CEL
// expression over `evidence` (a list of strings) that must hold to enter it.
type Milestone struct {
	State     string `yaml:"state" json:"state"`
	Predicate string `yaml:"predicate,omitempty" json:"predicate,omitempty"`
}

// DefaultMilestones is the seven-step governance sequence.
func DefaultMilestones() []Milestone {
	return []Milestone{
		{State: "S0_INCEPTION"},
		{State: "S1_FOUNDATION"},
		{State: "S2_LEDGER", Predicate: `evidence.exists(e, e.contains("ledger"))`},
		{State: "S3_GOVERNANCE", Predicate: `evidence.exists(e, e.contains("gatekeeper"))`},
		{State: "S4_RESILIENCE", Predicate: `evidence.exists(e, e.contains("recovery"))`},
		{State: "S5_OPERATIONAL", Predicate: `evidence.exists(e, e.contains("outbox")) && evidence.exists(e, e.contains("policy"))`},
		{State: "S6_SOVEREIGN", Predicate: `size(evidence) >= 3`},
	}
}

// ParseMilestones decodes a YAML document holding a `milestones` list.
func ParseMilestones(data []byte) ([]Milestone, error) {
	var f struct {
		Milestones []Milestone `yaml:"milestones"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, contracts.WrapError(contracts.CodeDefinitionInvalid, "parse milestones", err)
	}
	return f.Milestones, nil
}

// ApprovalVerifier checks that a gatekeeper approval covers entering
// targetState with evidence and returns the approving actor.
type ApprovalVerifier interface {
	VerifyApproval(ctx context.Context, token, targetState string, evidence []string) (string, error)
}

// TransitionLog persists the constitutional history.
type TransitionLog interface {
	AppendConstitutional(ctx context.Context, t contracts.ConstitutionalTransition) error
	ListConstitutional(ctx context.Context) ([]contracts.ConstitutionalTransition, error)
}

// Constitution is the single, always-existing governance process. It only
// moves forward, one milestone at a time.
type Constitution struct {
	mu         sync.Mutex
	milestones []Milestone
	index      map[string]int
	current    int
	history    []contracts.ConstitutionalTransition
	verifier   ApprovalVerifier
	log        TransitionLog
	eval       *celeval.Evaluator
	clock      func() time.Time
	logger     *slog.Logger
}

// NewConstitution builds the registry and replays any persisted history,
// rejecting history whose hashes or ordering do not check out.
func NewConstitution(ctx context.Context, verifier ApprovalVerifier, log TransitionLog, milestones []Milestone) (*Constitution, error) {
	if len(milestones) < 2 {
		return nil, contracts.NewError(contracts.CodeDefinitionInvalid, "constitution needs at least two milestones")
	}
	ev, err := celeval.New("evidence")
	if err != nil {
		return nil, err
	}
	c := &Constitution{
		milestones: milestones,
		index:      make(map[string]int, len(milestones)),
		verifier:   verifier,
		log:        log,
		eval:       ev,
		clock:      time.Now,
		logger:     slog.Default().With("component", "constitution"),
	}
	for i, m := range milestones {
		if m.State == "" {
			return nil, contracts.NewError(contracts.CodeDefinitionInvalid, "milestone %d has no state", i)
		}
		if _, dup := c.index[m.State]; dup {
			return nil, contracts.NewError(contracts.CodeDefinitionInvalid, "duplicate milestone %q", m.State)
		}
		c.index[m.State] = i
		if m.Predicate != "" {
			if err := ev.Compile(m.Predicate); err != nil {
				return nil, contracts.WrapError(contracts.CodeDefinitionInvalid, "milestone "+m.State, err)
			}
		}
	}

	if log != nil {
		past, err := log.ListConstitutional(ctx)
		if err != nil {
			return nil, fmt.Errorf("load constitutional history: %w", err)
		}
		for _, t := range past {
			if err := c.replay(t); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// WithClock overrides the clock for testing.
func (c *Constitution) WithClock(clock func() time.Time) *Constitution {
	c.clock = clock
	return c
}

func (c *Constitution) replay(t contracts.ConstitutionalTransition) error {
	if t.FromState != c.milestones[c.current].State || c.index[t.ToState] != c.current+1 {
		return contracts.NewError(contracts.CodeConstitution,
			"persisted transition %s -> %s is out of sequence", t.FromState, t.ToState)
	}
	if TransitionHash(t) != t.Hash {
		return contracts.NewError(contracts.CodeConstitution,
			"persisted transition %s -> %s has a bad hash", t.FromState, t.ToState)
	}
	c.current++
	c.history = append(c.history, t)
	return nil
}

// Current returns the current milestone.
func (c *Constitution) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.milestones[c.current].State
}

// Next returns the milestone that may be entered next, or "" at the end.
func (c *Constitution) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current+1 >= len(c.milestones) {
		return ""
	}
	return c.milestones[c.current+1].State
}

// History returns the ordered transition history.
func (c *Constitution) History() []contracts.ConstitutionalTransition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]contracts.ConstitutionalTransition(nil), c.history...)
}

// Advance moves to target. The move must be to the immediate successor,
// carry non-empty evidence satisfying the target's predicate, and present an
// approval token the verifier accepts for target.
func (c *Constitution) Advance(ctx context.Context, target string, evidence []string, approvalToken string) (contracts.ConstitutionalTransition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.milestones[c.current].State
	idx, ok := c.index[target]
	switch {
	case !ok:
		return contracts.ConstitutionalTransition{}, contracts.NewError(contracts.CodeConstitution, "unknown milestone %q", target)
	case idx <= c.current:
		return contracts.ConstitutionalTransition{}, contracts.NewError(contracts.CodeConstitution,
			"cannot move backwards from %s to %s", from, target)
	case idx > c.current+1:
		return contracts.ConstitutionalTransition{}, contracts.NewError(contracts.CodeConstitution,
			"cannot skip from %s to %s; next is %s", from, target, c.milestones[c.current+1].State)
	}

	nonEmpty := make([]string, 0, len(evidence))
	for _, e := range evidence {
		if e != "" {
			nonEmpty = append(nonEmpty, e)
		}
	}
	if len(nonEmpty) == 0 {
		return contracts.ConstitutionalTransition{}, contracts.NewError(contracts.CodeConstitution, "evidence is required to enter %s", target)
	}

	if pred := c.milestones[idx].Predicate; pred != "" {
		list := make([]any, len(nonEmpty))
		for i, e := range nonEmpty {
			list[i] = e
		}
		ok, err := c.eval.Eval(pred, map[string]any{"evidence": list})
		if err != nil {
			return contracts.ConstitutionalTransition{}, contracts.WrapError(contracts.CodeConstitution, "evaluate predicate for "+target, err)
		}
		if !ok {
			return contracts.ConstitutionalTransition{}, contracts.NewError(contracts.CodeConstitution,
				"evidence does not satisfy %s requirement %q", target, pred)
		}
	}

	if c.verifier == nil {
		return contracts.ConstitutionalTransition{}, contracts.NewError(contracts.CodeConstitution, "no approval verifier configured")
	}
	approver, err := c.verifier.VerifyApproval(ctx, approvalToken, target, nonEmpty)
	if err != nil {
		return contracts.ConstitutionalTransition{}, contracts.WrapError(contracts.CodeConstitution, "gatekeeper approval for "+target, err)
	}

	sort.Strings(nonEmpty)
	t := contracts.ConstitutionalTransition{
		FromState: from,
		ToState:   target,
		Timestamp: c.clock().UTC(),
		Evidence:  nonEmpty,
		Approved:  true,
		Approver:  approver,
	}
	t.Hash = TransitionHash(t)

	if c.log != nil {
		if err := c.log.AppendConstitutional(ctx, t); err != nil {
			return contracts.ConstitutionalTransition{}, fmt.Errorf("persist constitutional transition: %w", err)
		}
	}
	c.current = idx
	c.history = append(c.history, t)
	c.logger.InfoContext(ctx, "constitutional milestone reached", "from", from, "to", target, "approver", approver)
	return t, nil
}

// TransitionHash is SHA-256 over from, to, timestamp, the sorted evidence and
// the approval flag, each length-prefixed.
func TransitionHash(t contracts.ConstitutionalTransition) string {
	ev := append([]string(nil), t.Evidence...)
	sort.Strings(ev)
	parts := make([]string, 0, len(ev)+5)
	parts = append(parts, t.FromState, t.ToState, t.Timestamp.UTC().Format(time.RFC3339Nano), strconv.Itoa(len(ev)))
	parts = append(parts, ev...)
	parts = append(parts, strconv.FormatBool(t.Approved))
	return canonicalize.HashParts(parts...)
}
