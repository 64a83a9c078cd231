// Package gatekeeper is the human-in-the-loop approval gate for sensitive
// decisions. It owns the decision journal, the cooling-off windows and the
// emergency tokens.
package gatekeeper

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

// Store persists the decision journal and emergency tokens.
type Store interface {
	AppendDecision(ctx context.Context, d contracts.GatekeeperDecision) error
	ListDecisions(ctx context.Context) ([]contracts.GatekeeperDecision, error)
	SaveToken(ctx context.Context, tok contracts.EmergencyToken) error
	// ConsumeToken flips Used on the token matching hash and purpose if it is
	// unused and unexpired at now, reporting whether it did. Check and flip
	// are one atomic step.
	ConsumeToken(ctx context.Context, tokenHash, purpose string, now time.Time) (bool, error)
}

// LockdownSink receives emergency lockdowns.
type LockdownSink interface {
	EngageLockdown(ctx context.Context, reason, source string) error
}

// Options are per-decision switches.
type Options struct {
	BypassCoolingOff bool
	EmergencyToken   string
	// TokenPurpose defaults to the decision resource.
	TokenPurpose string
}

// Request describes a decision to record.
type Request struct {
	Type      contracts.DecisionType
	Resource  string
	Actor     string
	Reasoning string
	Evidence  []string
	Options   Options
}

// Result is returned for every decision attempt. Expected denials are
// reported here, not as errors.
type Result struct {
	Success    bool                          `json:"success"`
	DecisionID string                        `json:"decision_id,omitempty"`
	Code       contracts.ErrorCode           `json:"code,omitempty"`
	Errors     []string                      `json:"errors,omitempty"`
	Decision   *contracts.GatekeeperDecision `json:"decision,omitempty"`
}

func denied(code contracts.ErrorCode, msgs ...string) Result {
	return Result{Code: code, Errors: msgs}
}

// Service is the gatekeeper.
type Service struct {
	store       Store
	lockdown    LockdownSink
	clock       func() time.Time
	logger      *slog.Logger
	coolingOff  time.Duration
	tokenTTL    time.Duration
	approvalTTL time.Duration
	biasWindow  time.Duration
	biasLimit   int

	signingKey []byte
	pepper     []byte

	mu        sync.Mutex
	cooling   map[string]time.Time
	lastSeq   uint64
	lastHash  string
	flaggedAt time.Time
	recent    []time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

// WithCoolingOff sets the cooling-off window.
func WithCoolingOff(d time.Duration) Option { return func(s *Service) { s.coolingOff = d } }

// WithTokenTTL sets the emergency token lifetime.
func WithTokenTTL(d time.Duration) Option { return func(s *Service) { s.tokenTTL = d } }

// WithApprovalTTL sets the lifetime of approval tokens.
func WithApprovalTTL(d time.Duration) Option { return func(s *Service) { s.approvalTTL = d } }

// WithBias sets the advisory bias window and decision threshold.
func WithBias(window time.Duration, threshold int) Option {
	return func(s *Service) { s.biasWindow, s.biasLimit = window, threshold }
}

// WithLockdownSink wires emergency lockdowns to sink.
func WithLockdownSink(sink LockdownSink) Option { return func(s *Service) { s.lockdown = sink } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// Defaults.
const (
	DefaultCoolingOff  = 24 * time.Hour
	DefaultTokenTTL    = 15 * time.Minute
	DefaultApprovalTTL = 10 * time.Minute
	DefaultBiasWindow  = time.Hour
	DefaultBiasLimit   = 5
)

// New opens the gatekeeper over store. Signing and token-hashing keys are
// derived from masterSecret; an empty secret gets a random one, which makes
// tokens and approvals process-local. Cooling-off windows still open in the
// journal are restored.
func New(ctx context.Context, store Store, masterSecret []byte, opts ...Option) (*Service, error) {
	s := &Service{
		store:       store,
		clock:       time.Now,
		logger:      slog.Default().With("component", "gatekeeper"),
		coolingOff:  DefaultCoolingOff,
		tokenTTL:    DefaultTokenTTL,
		approvalTTL: DefaultApprovalTTL,
		biasWindow:  DefaultBiasWindow,
		biasLimit:   DefaultBiasLimit,
		cooling:     make(map[string]time.Time),
		lastHash:    GenesisHash,
	}
	for _, opt := range opts {
		opt(s)
	}

	if len(masterSecret) == 0 {
		masterSecret = make([]byte, 32)
		if _, err := rand.Read(masterSecret); err != nil {
			return nil, fmt.Errorf("generate master secret: %w", err)
		}
		s.logger.Warn("no master secret configured; approvals and tokens will not survive a restart")
	}
	var err error
	if s.signingKey, err = derive(masterSecret, "approval-signing"); err != nil {
		return nil, err
	}
	if s.pepper, err = derive(masterSecret, "emergency-token-pepper"); err != nil {
		return nil, err
	}

	journal, err := store.ListDecisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load decision journal: %w", err)
	}
	if n := len(journal); n > 0 {
		s.lastSeq = journal[n-1].Sequence
		s.lastHash = journal[n-1].Hash
	}
	now := s.clock().UTC()
	for _, d := range journal {
		if !d.CoolingOffApplied {
			continue
		}
		if until := d.Timestamp.Add(s.coolingOff); until.After(now) {
			s.cooling[d.Resource] = until
		}
	}
	return s, nil
}

func derive(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, []byte("nattcell-gatekeeper"), []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return key, nil
}

// MakeDecision validates and journals a decision. OVERRIDE and EMERGENCY
// decisions are subject to cooling-off unless bypassed or authorized by a
// valid emergency token. The returned error is reserved for storage failures.
func (s *Service) MakeDecision(ctx context.Context, req Request) (Result, error) {
	var problems []string
	if !req.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown decision type %q", req.Type))
	}
	if strings.TrimSpace(req.Resource) == "" {
		problems = append(problems, "resource is required")
	}
	if strings.TrimSpace(req.Reasoning) == "" {
		problems = append(problems, "reasoning is required")
	}
	if len(problems) > 0 {
		return denied(contracts.CodeValidation, problems...), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()

	applyCooling, tokenUsed := false, false
	if req.Type.Sensitive() {
		switch {
		case req.Options.EmergencyToken != "":
			purpose := req.Options.TokenPurpose
			if purpose == "" {
				purpose = req.Resource
			}
			ok, err := s.consume(ctx, req.Options.EmergencyToken, purpose, now)
			if err != nil {
				return Result{}, err
			}
			if !ok {
				return denied(contracts.CodeInvalidEmergencyToken, "emergency token is invalid, expired, already used or issued for another purpose"), nil
			}
			tokenUsed = true
		case req.Options.BypassCoolingOff:
		default:
			if until, ok := s.coolingUntil(req.Resource, now); ok {
				return denied(contracts.CodeCoolingOff,
					fmt.Sprintf("resource %q is in cooling-off until %s", req.Resource, until.Format(time.RFC3339))), nil
			}
			applyCooling = true
		}
	}

	d := contracts.GatekeeperDecision{
		DecisionID:        uuid.NewString(),
		Sequence:          s.lastSeq + 1,
		Type:              req.Type,
		Resource:          req.Resource,
		Actor:             req.Actor,
		Reasoning:         req.Reasoning,
		Evidence:          append([]string{}, req.Evidence...),
		CoolingOffApplied: applyCooling,
		EmergencyTokenUse: tokenUsed,
		StressLevel:       s.observe(now),
		Timestamp:         now,
		PrevHash:          s.lastHash,
	}
	d.Hash = DecisionHash(d)

	if err := s.store.AppendDecision(ctx, d); err != nil {
		return Result{}, fmt.Errorf("append decision: %w", err)
	}
	s.lastSeq, s.lastHash = d.Sequence, d.Hash
	if applyCooling {
		s.cooling[req.Resource] = now.Add(s.coolingOff)
	}

	s.logger.InfoContext(ctx, "decision recorded",
		"decision_id", d.DecisionID, "type", string(d.Type), "resource", d.Resource,
		"actor", d.Actor, "cooling_off_applied", applyCooling, "emergency_token_used", tokenUsed)
	if d.StressLevel == contracts.StressHigh {
		s.logger.WarnContext(ctx, "decision made under elevated stress", "decision_id", d.DecisionID, "actor", d.Actor)
	}
	return Result{Success: true, DecisionID: d.DecisionID, Decision: &d}, nil
}

func (s *Service) coolingUntil(resource string, now time.Time) (time.Time, bool) {
	until, ok := s.cooling[resource]
	if !ok {
		return time.Time{}, false
	}
	if !now.Before(until) {
		delete(s.cooling, resource)
		return time.Time{}, false
	}
	return until, true
}

// CoolingOffUntil reports whether resource is in cooling-off and until when.
func (s *Service) CoolingOffUntil(resource string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coolingUntil(resource, s.clock().UTC())
}

// ClearCoolingOff ends a cooling-off window early. It reports whether one was active.
func (s *Service) ClearCoolingOff(resource string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.coolingUntil(resource, s.clock().UTC())
	delete(s.cooling, resource)
	return ok
}

// FlagSensitiveAccess marks a sensitive-data access, opening the bias window.
func (s *Service) FlagSensitiveAccess(ctx context.Context, actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flaggedAt = s.clock().UTC()
	s.recent = s.recent[:0]
	s.logger.InfoContext(ctx, "sensitive access flagged", "actor", actor)
}

// observe counts a decision and returns the advisory stress level. It never
// blocks a decision.
func (s *Service) observe(now time.Time) contracts.StressLevel {
	if s.flaggedAt.IsZero() || now.Sub(s.flaggedAt) > s.biasWindow {
		return contracts.StressNormal
	}
	s.recent = append(s.recent, now)
	if len(s.recent) > s.biasLimit {
		return contracts.StressHigh
	}
	return contracts.StressNormal
}

// Decisions returns the journal.
func (s *Service) Decisions(ctx context.Context) ([]contracts.GatekeeperDecision, error) {
	return s.store.ListDecisions(ctx)
}

// EmergencyLockdown records an EMERGENCY decision authorized by a token it
// mints and immediately consumes, then engages the lockdown sink.
func (s *Service) EmergencyLockdown(ctx context.Context, actor, reason string) (Result, error) {
	const purpose = "emergency-lockdown"
	token, err := s.GenerateEmergencyToken(ctx, purpose)
	if err != nil {
		return Result{}, err
	}
	res, err := s.MakeDecision(ctx, Request{
		Type:      contracts.DecisionEmergency,
		Resource:  "system:lockdown",
		Actor:     actor,
		Reasoning: reason,
		Evidence:  []string{"emergency lockdown requested by " + actor},
		Options:   Options{EmergencyToken: token, TokenPurpose: purpose},
	})
	if err != nil || !res.Success {
		return res, err
	}
	if s.lockdown != nil {
		if err := s.lockdown.EngageLockdown(ctx, reason, "gatekeeper:"+actor); err != nil {
			return res, fmt.Errorf("engage lockdown: %w", err)
		}
	}
	return res, nil
}
