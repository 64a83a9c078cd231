package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/canonicalize"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

const (
	approvalIssuer   = "nattcell/gatekeeper"
	approvalAudience = "nattcell/constitution"
)

// ApprovalClaims is the signed proof of an APPROVAL decision.
type ApprovalClaims struct {
	jwt.RegisteredClaims
	TargetState  string `json:"target_state"`
	EvidenceHash string `json:"evidence_hash"`
}

// Approval is the result of ApproveStateTransition.
type Approval struct {
	Result
	Token string `json:"token,omitempty"`
}

// ApproveStateTransition records an APPROVAL for entering targetState and
// returns a short-lived signed approval token.
func (s *Service) ApproveStateTransition(ctx context.Context, actor, targetState string, evidence []string) (Approval, error) {
	res, err := s.MakeDecision(ctx, Request{
		Type:      contracts.DecisionApproval,
		Resource:  "constitution:" + targetState,
		Actor:     actor,
		Reasoning: "approve transition to " + targetState,
		Evidence:  evidence,
	})
	if err != nil || !res.Success {
		return Approval{Result: res}, err
	}

	issued := res.Decision.Timestamp
	claims := ApprovalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        res.DecisionID,
			Subject:   actor,
			Issuer:    approvalIssuer,
			Audience:  jwt.ClaimStrings{approvalAudience},
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(s.approvalTTL)),
		},
		TargetState:  targetState,
		EvidenceHash: evidenceHash(evidence),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return Approval{Result: res}, fmt.Errorf("sign approval: %w", err)
	}
	return Approval{Result: res, Token: token}, nil
}

// VerifyApproval checks an approval token for targetState and evidence and
// returns the approving actor. Evidence order and empty entries are ignored.
func (s *Service) VerifyApproval(_ context.Context, token, targetState string, evidence []string) (string, error) {
	claims := &ApprovalClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(approvalIssuer),
		jwt.WithAudience(approvalAudience),
		jwt.WithTimeFunc(s.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("invalid approval: %w", err)
	}
	if claims.TargetState != targetState {
		return "", errors.New("approval was issued for " + claims.TargetState)
	}
	if claims.EvidenceHash != evidenceHash(evidence) {
		return "", errors.New("approval does not cover the presented evidence")
	}
	return claims.Subject, nil
}

func evidenceHash(evidence []string) string {
	ev := make([]string, 0, len(evidence))
	for _, e := range evidence {
		if e != "" {
			ev = append(ev, e)
		}
	}
	sort.Strings(ev)
	return canonicalize.HashParts(append([]string{strconv.Itoa(len(ev))}, ev...)...)
}
