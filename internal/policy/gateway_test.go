package policy

import (
	"context"
	"testing"

	"github.com/R3E-Network/consensus-ledger/infrastructure/errors"
	"github.com/R3E-Network/consensus-ledger/internal/domain"
)

type fakeTrust map[string]*domain.ParticipantTrust

func (f fakeTrust) Get(_ context.Context, id string) (*domain.ParticipantTrust, error) {
	pt, ok := f[id]
	if !ok {
		return nil, errors.NotFound("participantTrust", id)
	}
	return pt, nil
}

func TestGateway_CanResolveDispute_RejectsParty(t *testing.T) {
	g := New(fakeTrust{}, Config{})
	tx := &domain.Transaction{Sender: "a", Receiver: "b"}

	err := g.CanResolveDispute(Principal{ID: "a", Roles: []Role{RoleAdmin}}, tx)
	if err == nil {
		t.Fatal("expected error when arbitrator is a party")
	}
}

func TestGateway_CanResolveDispute_RejectsNonAdmin(t *testing.T) {
	g := New(fakeTrust{}, Config{})
	tx := &domain.Transaction{Sender: "a", Receiver: "b"}

	err := g.CanResolveDispute(Principal{ID: "c", Roles: []Role{RoleUser}}, tx)
	if err == nil {
		t.Fatal("expected error for non-admin arbitrator")
	}
}

func TestGateway_CanResolveDispute_Allows(t *testing.T) {
	g := New(fakeTrust{}, Config{})
	tx := &domain.Transaction{Sender: "a", Receiver: "b"}

	if err := g.CanResolveDispute(Principal{ID: "c", Roles: []Role{RoleAdmin}}, tx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGateway_CanCreateBatch(t *testing.T) {
	trust := fakeTrust{
		"gold": {ParticipantID: "gold", Tier: domain.TierGold},
		"new":  {ParticipantID: "new", Tier: domain.TierNew},
	}
	g := New(trust, Config{})

	if err := g.CanCreateBatch(context.Background(), "gold"); err != nil {
		t.Errorf("GOLD tier should be able to batch: %v", err)
	}
	if err := g.CanCreateBatch(context.Background(), "new"); err == nil {
		t.Errorf("NEW tier should not be able to batch")
	}
}

func TestGateway_AutoApprovalEligible(t *testing.T) {
	trust := fakeTrust{
		"a": {ParticipantID: "a", Tier: domain.TierPlatinum},
		"b": {ParticipantID: "b", Tier: domain.TierPlatinum},
		"c": {ParticipantID: "c", Tier: domain.TierGold},
	}
	g := New(trust, Config{VAuto: 100})

	if !g.AutoApprovalEligible(context.Background(), "a", "b", 50) {
		t.Error("expected eligible for two PLATINUM parties under VAuto")
	}
	if g.AutoApprovalEligible(context.Background(), "a", "b", 500) {
		t.Error("expected ineligible above VAuto")
	}
	if g.AutoApprovalEligible(context.Background(), "a", "c", 50) {
		t.Error("GOLD counterparty does not hold auto_approval_low_value")
	}
}

func TestGateway_CanApproveCompensation_RejectsParty(t *testing.T) {
	g := New(fakeTrust{}, Config{})
	tx := &domain.Transaction{Sender: "a", Receiver: "b"}

	err := g.CanApproveCompensation(Principal{ID: "a", Roles: []Role{RoleManager}}, tx)
	if err == nil {
		t.Fatal("expected error when approver is a party")
	}
}
