package consensus

import (
	"context"
	"testing"
	"time"

	svcerrors "github.com/R3E-Network/consensus-ledger/infrastructure/errors"
	"github.com/R3E-Network/consensus-ledger/internal/domain"
	"github.com/R3E-Network/consensus-ledger/internal/policy"
)

func TestEmergencyStop_TriggerFreezesAllNonTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx, err := h.coord.CreateTransaction(ctx, "alice", CreateTransactionInput{
		Sender: "alice", Receiver: "bob", ItemID: "item-1", Quantity: 1, Value: 10,
	})
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	principal := policy.Principal{ID: "security-1", Roles: []policy.Role{policy.RoleSecurity}}
	es, err := h.coord.TriggerEmergencyStop(ctx, principal, "suspected fraud pattern", nil)
	if err != nil {
		t.Fatalf("TriggerEmergencyStop() error = %v", err)
	}
	if es.Status != domain.StopActive {
		t.Fatalf("Status = %v, want ACTIVE", es.Status)
	}

	got, err := h.coord.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if !got.Frozen || got.EmergencyStopID != es.ID {
		t.Fatalf("transaction after trigger: frozen=%v stopID=%q, want true/%q", got.Frozen, got.EmergencyStopID, es.ID)
	}

	if err := h.coord.ConfirmSent(ctx, tx.ID, "alice", nil); !svcerrors.Is(err, svcerrors.ErrCodeStopped) {
		t.Fatalf("ConfirmSent() while frozen error = %v, want Stopped", err)
	}
}

func TestEmergencyStop_OnlyAdminOrSecurityMayTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	principal := policy.Principal{ID: "user-1", Roles: []policy.Role{policy.RoleUser}}
	_, err := h.coord.TriggerEmergencyStop(ctx, principal, "unauthorized attempt", nil)
	if !svcerrors.Is(err, svcerrors.ErrCodeForbidden) {
		t.Fatalf("TriggerEmergencyStop() by plain user error = %v, want Forbidden", err)
	}
}

func TestEmergencyStop_ResumeExtendsDeadlineByFreezeAndGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx, err := h.coord.CreateTransaction(ctx, "alice", CreateTransactionInput{
		Sender: "alice", Receiver: "bob", ItemID: "item-1", Quantity: 1, Value: 10,
	})
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	originalDeadline := tx.TimeoutAt

	security := policy.Principal{ID: "security-1", Roles: []policy.Role{policy.RoleSecurity}}
	es, err := h.coord.TriggerEmergencyStop(ctx, security, "pausing for review", nil)
	if err != nil {
		t.Fatalf("TriggerEmergencyStop() error = %v", err)
	}

	freezeDuration := 3 * time.Hour
	h.clk.Advance(freezeDuration)

	admin := policy.Principal{ID: "admin-1", Roles: []policy.Role{policy.RoleAdmin}}
	if err := h.coord.ResumeEmergencyStop(ctx, admin, es.ID); err != nil {
		t.Fatalf("ResumeEmergencyStop() error = %v", err)
	}

	got, err := h.coord.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if got.Frozen {
		t.Fatal("transaction still frozen after resume")
	}
	wantDeadline := originalDeadline.Add(freezeDuration).Add(testConfig().FreezeGrace)
	if !got.TimeoutAt.Equal(wantDeadline) {
		t.Fatalf("TimeoutAt after resume = %v, want %v", got.TimeoutAt, wantDeadline)
	}
}

func TestEmergencyStop_ResumeRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	security := policy.Principal{ID: "security-1", Roles: []policy.Role{policy.RoleSecurity}}
	es, err := h.coord.TriggerEmergencyStop(ctx, security, "pausing for review", nil)
	if err != nil {
		t.Fatalf("TriggerEmergencyStop() error = %v", err)
	}

	err = h.coord.ResumeEmergencyStop(ctx, security, es.ID)
	if !svcerrors.Is(err, svcerrors.ErrCodeForbidden) {
		t.Fatalf("ResumeEmergencyStop() by security role error = %v, want Forbidden", err)
	}
}

func TestEmergencyStop_ScopedTriggerOnlyFreezesListedTransactions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx1, err := h.coord.CreateTransaction(ctx, "alice", CreateTransactionInput{
		Sender: "alice", Receiver: "bob", ItemID: "item-1", Quantity: 1, Value: 10,
	})
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	tx2, err := h.coord.CreateTransaction(ctx, "carol", CreateTransactionInput{
		Sender: "carol", Receiver: "dave", ItemID: "item-2", Quantity: 1, Value: 10,
	})
	if err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}

	security := policy.Principal{ID: "security-1", Roles: []policy.Role{policy.RoleSecurity}}
	if _, err := h.coord.TriggerEmergencyStop(ctx, security, "scoped pause", []string{tx1.ID}); err != nil {
		t.Fatalf("TriggerEmergencyStop() error = %v", err)
	}

	got1, err := h.coord.GetTransaction(ctx, tx1.ID)
	if err != nil {
		t.Fatalf("GetTransaction(tx1) error = %v", err)
	}
	got2, err := h.coord.GetTransaction(ctx, tx2.ID)
	if err != nil {
		t.Fatalf("GetTransaction(tx2) error = %v", err)
	}
	if !got1.Frozen {
		t.Error("scoped tx1 not frozen")
	}
	if got2.Frozen {
		t.Error("out-of-scope tx2 frozen, want untouched")
	}
}
