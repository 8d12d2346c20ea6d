package consensus

import (
	"context"
	"testing"

	svcerrors "github.com/R3E-Network/consensus-ledger/infrastructure/errors"
	"github.com/R3E-Network/consensus-ledger/internal/domain"
	"github.com/R3E-Network/consensus-ledger/internal/policy"
)

func resolveInFavorReceiver(t *testing.T, ctx context.Context, h *harness, tx *domain.Transaction, dtype domain.DisputeType, action domain.RequiredAction, amount float64) *domain.Dispute {
	t.Helper()
	d, err := h.coord.OpenDispute(ctx, tx.ID, "bob", dtype, "remedy needed")
	if err != nil {
		t.Fatalf("OpenDispute() error = %v", err)
	}
	arbitrator := policy.Principal{ID: "judge", Roles: []policy.Role{policy.RoleAdmin}}
	if err := h.coord.ResolveDispute(ctx, d.ID, arbitrator, domain.DecisionInFavorReceiver, action, amount, "remedy ordered"); err != nil {
		t.Fatalf("ResolveDispute() error = %v", err)
	}
	return d
}

func TestCompensationEngine_ManualApprovalGatesFollowUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := createConfirmedTx(t, ctx, h)

	resolveInFavorReceiver(t, ctx, h, tx, domain.DisputeNotReceived, domain.ActionResend, 75)

	comp, err := h.stores.Compensations.GetByParentTx(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetByParentTx() error = %v", err)
	}
	if comp.Status != domain.CompensationPendingApproval {
		t.Fatalf("Status after positive-amount resolution = %v, want PENDING_APPROVAL", comp.Status)
	}

	approver := policy.Principal{ID: "manager", Roles: []policy.Role{policy.RoleManager}}
	if err := h.coord.ApproveCompensation(ctx, tx.ID, approver); err != nil {
		t.Fatalf("ApproveCompensation() error = %v", err)
	}

	comp, err = h.stores.Compensations.GetByParentTx(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetByParentTx() error = %v", err)
	}
	if comp.Status != domain.CompensationInProgress || comp.FollowUpTxID == "" {
		t.Fatalf("compensation after approval: status=%v followUp=%q, want IN_PROGRESS/non-empty", comp.Status, comp.FollowUpTxID)
	}
}

func TestCompensationEngine_ApproverCannotBeParty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := createConfirmedTx(t, ctx, h)

	resolveInFavorReceiver(t, ctx, h, tx, domain.DisputeNotReceived, domain.ActionResend, 75)

	approver := policy.Principal{ID: "bob", Roles: []policy.Role{policy.RoleManager}}
	err := h.coord.ApproveCompensation(ctx, tx.ID, approver)
	if !svcerrors.Is(err, svcerrors.ErrCodeForbidden) {
		t.Fatalf("ApproveCompensation() by a party error = %v, want Forbidden", err)
	}
}

func TestCompensationEngine_RejectClosesResolvedWithoutFollowUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := createConfirmedTx(t, ctx, h)

	resolveInFavorReceiver(t, ctx, h, tx, domain.DisputeNotReceived, domain.ActionResend, 75)

	rejecter := policy.Principal{ID: "manager", Roles: []policy.Role{policy.RoleManager}}
	if err := h.coord.RejectCompensation(ctx, tx.ID, rejecter, "remedy too costly"); err != nil {
		t.Fatalf("RejectCompensation() error = %v", err)
	}

	got, err := h.coord.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if got.State != domain.TxResolved {
		t.Fatalf("State after reject = %v, want RESOLVED", got.State)
	}

	comp, err := h.stores.Compensations.GetByParentTx(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetByParentTx() error = %v", err)
	}
	if comp.Status != domain.CompensationRejected || comp.FollowUpTxID != "" {
		t.Fatalf("compensation after reject: status=%v followUp=%q, want REJECTED/empty", comp.Status, comp.FollowUpTxID)
	}
}

func TestCompensationEngine_FollowUpValidationClosesParent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := createConfirmedTx(t, ctx, h)

	resolveInFavorReceiver(t, ctx, h, tx, domain.DisputeNotReceived, domain.ActionResend, 0)

	comp, err := h.stores.Compensations.GetByParentTx(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetByParentTx() error = %v", err)
	}
	followUpID := comp.FollowUpTxID
	if followUpID == "" {
		t.Fatal("zero-amount resolution did not create a follow-up transaction")
	}

	if err := h.coord.ConfirmSent(ctx, followUpID, "alice", nil); err != nil {
		t.Fatalf("ConfirmSent() on follow-up error = %v", err)
	}
	if err := h.coord.ConfirmReceived(ctx, followUpID, "bob", "good"); err != nil {
		t.Fatalf("ConfirmReceived() on follow-up error = %v", err)
	}

	deadline := waitForCondition(t, func() bool {
		got, err := h.coord.GetTransaction(ctx, tx.ID)
		return err == nil && got.State == domain.TxResolved
	})
	if !deadline {
		t.Fatal("parent transaction never transitioned to RESOLVED after follow-up validated")
	}

	comp, err = h.stores.Compensations.GetByParentTx(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetByParentTx() error = %v", err)
	}
	if comp.Status != domain.CompensationCompleted {
		t.Fatalf("compensation status after follow-up validated = %v, want COMPLETED", comp.Status)
	}
}
