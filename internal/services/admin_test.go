package services

import (
	"context"
	"errors"
	"testing"

	"github.com/skillswap/backend/internal/apperrors"
	"github.com/skillswap/backend/internal/models"
)

type adminFixture struct {
	*exchangeFixture
	admin *AdminService
}

func newAdminFixture() *adminFixture {
	f := newExchangeFixture()
	ledger := NewLedger(f.payments, f.exchanges, nil)
	return &adminFixture{
		exchangeFixture: f,
		admin:           NewAdminService(f.exchanges, f.payments, f.escrow, ledger, f.notifier, nil),
	}
}

func (f *adminFixture) adminUser() *models.User {
	u := f.users.add(0)
	u.Roles = []string{models.RoleAdmin}
	return u
}

// setupDisputed drives a funded monetary exchange into disputed. The receiver
// owns a need listing, so the receiver is the payer and the initiator the
// payee.
func setupDisputed(t *testing.T, f *adminFixture) (*models.Exchange, *models.User, *models.User) {
	t.Helper()
	e, initiator, receiver := setupSignedMonetary(t, f.exchangeFixture, 50_000)
	if _, err := f.svc.FundEscrow(context.Background(), receiver, e.ID, 50_000, "USD"); err != nil {
		t.Fatalf("FundEscrow: %v", err)
	}
	if _, err := f.svc.Start(context.Background(), receiver, e.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.svc.Dispute(context.Background(), initiator, e.ID, "payment dispute"); err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	return e, initiator, receiver
}

func TestResolveDispute_RequiresAdmin(t *testing.T) {
	f := newAdminFixture()
	e, initiator, _ := setupDisputed(t, f)

	_, err := f.admin.ResolveDispute(context.Background(), initiator, e.ID, "", models.PaymentActionNone)
	if !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestResolveDispute_Release(t *testing.T) {
	f := newAdminFixture()
	e, initiator, _ := setupDisputed(t, f)
	admin := f.adminUser()

	res, err := f.admin.ResolveDispute(context.Background(), admin, e.ID, "work was delivered", models.PaymentActionRelease)
	if err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if res.Exchange.Status != models.ExchangeStatusResolved {
		t.Errorf("status = %s, want resolved", res.Exchange.Status)
	}
	if res.Compensation == nil || res.Compensation.Err != nil {
		t.Fatalf("compensation = %+v", res.Compensation)
	}
	// The initiator is the payee; release credits them.
	if initiator.Wallet.BalanceCents != 50_000 {
		t.Errorf("payee balance = %d, want 50000", initiator.Wallet.BalanceCents)
	}
}

func TestResolveDispute_Refund(t *testing.T) {
	f := newAdminFixture()
	e, _, receiver := setupDisputed(t, f)
	admin := f.adminUser()

	res, err := f.admin.ResolveDispute(context.Background(), admin, e.ID, "provider no-show", models.PaymentActionRefund)
	if err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if res.Compensation == nil || res.Compensation.Err != nil {
		t.Fatalf("compensation = %+v", res.Compensation)
	}
	if receiver.Wallet.BalanceCents != 100_000 {
		t.Errorf("payer balance = %d, want 100000 after refund", receiver.Wallet.BalanceCents)
	}
}

func TestResolveDispute_ActionRequiredWhenFunded(t *testing.T) {
	f := newAdminFixture()
	e, _, _ := setupDisputed(t, f)
	admin := f.adminUser()

	_, err := f.admin.ResolveDispute(context.Background(), admin, e.ID, "", "")
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestResolveDispute_PaymentFailureStillResolves(t *testing.T) {
	f := newAdminFixture()
	e, _, _ := setupDisputed(t, f)
	admin := f.adminUser()

	ledger := NewLedger(f.payments, f.exchanges, nil)
	broken := NewAdminService(f.exchanges, f.payments,
		&failingEscrow{EscrowManager: f.escrow, captureErr: errBoom}, ledger, f.notifier, nil)

	res, err := broken.ResolveDispute(context.Background(), admin, e.ID, "forcing through", models.PaymentActionRelease)
	if err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if res.Exchange.Status != models.ExchangeStatusResolved {
		t.Errorf("status = %s, resolution must not depend on the payment leg", res.Exchange.Status)
	}
	if res.Compensation == nil || res.Compensation.Err == nil {
		t.Fatalf("compensation = %+v, want recorded failure", res.Compensation)
	}
}

func TestResolveDispute_SplitLeavesFundsEscrowed(t *testing.T) {
	f := newAdminFixture()
	e, initiator, receiver := setupDisputed(t, f)
	admin := f.adminUser()

	res, err := f.admin.ResolveDispute(context.Background(), admin, e.ID, "half each, settled manually", models.PaymentActionSplit)
	if err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if res.Exchange.Status != models.ExchangeStatusResolved {
		t.Errorf("status = %s, want resolved", res.Exchange.Status)
	}
	if initiator.Wallet.BalanceCents != 0 || receiver.Wallet.BalanceCents != 50_000 {
		t.Errorf("split must not move funds: initiator=%d receiver=%d",
			initiator.Wallet.BalanceCents, receiver.Wallet.BalanceCents)
	}

	p, _ := f.payments.GetByID(context.Background(), *res.Exchange.EscrowPaymentID())
	if p.Status != models.PaymentStatusEscrowed {
		t.Errorf("payment status = %s, want still escrowed", p.Status)
	}
}

func TestIntervene_Hold(t *testing.T) {
	f := newAdminFixture()
	e, _, _ := setupDisputed(t, f)
	admin := f.adminUser()

	got, _ := f.exchanges.GetByID(context.Background(), e.ID)
	p, err := f.admin.Intervene(context.Background(), admin, e.ID, *got.EscrowPaymentID(), models.PaymentActionHold, "under review")
	if err != nil {
		t.Fatalf("Intervene: %v", err)
	}
	if p.Status != models.PaymentStatusDisputed {
		t.Errorf("status = %s, want disputed", p.Status)
	}

	// A held payment can still be released afterwards.
	p, err = f.admin.Intervene(context.Background(), admin, e.ID, p.ID, models.PaymentActionRelease, "review done")
	if err != nil {
		t.Fatalf("release after hold: %v", err)
	}
	if p.Status != models.PaymentStatusCaptured {
		t.Errorf("status = %s, want captured", p.Status)
	}
}

func TestIntervene_PaymentMustBelongToExchange(t *testing.T) {
	f := newAdminFixture()
	e, _, _ := setupDisputed(t, f)
	admin := f.adminUser()

	other, _, otherReceiver := setupSignedMonetary(t, f.exchangeFixture, 10_000)
	if _, err := f.svc.FundEscrow(context.Background(), otherReceiver, other.ID, 10_000, "USD"); err != nil {
		t.Fatalf("fund other: %v", err)
	}
	otherGot, _ := f.exchanges.GetByID(context.Background(), other.ID)

	_, err := f.admin.Intervene(context.Background(), admin, e.ID, *otherGot.EscrowPaymentID(), models.PaymentActionRelease, "")
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}
