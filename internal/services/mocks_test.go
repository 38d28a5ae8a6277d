package services

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/skillswap/backend/internal/models"
)

// --- noopTx satisfies pgx.Tx for test use; only Begin/Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

// --- user store mock ---

type memUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*models.User
}

func newMemUsers() *memUsers { return &memUsers{users: make(map[uuid.UUID]*models.User)} }

func (m *memUsers) add(balanceCents int64) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &models.User{
		ID:     uuid.New(),
		Roles:  []string{models.RoleUser},
		Status: models.UserStatusActive,
		Wallet: models.Wallet{BalanceCents: balanceCents, Currency: "USD"},
	}
	m.users[u.ID] = u
	return u
}

func (m *memUsers) get(id uuid.UUID) (*models.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return u, nil
}

func (m *memUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(id)
}

func (m *memUsers) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(id)
}

func (m *memUsers) DebitWallet(_ context.Context, _ pgx.Tx, id uuid.UUID, amountCents int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(id)
	if err != nil {
		return 0, err
	}
	if u.Wallet.BalanceCents < amountCents {
		return 0, pgx.ErrNoRows
	}
	u.Wallet.BalanceCents -= amountCents
	return u.Wallet.BalanceCents, nil
}

func (m *memUsers) CreditWallet(_ context.Context, _ pgx.Tx, id uuid.UUID, amountCents int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(id)
	if err != nil {
		return 0, err
	}
	u.Wallet.BalanceCents += amountCents
	return u.Wallet.BalanceCents, nil
}

func (m *memUsers) ApplyCaptureCounters(_ context.Context, _ pgx.Tx, payerID, payeeID uuid.UUID, amountCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	payer, err := m.get(payerID)
	if err != nil {
		return err
	}
	payee, err := m.get(payeeID)
	if err != nil {
		return err
	}
	payer.Payments.TotalPaidCents += amountCents
	payer.Payments.PaidCount++
	payee.Payments.TotalReceivedCents += amountCents
	payee.Payments.ReceivedCount++
	return nil
}

func (m *memUsers) ReverseCaptureCounters(_ context.Context, _ pgx.Tx, payerID, payeeID uuid.UUID, amountCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	payer, err := m.get(payerID)
	if err != nil {
		return err
	}
	payee, err := m.get(payeeID)
	if err != nil {
		return err
	}
	payer.Payments.TotalPaidCents -= amountCents
	payer.Payments.PaidCount--
	payee.Payments.TotalReceivedCents -= amountCents
	payee.Payments.ReceivedCount--
	return nil
}

func (m *memUsers) RecordTopUp(_ context.Context, _ pgx.Tx, id uuid.UUID, amountCents int64, _ string, processedRefs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(id)
	if err != nil {
		return 0, err
	}
	u.Wallet.BalanceCents += amountCents
	u.Wallet.ProcessedTopUpRefs = processedRefs
	now := time.Now().UTC()
	u.Wallet.LastTopUpAt = &now
	return u.Wallet.BalanceCents, nil
}

func (m *memUsers) MarkWithdrawal(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	u.Wallet.LastWithdrawalAt = &now
	return nil
}

// --- payment store mock ---

type memPayments struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*models.Payment

	failUpdateStatus error // when set, UpdateStatusTx fails with this error
}

func newMemPayments() *memPayments {
	return &memPayments{payments: make(map[uuid.UUID]*models.Payment)}
}

func (m *memPayments) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (m *memPayments) CreateTx(_ context.Context, _ pgx.Tx, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *memPayments) getCopy(id uuid.UUID) (*models.Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *p
	cp.Timeline = slices.Clone(p.Timeline)
	return &cp, nil
}

func (m *memPayments) GetByID(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCopy(id)
}

func (m *memPayments) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCopy(id)
}

func (m *memPayments) UpdateStatusTx(_ context.Context, _ pgx.Tx, id uuid.UUID, status string, payeeID *uuid.UUID, entry models.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdateStatus != nil {
		return m.failUpdateStatus
	}
	p, ok := m.payments[id]
	if !ok {
		return pgx.ErrNoRows
	}
	p.Status = status
	if payeeID != nil {
		p.PayeeID = payeeID
	}
	p.Timeline = append(p.Timeline, entry)
	return nil
}

func (m *memPayments) SetGatewayRef(_ context.Context, _ pgx.Tx, id uuid.UUID, gateway, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return pgx.ErrNoRows
	}
	p.Gateway = gateway
	p.GatewayRef = ref
	return nil
}

func (m *memPayments) FindByGatewayRef(_ context.Context, gateway, ref string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Gateway == gateway && p.GatewayRef == ref {
			return m.getCopy(p.ID)
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memPayments) ListByExchange(_ context.Context, exchangeID uuid.UUID) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.payments {
		if p.ExchangeID != nil && *p.ExchangeID == exchangeID {
			cp, _ := m.getCopy(p.ID)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (m *memPayments) ListByUser(_ context.Context, userID uuid.UUID, status, paymentType string, _, _ int) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.payments {
		involved := p.PayerID == userID || (p.PayeeID != nil && *p.PayeeID == userID)
		if !involved {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		if paymentType != "" && p.Type != paymentType {
			continue
		}
		cp, _ := m.getCopy(p.ID)
		out = append(out, cp)
	}
	return out, nil
}

// --- exchange store mock ---

type memExchanges struct {
	mu        sync.Mutex
	exchanges map[uuid.UUID]*models.Exchange
}

func newMemExchanges() *memExchanges {
	return &memExchanges{exchanges: make(map[uuid.UUID]*models.Exchange)}
}

func copyExchange(e *models.Exchange) *models.Exchange {
	cp := *e
	if e.Monetary != nil {
		mon := *e.Monetary
		cp.Monetary = &mon
	}
	if e.Dispute != nil {
		d := *e.Dispute
		cp.Dispute = &d
	}
	cp.Agreement.Terms = slices.Clone(e.Agreement.Terms)
	cp.Agreement.SignedBy = slices.Clone(e.Agreement.SignedBy)
	cp.Audit = slices.Clone(e.Audit)
	cp.TakePendingAudit() // stored copies and loads start with an empty queue
	return &cp
}

func (m *memExchanges) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (m *memExchanges) CreateTx(_ context.Context, _ pgx.Tx, e *models.Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges[e.ID] = copyExchange(e)
	return nil
}

func (m *memExchanges) GetByID(_ context.Context, id uuid.UUID) (*models.Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exchanges[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return copyExchange(e), nil
}

func (m *memExchanges) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exchanges[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return copyExchange(e), nil
}

// UpdateTx mirrors the real store: audit entries queued since load are
// appended to the stored log, never rewriting entries appended concurrently
// (the payment ledger mirror).
func (m *memExchanges) UpdateTx(_ context.Context, _ pgx.Tx, e *models.Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.exchanges[e.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	pending := e.TakePendingAudit()
	cp := copyExchange(e)
	cp.Audit = append(slices.Clone(stored.Audit), pending...)
	m.exchanges[e.ID] = cp
	return nil
}

func (m *memExchanges) AppendAuditTx(_ context.Context, _ pgx.Tx, id uuid.UUID, entries ...models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exchanges[id]
	if !ok {
		return pgx.ErrNoRows
	}
	e.Audit = append(e.Audit, entries...)
	return nil
}

// SetEscrowFunded mirrors the conditional update: it only applies while the
// stored row is still agreement_signed with no escrow payment.
func (m *memExchanges) SetEscrowFunded(_ context.Context, _ pgx.Tx, id, paymentID uuid.UUID, currency string, amountCents int64, entry models.AuditEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exchanges[id]
	if !ok {
		return false, nil
	}
	if e.Status != models.ExchangeStatusAgreementSigned || (e.Monetary != nil && e.Monetary.EscrowPaymentID != nil) {
		return false, nil
	}
	if e.Monetary == nil {
		e.Monetary = &models.Monetary{}
	}
	e.Monetary.EscrowPaymentID = &paymentID
	e.Monetary.Currency = currency
	e.Monetary.TotalAmountCents = amountCents
	e.Status = models.ExchangeStatusEscrowFunded
	e.Audit = append(e.Audit, entry)
	return true, nil
}

func (m *memExchanges) ListByParty(_ context.Context, userID uuid.UUID) ([]*models.Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Exchange
	for _, e := range m.exchanges {
		if e.InitiatorID == userID || e.ReceiverID == userID {
			out = append(out, copyExchange(e))
		}
	}
	return out, nil
}

// --- listing store mock ---

type memListings struct {
	mu       sync.Mutex
	listings map[uuid.UUID]*models.Listing
}

func newMemListings() *memListings {
	return &memListings{listings: make(map[uuid.UUID]*models.Listing)}
}

func (m *memListings) add(ownerID uuid.UUID, listingType string) *models.Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := &models.Listing{
		ID:       uuid.New(),
		OwnerID:  ownerID,
		Type:     listingType,
		Skill:    "gardening",
		Title:    "Garden design help",
		Currency: "USD",
		Active:   true,
	}
	m.listings[l.ID] = l
	return l
}

func (m *memListings) GetByID(_ context.Context, id uuid.UUID) (*models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *l
	return &cp, nil
}

// --- thread creator mock ---

type memThreads struct{}

func (memThreads) CreateTx(context.Context, pgx.Tx, []uuid.UUID) (uuid.UUID, error) {
	return uuid.New(), nil
}

// --- notifier mock ---

type recordNotifier struct {
	mu     sync.Mutex
	sent   []uuid.UUID
	titles []string
}

func (n *recordNotifier) Notify(_ context.Context, userID uuid.UUID, title, _ string, _ map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, userID)
	n.titles = append(n.titles, title)
	return nil
}

// --- failing escrow, for compensation outcome tests ---

type failingEscrow struct {
	EscrowManager
	captureErr error
	refundErr  error
}

func (f *failingEscrow) CaptureEscrow(ctx context.Context, tx pgx.Tx, paymentID, payeeID, actorID uuid.UUID) (*models.Payment, error) {
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	return f.EscrowManager.CaptureEscrow(ctx, tx, paymentID, payeeID, actorID)
}

func (f *failingEscrow) RefundEscrow(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID, reason string, actorID uuid.UUID, isAdmin, allowDuringCancellation bool) (*models.Payment, error) {
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return f.EscrowManager.RefundEscrow(ctx, tx, paymentID, reason, actorID, isAdmin, allowDuringCancellation)
}

var errBoom = errors.New("boom")
