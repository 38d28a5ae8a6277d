package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/skillswap/backend/internal/apperrors"
)

// Charge is the external gateway's record of a wallet top-up or payout.
type Charge struct {
	Ref          string
	ClientSecret string
	AmountCents  int64
	Currency     string
	UserID       uuid.UUID
	Succeeded    bool
}

// PaymentGateway is the external charge capability the wallet paths use.
// Escrow-internal movements are pure ledger entries and never touch it.
type PaymentGateway interface {
	CreateCharge(ctx context.Context, userID uuid.UUID, amountCents int64, currency string) (*Charge, error)
	GetCharge(ctx context.Context, ref string) (*Charge, error)
	VerifyWebhookSignature(payload []byte, signature string) error
	RefundExternal(ctx context.Context, ref string) error
}

// ManualGateway simulates an external gateway in-process: charges succeed
// immediately and webhook signatures are HMAC-SHA256 over the payload.
type ManualGateway struct {
	secret []byte

	mu      sync.Mutex
	charges map[string]*Charge
}

var _ PaymentGateway = (*ManualGateway)(nil)

func NewManualGateway(secret string) *ManualGateway {
	return &ManualGateway{secret: []byte(secret), charges: make(map[string]*Charge)}
}

func (g *ManualGateway) CreateCharge(_ context.Context, userID uuid.UUID, amountCents int64, currency string) (*Charge, error) {
	if amountCents <= 0 {
		return nil, apperrors.New(apperrors.Validation, "charge amount must be positive")
	}
	c := &Charge{
		Ref:          fmt.Sprintf("manual_%s", uuid.New()),
		AmountCents:  amountCents,
		Currency:     currency,
		UserID:       userID,
		Succeeded:    true,
	}
	c.ClientSecret = fmt.Sprintf("secret_%s", c.Ref)
	g.mu.Lock()
	g.charges[c.Ref] = c
	g.mu.Unlock()
	return c, nil
}

func (g *ManualGateway) GetCharge(_ context.Context, ref string) (*Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.charges[ref]
	if !ok {
		return nil, apperrors.New(apperrors.NotFound, "charge not found")
	}
	cp := *c
	return &cp, nil
}

// SignPayload produces the signature the gateway would attach to a webhook.
func (g *ManualGateway) SignPayload(payload []byte) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *ManualGateway) VerifyWebhookSignature(payload []byte, signature string) error {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return apperrors.New(apperrors.Unauthorized, "invalid webhook signature")
	}
	return nil
}

func (g *ManualGateway) RefundExternal(_ context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.charges[ref]
	if !ok {
		return apperrors.New(apperrors.NotFound, "charge not found")
	}
	c.Succeeded = false
	return nil
}
