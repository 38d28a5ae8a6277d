package models

import (
	"time"

	"github.com/google/uuid"
)

// Listing types: an "offer" advertises a skill the owner provides, a "need"
// asks for a skill the owner wants. Payment direction for monetary exchanges
// is derived from this field.
const (
	ListingTypeOffer = "offer"
	ListingTypeNeed  = "need"
)

type Listing struct {
	ID              uuid.UUID `json:"id"`
	OwnerID         uuid.UUID `json:"owner_id"`
	Type            string    `json:"type"`
	Skill           string    `json:"skill"`
	Title           string    `json:"title"`
	HourlyRateCents int64     `json:"hourly_rate_cents"`
	Currency        string    `json:"currency"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ListingSnapshot is an immutable copy of the listing fields an in-flight
// exchange depends on, taken at proposal time. Later listing edits never
// alter a negotiation, and the frozen Type is what payer/payee derivation
// uses at funding and capture.
type ListingSnapshot struct {
	ListingID       uuid.UUID `json:"listing_id"`
	OwnerID         uuid.UUID `json:"owner_id"`
	Type            string    `json:"type"`
	Skill           string    `json:"skill"`
	Title           string    `json:"title"`
	HourlyRateCents int64     `json:"hourly_rate_cents"`
	Currency        string    `json:"currency"`
}

// SnapshotListing freezes the given listing.
func SnapshotListing(l *Listing) ListingSnapshot {
	return ListingSnapshot{
		ListingID:       l.ID,
		OwnerID:         l.OwnerID,
		Type:            l.Type,
		Skill:           l.Skill,
		Title:           l.Title,
		HourlyRateCents: l.HourlyRateCents,
		Currency:        l.Currency,
	}
}
