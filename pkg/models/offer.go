package models

import (
	"time"

	"github.com/google/uuid"
)

// OfferStatus represents the status of a single driver offer
type OfferStatus string

const (
	// OfferStatusPending covers both halves of the queue: sent_at NULL
	// means still queued, sent_at set means live and awaiting the
	// driver's answer.
	OfferStatusPending  OfferStatus = "pending"
	OfferStatusAccepted OfferStatus = "accepted"
	OfferStatusRejected OfferStatus = "rejected"
	OfferStatusExpired  OfferStatus = "expired"
)

// RideOffer represents one entry in a ride's ordered offer queue
type RideOffer struct {
	ID          uuid.UUID   `json:"id" db:"id"`
	RideID      uuid.UUID   `json:"ride_id" db:"ride_id"`
	DriverID    uuid.UUID   `json:"driver_id" db:"driver_id"`
	Status      OfferStatus `json:"status" db:"status"`
	OfferOrder  int         `json:"offer_order" db:"offer_order"`
	DistanceM   float64     `json:"distance_m" db:"distance_m"`
	SentAt      *time.Time  `json:"sent_at,omitempty" db:"sent_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty" db:"responded_at"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// Live reports whether the offer is in flight: dispatched to its
// driver and not yet answered.
func (o *RideOffer) Live() bool {
	return o.Status == OfferStatusPending && o.SentAt != nil && o.RespondedAt == nil
}
