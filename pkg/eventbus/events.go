package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// RideRequestedData is emitted when a passenger requests a ride.
type RideRequestedData struct {
	RideID             uuid.UUID `json:"ride_id"`
	PassengerID        uuid.UUID `json:"passenger_id"`
	PickupLatitude     float64   `json:"pickup_latitude"`
	PickupLongitude    float64   `json:"pickup_longitude"`
	PickupAddress      string    `json:"pickup_address"`
	DropoffAddress     string    `json:"dropoff_address"`
	NumberOfPassengers int       `json:"number_of_passengers"`
	BroadcastRadiusM   float64   `json:"broadcast_radius_m"`
	DriverCandidates   int       `json:"driver_candidates"`
	RequestedAt        time.Time `json:"requested_at"`
}

// OfferSentData is emitted when a timed offer goes out to a driver.
type OfferSentData struct {
	RideID     uuid.UUID `json:"ride_id"`
	DriverID   uuid.UUID `json:"driver_id"`
	OfferOrder int       `json:"offer_order"`
	SentAt     time.Time `json:"sent_at"`
}

// OfferExpiredData is emitted when a timed offer lapses unanswered.
type OfferExpiredData struct {
	RideID    uuid.UUID `json:"ride_id"`
	DriverID  uuid.UUID `json:"driver_id"`
	ExpiredAt time.Time `json:"expired_at"`
}

// RideAcceptedData is emitted when a driver accepts a ride.
type RideAcceptedData struct {
	RideID      uuid.UUID `json:"ride_id"`
	PassengerID uuid.UUID `json:"passenger_id"`
	DriverID    uuid.UUID `json:"driver_id"`
	AcceptedAt  time.Time `json:"accepted_at"`
}

// RideCompletedData is emitted when a ride finishes.
type RideCompletedData struct {
	RideID      uuid.UUID `json:"ride_id"`
	PassengerID uuid.UUID `json:"passenger_id"`
	DriverID    uuid.UUID `json:"driver_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// RideCancelledData is emitted when a ride is cancelled by either side.
type RideCancelledData struct {
	RideID      uuid.UUID `json:"ride_id"`
	PassengerID uuid.UUID `json:"passenger_id"`
	DriverID    uuid.UUID `json:"driver_id"`   // zero if not yet assigned
	CancelledBy string    `json:"cancelled_by"` // "passenger" or "driver"
	Reason      string    `json:"reason,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// RideExpiredData is emitted when the offer queue is exhausted with no
// acceptance.
type RideExpiredData struct {
	RideID      uuid.UUID `json:"ride_id"`
	PassengerID uuid.UUID `json:"passenger_id"`
	ExpiredAt   time.Time `json:"expired_at"`
}

// DriverPresenceData is emitted when a driver comes online or goes
// offline.
type DriverPresenceData struct {
	DriverID  uuid.UUID `json:"driver_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	At        time.Time `json:"at"`
}
