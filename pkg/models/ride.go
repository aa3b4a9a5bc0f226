package models

import (
	"time"

	"github.com/google/uuid"
)

// RideStatus represents the status of a ride request
type RideStatus string

const (
	RideStatusPending         RideStatus = "pending"
	RideStatusAccepted        RideStatus = "accepted"
	RideStatusCompleted       RideStatus = "completed"
	RideStatusCancelledUser   RideStatus = "cancelled_user"
	RideStatusCancelledDriver RideStatus = "cancelled_driver"
	RideStatusNoDrivers       RideStatus = "no_drivers"
)

// Active reports whether the status still occupies the passenger's
// single active-ride slot.
func (s RideStatus) Active() bool {
	return s == RideStatusPending || s == RideStatusAccepted
}

// Terminal reports whether the status admits no further transitions.
func (s RideStatus) Terminal() bool {
	return s == RideStatusCompleted ||
		s == RideStatusCancelledUser ||
		s == RideStatusCancelledDriver ||
		s == RideStatusNoDrivers
}

// RideRequest represents a ride request in the system
type RideRequest struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	PassengerID        uuid.UUID  `json:"passenger_id" db:"passenger_id"`
	DriverID           *uuid.UUID `json:"driver_id,omitempty" db:"driver_id"`
	Status             RideStatus `json:"status" db:"status"`
	PickupLatitude     float64    `json:"pickup_latitude" db:"pickup_latitude"`
	PickupLongitude    float64    `json:"pickup_longitude" db:"pickup_longitude"`
	PickupAddress      string     `json:"pickup_address" db:"pickup_address"`
	DropoffAddress     string     `json:"dropoff_address" db:"dropoff_address"`
	NumberOfPassengers int        `json:"number_of_passengers" db:"number_of_passengers"`
	BroadcastRadiusM   float64    `json:"broadcast_radius_m" db:"broadcast_radius_m"`
	CancellationReason *string    `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	RequestedAt        time.Time  `json:"requested_at" db:"requested_at"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// CreateRideRequest is the payload for requesting a ride
type CreateRideRequest struct {
	PickupLatitude     float64 `json:"pickup_latitude" binding:"required,gte=-90,lte=90"`
	PickupLongitude    float64 `json:"pickup_longitude" binding:"required,gte=-180,lte=180"`
	PickupAddress      string  `json:"pickup_address" binding:"required"`
	DropoffAddress     string  `json:"dropoff_address" binding:"required"`
	NumberOfPassengers int `json:"number_of_passengers" binding:"omitempty,gte=1"`
	// Pointer so an explicit 0 (search nowhere) survives binding; nil
	// means absent and takes the configured default.
	BroadcastRadiusM *float64 `json:"broadcast_radius_m" binding:"omitempty,gte=0"`
}

// CancelRideRequest is the payload for cancelling a ride
type CancelRideRequest struct {
	Reason string `json:"reason"`
}

// RideResponse decorates a ride with dispatch progress
type RideResponse struct {
	*RideRequest
	DriverCandidates int `json:"driver_candidates"`
}

// CancelRideResponse reports a cancellation and whether a driver had
// already been assigned
type CancelRideResponse struct {
	*RideRequest
	WasAssigned bool `json:"was_assigned"`
}

// CurrentRideResponse is the snapshot returned by the current-ride
// lookup
type CurrentRideResponse struct {
	HasActiveRide bool         `json:"has_active_ride"`
	Ride          *RideRequest `json:"ride,omitempty"`
	Status        RideStatus   `json:"status,omitempty"`
}
