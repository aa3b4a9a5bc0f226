package models

import (
	"time"

	"github.com/google/uuid"
)

// DriverStatus represents a driver's dispatch availability
type DriverStatus string

const (
	DriverStatusAvailable DriverStatus = "available"
	DriverStatusBusy      DriverStatus = "busy"
	DriverStatusOffline   DriverStatus = "offline"
)

// Valid reports whether the value is a known driver status.
func (s DriverStatus) Valid() bool {
	switch s {
	case DriverStatusAvailable, DriverStatusBusy, DriverStatusOffline:
		return true
	}
	return false
}

// DriverProfile is the persistent dispatch record for a driver
type DriverProfile struct {
	DriverID           uuid.UUID    `json:"driver_id" db:"driver_id"`
	VehicleNumber      *string      `json:"vehicle_number,omitempty" db:"vehicle_number"`
	Status             DriverStatus `json:"status" db:"status"`
	CompletedRides     int          `json:"completed_rides" db:"completed_rides"`
	LastLatitude       *float64     `json:"last_latitude,omitempty" db:"last_latitude"`
	LastLongitude      *float64     `json:"last_longitude,omitempty" db:"last_longitude"`
	LastLocationUpdate *time.Time   `json:"last_location_update,omitempty" db:"last_location_update"`
	CreatedAt          time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at" db:"updated_at"`
}

// PassengerProfile is the persistent dispatch record for a passenger
type PassengerProfile struct {
	PassengerID    uuid.UUID `json:"passenger_id" db:"passenger_id"`
	CompletedRides int       `json:"completed_rides" db:"completed_rides"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Location is a point in decimal degrees
type Location struct {
	Latitude  float64 `json:"latitude" binding:"required,gte=-90,lte=90"`
	Longitude float64 `json:"longitude" binding:"required,gte=-180,lte=180"`
}

// DriverLocation is a driver position as served to nearby passengers
type DriverLocation struct {
	DriverID      uuid.UUID    `json:"driver_id"`
	Latitude      float64      `json:"latitude"`
	Longitude     float64      `json:"longitude"`
	Status        DriverStatus `json:"status"`
	VehicleNumber string       `json:"vehicle_number,omitempty"`
	DistanceM     float64      `json:"distance_m,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// UpdateDriverStatusRequest is the payload for a driver status change.
// busy is never client-settable; it is derived from ride assignment.
type UpdateDriverStatusRequest struct {
	Status DriverStatus `json:"status" binding:"required,oneof=available offline"`
}

// UpdateDriverLocationRequest is the payload for a driver position
// report over REST
type UpdateDriverLocationRequest struct {
	Latitude      float64 `json:"latitude" binding:"required,gte=-90,lte=90"`
	Longitude     float64 `json:"longitude" binding:"required,gte=-180,lte=180"`
	VehicleNumber string  `json:"vehicle_number"`
}
