package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRideStatusActive(t *testing.T) {
	assert.True(t, RideStatusPending.Active())
	assert.True(t, RideStatusAccepted.Active())

	assert.False(t, RideStatusCompleted.Active())
	assert.False(t, RideStatusCancelledUser.Active())
	assert.False(t, RideStatusCancelledDriver.Active())
	assert.False(t, RideStatusNoDrivers.Active())
}

func TestRideStatusTerminal(t *testing.T) {
	terminal := []RideStatus{
		RideStatusCompleted,
		RideStatusCancelledUser,
		RideStatusCancelledDriver,
		RideStatusNoDrivers,
	}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "status %s", s)
		assert.False(t, s.Active(), "status %s", s)
	}

	assert.False(t, RideStatusPending.Terminal())
	assert.False(t, RideStatusAccepted.Terminal())
}

func TestDriverStatusValid(t *testing.T) {
	assert.True(t, DriverStatusAvailable.Valid())
	assert.True(t, DriverStatusBusy.Valid())
	assert.True(t, DriverStatusOffline.Valid())

	assert.False(t, DriverStatus("parked").Valid())
	assert.False(t, DriverStatus("").Valid())
}
