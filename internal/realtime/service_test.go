package realtime

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftride/dispatch/pkg/models"
	"github.com/swiftride/dispatch/pkg/websocket"
)

func waitForHub() { time.Sleep(20 * time.Millisecond) }

func receive(t *testing.T, client *websocket.Client) *websocket.Message {
	t.Helper()
	select {
	case msg := <-client.Send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
		return nil
	}
}

func connect(t *testing.T, hub *websocket.Hub, userID uuid.UUID, role string) *websocket.Client {
	t.Helper()
	client := websocket.NewClient(userID.String(), nil, hub, role)
	hub.Register <- client
	waitForHub()

	// Drain the registration greeting
	greeting := receive(t, client)
	require.Equal(t, websocket.TypeConnectionEstablished, greeting.Type)
	return client
}

func TestConnectionEstablishedCarriesIdentity(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	NewService(hub, nil)

	driverID := uuid.New()
	client := websocket.NewClient(driverID.String(), nil, hub, websocket.RoleDriver)
	hub.Register <- client
	waitForHub()

	msg := receive(t, client)
	assert.Equal(t, websocket.TypeConnectionEstablished, msg.Type)
	assert.Equal(t, driverID.String(), msg.Data["user_id"])
	assert.Equal(t, websocket.RoleDriver, msg.Data["role"])
}

func TestNotifyOfferReachesDriver(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	svc := NewService(hub, nil)

	driverID := uuid.New()
	client := connect(t, hub, driverID, websocket.RoleDriver)

	ride := &models.RideRequest{
		ID:              uuid.New(),
		PassengerID:     uuid.New(),
		PickupLatitude:  37.7749,
		PickupLongitude: -122.4194,
		PickupAddress:   "1 Market St",
		DropoffAddress:  "50 Oak St",
	}
	offer := &models.RideOffer{
		ID:        uuid.New(),
		RideID:    ride.ID,
		DriverID:  driverID,
		DistanceM: 420,
	}

	svc.NotifyOffer(ride, offer)

	msg := receive(t, client)
	assert.Equal(t, TypeRideOffer, msg.Type)
	assert.Equal(t, ride.ID.String(), msg.RideID)
	assert.Equal(t, offer.ID.String(), msg.Data["offer_id"])
	assert.Equal(t, 420.0, msg.Data["distance_m"])
	assert.Equal(t, ride, msg.Data["ride"])
}

func TestNotifyOfferExpiredReachesDriver(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	svc := NewService(hub, nil)

	driverID := uuid.New()
	client := connect(t, hub, driverID, websocket.RoleDriver)
	rideID := uuid.New()

	svc.NotifyOfferExpired(driverID, rideID)

	msg := receive(t, client)
	assert.Equal(t, TypeRideExpired, msg.Type)
	assert.Equal(t, rideID.String(), msg.RideID)
}

func TestNotifyRideAcceptedJoinsRideGroup(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	svc := NewService(hub, nil)

	passengerID := uuid.New()
	driverID := uuid.New()
	passenger := connect(t, hub, passengerID, websocket.RolePassenger)
	driver := connect(t, hub, driverID, websocket.RoleDriver)

	ride := &models.RideRequest{
		ID:          uuid.New(),
		PassengerID: passengerID,
		DriverID:    &driverID,
		Status:      models.RideStatusAccepted,
	}

	svc.NotifyRideAccepted(ride)

	msg := receive(t, passenger)
	assert.Equal(t, TypeRideAccepted, msg.Type)
	assert.Equal(t, driverID.String(), msg.Data["driver_id"])

	msg = receive(t, driver)
	assert.Equal(t, TypeRideAccepted, msg.Type)

	members := hub.GroupMembers(websocket.RideGroup(ride.ID.String()))
	assert.ElementsMatch(t, []string{passengerID.String(), driverID.String()}, members)
}

func TestNotifyRideCancelledByPassengerReachesDrivers(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	svc := NewService(hub, nil)

	passengerID := uuid.New()
	assignedID := uuid.New()
	offeredID := uuid.New()
	assigned := connect(t, hub, assignedID, websocket.RoleDriver)
	offered := connect(t, hub, offeredID, websocket.RoleDriver)

	reason := "changed my mind"
	ride := &models.RideRequest{
		ID:                 uuid.New(),
		PassengerID:        passengerID,
		DriverID:           &assignedID,
		Status:             models.RideStatusCancelledUser,
		CancellationReason: &reason,
	}

	svc.NotifyRideCancelled(ride, "passenger", []uuid.UUID{offeredID})

	msg := receive(t, assigned)
	assert.Equal(t, TypeRideCancelled, msg.Type)
	assert.Equal(t, "passenger", msg.Data["cancelled_by"])
	assert.Equal(t, reason, msg.Data["reason"])

	msg = receive(t, offered)
	assert.Equal(t, TypeRideCancelled, msg.Type)

	// Ride group disbands with the ride
	assert.Empty(t, hub.GroupMembers(websocket.RideGroup(ride.ID.String())))
}

func TestNotifyRideCancelledByDriverReachesPassenger(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	svc := NewService(hub, nil)

	passengerID := uuid.New()
	driverID := uuid.New()
	passenger := connect(t, hub, passengerID, websocket.RolePassenger)

	ride := &models.RideRequest{
		ID:          uuid.New(),
		PassengerID: passengerID,
		DriverID:    &driverID,
		Status:      models.RideStatusCancelledDriver,
	}

	svc.NotifyRideCancelled(ride, "driver", nil)

	msg := receive(t, passenger)
	assert.Equal(t, TypeRideCancelled, msg.Type)
	assert.Equal(t, "driver", msg.Data["cancelled_by"])
	_, hasReason := msg.Data["reason"]
	assert.False(t, hasReason)
}

func TestNotifyQueueExhausted(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	svc := NewService(hub, nil)

	passengerID := uuid.New()
	passenger := connect(t, hub, passengerID, websocket.RolePassenger)

	// At least one driver saw the ride: it expired
	svc.NotifyQueueExhausted(passengerID, uuid.New(), true)
	msg := receive(t, passenger)
	assert.Equal(t, TypeRideExpired, msg.Type)

	// Nobody was in range at all
	svc.NotifyQueueExhausted(passengerID, uuid.New(), false)
	msg = receive(t, passenger)
	assert.Equal(t, TypeNoDriversAvailable, msg.Type)
}

func TestNotifyDriverLocationFormatsPayload(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	svc := NewService(hub, nil)

	passengerID := uuid.New()
	driverID := uuid.New()
	client := connect(t, hub, passengerID, websocket.RolePassenger)

	svc.NotifyDriverLocation(passengerID, &models.DriverLocation{
		DriverID:      driverID,
		Latitude:      37.7749,
		Longitude:     -122.4194,
		Status:        models.DriverStatusAvailable,
		VehicleNumber: "TX-1207",
	})

	msg := receive(t, client)
	assert.Equal(t, TypeDriverLocationUpdated, msg.Type)
	assert.Equal(t, driverID.String(), msg.Data["driver_id"])
	assert.Equal(t, 37.7749, msg.Data["latitude"])
	assert.Equal(t, "available", msg.Data["status"])
	assert.Equal(t, "TX-1207", msg.Data["vehicle_number"])
}

func TestNotifyDriverStatusChange(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	svc := NewService(hub, nil)

	passengerID := uuid.New()
	driverID := uuid.New()
	client := connect(t, hub, passengerID, websocket.RolePassenger)

	svc.NotifyDriverStatus(passengerID, driverID, models.DriverStatusOffline)

	msg := receive(t, client)
	assert.Equal(t, TypeDriverStatusChanged, msg.Type)
	assert.Equal(t, driverID.String(), msg.Data["driver_id"])
	assert.Equal(t, "offline", msg.Data["status"])
}

func TestNotifyToDisconnectedUserIsNoOp(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	svc := NewService(hub, nil)

	// Nobody connected; must not panic or block
	svc.NotifyQueueExhausted(uuid.New(), uuid.New(), false)
	svc.NotifyOfferExpired(uuid.New(), uuid.New())
}

func TestSubscribeNearbyRejectsDrivers(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	NewService(hub, nil)

	driverID := uuid.New()
	client := connect(t, hub, driverID, websocket.RoleDriver)

	hub.HandleMessage(client, &websocket.Message{
		Type: TypeSubscribeNearby,
		Data: map[string]interface{}{"latitude": 37.7749, "longitude": -122.4194},
	})

	msg := receive(t, client)
	assert.Equal(t, TypeError, msg.Type)
}

func TestTrackingUpdateRequiresMembership(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	NewService(hub, nil)

	driverID := uuid.New()
	rideID := uuid.New()
	client := connect(t, hub, driverID, websocket.RoleDriver)

	hub.HandleMessage(client, &websocket.Message{
		Type:   TypeTrackingUpdate,
		RideID: rideID.String(),
		Data:   map[string]interface{}{"latitude": 37.7749, "longitude": -122.4194},
	})

	msg := receive(t, client)
	assert.Equal(t, TypeError, msg.Type)
}

func TestTrackingUpdateRelaysToRideGroup(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	NewService(hub, nil)

	passengerID := uuid.New()
	driverID := uuid.New()
	rideID := uuid.New()
	passenger := connect(t, hub, passengerID, websocket.RolePassenger)
	driver := connect(t, hub, driverID, websocket.RoleDriver)

	group := websocket.RideGroup(rideID.String())
	hub.JoinGroup(passenger.ID, group)
	hub.JoinGroup(driver.ID, group)

	hub.HandleMessage(driver, &websocket.Message{
		Type:   TypeTrackingUpdate,
		RideID: rideID.String(),
		Data:   map[string]interface{}{"latitude": 37.7749, "longitude": -122.4194},
	})

	msg := receive(t, passenger)
	assert.Equal(t, TypeDriverTrackLocation, msg.Type)
	assert.Equal(t, rideID.String(), msg.RideID)
	assert.Equal(t, driverID.String(), msg.Data["driver_id"])
	assert.Equal(t, 37.7749, msg.Data["latitude"])
}

func TestStopTrackingLeavesRideGroup(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	NewService(hub, nil)

	driverID := uuid.New()
	rideID := uuid.New()
	driver := connect(t, hub, driverID, websocket.RoleDriver)

	group := websocket.RideGroup(rideID.String())
	hub.JoinGroup(driver.ID, group)
	require.True(t, driver.InGroup(group))

	hub.HandleMessage(driver, &websocket.Message{
		Type:   TypeStopTracking,
		RideID: rideID.String(),
	})

	assert.False(t, driver.InGroup(group))
}

func TestTimestampsAreStamped(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	svc := NewService(hub, nil)

	passengerID := uuid.New()
	client := connect(t, hub, passengerID, websocket.RolePassenger)

	before := time.Now().UTC()
	svc.NotifyRideCompleted(&models.RideRequest{ID: uuid.New(), PassengerID: passengerID})

	msg := receive(t, client)
	require.Equal(t, TypeRideCompleted, msg.Type)
	assert.False(t, msg.Timestamp.Before(before.Add(-time.Second)))
}
