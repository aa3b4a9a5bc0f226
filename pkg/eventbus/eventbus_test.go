package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	data := map[string]string{"ride_id": "abc"}

	event, err := NewEvent(SubjectRideRequested, "dispatch", data)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, "rides.requested", event.Type)
	assert.Equal(t, "dispatch", event.Source)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, time.UTC, event.Timestamp.Location())

	_, err = uuid.Parse(event.ID)
	assert.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(event.Data, &decoded))
	assert.Equal(t, "abc", decoded["ride_id"])
}

func TestNewEventNilData(t *testing.T) {
	event, err := NewEvent("test.event", "test", nil)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("null"), event.Data)
}

func TestNewEventUnmarshalableData(t *testing.T) {
	event, err := NewEvent("test.event", "test", make(chan int))
	assert.Error(t, err)
	assert.Nil(t, event)
}

func TestNewEventUniqueIDs(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		event, err := NewEvent("test.event", "test", nil)
		require.NoError(t, err)
		assert.False(t, ids[event.ID], "duplicate event ID generated")
		ids[event.ID] = true
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	original, err := NewEvent(SubjectRideCompleted, "dispatch", RideCompletedData{
		RideID:      uuid.New(),
		PassengerID: uuid.New(),
		DriverID:    uuid.New(),
		CompletedAt: time.Now().UTC().Truncate(time.Millisecond),
	})
	require.NoError(t, err)

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	var restored Event
	require.NoError(t, json.Unmarshal(raw, &restored))

	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, original.Type, restored.Type)
	assert.Equal(t, original.Source, restored.Source)
	assert.JSONEq(t, string(original.Data), string(restored.Data))
}

func TestSubjectConstants(t *testing.T) {
	tests := []struct {
		name     string
		subject  string
		expected string
	}{
		{"RideRequested", SubjectRideRequested, "rides.requested"},
		{"RideAccepted", SubjectRideAccepted, "rides.accepted"},
		{"RideCompleted", SubjectRideCompleted, "rides.completed"},
		{"RideCancelled", SubjectRideCancelled, "rides.cancelled"},
		{"RideExpired", SubjectRideExpired, "rides.expired"},
		{"OfferSent", SubjectOfferSent, "offers.sent"},
		{"OfferExpired", SubjectOfferExpired, "offers.expired"},
		{"DriverOnline", SubjectDriverOnline, "drivers.online"},
		{"DriverOffline", SubjectDriverOffline, "drivers.offline"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.subject)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.URL)
	assert.Equal(t, "dispatch", cfg.Name)
	assert.Equal(t, "DISPATCH", cfg.StreamName)
}

func TestHandlerFuncInvocation(t *testing.T) {
	var received *Event
	handler := HandlerFunc(func(ctx context.Context, event *Event) error {
		received = event
		return nil
	})

	event, err := NewEvent(SubjectOfferSent, "dispatch", OfferSentData{
		RideID:     uuid.New(),
		DriverID:   uuid.New(),
		OfferOrder: 2,
		SentAt:     time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), event))
	require.NotNil(t, received)
	assert.Equal(t, event.ID, received.ID)
}

func TestHandlerFuncReturnsError(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, event *Event) error {
		return assert.AnError
	})

	event, _ := NewEvent("test.event", "test", nil)
	assert.ErrorIs(t, handler(context.Background(), event), assert.AnError)
}

func TestRideRequestedDataSerialization(t *testing.T) {
	data := RideRequestedData{
		RideID:             uuid.New(),
		PassengerID:        uuid.New(),
		PickupLatitude:     37.7749,
		PickupLongitude:    -122.4194,
		PickupAddress:      "1 Market St",
		DropoffAddress:     "50 Oak St",
		NumberOfPassengers: 2,
		BroadcastRadiusM:   1500,
		DriverCandidates:   4,
		RequestedAt:        time.Now().UTC().Truncate(time.Millisecond),
	}

	b, err := json.Marshal(data)
	require.NoError(t, err)

	var decoded RideRequestedData
	require.NoError(t, json.Unmarshal(b, &decoded))

	assert.Equal(t, data.RideID, decoded.RideID)
	assert.Equal(t, data.PassengerID, decoded.PassengerID)
	assert.Equal(t, data.PickupLatitude, decoded.PickupLatitude)
	assert.Equal(t, data.DropoffAddress, decoded.DropoffAddress)
	assert.Equal(t, data.NumberOfPassengers, decoded.NumberOfPassengers)
	assert.Equal(t, data.BroadcastRadiusM, decoded.BroadcastRadiusM)
	assert.Equal(t, data.DriverCandidates, decoded.DriverCandidates)
	assert.Equal(t, data.RequestedAt, decoded.RequestedAt)
}

func TestRideCancelledDataSerialization(t *testing.T) {
	data := RideCancelledData{
		RideID:      uuid.New(),
		PassengerID: uuid.New(),
		DriverID:    uuid.New(),
		CancelledBy: "passenger",
		Reason:      "waited too long",
		CancelledAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	b, err := json.Marshal(data)
	require.NoError(t, err)

	var decoded RideCancelledData
	require.NoError(t, json.Unmarshal(b, &decoded))

	assert.Equal(t, data.CancelledBy, decoded.CancelledBy)
	assert.Equal(t, data.Reason, decoded.Reason)
	assert.Equal(t, data.DriverID, decoded.DriverID)
}

func TestBusConnectedNilConn(t *testing.T) {
	bus := &Bus{}
	assert.False(t, bus.Connected())
}

func TestBusCloseNoSubs(t *testing.T) {
	bus := &Bus{}
	bus.Close()
}
