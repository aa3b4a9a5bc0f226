package matching

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/swiftride/dispatch/pkg/config"
	"github.com/swiftride/dispatch/pkg/models"
)

type mockPresence struct {
	mock.Mock
}

func (m *mockPresence) QueryNearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]*models.DriverLocation, error) {
	args := m.Called(ctx, lat, lon, radiusM, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.DriverLocation), args.Error(1)
}

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		DefaultBroadcastRadiusM: 1000,
		OfferTimeout:            20 * time.Second,
		MaxDriversPerRide:       10,
	}
}

func testRide() *models.RideRequest {
	return &models.RideRequest{
		ID:               uuid.New(),
		PassengerID:      uuid.New(),
		Status:           models.RideStatusPending,
		PickupLatitude:   37.7749,
		PickupLongitude:  -122.4194,
		BroadcastRadiusM: 1000,
	}
}

func TestBuildQueueOrdersNearestFirst(t *testing.T) {
	pres := new(mockPresence)
	svc := NewService(nil, pres, testConfig())
	ride := testRide()

	d1, d2, d3 := uuid.New(), uuid.New(), uuid.New()
	pres.On("QueryNearby", mock.Anything, ride.PickupLatitude, ride.PickupLongitude, 1000.0, candidateScanLimit).
		Return([]*models.DriverLocation{
			{DriverID: d1, DistanceM: 120, Status: models.DriverStatusAvailable},
			{DriverID: d2, DistanceM: 450, Status: models.DriverStatusAvailable},
			{DriverID: d3, DistanceM: 890, Status: models.DriverStatusAvailable},
		}, nil)

	offers, err := svc.BuildQueue(context.Background(), ride)
	require.NoError(t, err)
	require.Len(t, offers, 3)

	assert.Equal(t, d1, offers[0].DriverID)
	assert.Equal(t, d2, offers[1].DriverID)
	assert.Equal(t, d3, offers[2].DriverID)
	for i, offer := range offers {
		assert.Equal(t, i, offer.OfferOrder)
		assert.Equal(t, ride.ID, offer.RideID)
		assert.Equal(t, models.OfferStatusPending, offer.Status)
		assert.Nil(t, offer.SentAt)
	}
}

func TestBuildQueueUsesRideRadius(t *testing.T) {
	pres := new(mockPresence)
	svc := NewService(nil, pres, testConfig())
	ride := testRide()
	ride.BroadcastRadiusM = 2500

	pres.On("QueryNearby", mock.Anything, ride.PickupLatitude, ride.PickupLongitude, 2500.0, candidateScanLimit).
		Return([]*models.DriverLocation{}, nil)

	_, err := svc.BuildQueue(context.Background(), ride)
	require.NoError(t, err)
	pres.AssertExpectations(t)
}

func TestBuildQueueSkipsNonAvailableDrivers(t *testing.T) {
	pres := new(mockPresence)
	svc := NewService(nil, pres, testConfig())
	ride := testRide()

	available := uuid.New()
	pres.On("QueryNearby", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*models.DriverLocation{
			{DriverID: uuid.New(), DistanceM: 80, Status: models.DriverStatusBusy},
			{DriverID: available, DistanceM: 300, Status: models.DriverStatusAvailable},
		}, nil)

	offers, err := svc.BuildQueue(context.Background(), ride)
	require.NoError(t, err)

	require.Len(t, offers, 1)
	assert.Equal(t, available, offers[0].DriverID)
	assert.Equal(t, 0, offers[0].OfferOrder)
}

func TestBuildQueueDropsDriversBeyondRadius(t *testing.T) {
	pres := new(mockPresence)
	svc := NewService(nil, pres, testConfig())
	ride := testRide()

	onEdge, inside := uuid.New(), uuid.New()
	pres.On("QueryNearby", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*models.DriverLocation{
			{DriverID: inside, DistanceM: 400, Status: models.DriverStatusAvailable},
			{DriverID: onEdge, DistanceM: 1000, Status: models.DriverStatusAvailable},
			{DriverID: uuid.New(), DistanceM: 1000.5, Status: models.DriverStatusAvailable},
		}, nil)

	offers, err := svc.BuildQueue(context.Background(), ride)
	require.NoError(t, err)

	// The boundary is inclusive
	require.Len(t, offers, 2)
	assert.Equal(t, inside, offers[0].DriverID)
	assert.Equal(t, onEdge, offers[1].DriverID)
}

func TestBuildQueueQueriesBeyondPerRideCaps(t *testing.T) {
	pres := new(mockPresence)
	svc := NewService(nil, pres, testConfig())
	ride := testRide()

	// Every in-radius driver makes the queue, not just the first page
	drivers := make([]*models.DriverLocation, 0, 24)
	for i := 0; i < 24; i++ {
		drivers = append(drivers, &models.DriverLocation{
			DriverID:  uuid.New(),
			DistanceM: float64(10 * (i + 1)),
			Status:    models.DriverStatusAvailable,
		})
	}
	pres.On("QueryNearby", mock.Anything, mock.Anything, mock.Anything, mock.Anything, candidateScanLimit).
		Return(drivers, nil)

	offers, err := svc.BuildQueue(context.Background(), ride)
	require.NoError(t, err)
	assert.Len(t, offers, 24)
}

func TestBuildQueueZeroRadiusYieldsNoOffers(t *testing.T) {
	pres := new(mockPresence)
	svc := NewService(nil, pres, testConfig())
	ride := testRide()
	ride.BroadcastRadiusM = 0

	offers, err := svc.BuildQueue(context.Background(), ride)
	require.NoError(t, err)

	assert.Empty(t, offers)
	pres.AssertNotCalled(t, "QueryNearby", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestBuildQueueEmptyWhenNoDrivers(t *testing.T) {
	pres := new(mockPresence)
	svc := NewService(nil, pres, testConfig())

	pres.On("QueryNearby", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*models.DriverLocation{}, nil)

	offers, err := svc.BuildQueue(context.Background(), testRide())
	require.NoError(t, err)
	assert.Empty(t, offers)
}

func TestBuildQueuePropagatesPresenceError(t *testing.T) {
	pres := new(mockPresence)
	svc := NewService(nil, pres, testConfig())

	pres.On("QueryNearby", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, assert.AnError)

	_, err := svc.BuildQueue(context.Background(), testRide())
	assert.Error(t, err)
}
