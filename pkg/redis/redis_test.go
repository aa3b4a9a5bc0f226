package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/swiftride/dispatch/pkg/redis"
)

func newMockedClient(t *testing.T) (*redisclient.Client, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	return redisclient.NewFromClient(db), mock
}

func TestGeoAdd(t *testing.T) {
	client, mock := newMockedClient(t)

	mock.ExpectGeoAdd("drivers:geo", &goredis.GeoLocation{
		Longitude: -122.4194,
		Latitude:  37.7749,
		Name:      "driver-1",
	}).SetVal(1)

	err := client.GeoAdd(context.Background(), "drivers:geo", -122.4194, 37.7749, "driver-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGeoSearchReturnsNearestFirst(t *testing.T) {
	client, mock := newMockedClient(t)

	mock.ExpectGeoSearchLocation("drivers:geo", &goredis.GeoSearchLocationQuery{
		GeoSearchQuery: goredis.GeoSearchQuery{
			Longitude:  -122.4194,
			Latitude:   37.7749,
			Radius:     5,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      16,
		},
		WithCoord: true,
		WithDist:  true,
	}).SetVal([]goredis.GeoLocation{
		{Name: "driver-1", Longitude: -122.42, Latitude: 37.775, Dist: 0.1},
		{Name: "driver-2", Longitude: -122.40, Latitude: 37.78, Dist: 1.8},
	})

	members, err := client.GeoSearch(context.Background(), "drivers:geo", -122.4194, 37.7749, 5, 16)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "driver-1", members[0].Member)
	assert.Equal(t, 0.1, members[0].DistKM)
	assert.Equal(t, "driver-2", members[1].Member)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGeoPosMissingMember(t *testing.T) {
	client, mock := newMockedClient(t)

	mock.ExpectGeoPos("drivers:geo", "gone").SetVal([]*goredis.GeoPos{nil})

	_, _, err := client.GeoPos(context.Background(), "drivers:geo", "gone")
	require.Error(t, err)
	assert.True(t, redisclient.IsNil(err))
}

func TestExists(t *testing.T) {
	client, mock := newMockedClient(t)

	mock.ExpectExists("driver:meta:abc").SetVal(1)
	mock.ExpectExists("driver:meta:def").SetVal(0)

	ok, err := client.Exists(context.Background(), "driver:meta:abc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.Exists(context.Background(), "driver:meta:def")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHGetAllMap(t *testing.T) {
	client, mock := newMockedClient(t)

	mock.ExpectHGetAll("driver:meta:abc").SetVal(map[string]string{
		"lat":    "37.7749",
		"lon":    "-122.4194",
		"status": "available",
	})

	fields, err := client.HGetAllMap(context.Background(), "driver:meta:abc")
	require.NoError(t, err)
	assert.Equal(t, "available", fields["status"])
	assert.Equal(t, "37.7749", fields["lat"])
}

func TestSetMembership(t *testing.T) {
	client, mock := newMockedClient(t)
	ctx := context.Background()

	mock.ExpectSAdd("tile:passengers:9q8yyk", "p1").SetVal(1)
	mock.ExpectSMembers("tile:passengers:9q8yyk").SetVal([]string{"p1"})
	mock.ExpectSRem("tile:passengers:9q8yyk", "p1").SetVal(1)

	require.NoError(t, client.SAddMembers(ctx, "tile:passengers:9q8yyk", "p1"))

	members, err := client.SMembersList(ctx, "tile:passengers:9q8yyk")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, members)

	require.NoError(t, client.SRemMembers(ctx, "tile:passengers:9q8yyk", "p1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpire(t *testing.T) {
	client, mock := newMockedClient(t)

	mock.ExpectExpire("driver:meta:abc", 2*time.Minute).SetVal(true)

	err := client.Expire(context.Background(), "driver:meta:abc", 2*time.Minute)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete(t *testing.T) {
	client, mock := newMockedClient(t)

	mock.ExpectDel("passenger:subs:p1").SetVal(1)

	err := client.Delete(context.Background(), "passenger:subs:p1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
