// Package presence maintains the live geospatial state of the fleet:
// driver positions in a Redis geo index, driver metadata hashes with
// freshness TTLs, and passenger map subscriptions bucketed by geohash
// tile for cheap broadcast fan-out.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swiftride/dispatch/pkg/common"
	"github.com/swiftride/dispatch/pkg/config"
	"github.com/swiftride/dispatch/pkg/geohash"
	"github.com/swiftride/dispatch/pkg/logger"
	"github.com/swiftride/dispatch/pkg/models"
	redisClient "github.com/swiftride/dispatch/pkg/redis"
)

const (
	driverGeoKey         = "drivers:geo"
	driverMetaPrefix     = "driver:meta:"
	driversOnlineKey     = "drivers:online"
	passengerSubPrefix   = "passenger:subs:"
	tilePassengersPrefix = "tile:passengers:"
)

// UpdateOutcome describes what a driver location write changed.
type UpdateOutcome struct {
	Tile        string
	PrevTile    string
	TileChanged bool
	// MovedM is the distance in meters from the previous position;
	// zero when this is the driver's first report.
	MovedM float64
	First  bool
}

// Subscription is a passenger's registered viewport.
type Subscription struct {
	PassengerID uuid.UUID
	Latitude    float64
	Longitude   float64
	RadiusM     float64
	Tiles       []string
	UpdatedAt   time.Time
}

// SubscribeResult carries the tile set and the initial driver snapshot
// returned to a freshly subscribed passenger.
type SubscribeResult struct {
	Tiles  []string
	Nearby []*models.DriverLocation
}

// Service owns the Redis presence index.
type Service struct {
	redis redisClient.ClientInterface
	cfg   config.DispatchConfig
}

// NewService creates a presence service.
func NewService(redis redisClient.ClientInterface, cfg config.DispatchConfig) *Service {
	return &Service{redis: redis, cfg: cfg}
}

// UpdateDriver writes a driver's position into the geo index and
// refreshes the metadata hash. Drivers not in the available status
// leave the online set. The returned outcome carries the tile
// transition and displacement the broadcast layer needs for gating.
func (s *Service) UpdateDriver(ctx context.Context, driverID uuid.UUID, lat, lon float64, vehicleNumber string, status models.DriverStatus) (*UpdateOutcome, error) {
	tile := geohash.Encode(lat, lon, s.cfg.GeohashPrecision)
	metaKey := driverMetaPrefix + driverID.String()

	outcome := &UpdateOutcome{Tile: tile, First: true}

	prev, err := s.redis.HGetAllMap(ctx, metaKey)
	if err == nil && len(prev) > 0 {
		outcome.First = false
		prevLat, latErr := strconv.ParseFloat(prev["lat"], 64)
		prevLon, lonErr := strconv.ParseFloat(prev["lon"], 64)
		if latErr == nil && lonErr == nil {
			outcome.MovedM = geohash.Distance(prevLat, prevLon, lat, lon)
		}
		outcome.PrevTile = prev["tile"]
		outcome.TileChanged = outcome.PrevTile != "" && outcome.PrevTile != tile
		if vehicleNumber == "" {
			vehicleNumber = prev["vehicle"]
		}
	}

	if err := s.redis.GeoAdd(ctx, driverGeoKey, lon, lat, driverID.String()); err != nil {
		return nil, common.NewInternalError("failed to index driver position", err)
	}

	fields := map[string]interface{}{
		"lat":        strconv.FormatFloat(lat, 'f', -1, 64),
		"lon":        strconv.FormatFloat(lon, 'f', -1, 64),
		"tile":       tile,
		"status":     string(status),
		"vehicle":    vehicleNumber,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.redis.HSetMap(ctx, metaKey, fields); err != nil {
		return nil, common.NewInternalError("failed to store driver metadata", err)
	}
	if err := s.redis.Expire(ctx, metaKey, s.cfg.DriverTTL); err != nil {
		logger.WarnContext(ctx, "failed to refresh driver meta TTL",
			zap.String("driver_id", driverID.String()),
			zap.Error(err),
		)
	}

	if status == models.DriverStatusAvailable {
		if err := s.redis.SAddMembers(ctx, driversOnlineKey, driverID.String()); err != nil {
			return nil, common.NewInternalError("failed to mark driver online", err)
		}
	} else {
		if err := s.redis.SRemMembers(ctx, driversOnlineKey, driverID.String()); err != nil {
			return nil, common.NewInternalError("failed to unmark driver online", err)
		}
	}

	return outcome, nil
}

// SetDriverStatus updates only the status field of the driver's
// metadata, leaving position untouched.
func (s *Service) SetDriverStatus(ctx context.Context, driverID uuid.UUID, status models.DriverStatus) error {
	metaKey := driverMetaPrefix + driverID.String()

	exists, err := s.redis.Exists(ctx, metaKey)
	if err != nil {
		return common.NewInternalError("failed to read driver metadata", err)
	}
	if !exists {
		// No live position yet; status will be written with the first
		// location report.
		return nil
	}

	if err := s.redis.HSetMap(ctx, metaKey, map[string]interface{}{
		"status": string(status),
	}); err != nil {
		return common.NewInternalError("failed to update driver status", err)
	}

	if status == models.DriverStatusAvailable {
		err = s.redis.SAddMembers(ctx, driversOnlineKey, driverID.String())
	} else {
		err = s.redis.SRemMembers(ctx, driversOnlineKey, driverID.String())
	}
	if err != nil {
		return common.NewInternalError("failed to update online set", err)
	}
	return nil
}

// RemoveDriver deletes all presence state for a driver.
func (s *Service) RemoveDriver(ctx context.Context, driverID uuid.UUID) error {
	id := driverID.String()

	if err := s.redis.GeoRemove(ctx, driverGeoKey, id); err != nil {
		return common.NewInternalError("failed to remove driver from geo index", err)
	}
	if err := s.redis.Delete(ctx, driverMetaPrefix+id); err != nil {
		return common.NewInternalError("failed to remove driver metadata", err)
	}
	if err := s.redis.SRemMembers(ctx, driversOnlineKey, id); err != nil {
		return common.NewInternalError("failed to unmark driver online", err)
	}
	return nil
}

// GetDriver returns the live position and status of one driver.
func (s *Service) GetDriver(ctx context.Context, driverID uuid.UUID) (*models.DriverLocation, error) {
	meta, err := s.redis.HGetAllMap(ctx, driverMetaPrefix+driverID.String())
	if err != nil || len(meta) == 0 {
		return nil, common.NewNotFoundError(common.CodeDriverNotAvailable, "driver has no live position")
	}
	return driverFromMeta(driverID, meta, 0)
}

// QueryNearby returns available drivers within radiusM meters of the
// point, nearest first. Stale or non-available drivers are filtered
// out using the metadata hash; geo index entries without metadata are
// skipped (their TTL already lapsed).
func (s *Service) QueryNearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]*models.DriverLocation, error) {
	// Over-fetch so post-filtering still fills the limit
	fetch := limit * 3
	if fetch < 16 {
		fetch = 16
	}

	members, err := s.redis.GeoSearch(ctx, driverGeoKey, lon, lat, radiusM/1000, fetch)
	if err != nil {
		return nil, common.NewInternalError("failed to query geo index", err)
	}

	drivers := make([]*models.DriverLocation, 0, len(members))
	for _, member := range members {
		driverID, err := uuid.Parse(member.Member)
		if err != nil {
			continue
		}

		meta, err := s.redis.HGetAllMap(ctx, driverMetaPrefix+member.Member)
		if err != nil || len(meta) == 0 {
			continue
		}
		if models.DriverStatus(meta["status"]) != models.DriverStatusAvailable {
			continue
		}

		driver, err := driverFromMeta(driverID, meta, member.DistKM*1000)
		if err != nil {
			continue
		}
		drivers = append(drivers, driver)

		if len(drivers) >= limit {
			break
		}
	}

	return drivers, nil
}

// SubscribePassenger registers a passenger viewport for driver
// broadcasts. The viewport is resolved to its covering tile set;
// re-subscribing replaces the previous set. The returned snapshot
// carries the drivers currently in range.
func (s *Service) SubscribePassenger(ctx context.Context, passengerID uuid.UUID, lat, lon, radiusM float64) (*SubscribeResult, error) {
	if radiusM <= 0 {
		radiusM = s.cfg.DefaultBroadcastRadiusM
	}

	tiles := geohash.Cover(lat, lon, radiusM, s.cfg.GeohashPrecision)
	subKey := passengerSubPrefix + passengerID.String()
	id := passengerID.String()

	inNew := make(map[string]struct{}, len(tiles))
	for _, tile := range tiles {
		inNew[tile] = struct{}{}
	}

	prev, err := s.redis.HGetAllMap(ctx, subKey)
	if err == nil {
		for _, prevTile := range splitTiles(prev["tiles"]) {
			if _, ok := inNew[prevTile]; ok {
				continue
			}
			if err := s.redis.SRemMembers(ctx, tilePassengersPrefix+prevTile, id); err != nil {
				logger.WarnContext(ctx, "failed to leave previous tile",
					zap.String("passenger_id", id),
					zap.String("tile", prevTile),
					zap.Error(err),
				)
			}
		}
	}

	fields := map[string]interface{}{
		"lat":        strconv.FormatFloat(lat, 'f', -1, 64),
		"lon":        strconv.FormatFloat(lon, 'f', -1, 64),
		"radius_m":   strconv.FormatFloat(radiusM, 'f', -1, 64),
		"tiles":      strings.Join(tiles, ","),
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.redis.HSetMap(ctx, subKey, fields); err != nil {
		return nil, common.NewInternalError("failed to store subscription", err)
	}
	if err := s.redis.Expire(ctx, subKey, s.cfg.SubscriptionTTL); err != nil {
		return nil, common.NewInternalError("failed to set subscription TTL", err)
	}

	for _, tile := range tiles {
		tileKey := tilePassengersPrefix + tile
		if err := s.redis.SAddMembers(ctx, tileKey, id); err != nil {
			return nil, common.NewInternalError("failed to join tile", err)
		}
		// The tile set outlives individual members slightly; subscription
		// hashes are the authority on freshness.
		if err := s.redis.Expire(ctx, tileKey, s.cfg.SubscriptionTTL); err != nil {
			return nil, common.NewInternalError("failed to set tile TTL", err)
		}
	}

	nearby, err := s.QueryNearby(ctx, lat, lon, radiusM, s.cfg.MaxDriversPerRide)
	if err != nil {
		logger.WarnContext(ctx, "failed to build subscription snapshot",
			zap.String("passenger_id", id),
			zap.Error(err),
		)
		nearby = nil
	}

	return &SubscribeResult{Tiles: tiles, Nearby: nearby}, nil
}

// UnsubscribePassenger removes a passenger's viewport registration.
func (s *Service) UnsubscribePassenger(ctx context.Context, passengerID uuid.UUID) error {
	subKey := passengerSubPrefix + passengerID.String()
	id := passengerID.String()

	prev, err := s.redis.HGetAllMap(ctx, subKey)
	if err == nil {
		for _, tile := range splitTiles(prev["tiles"]) {
			if err := s.redis.SRemMembers(ctx, tilePassengersPrefix+tile, id); err != nil {
				return common.NewInternalError("failed to leave tile", err)
			}
		}
	}

	if err := s.redis.Delete(ctx, subKey); err != nil {
		return common.NewInternalError("failed to remove subscription", err)
	}
	return nil
}

// PassengersInTiles returns the live subscriptions registered in any
// of the given tiles. Members whose subscription hash has expired are
// dropped from the tile set as they are encountered.
func (s *Service) PassengersInTiles(ctx context.Context, tiles []string) ([]*Subscription, error) {
	var subs []*Subscription
	seen := make(map[string]struct{})

	for _, tile := range tiles {
		members, err := s.redis.SMembersList(ctx, tilePassengersPrefix+tile)
		if err != nil {
			return nil, common.NewInternalError("failed to read tile members", err)
		}

		for _, member := range members {
			if _, ok := seen[member]; ok {
				continue
			}
			seen[member] = struct{}{}

			passengerID, err := uuid.Parse(member)
			if err != nil {
				continue
			}

			sub, err := s.getSubscription(ctx, passengerID)
			if err != nil {
				// Lapsed subscription; clean the tile set lazily
				_ = s.redis.SRemMembers(ctx, tilePassengersPrefix+tile, member)
				continue
			}
			subs = append(subs, sub)
		}
	}

	return subs, nil
}

// GetSubscription returns a passenger's registered viewport.
func (s *Service) GetSubscription(ctx context.Context, passengerID uuid.UUID) (*Subscription, error) {
	return s.getSubscription(ctx, passengerID)
}

func (s *Service) getSubscription(ctx context.Context, passengerID uuid.UUID) (*Subscription, error) {
	fields, err := s.redis.HGetAllMap(ctx, passengerSubPrefix+passengerID.String())
	if err != nil || len(fields) == 0 {
		return nil, common.NewNotFoundError(common.CodeValidation, "passenger has no active subscription")
	}

	lat, latErr := strconv.ParseFloat(fields["lat"], 64)
	lon, lonErr := strconv.ParseFloat(fields["lon"], 64)
	if latErr != nil || lonErr != nil {
		return nil, common.NewInternalError("corrupt subscription record", fmt.Errorf("lat=%q lon=%q", fields["lat"], fields["lon"]))
	}

	sub := &Subscription{
		PassengerID: passengerID,
		Latitude:    lat,
		Longitude:   lon,
		Tiles:       splitTiles(fields["tiles"]),
	}
	if r, err := strconv.ParseFloat(fields["radius_m"], 64); err == nil {
		sub.RadiusM = r
	}
	if sub.RadiusM <= 0 {
		sub.RadiusM = s.cfg.DefaultBroadcastRadiusM
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		sub.UpdatedAt = t
	}
	return sub, nil
}

func splitTiles(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}

func driverFromMeta(driverID uuid.UUID, meta map[string]string, distanceM float64) (*models.DriverLocation, error) {
	lat, latErr := strconv.ParseFloat(meta["lat"], 64)
	lon, lonErr := strconv.ParseFloat(meta["lon"], 64)
	if latErr != nil || lonErr != nil {
		return nil, fmt.Errorf("corrupt driver meta for %s", driverID)
	}

	driver := &models.DriverLocation{
		DriverID:      driverID,
		Latitude:      lat,
		Longitude:     lon,
		Status:        models.DriverStatus(meta["status"]),
		VehicleNumber: meta["vehicle"],
		DistanceM:     distanceM,
	}
	if t, err := time.Parse(time.RFC3339Nano, meta["updated_at"]); err == nil {
		driver.UpdatedAt = t
	}
	return driver, nil
}
