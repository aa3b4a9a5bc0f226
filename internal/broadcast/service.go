// Package broadcast fans driver position updates out to passengers
// watching nearby map viewports. Updates are gated per driver by a
// minimum interval and a minimum displacement so a stationary fleet
// costs nothing.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swiftride/dispatch/internal/presence"
	"github.com/swiftride/dispatch/pkg/config"
	"github.com/swiftride/dispatch/pkg/geohash"
	"github.com/swiftride/dispatch/pkg/logger"
	"github.com/swiftride/dispatch/pkg/metrics"
	"github.com/swiftride/dispatch/pkg/models"
)

// Notifier delivers driver presence messages to passenger sessions.
type Notifier interface {
	NotifyDriverLocation(passengerID uuid.UUID, driver *models.DriverLocation)
	NotifyDriverStatus(passengerID, driverID uuid.UUID, status models.DriverStatus)
}

// Presence is the slice of the presence index the fabric needs.
type Presence interface {
	UpdateDriver(ctx context.Context, driverID uuid.UUID, lat, lon float64, vehicleNumber string, status models.DriverStatus) (*presence.UpdateOutcome, error)
	SetDriverStatus(ctx context.Context, driverID uuid.UUID, status models.DriverStatus) error
	RemoveDriver(ctx context.Context, driverID uuid.UUID) error
	GetDriver(ctx context.Context, driverID uuid.UUID) (*models.DriverLocation, error)
	PassengersInTiles(ctx context.Context, tiles []string) ([]*presence.Subscription, error)
}

// Report describes how a single location update was handled.
type Report struct {
	// Throttled means the update arrived inside the per-driver minimum
	// interval and was dropped whole.
	Throttled bool
	// Skipped means presence was updated but fan-out was suppressed
	// because the driver had not moved far enough.
	Skipped bool
	Tile    string
	// Recipients is the number of passengers the update was sent to.
	Recipients int
}

type driverState struct {
	mu       sync.Mutex
	lastSent time.Time
}

// Service is the broadcast fabric.
type Service struct {
	presence Presence
	notifier Notifier
	cfg      config.DispatchConfig

	mu     sync.Mutex
	states map[uuid.UUID]*driverState
}

// NewService creates a broadcast service.
func NewService(p Presence, n Notifier, cfg config.DispatchConfig) *Service {
	return &Service{
		presence: p,
		notifier: n,
		cfg:      cfg,
		states:   make(map[uuid.UUID]*driverState),
	}
}

func (s *Service) state(driverID uuid.UUID) *driverState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[driverID]
	if !ok {
		st = &driverState{}
		s.states[driverID] = st
	}
	return st
}

// PublishLocation ingests one driver location report. The per-driver
// lock is held from the gating decision through the fan-out enqueue,
// so passengers observe each driver's positions in order. force skips
// the interval and displacement gates: explicit client reports always
// go through, only the streaming path is damped.
func (s *Service) PublishLocation(ctx context.Context, driverID uuid.UUID, lat, lon float64, vehicleNumber string, status models.DriverStatus, force bool) (*Report, error) {
	st := s.state(driverID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	if !force && !st.lastSent.IsZero() && now.Sub(st.lastSent) < s.cfg.BroadcastInterval {
		metrics.LocationUpdatesThrottled.Inc()
		return &Report{Throttled: true}, nil
	}

	outcome, err := s.presence.UpdateDriver(ctx, driverID, lat, lon, vehicleNumber, status)
	if err != nil {
		return nil, err
	}
	metrics.LocationUpdatesTotal.Inc()
	st.lastSent = now

	report := &Report{Tile: outcome.Tile}

	// A driver that barely moved has nothing new to show, unless it
	// crossed into a different tile (where new passengers are watching).
	if !force && !outcome.First && !outcome.TileChanged && outcome.MovedM < s.cfg.MinUpdateDistanceM {
		metrics.LocationUpdatesThrottled.Inc()
		report.Skipped = true
		return report, nil
	}

	driver := &models.DriverLocation{
		DriverID:      driverID,
		Latitude:      lat,
		Longitude:     lon,
		Status:        status,
		VehicleNumber: vehicleNumber,
		UpdatedAt:     now.UTC(),
	}

	recipients, err := s.fanOut(ctx, outcome.Tile, driver)
	if err != nil {
		return nil, err
	}
	report.Recipients = recipients

	return report, nil
}

// SetDriverStatus mirrors a driver status change into the presence
// index without announcing it.
func (s *Service) SetDriverStatus(ctx context.Context, driverID uuid.UUID, status models.DriverStatus) error {
	return s.presence.SetDriverStatus(ctx, driverID, status)
}

// PublishStatus announces a driver availability change to watching
// passengers. Going offline also removes the driver from the presence
// index so nearby queries stop returning the marker. The per-driver
// lock keeps the presence read and fan-out atomic with respect to
// concurrent location updates for the same driver.
func (s *Service) PublishStatus(ctx context.Context, driverID uuid.UUID, status models.DriverStatus) error {
	st := s.state(driverID)
	st.mu.Lock()
	defer st.mu.Unlock()

	driver, err := s.presence.GetDriver(ctx, driverID)
	if err != nil {
		// No live position; nothing to announce
		if status == models.DriverStatusOffline {
			return s.presence.RemoveDriver(ctx, driverID)
		}
		return nil
	}

	if status == models.DriverStatusOffline {
		if err := s.presence.RemoveDriver(ctx, driverID); err != nil {
			return err
		}
	}

	tile := geohash.Encode(driver.Latitude, driver.Longitude, s.cfg.GeohashPrecision)
	subs, err := s.presence.PassengersInTiles(ctx, geohash.Neighbors(tile))
	if err != nil {
		return err
	}

	sent := 0
	for _, sub := range subs {
		if geohash.Distance(sub.Latitude, sub.Longitude, driver.Latitude, driver.Longitude) > sub.RadiusM {
			continue
		}
		s.notifier.NotifyDriverStatus(sub.PassengerID, driverID, status)
		sent++
	}

	logger.InfoContext(ctx, "driver status change broadcast",
		zap.String("driver_id", driverID.String()),
		zap.String("status", string(status)),
		zap.String("tile", tile),
		zap.Int("recipients", sent),
	)
	return nil
}

// fanOut delivers the position to every passenger subscribed in the
// driver's tile or its 8 neighbors and actually inside their own
// viewport radius. The tile prefilter is an over-approximation; the
// haversine check is exact.
func (s *Service) fanOut(ctx context.Context, tile string, driver *models.DriverLocation) (int, error) {
	subs, err := s.presence.PassengersInTiles(ctx, geohash.Neighbors(tile))
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, sub := range subs {
		if geohash.Distance(sub.Latitude, sub.Longitude, driver.Latitude, driver.Longitude) > sub.RadiusM {
			continue
		}
		s.notifier.NotifyDriverLocation(sub.PassengerID, driver)
		sent++
	}

	if sent > 0 {
		metrics.BroadcastsSentTotal.Add(float64(sent))
	}
	return sent, nil
}
