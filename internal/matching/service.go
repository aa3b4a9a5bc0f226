// Package matching builds and works through the ordered offer queue of
// a ride: nearest available drivers first, one live offer at a time.
package matching

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swiftride/dispatch/pkg/config"
	"github.com/swiftride/dispatch/pkg/logger"
	"github.com/swiftride/dispatch/pkg/metrics"
	"github.com/swiftride/dispatch/pkg/models"
)

// Presence is the slice of the presence index the matcher needs.
type Presence interface {
	QueryNearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]*models.DriverLocation, error)
}

// candidateScanLimit caps a single queue build. Every driver inside the
// broadcast radius must make the queue, so this sits far above any
// plausible driver density for one pickup.
const candidateScanLimit = 512

// Service builds offer queues from the live presence index.
type Service struct {
	repo     *Repository
	presence Presence
	cfg      config.DispatchConfig
}

// NewService creates a matching service.
func NewService(repo *Repository, presence Presence, cfg config.DispatchConfig) *Service {
	return &Service{repo: repo, presence: presence, cfg: cfg}
}

// Repo exposes the offer repository for callers that compose offer
// updates into a ride transaction.
func (s *Service) Repo() *Repository {
	return s.repo
}

// BuildQueue ranks available drivers within the ride's broadcast
// radius and returns the offer rows, nearest first. Tile queries
// over-approximate, so distances are re-checked against the radius.
func (s *Service) BuildQueue(ctx context.Context, ride *models.RideRequest) ([]*models.RideOffer, error) {
	// A zero radius contains no drivers; skip the index round-trip.
	if ride.BroadcastRadiusM <= 0 {
		return nil, nil
	}

	drivers, err := s.presence.QueryNearby(ctx,
		ride.PickupLatitude,
		ride.PickupLongitude,
		ride.BroadcastRadiusM,
		candidateScanLimit,
	)
	if err != nil {
		return nil, err
	}

	offers := make([]*models.RideOffer, 0, len(drivers))
	for _, driver := range drivers {
		if driver.Status != models.DriverStatusAvailable {
			continue
		}
		if driver.DistanceM > ride.BroadcastRadiusM {
			continue
		}
		offers = append(offers, &models.RideOffer{
			ID:         uuid.New(),
			RideID:     ride.ID,
			DriverID:   driver.DriverID,
			Status:     models.OfferStatusPending,
			OfferOrder: len(offers),
			DistanceM:  driver.DistanceM,
		})
	}

	logger.InfoContext(ctx, "built offer queue",
		zap.String("ride_id", ride.ID.String()),
		zap.Int("candidates", len(drivers)),
		zap.Int("queued", len(offers)),
	)
	return offers, nil
}

// PersistQueue writes the queue, then dispatches and returns the first
// offer. Returns nil when the queue is empty.
func (s *Service) PersistQueue(ctx context.Context, db DB, rideID uuid.UUID, offers []*models.RideOffer) (*models.RideOffer, error) {
	if len(offers) == 0 {
		return nil, nil
	}
	if err := s.repo.ReplaceQueue(ctx, db, rideID, offers); err != nil {
		return nil, err
	}
	first, err := s.repo.ClaimNextUnsent(ctx, db, rideID)
	if err != nil {
		return nil, err
	}
	if first != nil {
		metrics.OffersSentTotal.Inc()
	}
	return first, nil
}

// Advance dispatches the next unsent offer of a ride, if one remains.
func (s *Service) Advance(ctx context.Context, db DB, rideID uuid.UUID) (*models.RideOffer, error) {
	next, err := s.repo.ClaimNextUnsent(ctx, db, rideID)
	if err != nil {
		return nil, err
	}
	if next != nil {
		metrics.OffersSentTotal.Inc()
	}
	return next, nil
}

// The offer-row operations below proxy the repository so lifecycle
// code can compose offer updates into its own transactions without
// reaching into the store.

// GetOffer loads a driver's offer on a ride.
func (s *Service) GetOffer(ctx context.Context, db DB, rideID, driverID uuid.UUID) (*models.RideOffer, error) {
	return s.repo.GetOffer(ctx, db, rideID, driverID)
}

// CASStatus moves an offer from one status to another, reporting
// whether the transition won.
func (s *Service) CASStatus(ctx context.Context, db DB, rideID, driverID uuid.UUID, from, to models.OfferStatus) (bool, error) {
	return s.repo.CASStatus(ctx, db, rideID, driverID, from, to)
}

// RetireOpen expires every still-pending offer of a ride except the
// excluded one, returning the affected driver ids.
func (s *Service) RetireOpen(ctx context.Context, db DB, rideID uuid.UUID, exclude *uuid.UUID) ([]uuid.UUID, error) {
	return s.repo.RetireOpen(ctx, db, rideID, exclude)
}

// HasOffers reports whether the ride has any offer rows at all.
func (s *Service) HasOffers(ctx context.Context, db DB, rideID uuid.UUID) (bool, error) {
	return s.repo.HasOffers(ctx, db, rideID)
}

// AnySent reports whether at least one offer of the ride went out.
func (s *Service) AnySent(ctx context.Context, db DB, rideID uuid.UUID) (bool, error) {
	return s.repo.AnySent(ctx, db, rideID)
}

// OffersForRide lists a ride's queue in offer order.
func (s *Service) OffersForRide(ctx context.Context, db DB, rideID uuid.UUID) ([]*models.RideOffer, error) {
	return s.repo.OffersForRide(ctx, db, rideID)
}

// FindStale returns in-flight offers whose answer window lapsed.
func (s *Service) FindStale(ctx context.Context, db DB, timeout time.Duration, limit int) ([]*models.RideOffer, error) {
	return s.repo.FindStale(ctx, db, timeout, limit)
}
