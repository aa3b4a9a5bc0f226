// Package rides owns the ride lifecycle: request, timed offers to
// drivers, acceptance, cancellation and completion. Every transition
// runs under a row lock on the ride, so concurrent answers to the same
// ride serialize and exactly one wins.
package rides

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/swiftride/dispatch/internal/broadcast"
	"github.com/swiftride/dispatch/internal/matching"
	"github.com/swiftride/dispatch/pkg/common"
	"github.com/swiftride/dispatch/pkg/config"
	"github.com/swiftride/dispatch/pkg/eventbus"
	"github.com/swiftride/dispatch/pkg/logger"
	"github.com/swiftride/dispatch/pkg/metrics"
	"github.com/swiftride/dispatch/pkg/models"
	"github.com/swiftride/dispatch/pkg/tracing"
)

// Notifier delivers dispatch messages to connected sessions. Delivery
// is best effort; the database is the source of truth.
type Notifier interface {
	NotifyOffer(ride *models.RideRequest, offer *models.RideOffer)
	NotifyOfferExpired(driverID, rideID uuid.UUID)
	NotifyRideAccepted(ride *models.RideRequest)
	NotifyRideCancelled(ride *models.RideRequest, by string, offeredDrivers []uuid.UUID)
	NotifyRideCompleted(ride *models.RideRequest)
	NotifyQueueExhausted(passengerID, rideID uuid.UUID, offersSent bool)
}

// Timers arms and cancels per-offer expiry timers.
type Timers interface {
	Arm(rideID, driverID uuid.UUID)
	Cancel(rideID uuid.UUID)
}

// Fabric mirrors driver state into the live presence index and
// announces changes to watching passengers.
type Fabric interface {
	SetDriverStatus(ctx context.Context, driverID uuid.UUID, status models.DriverStatus) error
	PublishStatus(ctx context.Context, driverID uuid.UUID, status models.DriverStatus) error
	PublishLocation(ctx context.Context, driverID uuid.UUID, lat, lon float64, vehicleNumber string, status models.DriverStatus, force bool) (*broadcast.Report, error)
}

// Store is the persistence surface of the lifecycle controller,
// implemented by Repository.
type Store interface {
	Pool() matching.DB
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	CreateRide(ctx context.Context, ride *models.RideRequest) error
	GetRide(ctx context.Context, db matching.DB, rideID uuid.UUID) (*models.RideRequest, error)
	GetRideForUpdate(ctx context.Context, tx pgx.Tx, rideID uuid.UUID) (*models.RideRequest, error)
	ActiveRideForPassenger(ctx context.Context, passengerID uuid.UUID) (*models.RideRequest, error)
	ActiveRideForDriver(ctx context.Context, driverID uuid.UUID) (*models.RideRequest, error)
	MarkAccepted(ctx context.Context, tx pgx.Tx, rideID, driverID uuid.UUID) (bool, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, rideID, driverID uuid.UUID) (bool, error)
	MarkCancelled(ctx context.Context, tx pgx.Tx, rideID uuid.UUID, to models.RideStatus, reason string, from ...models.RideStatus) (bool, error)
	MarkNoDrivers(ctx context.Context, tx pgx.Tx, rideID uuid.UUID) (bool, error)
	EnsureDriverProfile(ctx context.Context, driverID uuid.UUID) error
	EnsurePassengerProfile(ctx context.Context, passengerID uuid.UUID) error
	GetDriverProfile(ctx context.Context, db matching.DB, driverID uuid.UUID) (*models.DriverProfile, error)
	SetDriverProfileStatus(ctx context.Context, db matching.DB, driverID uuid.UUID, status models.DriverStatus) error
	UpdateDriverLastLocation(ctx context.Context, driverID uuid.UUID, lat, lon float64, vehicleNumber string) error
	IncrementCompletedRides(ctx context.Context, tx pgx.Tx, driverID, passengerID uuid.UUID) error
}

// OfferQueue is the matcher surface the controller drives, implemented
// by matching.Service.
type OfferQueue interface {
	BuildQueue(ctx context.Context, ride *models.RideRequest) ([]*models.RideOffer, error)
	PersistQueue(ctx context.Context, db matching.DB, rideID uuid.UUID, offers []*models.RideOffer) (*models.RideOffer, error)
	Advance(ctx context.Context, db matching.DB, rideID uuid.UUID) (*models.RideOffer, error)
	GetOffer(ctx context.Context, db matching.DB, rideID, driverID uuid.UUID) (*models.RideOffer, error)
	CASStatus(ctx context.Context, db matching.DB, rideID, driverID uuid.UUID, from, to models.OfferStatus) (bool, error)
	RetireOpen(ctx context.Context, db matching.DB, rideID uuid.UUID, exclude *uuid.UUID) ([]uuid.UUID, error)
	HasOffers(ctx context.Context, db matching.DB, rideID uuid.UUID) (bool, error)
	AnySent(ctx context.Context, db matching.DB, rideID uuid.UUID) (bool, error)
	OffersForRide(ctx context.Context, db matching.DB, rideID uuid.UUID) ([]*models.RideOffer, error)
	FindStale(ctx context.Context, db matching.DB, timeout time.Duration, limit int) ([]*models.RideOffer, error)
}

// Service is the ride lifecycle controller
type Service struct {
	repo     Store
	offers   OfferQueue
	notifier Notifier
	timers   Timers
	fabric   Fabric
	events   *eventbus.Bus
	cfg      config.DispatchConfig
}

// NewService creates a new rides service. events may be nil when the
// event bus is disabled.
func NewService(
	repo Store,
	offers OfferQueue,
	notifier Notifier,
	timers Timers,
	fabric Fabric,
	events *eventbus.Bus,
	cfg config.DispatchConfig,
) *Service {
	return &Service{
		repo:     repo,
		offers:   offers,
		notifier: notifier,
		timers:   timers,
		fabric:   fabric,
		events:   events,
		cfg:      cfg,
	}
}

// CreateRequest opens a ride request for a passenger, builds the offer
// queue from drivers inside the broadcast radius and sends the first
// offer.
func (s *Service) CreateRequest(ctx context.Context, passengerID uuid.UUID, req *models.CreateRideRequest) (*models.RideResponse, error) {
	if err := s.repo.EnsurePassengerProfile(ctx, passengerID); err != nil {
		return nil, common.NewInternalError("failed to prepare passenger", err)
	}

	passengers := req.NumberOfPassengers
	if passengers < 1 {
		passengers = 1
	}
	// An explicit 0 means "search nowhere" and must stay 0; only an
	// absent radius takes the default.
	radius := s.cfg.DefaultBroadcastRadiusM
	if req.BroadcastRadiusM != nil {
		radius = *req.BroadcastRadiusM
	}

	ride := &models.RideRequest{
		ID:                 uuid.New(),
		PassengerID:        passengerID,
		Status:             models.RideStatusPending,
		PickupLatitude:     req.PickupLatitude,
		PickupLongitude:    req.PickupLongitude,
		PickupAddress:      req.PickupAddress,
		DropoffAddress:     req.DropoffAddress,
		NumberOfPassengers: passengers,
		BroadcastRadiusM:   radius,
		RequestedAt:        time.Now().UTC(),
	}

	if err := s.repo.CreateRide(ctx, ride); err != nil {
		if errors.Is(err, ErrActiveRideExists) {
			return nil, common.NewConflictError(common.CodeActiveRideExists, "you already have an active ride")
		}
		return nil, common.NewInternalError("failed to create ride", err)
	}
	metrics.RidesCreatedTotal.Inc()
	tracing.AddSpanAttributes(ctx, tracing.RideAttributes(ride.ID.String(), passengerID.String(), "")...)
	tracing.AddSpanAttributes(ctx, tracing.LocationAttributes(ride.PickupLatitude, ride.PickupLongitude)...)

	queue, err := s.offers.BuildQueue(ctx, ride)
	if err != nil {
		logger.ErrorContext(ctx, "failed to query nearby drivers", zap.Error(err),
			zap.String("ride_id", ride.ID.String()))
		queue = nil
	}

	if len(queue) == 0 {
		if err := s.closeNoDrivers(ctx, ride.ID); err != nil {
			return nil, err
		}
		ride.Status = models.RideStatusNoDrivers
		// Nobody was in range, so no offer was ever sent
		s.notifier.NotifyQueueExhausted(ride.PassengerID, ride.ID, false)
		return &models.RideResponse{RideRequest: ride}, nil
	}

	first, err := s.offers.PersistQueue(ctx, s.repo.Pool(), ride.ID, queue)
	if err != nil {
		return nil, common.NewInternalError("failed to dispatch offers", err)
	}

	s.publish(ctx, eventbus.SubjectRideRequested, "ride.requested", eventbus.RideRequestedData{
		RideID:             ride.ID,
		PassengerID:        ride.PassengerID,
		PickupLatitude:     ride.PickupLatitude,
		PickupLongitude:    ride.PickupLongitude,
		PickupAddress:      ride.PickupAddress,
		DropoffAddress:     ride.DropoffAddress,
		NumberOfPassengers: ride.NumberOfPassengers,
		BroadcastRadiusM:   ride.BroadcastRadiusM,
		DriverCandidates:   len(queue),
		RequestedAt:        ride.RequestedAt,
	})

	if first != nil {
		s.offerSent(ctx, ride, first)
	}

	return &models.RideResponse{RideRequest: ride, DriverCandidates: len(queue)}, nil
}

// AcceptOffer records a driver's acceptance of their offer. First
// accepted wins: the ride row lock plus the offer status check make
// every other outcome a no-op. All other open offers expire.
func (s *Service) AcceptOffer(ctx context.Context, driverID, rideID uuid.UUID) (*models.RideRequest, error) {
	var (
		ride    *models.RideRequest
		offer   *models.RideOffer
		retired []uuid.UUID
	)

	err := s.repo.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		ride, err = s.repo.GetRideForUpdate(ctx, tx, rideID)
		if err != nil {
			return common.NewInternalError("failed to load ride", err)
		}
		if ride == nil {
			return common.NewNotFoundError(common.CodeRideNotFound, "ride not found")
		}
		if ride.Status != models.RideStatusPending {
			return common.NewConflictError(common.CodeRideNotAvailable, "ride is no longer available")
		}

		profile, err := s.repo.GetDriverProfile(ctx, tx, driverID)
		if err != nil {
			return common.NewInternalError("failed to load driver profile", err)
		}
		if profile == nil {
			return common.NewNotFoundError(common.CodeDriverNotAvailable, "driver profile not found")
		}
		if profile.Status != models.DriverStatusAvailable {
			return common.NewConflictError(common.CodeDriverNotAvailable, "driver is not available")
		}

		offer, err = s.offers.GetOffer(ctx, tx, rideID, driverID)
		if err != nil {
			return common.NewInternalError("failed to load offer", err)
		}
		if offer == nil {
			// Rides created before the offer queue carry no offer rows;
			// any available driver may take those.
			queued, err := s.offers.HasOffers(ctx, tx, rideID)
			if err != nil {
				return common.NewInternalError("failed to check ride offers", err)
			}
			if queued {
				return common.NewNotFoundError(common.CodeOfferNotFound, "no offer for this ride")
			}
		} else {
			ok, err := s.offers.CASStatus(ctx, tx, rideID, driverID, models.OfferStatusPending, models.OfferStatusAccepted)
			if err != nil {
				return common.NewInternalError("failed to accept offer", err)
			}
			if !ok {
				return common.NewConflictError(common.CodeOfferExpired, "offer is no longer open")
			}
		}

		if ok, err := s.repo.MarkAccepted(ctx, tx, rideID, driverID); err != nil {
			return common.NewInternalError("failed to accept ride", err)
		} else if !ok {
			return common.NewConflictError(common.CodeRideNotAvailable, "ride is no longer available")
		}

		retired, err = s.offers.RetireOpen(ctx, tx, rideID, &driverID)
		if err != nil {
			return common.NewInternalError("failed to retire other offers", err)
		}

		if err := s.repo.SetDriverProfileStatus(ctx, tx, driverID, models.DriverStatusBusy); err != nil {
			return common.NewInternalError("failed to mark driver busy", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ride.Status = models.RideStatusAccepted
	ride.DriverID = &driverID
	ride.AcceptedAt = &now

	s.timers.Cancel(rideID)
	s.syncPresence(ctx, driverID, models.DriverStatusBusy)
	tracing.AddSpanAttributes(ctx, tracing.RideAttributes(rideID.String(), ride.PassengerID.String(), driverID.String())...)
	s.observeResponse(offer)
	metrics.OffersByOutcome.WithLabelValues("accepted").Inc()

	s.notifier.NotifyRideAccepted(ride)
	for _, other := range retired {
		s.notifier.NotifyOfferExpired(other, rideID)
	}

	s.publish(ctx, eventbus.SubjectRideAccepted, "ride.accepted", eventbus.RideAcceptedData{
		RideID:      rideID,
		PassengerID: ride.PassengerID,
		DriverID:    driverID,
		AcceptedAt:  now,
	})

	logger.InfoContext(ctx, "ride accepted",
		zap.String("ride_id", rideID.String()),
		zap.String("driver_id", driverID.String()),
	)
	return ride, nil
}

// RejectOffer records a driver's rejection and moves the queue along.
// Reports whether a next driver was queued up.
func (s *Service) RejectOffer(ctx context.Context, driverID, rideID uuid.UUID) (bool, error) {
	offer, err := s.offers.GetOffer(ctx, s.repo.Pool(), rideID, driverID)
	if err != nil {
		return false, common.NewInternalError("failed to load offer", err)
	}
	if offer == nil {
		return false, common.NewNotFoundError(common.CodeOfferNotFound, "no offer for this ride")
	}

	ride, err := s.repo.GetRide(ctx, s.repo.Pool(), rideID)
	if err != nil {
		return false, common.NewInternalError("failed to load ride", err)
	}
	if ride == nil || ride.Status != models.RideStatusPending {
		// Accepted or cancelled while the driver was deciding
		return false, common.NewConflictError(common.CodeRideNotAvailable, "ride is no longer available")
	}

	ok, err := s.offers.CASStatus(ctx, s.repo.Pool(), rideID, driverID, models.OfferStatusPending, models.OfferStatusRejected)
	if err != nil {
		return false, common.NewInternalError("failed to reject offer", err)
	}
	if !ok {
		return false, common.NewConflictError(common.CodeOfferExpired, "offer is no longer open")
	}

	s.observeResponse(offer)
	metrics.OffersByOutcome.WithLabelValues("rejected").Inc()

	return s.advanceOrClose(ctx, rideID)
}

// ExpireOffer times out an open offer. Called by the per-offer timer
// and by the sweeper; whichever gets the status transition first acts,
// the other sees a no-op.
func (s *Service) ExpireOffer(ctx context.Context, rideID, driverID uuid.UUID) error {
	ok, err := s.offers.CASStatus(ctx, s.repo.Pool(), rideID, driverID, models.OfferStatusPending, models.OfferStatusExpired)
	if err != nil {
		return err
	}
	if !ok {
		// Already answered or retired
		return nil
	}

	metrics.OffersByOutcome.WithLabelValues("expired").Inc()
	s.notifier.NotifyOfferExpired(driverID, rideID)
	s.publish(ctx, eventbus.SubjectOfferExpired, "offer.expired", eventbus.OfferExpiredData{
		RideID:    rideID,
		DriverID:  driverID,
		ExpiredAt: time.Now().UTC(),
	})

	_, err = s.advanceOrClose(ctx, rideID)
	return err
}

// SweepStale expires every open offer whose answer window lapsed. This
// is the authoritative fallback behind in-process timers, so a restart
// never leaves offers stuck.
func (s *Service) SweepStale(ctx context.Context) {
	stale, err := s.offers.FindStale(ctx, s.repo.Pool(), s.cfg.OfferTimeout, 100)
	if err != nil {
		logger.ErrorContext(ctx, "failed to find stale offers", zap.Error(err))
		return
	}

	for _, offer := range stale {
		metrics.SweeperExpiredTotal.Inc()
		if err := s.ExpireOffer(ctx, offer.RideID, offer.DriverID); err != nil {
			logger.ErrorContext(ctx, "failed to expire stale offer", zap.Error(err),
				zap.String("ride_id", offer.RideID.String()),
				zap.String("driver_id", offer.DriverID.String()),
			)
		}
	}
}

// CancelByPassenger cancels the passenger's own ride, pending or
// accepted, recording the stated reason.
func (s *Service) CancelByPassenger(ctx context.Context, passengerID, rideID uuid.UUID, reason string) (*models.CancelRideResponse, error) {
	var (
		ride    *models.RideRequest
		retired []uuid.UUID
	)

	err := s.repo.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		ride, err = s.repo.GetRideForUpdate(ctx, tx, rideID)
		if err != nil {
			return common.NewInternalError("failed to load ride", err)
		}
		if ride == nil {
			return common.NewNotFoundError(common.CodeRideNotFound, "ride not found")
		}
		if ride.PassengerID != passengerID {
			return common.NewUnauthorizedError("not your ride")
		}
		if ride.Status.Terminal() {
			return common.NewConflictError(common.CodeRideNotCancellable, "ride already ended")
		}

		if ok, err := s.repo.MarkCancelled(ctx, tx, rideID, models.RideStatusCancelledUser, reason,
			models.RideStatusPending, models.RideStatusAccepted); err != nil {
			return common.NewInternalError("failed to cancel ride", err)
		} else if !ok {
			return common.NewConflictError(common.CodeRideNotCancellable, "ride already ended")
		}

		retired, err = s.offers.RetireOpen(ctx, tx, rideID, nil)
		if err != nil {
			return common.NewInternalError("failed to retire offers", err)
		}

		if ride.Status == models.RideStatusAccepted && ride.DriverID != nil {
			if err := s.repo.SetDriverProfileStatus(ctx, tx, *ride.DriverID, models.DriverStatusAvailable); err != nil {
				return common.NewInternalError("failed to release driver", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	wasAssigned := ride.Status == models.RideStatusAccepted && ride.DriverID != nil
	now := time.Now().UTC()
	ride.Status = models.RideStatusCancelledUser
	ride.CancelledAt = &now
	if reason != "" {
		ride.CancellationReason = &reason
	}

	s.timers.Cancel(rideID)
	metrics.RidesByOutcome.WithLabelValues(string(models.RideStatusCancelledUser)).Inc()

	s.notifier.NotifyRideCancelled(ride, "passenger", retired)
	var assignedDriver uuid.UUID
	if wasAssigned {
		assignedDriver = *ride.DriverID
		s.syncPresence(ctx, assignedDriver, models.DriverStatusAvailable)
	}

	s.publish(ctx, eventbus.SubjectRideCancelled, "ride.cancelled", eventbus.RideCancelledData{
		RideID:      rideID,
		PassengerID: ride.PassengerID,
		DriverID:    assignedDriver,
		CancelledBy: "passenger",
		Reason:      reason,
		CancelledAt: now,
	})
	return &models.CancelRideResponse{RideRequest: ride, WasAssigned: wasAssigned}, nil
}

// CancelByDriver lets the assigned driver abandon an accepted ride.
// The ride ends; the passenger must request again.
func (s *Service) CancelByDriver(ctx context.Context, driverID, rideID uuid.UUID, reason string) (*models.RideRequest, error) {
	var ride *models.RideRequest

	err := s.repo.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		ride, err = s.repo.GetRideForUpdate(ctx, tx, rideID)
		if err != nil {
			return common.NewInternalError("failed to load ride", err)
		}
		if ride == nil {
			return common.NewNotFoundError(common.CodeRideNotFound, "ride not found")
		}
		if ride.DriverID == nil || *ride.DriverID != driverID {
			return common.NewUnauthorizedError("not your ride")
		}
		if ride.Status != models.RideStatusAccepted {
			return common.NewConflictError(common.CodeRideNotCancellable, "ride is not in progress")
		}

		if ok, err := s.repo.MarkCancelled(ctx, tx, rideID, models.RideStatusCancelledDriver, reason,
			models.RideStatusAccepted); err != nil {
			return common.NewInternalError("failed to cancel ride", err)
		} else if !ok {
			return common.NewConflictError(common.CodeRideNotCancellable, "ride is not in progress")
		}

		return s.repo.SetDriverProfileStatus(ctx, tx, driverID, models.DriverStatusAvailable)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ride.Status = models.RideStatusCancelledDriver
	ride.CancelledAt = &now
	if reason != "" {
		ride.CancellationReason = &reason
	}

	metrics.RidesByOutcome.WithLabelValues(string(models.RideStatusCancelledDriver)).Inc()
	s.syncPresence(ctx, driverID, models.DriverStatusAvailable)
	s.notifier.NotifyRideCancelled(ride, "driver", nil)

	s.publish(ctx, eventbus.SubjectRideCancelled, "ride.cancelled", eventbus.RideCancelledData{
		RideID:      rideID,
		PassengerID: ride.PassengerID,
		DriverID:    driverID,
		CancelledBy: "driver",
		Reason:      reason,
		CancelledAt: now,
	})
	return ride, nil
}

// Complete finishes an accepted ride and bumps both parties' lifetime
// counters.
func (s *Service) Complete(ctx context.Context, driverID, rideID uuid.UUID) (*models.RideRequest, error) {
	var ride *models.RideRequest

	err := s.repo.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		ride, err = s.repo.GetRideForUpdate(ctx, tx, rideID)
		if err != nil {
			return common.NewInternalError("failed to load ride", err)
		}
		if ride == nil {
			return common.NewNotFoundError(common.CodeRideNotFound, "ride not found")
		}
		if ride.DriverID == nil || *ride.DriverID != driverID {
			return common.NewUnauthorizedError("not your ride")
		}
		if ride.Status != models.RideStatusAccepted {
			return common.NewConflictError(common.CodeRideNotAvailable, "ride is not in progress")
		}

		if ok, err := s.repo.MarkCompleted(ctx, tx, rideID, driverID); err != nil {
			return common.NewInternalError("failed to complete ride", err)
		} else if !ok {
			return common.NewConflictError(common.CodeRideNotAvailable, "ride is not in progress")
		}

		if err := s.repo.IncrementCompletedRides(ctx, tx, driverID, ride.PassengerID); err != nil {
			return common.NewInternalError("failed to update ride counters", err)
		}
		return s.repo.SetDriverProfileStatus(ctx, tx, driverID, models.DriverStatusAvailable)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ride.Status = models.RideStatusCompleted
	ride.CompletedAt = &now

	metrics.RidesByOutcome.WithLabelValues(string(models.RideStatusCompleted)).Inc()
	s.syncPresence(ctx, driverID, models.DriverStatusAvailable)
	s.notifier.NotifyRideCompleted(ride)

	s.publish(ctx, eventbus.SubjectRideCompleted, "ride.completed", eventbus.RideCompletedData{
		RideID:      rideID,
		PassengerID: ride.PassengerID,
		DriverID:    driverID,
		CompletedAt: now,
	})

	logger.InfoContext(ctx, "ride completed",
		zap.String("ride_id", rideID.String()),
		zap.String("driver_id", driverID.String()),
	)
	return ride, nil
}

// GetRide returns a ride visible to the caller: its passenger, its
// assigned driver, or a driver who was offered it.
func (s *Service) GetRide(ctx context.Context, userID, rideID uuid.UUID) (*models.RideRequest, error) {
	ride, err := s.repo.GetRide(ctx, s.repo.Pool(), rideID)
	if err != nil {
		return nil, common.NewInternalError("failed to load ride", err)
	}
	if ride == nil {
		return nil, common.NewNotFoundError(common.CodeRideNotFound, "ride not found")
	}

	if ride.PassengerID == userID {
		return ride, nil
	}
	if ride.DriverID != nil && *ride.DriverID == userID {
		return ride, nil
	}
	offer, err := s.offers.GetOffer(ctx, s.repo.Pool(), rideID, userID)
	if err != nil {
		return nil, common.NewInternalError("failed to load offer", err)
	}
	if offer != nil {
		return ride, nil
	}
	return nil, common.NewUnauthorizedError("not your ride")
}

// CurrentRide reports the caller's active ride, as passenger or
// driver.
func (s *Service) CurrentRide(ctx context.Context, userID uuid.UUID) (*models.CurrentRideResponse, error) {
	ride, err := s.repo.ActiveRideForPassenger(ctx, userID)
	if err != nil {
		return nil, common.NewInternalError("failed to load ride", err)
	}
	if ride == nil {
		ride, err = s.repo.ActiveRideForDriver(ctx, userID)
		if err != nil {
			return nil, common.NewInternalError("failed to load ride", err)
		}
	}
	if ride == nil {
		return &models.CurrentRideResponse{HasActiveRide: false}, nil
	}
	return &models.CurrentRideResponse{
		HasActiveRide: true,
		Ride:          ride,
		Status:        ride.Status,
	}, nil
}

// UpdateDriverStatus changes a driver's availability. Clients can only
// choose available or offline; busy is derived from ride assignment,
// and a driver serving an accepted ride stays busy until it ends.
func (s *Service) UpdateDriverStatus(ctx context.Context, driverID uuid.UUID, status models.DriverStatus) error {
	if status != models.DriverStatusAvailable && status != models.DriverStatusOffline {
		return common.NewValidationError("status must be available or offline")
	}

	active, err := s.repo.ActiveRideForDriver(ctx, driverID)
	if err != nil {
		return common.NewInternalError("failed to check driver rides", err)
	}
	if active != nil {
		return common.NewConflictError(common.CodeDriverNotAvailable, "finish or cancel your ride first")
	}

	if err := s.repo.SetDriverProfileStatus(ctx, s.repo.Pool(), driverID, status); err != nil {
		return common.NewInternalError("failed to update driver status", err)
	}
	s.syncPresence(ctx, driverID, status)
	return nil
}

// UpdateDriverLocation ingests a driver position report over REST: the
// durable profile keeps the last known point, the live index and the
// broadcast fabric get the update.
func (s *Service) UpdateDriverLocation(ctx context.Context, driverID uuid.UUID, req *models.UpdateDriverLocationRequest) (*broadcast.Report, error) {
	if err := s.repo.UpdateDriverLastLocation(ctx, driverID, req.Latitude, req.Longitude, req.VehicleNumber); err != nil {
		return nil, common.NewInternalError("failed to store driver location", err)
	}

	profile, err := s.repo.GetDriverProfile(ctx, s.repo.Pool(), driverID)
	if err != nil || profile == nil {
		return nil, common.NewInternalError("failed to load driver profile", err)
	}

	// Explicit REST reports bypass the stream damping
	report, err := s.fabric.PublishLocation(ctx, driverID, req.Latitude, req.Longitude, req.VehicleNumber, profile.Status, true)
	if err != nil {
		return nil, common.NewInternalError("failed to publish driver location", err)
	}
	return report, nil
}

// DriverProfile returns a driver's dispatch profile, creating it on
// first sight.
func (s *Service) DriverProfile(ctx context.Context, driverID uuid.UUID) (*models.DriverProfile, error) {
	profile, err := s.repo.GetDriverProfile(ctx, s.repo.Pool(), driverID)
	if err != nil {
		return nil, common.NewInternalError("failed to load driver profile", err)
	}
	if profile == nil {
		if err := s.repo.EnsureDriverProfile(ctx, driverID); err != nil {
			return nil, common.NewInternalError("failed to create driver profile", err)
		}
		profile, err = s.repo.GetDriverProfile(ctx, s.repo.Pool(), driverID)
		if err != nil || profile == nil {
			return nil, common.NewInternalError("failed to load driver profile", err)
		}
	}
	return profile, nil
}

// RideOffers lists a ride's offer queue for its passenger.
func (s *Service) RideOffers(ctx context.Context, userID, rideID uuid.UUID) ([]*models.RideOffer, error) {
	ride, err := s.GetRide(ctx, userID, rideID)
	if err != nil {
		return nil, err
	}
	if ride.PassengerID != userID {
		return nil, common.NewUnauthorizedError("not your ride")
	}
	offers, err := s.offers.OffersForRide(ctx, s.repo.Pool(), rideID)
	if err != nil {
		return nil, common.NewInternalError("failed to load offers", err)
	}
	return offers, nil
}

// advanceOrClose promotes the next queued offer of a still-pending
// ride, or closes the ride as no_drivers when the queue is exhausted.
// Reports whether a next offer went out.
func (s *Service) advanceOrClose(ctx context.Context, rideID uuid.UUID) (bool, error) {
	var (
		ride *models.RideRequest
		next *models.RideOffer
	)

	err := s.repo.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		ride, err = s.repo.GetRideForUpdate(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if ride == nil || ride.Status != models.RideStatusPending {
			// Accepted or cancelled while the offer was open
			ride = nil
			return nil
		}

		next, err = s.offers.Advance(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if next == nil {
			_, err = s.repo.MarkNoDrivers(ctx, tx, rideID)
			return err
		}
		return nil
	})
	if err != nil {
		return false, common.NewInternalError("failed to advance offer queue", err)
	}
	if ride == nil {
		return false, nil
	}

	if next != nil {
		s.offerSent(ctx, ride, next)
		return true, nil
	}

	anySent, err := s.offers.AnySent(ctx, s.repo.Pool(), rideID)
	if err != nil {
		logger.WarnContext(ctx, "failed to check sent offers", zap.Error(err),
			zap.String("ride_id", rideID.String()))
	}

	metrics.RidesByOutcome.WithLabelValues(string(models.RideStatusNoDrivers)).Inc()
	s.notifier.NotifyQueueExhausted(ride.PassengerID, rideID, anySent)
	s.publish(ctx, eventbus.SubjectRideExpired, "ride.expired", eventbus.RideExpiredData{
		RideID:      rideID,
		PassengerID: ride.PassengerID,
		ExpiredAt:   time.Now().UTC(),
	})
	logger.InfoContext(ctx, "offer queue exhausted",
		zap.String("ride_id", rideID.String()))
	return false, nil
}

// closeNoDrivers ends a fresh ride that found no candidates at all.
func (s *Service) closeNoDrivers(ctx context.Context, rideID uuid.UUID) error {
	err := s.repo.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := s.repo.MarkNoDrivers(ctx, tx, rideID)
		return err
	})
	if err != nil {
		return common.NewInternalError("failed to close ride", err)
	}
	metrics.RidesByOutcome.WithLabelValues(string(models.RideStatusNoDrivers)).Inc()
	return nil
}

// offerSent notifies the driver, arms the expiry timer and emits the
// offer event.
func (s *Service) offerSent(ctx context.Context, ride *models.RideRequest, offer *models.RideOffer) {
	s.notifier.NotifyOffer(ride, offer)
	s.timers.Arm(ride.ID, offer.DriverID)

	sentAt := time.Now().UTC()
	if offer.SentAt != nil {
		sentAt = *offer.SentAt
	}
	s.publish(ctx, eventbus.SubjectOfferSent, "offer.sent", eventbus.OfferSentData{
		RideID:     ride.ID,
		DriverID:   offer.DriverID,
		OfferOrder: offer.OfferOrder,
		SentAt:     sentAt,
	})

	logger.InfoContext(ctx, "offer sent",
		zap.String("ride_id", ride.ID.String()),
		zap.String("driver_id", offer.DriverID.String()),
		zap.Int("offer_order", offer.OfferOrder),
	)
}

func (s *Service) observeResponse(offer *models.RideOffer) {
	if offer == nil || offer.SentAt == nil {
		return
	}
	metrics.OfferResponseSeconds.Observe(time.Since(*offer.SentAt).Seconds())
}

func (s *Service) syncPresence(ctx context.Context, driverID uuid.UUID, status models.DriverStatus) {
	if err := s.fabric.SetDriverStatus(ctx, driverID, status); err != nil {
		logger.WarnContext(ctx, "failed to sync driver presence", zap.Error(err),
			zap.String("driver_id", driverID.String()))
	}
	if err := s.fabric.PublishStatus(ctx, driverID, status); err != nil {
		logger.WarnContext(ctx, "failed to announce driver status", zap.Error(err),
			zap.String("driver_id", driverID.String()))
	}
}

func (s *Service) publish(ctx context.Context, subject, eventType string, data interface{}) {
	if s.events == nil || !s.events.Connected() {
		return
	}
	event, err := eventbus.NewEvent(eventType, "dispatch", data)
	if err != nil {
		logger.WarnContext(ctx, "failed to build event", zap.Error(err), zap.String("type", eventType))
		return
	}
	if err := s.events.Publish(ctx, subject, event); err != nil {
		logger.WarnContext(ctx, "failed to publish event", zap.Error(err), zap.String("subject", subject))
	}
}
