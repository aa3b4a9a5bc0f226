package rides

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swiftride/dispatch/internal/matching"
	"github.com/swiftride/dispatch/pkg/models"
)

// ErrActiveRideExists is returned when a passenger already holds a
// pending or accepted ride. Backed by a partial unique index, so the
// one-active-ride rule holds under concurrent requests.
var ErrActiveRideExists = errors.New("passenger already has an active ride")

// Repository handles database operations for ride requests and
// dispatch profiles
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new rides repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Pool exposes the underlying pool for non-transactional offer reads.
func (r *Repository) Pool() matching.DB {
	return r.db
}

// WithTx runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const rideColumns = `id, passenger_id, driver_id, status, pickup_latitude, pickup_longitude,
		pickup_address, dropoff_address, number_of_passengers, broadcast_radius_m,
		cancellation_reason, requested_at, accepted_at, completed_at, cancelled_at,
		created_at, updated_at`

func scanRide(row pgx.Row) (*models.RideRequest, error) {
	ride := &models.RideRequest{}
	err := row.Scan(
		&ride.ID,
		&ride.PassengerID,
		&ride.DriverID,
		&ride.Status,
		&ride.PickupLatitude,
		&ride.PickupLongitude,
		&ride.PickupAddress,
		&ride.DropoffAddress,
		&ride.NumberOfPassengers,
		&ride.BroadcastRadiusM,
		&ride.CancellationReason,
		&ride.RequestedAt,
		&ride.AcceptedAt,
		&ride.CompletedAt,
		&ride.CancelledAt,
		&ride.CreatedAt,
		&ride.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ride, nil
}

// CreateRide inserts a new pending ride request. Returns
// ErrActiveRideExists when the passenger's active slot is taken.
func (r *Repository) CreateRide(ctx context.Context, ride *models.RideRequest) error {
	query := `
		INSERT INTO ride_requests (id, passenger_id, status, pickup_latitude, pickup_longitude,
			pickup_address, dropoff_address, number_of_passengers, broadcast_radius_m, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		ride.ID,
		ride.PassengerID,
		ride.Status,
		ride.PickupLatitude,
		ride.PickupLongitude,
		ride.PickupAddress,
		ride.DropoffAddress,
		ride.NumberOfPassengers,
		ride.BroadcastRadiusM,
		ride.RequestedAt,
	).Scan(&ride.CreatedAt, &ride.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrActiveRideExists
		}
		return fmt.Errorf("failed to create ride: %w", err)
	}
	return nil
}

// GetRide retrieves a ride by ID. Returns nil when not found.
func (r *Repository) GetRide(ctx context.Context, db matching.DB, rideID uuid.UUID) (*models.RideRequest, error) {
	query := `SELECT ` + rideColumns + ` FROM ride_requests WHERE id = $1`

	ride, err := scanRide(db.QueryRow(ctx, query, rideID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ride: %w", err)
	}
	return ride, nil
}

// GetRideForUpdate locks the ride row for the rest of the transaction.
// All lifecycle transitions go through this lock, so concurrent
// accept/cancel/expire serialize per ride.
func (r *Repository) GetRideForUpdate(ctx context.Context, tx pgx.Tx, rideID uuid.UUID) (*models.RideRequest, error) {
	query := `SELECT ` + rideColumns + ` FROM ride_requests WHERE id = $1 FOR UPDATE`

	ride, err := scanRide(tx.QueryRow(ctx, query, rideID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock ride: %w", err)
	}
	return ride, nil
}

// ActiveRideForPassenger returns the passenger's pending or accepted
// ride, if any.
func (r *Repository) ActiveRideForPassenger(ctx context.Context, passengerID uuid.UUID) (*models.RideRequest, error) {
	query := `
		SELECT ` + rideColumns + ` FROM ride_requests
		WHERE passenger_id = $1 AND status IN ($2, $3)
		ORDER BY requested_at DESC
		LIMIT 1
	`
	ride, err := scanRide(r.db.QueryRow(ctx, query, passengerID, models.RideStatusPending, models.RideStatusAccepted))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active ride: %w", err)
	}
	return ride, nil
}

// ActiveRideForDriver returns the ride a driver is currently serving,
// if any.
func (r *Repository) ActiveRideForDriver(ctx context.Context, driverID uuid.UUID) (*models.RideRequest, error) {
	query := `
		SELECT ` + rideColumns + ` FROM ride_requests
		WHERE driver_id = $1 AND status = $2
		ORDER BY accepted_at DESC
		LIMIT 1
	`
	ride, err := scanRide(r.db.QueryRow(ctx, query, driverID, models.RideStatusAccepted))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get driver ride: %w", err)
	}
	return ride, nil
}

// MarkAccepted assigns the driver and moves the ride to accepted.
// Conditional on pending, so a cancel that slipped in first wins.
func (r *Repository) MarkAccepted(ctx context.Context, tx pgx.Tx, rideID, driverID uuid.UUID) (bool, error) {
	query := `
		UPDATE ride_requests
		SET status = $1, driver_id = $2, accepted_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = $4
	`
	tag, err := tx.Exec(ctx, query, models.RideStatusAccepted, driverID, rideID, models.RideStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to accept ride: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted moves an accepted ride to completed, conditional on
// the assigned driver.
func (r *Repository) MarkCompleted(ctx context.Context, tx pgx.Tx, rideID, driverID uuid.UUID) (bool, error) {
	query := `
		UPDATE ride_requests
		SET status = $1, completed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND driver_id = $3 AND status = $4
	`
	tag, err := tx.Exec(ctx, query, models.RideStatusCompleted, rideID, driverID, models.RideStatusAccepted)
	if err != nil {
		return false, fmt.Errorf("failed to complete ride: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCancelled moves the ride to a cancellation status and records the
// stated reason, conditional on its current state.
func (r *Repository) MarkCancelled(ctx context.Context, tx pgx.Tx, rideID uuid.UUID, to models.RideStatus, reason string, from ...models.RideStatus) (bool, error) {
	query := `
		UPDATE ride_requests
		SET status = $1, cancellation_reason = NULLIF($2, ''), cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = ANY($4)
	`
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	tag, err := tx.Exec(ctx, query, to, reason, rideID, states)
	if err != nil {
		return false, fmt.Errorf("failed to cancel ride: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkNoDrivers closes a pending ride whose offer queue is exhausted.
func (r *Repository) MarkNoDrivers(ctx context.Context, tx pgx.Tx, rideID uuid.UUID) (bool, error) {
	query := `
		UPDATE ride_requests
		SET status = $1, cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	tag, err := tx.Exec(ctx, query, models.RideStatusNoDrivers, rideID, models.RideStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to close ride: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// EnsureDriverProfile creates the driver's dispatch profile if missing.
func (r *Repository) EnsureDriverProfile(ctx context.Context, driverID uuid.UUID) error {
	query := `
		INSERT INTO driver_profiles (driver_id, status)
		VALUES ($1, $2)
		ON CONFLICT (driver_id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, driverID, models.DriverStatusOffline); err != nil {
		return fmt.Errorf("failed to ensure driver profile: %w", err)
	}
	return nil
}

// EnsurePassengerProfile creates the passenger's dispatch profile if
// missing.
func (r *Repository) EnsurePassengerProfile(ctx context.Context, passengerID uuid.UUID) error {
	query := `
		INSERT INTO passenger_profiles (passenger_id)
		VALUES ($1)
		ON CONFLICT (passenger_id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, passengerID); err != nil {
		return fmt.Errorf("failed to ensure passenger profile: %w", err)
	}
	return nil
}

// GetDriverProfile retrieves a driver's dispatch profile. Returns nil
// when the driver has never been seen.
func (r *Repository) GetDriverProfile(ctx context.Context, db matching.DB, driverID uuid.UUID) (*models.DriverProfile, error) {
	query := `
		SELECT driver_id, vehicle_number, status, completed_rides,
			last_latitude, last_longitude, last_location_update, created_at, updated_at
		FROM driver_profiles WHERE driver_id = $1
	`
	profile := &models.DriverProfile{}
	err := db.QueryRow(ctx, query, driverID).Scan(
		&profile.DriverID,
		&profile.VehicleNumber,
		&profile.Status,
		&profile.CompletedRides,
		&profile.LastLatitude,
		&profile.LastLongitude,
		&profile.LastLocationUpdate,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get driver profile: %w", err)
	}
	return profile, nil
}

// SetDriverProfileStatus updates the persisted driver status.
func (r *Repository) SetDriverProfileStatus(ctx context.Context, db matching.DB, driverID uuid.UUID, status models.DriverStatus) error {
	query := `
		INSERT INTO driver_profiles (driver_id, status)
		VALUES ($1, $2)
		ON CONFLICT (driver_id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
	`
	if _, err := db.Exec(ctx, query, driverID, status); err != nil {
		return fmt.Errorf("failed to update driver status: %w", err)
	}
	return nil
}

// UpdateDriverLastLocation writes the driver's latest reported position
// behind the live presence index. Vehicle number is update-only: an
// empty value never clears an existing one.
func (r *Repository) UpdateDriverLastLocation(ctx context.Context, driverID uuid.UUID, lat, lon float64, vehicleNumber string) error {
	query := `
		INSERT INTO driver_profiles (driver_id, status, vehicle_number, last_latitude, last_longitude, last_location_update)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NOW())
		ON CONFLICT (driver_id) DO UPDATE SET
			vehicle_number = COALESCE(NULLIF($3, ''), driver_profiles.vehicle_number),
			last_latitude = $4,
			last_longitude = $5,
			last_location_update = NOW(),
			updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, driverID, models.DriverStatusOffline, lat, lon, vehicleNumber); err != nil {
		return fmt.Errorf("failed to update driver location: %w", err)
	}
	return nil
}

// IncrementCompletedRides bumps both parties' lifetime counters after a
// completed ride.
func (r *Repository) IncrementCompletedRides(ctx context.Context, tx pgx.Tx, driverID, passengerID uuid.UUID) error {
	driverQuery := `
		UPDATE driver_profiles
		SET completed_rides = completed_rides + 1, updated_at = NOW()
		WHERE driver_id = $1
	`
	if _, err := tx.Exec(ctx, driverQuery, driverID); err != nil {
		return fmt.Errorf("failed to update driver counter: %w", err)
	}

	passengerQuery := `
		INSERT INTO passenger_profiles (passenger_id, completed_rides)
		VALUES ($1, 1)
		ON CONFLICT (passenger_id) DO UPDATE
		SET completed_rides = passenger_profiles.completed_rides + 1, updated_at = NOW()
	`
	if _, err := tx.Exec(ctx, passengerQuery, passengerID); err != nil {
		return fmt.Errorf("failed to update passenger counter: %w", err)
	}
	return nil
}
