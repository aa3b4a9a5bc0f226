package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/swiftride/dispatch/pkg/models"
)

// DB is the querier surface shared by *pgxpool.Pool and pgx.Tx, so
// offer operations can run standalone or inside a ride transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles database operations for ride offers
type Repository struct {
	db DB
}

// NewRepository creates a new offers repository
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const offerColumns = `id, ride_id, driver_id, status, offer_order, distance_m, sent_at, responded_at, created_at`

func scanOffer(row pgx.Row) (*models.RideOffer, error) {
	offer := &models.RideOffer{}
	err := row.Scan(
		&offer.ID,
		&offer.RideID,
		&offer.DriverID,
		&offer.Status,
		&offer.OfferOrder,
		&offer.DistanceM,
		&offer.SentAt,
		&offer.RespondedAt,
		&offer.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// ReplaceQueue atomically swaps a ride's offer queue: any prior offers
// go, the new ordered set comes in with sent_at NULL. Nothing is live
// until ClaimNextUnsent stamps one.
func (r *Repository) ReplaceQueue(ctx context.Context, db DB, rideID uuid.UUID, offers []*models.RideOffer) error {
	if _, err := db.Exec(ctx, `DELETE FROM ride_offers WHERE ride_id = $1`, rideID); err != nil {
		return fmt.Errorf("failed to clear prior offers: %w", err)
	}

	query := `
		INSERT INTO ride_offers (id, ride_id, driver_id, status, offer_order, distance_m)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, offer := range offers {
		if _, err := db.Exec(ctx, query,
			offer.ID,
			offer.RideID,
			offer.DriverID,
			offer.Status,
			offer.OfferOrder,
			offer.DistanceM,
		); err != nil {
			return fmt.Errorf("failed to insert offer: %w", err)
		}
	}
	return nil
}

// ClaimNextUnsent stamps sent_at on the lowest-order unsent pending
// offer of a ride. SKIP LOCKED makes concurrent claimers (timer vs
// sweeper) pick distinct rows, so each offer is dispatched once.
func (r *Repository) ClaimNextUnsent(ctx context.Context, db DB, rideID uuid.UUID) (*models.RideOffer, error) {
	query := `
		UPDATE ride_offers SET sent_at = NOW()
		WHERE id = (
			SELECT id FROM ride_offers
			WHERE ride_id = $1 AND status = $2 AND sent_at IS NULL
			ORDER BY offer_order
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + offerColumns

	offer, err := scanOffer(db.QueryRow(ctx, query, rideID, models.OfferStatusPending))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // queue exhausted
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim next offer: %w", err)
	}
	return offer, nil
}

// CASStatus transitions an offer from one status to another, stamping
// responded_at. Returns false when the offer was not in the expected
// state, which is how races between accept, reject and expiry resolve.
func (r *Repository) CASStatus(ctx context.Context, db DB, rideID, driverID uuid.UUID, from, to models.OfferStatus) (bool, error) {
	query := `
		UPDATE ride_offers SET status = $1, responded_at = NOW()
		WHERE ride_id = $2 AND driver_id = $3 AND status = $4
	`
	tag, err := db.Exec(ctx, query, to, rideID, driverID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update offer status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RetireOpen expires every still-pending offer of a ride, except the
// optionally excluded driver (the acceptor). Returns the drivers whose
// offer was in flight so they can be told.
func (r *Repository) RetireOpen(ctx context.Context, db DB, rideID uuid.UUID, exclude *uuid.UUID) ([]uuid.UUID, error) {
	liveQuery := `
		SELECT driver_id FROM ride_offers
		WHERE ride_id = $1 AND status = $2 AND sent_at IS NOT NULL
		  AND ($3::uuid IS NULL OR driver_id <> $3)
	`
	rows, err := db.Query(ctx, liveQuery, rideID, models.OfferStatusPending, exclude)
	if err != nil {
		return nil, fmt.Errorf("failed to list live offers: %w", err)
	}
	var live []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan live offer: %w", err)
		}
		live = append(live, id)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, fmt.Errorf("failed to list live offers: %w", rows.Err())
	}

	query := `
		UPDATE ride_offers SET status = $1, responded_at = NOW()
		WHERE ride_id = $2 AND status = $3
		  AND ($4::uuid IS NULL OR driver_id <> $4)
	`
	if _, err := db.Exec(ctx, query,
		models.OfferStatusExpired,
		rideID,
		models.OfferStatusPending,
		exclude,
	); err != nil {
		return nil, fmt.Errorf("failed to retire open offers: %w", err)
	}

	return live, nil
}

// GetOffer returns the offer a ride holds for a driver, if any.
func (r *Repository) GetOffer(ctx context.Context, db DB, rideID, driverID uuid.UUID) (*models.RideOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM ride_offers WHERE ride_id = $1 AND driver_id = $2`

	offer, err := scanOffer(db.QueryRow(ctx, query, rideID, driverID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}
	return offer, nil
}

// LiveOfferForDriver returns the in-flight offer currently awaiting a
// driver's answer, if any.
func (r *Repository) LiveOfferForDriver(ctx context.Context, db DB, driverID uuid.UUID) (*models.RideOffer, error) {
	query := `
		SELECT ` + offerColumns + ` FROM ride_offers
		WHERE driver_id = $1 AND status = $2 AND sent_at IS NOT NULL
		ORDER BY sent_at DESC
		LIMIT 1
	`
	offer, err := scanOffer(db.QueryRow(ctx, query, driverID, models.OfferStatusPending))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get live offer: %w", err)
	}
	return offer, nil
}

// OffersForRide returns the full queue of a ride in offer order.
func (r *Repository) OffersForRide(ctx context.Context, db DB, rideID uuid.UUID) ([]*models.RideOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM ride_offers WHERE ride_id = $1 ORDER BY offer_order`

	rows, err := db.Query(ctx, query, rideID)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	defer rows.Close()

	var offers []*models.RideOffer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		offers = append(offers, offer)
	}
	return offers, rows.Err()
}

// AnySent reports whether at least one offer of the ride has been
// dispatched to a driver.
func (r *Repository) AnySent(ctx context.Context, db DB, rideID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM ride_offers WHERE ride_id = $1 AND sent_at IS NOT NULL)`

	var sent bool
	if err := db.QueryRow(ctx, query, rideID).Scan(&sent); err != nil {
		return false, fmt.Errorf("failed to check sent offers: %w", err)
	}
	return sent, nil
}

// HasOffers reports whether the ride has any offer rows at all. Rides
// created before the queue existed have none.
func (r *Repository) HasOffers(ctx context.Context, db DB, rideID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM ride_offers WHERE ride_id = $1)`

	var found bool
	if err := db.QueryRow(ctx, query, rideID).Scan(&found); err != nil {
		return false, fmt.Errorf("failed to check ride offers: %w", err)
	}
	return found, nil
}

// FindStale returns in-flight offers whose answer window lapsed. The
// sweeper uses this as the authoritative fallback behind in-process
// timers.
func (r *Repository) FindStale(ctx context.Context, db DB, timeout time.Duration, limit int) ([]*models.RideOffer, error) {
	query := `
		SELECT ` + offerColumns + ` FROM ride_offers
		WHERE status = $1 AND sent_at IS NOT NULL AND sent_at < NOW() - $2::interval
		ORDER BY sent_at
		LIMIT $3
	`
	interval := fmt.Sprintf("%d milliseconds", timeout.Milliseconds())

	rows, err := db.Query(ctx, query, models.OfferStatusPending, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale offers: %w", err)
	}
	defer rows.Close()

	var offers []*models.RideOffer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale offer: %w", err)
		}
		offers = append(offers, offer)
	}
	return offers, rows.Err()
}
