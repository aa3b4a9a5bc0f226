// Package scheduler drives offer expiry. Each live offer gets an
// in-process timer for prompt expiry; a periodic sweeper backs the
// timers up against restarts and missed callbacks by scanning the
// database for overdue offers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swiftride/dispatch/pkg/config"
	"github.com/swiftride/dispatch/pkg/logger"
)

// ExpireFunc times out the live offer of a ride.
type ExpireFunc func(ctx context.Context, rideID, driverID uuid.UUID) error

// SweepFunc expires every overdue offer found in storage.
type SweepFunc func(ctx context.Context)

// Service owns per-offer expiry timers and the fallback sweeper.
type Service struct {
	cfg    config.DispatchConfig
	expire ExpireFunc
	sweep  SweepFunc

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer // ride ID -> live offer timer

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. Handlers are attached afterwards via
// SetHandlers to break the construction cycle with the rides service.
func New(cfg config.DispatchConfig) *Service {
	return &Service{
		cfg:    cfg,
		timers: make(map[uuid.UUID]*time.Timer),
	}
}

// SetHandlers wires the expiry callbacks. Must be called before Start
// or Arm.
func (s *Service) SetHandlers(expire ExpireFunc, sweep SweepFunc) {
	s.expire = expire
	s.sweep = sweep
}

// Arm schedules expiry for a ride's live offer. A ride has at most one
// live offer, so arming replaces any previous timer for the ride.
func (s *Service) Arm(rideID, driverID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[rideID]; ok {
		t.Stop()
	}
	s.timers[rideID] = time.AfterFunc(s.cfg.OfferTimeout, func() {
		s.fire(rideID, driverID)
	})
}

// Cancel drops the timer for a ride, if any. Called when the ride
// leaves the pending state.
func (s *Service) Cancel(rideID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[rideID]; ok {
		t.Stop()
		delete(s.timers, rideID)
	}
}

func (s *Service) fire(rideID, driverID uuid.UUID) {
	s.mu.Lock()
	delete(s.timers, rideID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.expire(ctx, rideID, driverID); err != nil {
		// The sweeper will retry on its next pass
		logger.ErrorContext(ctx, "offer expiry failed", zap.Error(err),
			zap.String("ride_id", rideID.String()),
			zap.String("driver_id", driverID.String()),
		)
	}
}

// Start launches the sweeper loop. Returns immediately.
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()

	logger.Info("offer scheduler started",
		zap.Duration("offer_timeout", s.cfg.OfferTimeout),
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
	)
}

// Stop halts the sweeper and drops all pending timers.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for rideID, t := range s.timers {
		t.Stop()
		delete(s.timers, rideID)
	}
}
