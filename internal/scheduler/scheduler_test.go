package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftride/dispatch/pkg/config"
)

type expiryRecorder struct {
	mu    sync.Mutex
	fired []uuid.UUID
	ch    chan struct{}
}

func newExpiryRecorder() *expiryRecorder {
	return &expiryRecorder{ch: make(chan struct{}, 16)}
}

func (r *expiryRecorder) expire(_ context.Context, rideID, _ uuid.UUID) error {
	r.mu.Lock()
	r.fired = append(r.fired, rideID)
	r.mu.Unlock()
	r.ch <- struct{}{}
	return nil
}

func (r *expiryRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func TestArmFiresAfterTimeout(t *testing.T) {
	rec := newExpiryRecorder()
	svc := New(config.DispatchConfig{
		OfferTimeout:  20 * time.Millisecond,
		SweepInterval: time.Hour,
	})
	svc.SetHandlers(rec.expire, func(context.Context) {})

	rideID := uuid.New()
	svc.Arm(rideID, uuid.New())

	select {
	case <-rec.ch:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.fired, 1)
	assert.Equal(t, rideID, rec.fired[0])
}

func TestCancelPreventsExpiry(t *testing.T) {
	rec := newExpiryRecorder()
	svc := New(config.DispatchConfig{
		OfferTimeout:  30 * time.Millisecond,
		SweepInterval: time.Hour,
	})
	svc.SetHandlers(rec.expire, func(context.Context) {})

	rideID := uuid.New()
	svc.Arm(rideID, uuid.New())
	svc.Cancel(rideID)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, rec.count())
}

func TestRearmReplacesTimer(t *testing.T) {
	rec := newExpiryRecorder()
	svc := New(config.DispatchConfig{
		OfferTimeout:  30 * time.Millisecond,
		SweepInterval: time.Hour,
	})
	svc.SetHandlers(rec.expire, func(context.Context) {})

	rideID := uuid.New()
	// A ride holds one live offer at a time; re-arming for the next
	// driver replaces the previous timer
	svc.Arm(rideID, uuid.New())
	svc.Arm(rideID, uuid.New())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestSweeperRunsPeriodically(t *testing.T) {
	var mu sync.Mutex
	sweeps := 0

	svc := New(config.DispatchConfig{
		OfferTimeout:  time.Hour,
		SweepInterval: 15 * time.Millisecond,
	})
	svc.SetHandlers(
		func(context.Context, uuid.UUID, uuid.UUID) error { return nil },
		func(context.Context) {
			mu.Lock()
			sweeps++
			mu.Unlock()
		},
	)

	svc.Start()
	time.Sleep(80 * time.Millisecond)
	svc.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, sweeps, 2)
}

func TestStopDropsPendingTimers(t *testing.T) {
	rec := newExpiryRecorder()
	svc := New(config.DispatchConfig{
		OfferTimeout:  50 * time.Millisecond,
		SweepInterval: time.Hour,
	})
	svc.SetHandlers(rec.expire, func(context.Context) {})

	svc.Start()
	svc.Arm(uuid.New(), uuid.New())
	svc.Stop()

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, rec.count())
}
