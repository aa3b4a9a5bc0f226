// Package realtime connects WebSocket sessions to dispatch: inbound
// driver telemetry and passenger subscriptions, outbound offers, ride
// events and live driver positions.
package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swiftride/dispatch/internal/broadcast"
	"github.com/swiftride/dispatch/internal/presence"
	"github.com/swiftride/dispatch/internal/rides"
	"github.com/swiftride/dispatch/pkg/common"
	"github.com/swiftride/dispatch/pkg/logger"
	"github.com/swiftride/dispatch/pkg/models"
	"github.com/swiftride/dispatch/pkg/websocket"
)

// Message types sent to clients.
const (
	TypeSubscribedNearby      = "subscribed_nearby"
	TypeDriverLocationUpdated = "driver_location_updated"
	TypeDriverStatusChanged   = "driver_status_changed"
	TypeRideOffer             = "ride_offer"
	TypeRideAccepted          = "ride_accepted"
	TypeRideExpired           = "ride_expired"
	TypeRideCancelled         = "ride_cancelled"
	TypeRideCompleted         = "ride_completed"
	TypeNoDriversAvailable    = "no_drivers_available"
	TypeDriverTrackLocation   = "driver_track_location"
	TypeError                 = "error"
)

// Message types received from clients.
const (
	TypeSubscribeNearby      = "subscribe_nearby"
	TypeUnsubscribeNearby    = "unsubscribe_nearby"
	TypeUpdateLocation       = "update_location"
	TypeDriverLocationUpdate = "driver_location_update"
	TypeDriverStatusUpdate   = "driver_status_update"
	TypeStartTracking        = "start_tracking"
	TypeStopTracking         = "stop_tracking"
	TypeTrackingUpdate       = "tracking_update"
)

const handlerTimeout = 10 * time.Second

// Service routes realtime messages between sessions and dispatch. It
// is the delivery side of the ride lifecycle and the broadcast fabric.
type Service struct {
	hub       *websocket.Hub
	broadcast *broadcast.Service
	presence  *presence.Service
	rides     *rides.Service
}

// NewService creates the realtime service and registers its message
// handlers on the hub. The broadcast and rides services are attached
// afterwards via setters because both need this service as their
// notifier.
func NewService(hub *websocket.Hub, pres *presence.Service) *Service {
	s := &Service{
		hub:      hub,
		presence: pres,
	}

	hub.RegisterHandler(TypeSubscribeNearby, s.handleSubscribeNearby)
	hub.RegisterHandler(TypeUnsubscribeNearby, s.handleUnsubscribeNearby)
	hub.RegisterHandler(TypeUpdateLocation, s.handleUpdateLocation)
	hub.RegisterHandler(TypeDriverLocationUpdate, s.handleDriverLocationUpdate)
	hub.RegisterHandler(TypeDriverStatusUpdate, s.handleDriverStatusUpdate)
	hub.RegisterHandler(TypeStartTracking, s.handleStartTracking)
	hub.RegisterHandler(TypeStopTracking, s.handleStopTracking)
	hub.RegisterHandler(TypeTrackingUpdate, s.handleTrackingUpdate)
	hub.OnDisconnect(s.handleDisconnect)

	return s
}

// SetBroadcast attaches the broadcast fabric.
func (s *Service) SetBroadcast(bc *broadcast.Service) {
	s.broadcast = bc
}

// SetRideService attaches the ride lifecycle controller.
func (s *Service) SetRideService(r *rides.Service) {
	s.rides = r
}

// NotifyOffer implements rides.Notifier.
func (s *Service) NotifyOffer(ride *models.RideRequest, offer *models.RideOffer) {
	s.sendToGroup(websocket.DriverGroup(offer.DriverID.String()), &websocket.Message{
		Type:   TypeRideOffer,
		RideID: ride.ID.String(),
		Data: map[string]interface{}{
			"offer_id":   offer.ID.String(),
			"ride":       ride,
			"distance_m": offer.DistanceM,
		},
	})
}

// NotifyOfferExpired implements rides.Notifier.
func (s *Service) NotifyOfferExpired(driverID, rideID uuid.UUID) {
	s.sendToGroup(websocket.DriverGroup(driverID.String()), &websocket.Message{
		Type:   TypeRideExpired,
		RideID: rideID.String(),
	})
}

// NotifyRideAccepted implements rides.Notifier. Both participants join
// the ride group so trip tracking has a channel from the start.
func (s *Service) NotifyRideAccepted(ride *models.RideRequest) {
	rideGroup := websocket.RideGroup(ride.ID.String())
	s.hub.JoinGroup(ride.PassengerID.String(), rideGroup)
	if ride.DriverID != nil {
		s.hub.JoinGroup(ride.DriverID.String(), rideGroup)
	}

	data := map[string]interface{}{}
	if ride.DriverID != nil {
		data["driver_id"] = ride.DriverID.String()
	}
	msg := &websocket.Message{
		Type:   TypeRideAccepted,
		RideID: ride.ID.String(),
		Data:   data,
	}
	s.sendToGroup(websocket.PartyGroup(ride.PassengerID.String()), msg)
	s.sendToGroup(rideGroup, msg)
}

// NotifyRideCancelled implements rides.Notifier. A passenger cancel
// goes to the assigned driver and every driver still holding an open
// offer; a driver cancel goes to the passenger. The ride group hears
// it either way, then disbands.
func (s *Service) NotifyRideCancelled(ride *models.RideRequest, by string, offeredDrivers []uuid.UUID) {
	msg := &websocket.Message{
		Type:   TypeRideCancelled,
		RideID: ride.ID.String(),
		Data:   map[string]interface{}{"cancelled_by": by},
	}
	if ride.CancellationReason != nil {
		msg.Data["reason"] = *ride.CancellationReason
	}

	switch by {
	case "passenger":
		if ride.DriverID != nil {
			s.sendToGroup(websocket.DriverGroup(ride.DriverID.String()), msg)
		}
		for _, driverID := range offeredDrivers {
			s.sendToGroup(websocket.DriverGroup(driverID.String()), msg)
		}
	case "driver":
		s.sendToGroup(websocket.PartyGroup(ride.PassengerID.String()), msg)
	}

	s.sendToGroup(websocket.RideGroup(ride.ID.String()), msg)
	s.disbandRideGroup(ride)
}

// NotifyRideCompleted implements rides.Notifier.
func (s *Service) NotifyRideCompleted(ride *models.RideRequest) {
	msg := &websocket.Message{
		Type:   TypeRideCompleted,
		RideID: ride.ID.String(),
	}
	s.sendToGroup(websocket.PartyGroup(ride.PassengerID.String()), msg)
	s.sendToGroup(websocket.RideGroup(ride.ID.String()), msg)
	s.disbandRideGroup(ride)
}

// NotifyQueueExhausted implements rides.Notifier. A passenger whose
// ride reached at least one driver hears it expired; one whose ride
// reached nobody hears there were no drivers at all.
func (s *Service) NotifyQueueExhausted(passengerID, rideID uuid.UUID, offersSent bool) {
	msgType := TypeNoDriversAvailable
	if offersSent {
		msgType = TypeRideExpired
	}
	s.sendToGroup(websocket.PartyGroup(passengerID.String()), &websocket.Message{
		Type:   msgType,
		RideID: rideID.String(),
	})
}

// NotifyDriverLocation implements broadcast.Notifier.
func (s *Service) NotifyDriverLocation(passengerID uuid.UUID, driver *models.DriverLocation) {
	data := map[string]interface{}{
		"driver_id": driver.DriverID.String(),
		"latitude":  driver.Latitude,
		"longitude": driver.Longitude,
		"status":    string(driver.Status),
	}
	if driver.VehicleNumber != "" {
		data["vehicle_number"] = driver.VehicleNumber
	}
	s.sendToGroup(websocket.PartyGroup(passengerID.String()), &websocket.Message{
		Type: TypeDriverLocationUpdated,
		Data: data,
	})
}

// NotifyDriverStatus implements broadcast.Notifier.
func (s *Service) NotifyDriverStatus(passengerID, driverID uuid.UUID, status models.DriverStatus) {
	s.sendToGroup(websocket.PartyGroup(passengerID.String()), &websocket.Message{
		Type: TypeDriverStatusChanged,
		Data: map[string]interface{}{
			"driver_id": driverID.String(),
			"status":    string(status),
		},
	})
}

func (s *Service) sendToGroup(group string, msg *websocket.Message) {
	msg.Timestamp = time.Now().UTC()
	s.hub.SendToGroup(group, msg)
}

func (s *Service) disbandRideGroup(ride *models.RideRequest) {
	group := websocket.RideGroup(ride.ID.String())
	s.hub.LeaveGroup(ride.PassengerID.String(), group)
	if ride.DriverID != nil {
		s.hub.LeaveGroup(ride.DriverID.String(), group)
	}
}

func (s *Service) sendError(client *websocket.Client, code, message string) {
	client.SendMessage(&websocket.Message{
		Type:      TypeError,
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"code": code, "message": message},
	})
}

func (s *Service) handleSubscribeNearby(client *websocket.Client, msg *websocket.Message) {
	if client.Role != websocket.RolePassenger {
		s.sendError(client, common.CodeUnauthorized, "passengers only")
		return
	}
	passengerID, err := uuid.Parse(client.UserID)
	if err != nil {
		return
	}

	lat, latOK := floatField(msg.Data, "latitude")
	lon, lonOK := floatField(msg.Data, "longitude")
	if !latOK || !lonOK || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		s.sendError(client, common.CodeValidation, "latitude and longitude required")
		return
	}
	radius, _ := floatField(msg.Data, "radius_m")

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	s.subscribe(ctx, client, passengerID, lat, lon, radius)
}

// handleUpdateLocation moves an existing passenger viewport. Unlike
// subscribe_nearby it requires a live subscription and keeps its
// radius.
func (s *Service) handleUpdateLocation(client *websocket.Client, msg *websocket.Message) {
	if client.Role != websocket.RolePassenger {
		s.sendError(client, common.CodeUnauthorized, "passengers only")
		return
	}
	passengerID, err := uuid.Parse(client.UserID)
	if err != nil {
		return
	}

	lat, latOK := floatField(msg.Data, "latitude")
	lon, lonOK := floatField(msg.Data, "longitude")
	if !latOK || !lonOK || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		s.sendError(client, common.CodeValidation, "latitude and longitude required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	sub, err := s.presence.GetSubscription(ctx, passengerID)
	if err != nil {
		s.sendError(client, common.CodeValidation, "no active subscription")
		return
	}

	s.subscribe(ctx, client, passengerID, lat, lon, sub.RadiusM)
}

func (s *Service) subscribe(ctx context.Context, client *websocket.Client, passengerID uuid.UUID, lat, lon, radiusM float64) {
	result, err := s.presence.SubscribePassenger(ctx, passengerID, lat, lon, radiusM)
	if err != nil {
		logger.ErrorContext(ctx, "failed to subscribe passenger", zap.Error(err),
			zap.String("passenger_id", client.UserID))
		s.sendError(client, common.CodeInternal, "subscribe failed")
		return
	}

	client.SendMessage(&websocket.Message{
		Type:      TypeSubscribedNearby,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"tiles":  result.Tiles,
			"nearby": result.Nearby,
		},
	})
}

func (s *Service) handleUnsubscribeNearby(client *websocket.Client, _ *websocket.Message) {
	passengerID, err := uuid.Parse(client.UserID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := s.presence.UnsubscribePassenger(ctx, passengerID); err != nil {
		logger.WarnContext(ctx, "failed to unsubscribe passenger", zap.Error(err),
			zap.String("passenger_id", client.UserID))
	}
}

func (s *Service) handleDriverLocationUpdate(client *websocket.Client, msg *websocket.Message) {
	if client.Role != websocket.RoleDriver {
		s.sendError(client, common.CodeUnauthorized, "drivers only")
		return
	}
	driverID, err := uuid.Parse(client.UserID)
	if err != nil {
		return
	}

	lat, latOK := floatField(msg.Data, "latitude")
	lon, lonOK := floatField(msg.Data, "longitude")
	if !latOK || !lonOK || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		s.sendError(client, common.CodeValidation, "latitude and longitude required")
		return
	}
	vehicle, _ := msg.Data["vehicle_number"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	status := models.DriverStatusAvailable
	if raw, ok := msg.Data["status"].(string); ok && models.DriverStatus(raw).Valid() {
		status = models.DriverStatus(raw)
	} else if live, err := s.presence.GetDriver(ctx, driverID); err == nil {
		status = live.Status
	}

	if _, err := s.broadcast.PublishLocation(ctx, driverID, lat, lon, vehicle, status, false); err != nil {
		logger.ErrorContext(ctx, "failed to publish driver location", zap.Error(err),
			zap.String("driver_id", client.UserID))
		s.sendError(client, common.CodeInternal, "location update failed")
	}
}

func (s *Service) handleDriverStatusUpdate(client *websocket.Client, msg *websocket.Message) {
	if client.Role != websocket.RoleDriver {
		s.sendError(client, common.CodeUnauthorized, "drivers only")
		return
	}
	driverID, err := uuid.Parse(client.UserID)
	if err != nil {
		return
	}

	raw, _ := msg.Data["status"].(string)
	status := models.DriverStatus(raw)
	if status != models.DriverStatusAvailable && status != models.DriverStatusOffline {
		s.sendError(client, common.CodeValidation, "status must be available or offline")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := s.rides.UpdateDriverStatus(ctx, driverID, status); err != nil {
		s.replyServiceError(client, err, "status update failed")
	}
}

// handleStartTracking joins a ride participant to the ride group so
// the driver's trip telemetry reaches them.
func (s *Service) handleStartTracking(client *websocket.Client, msg *websocket.Message) {
	userID, err := uuid.Parse(client.UserID)
	if err != nil {
		return
	}
	rideID, err := uuid.Parse(msg.RideID)
	if err != nil {
		s.sendError(client, common.CodeValidation, "ride_id required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	ride, err := s.rides.GetRide(ctx, userID, rideID)
	if err != nil {
		s.replyServiceError(client, err, "tracking failed")
		return
	}
	isParty := ride.PassengerID == userID || (ride.DriverID != nil && *ride.DriverID == userID)
	if !isParty {
		s.sendError(client, common.CodeUnauthorized, "not a ride participant")
		return
	}

	s.hub.JoinGroup(client.ID, websocket.RideGroup(rideID.String()))
}

func (s *Service) handleStopTracking(client *websocket.Client, msg *websocket.Message) {
	rideID, err := uuid.Parse(msg.RideID)
	if err != nil {
		s.sendError(client, common.CodeValidation, "ride_id required")
		return
	}
	s.hub.LeaveGroup(client.ID, websocket.RideGroup(rideID.String()))
}

// handleTrackingUpdate relays the assigned driver's trip position to
// everyone in the ride group.
func (s *Service) handleTrackingUpdate(client *websocket.Client, msg *websocket.Message) {
	if client.Role != websocket.RoleDriver {
		s.sendError(client, common.CodeUnauthorized, "drivers only")
		return
	}
	rideID, err := uuid.Parse(msg.RideID)
	if err != nil {
		s.sendError(client, common.CodeValidation, "ride_id required")
		return
	}
	if !client.InGroup(websocket.RideGroup(rideID.String())) {
		s.sendError(client, common.CodeUnauthorized, "start_tracking first")
		return
	}

	lat, latOK := floatField(msg.Data, "latitude")
	lon, lonOK := floatField(msg.Data, "longitude")
	if !latOK || !lonOK || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		s.sendError(client, common.CodeValidation, "latitude and longitude required")
		return
	}

	s.sendToGroup(websocket.RideGroup(rideID.String()), &websocket.Message{
		Type:   TypeDriverTrackLocation,
		RideID: rideID.String(),
		Data: map[string]interface{}{
			"driver_id": client.UserID,
			"latitude":  lat,
			"longitude": lon,
		},
	})
}

// handleDisconnect runs when a session closes without superseding. A
// vanished driver goes offline for watching passengers; a vanished
// passenger stops costing fan-out work.
func (s *Service) handleDisconnect(client *websocket.Client) {
	userID, err := uuid.Parse(client.UserID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch client.Role {
	case websocket.RoleDriver:
		if err := s.broadcast.PublishStatus(ctx, userID, models.DriverStatusOffline); err != nil {
			logger.WarnContext(ctx, "failed to mark driver offline", zap.Error(err),
				zap.String("driver_id", client.UserID))
		}
	case websocket.RolePassenger:
		if err := s.presence.UnsubscribePassenger(ctx, userID); err != nil {
			logger.WarnContext(ctx, "failed to drop passenger subscription", zap.Error(err),
				zap.String("passenger_id", client.UserID))
		}
	}
}

func (s *Service) replyServiceError(client *websocket.Client, err error, fallback string) {
	if appErr, ok := common.AsAppError(err); ok {
		s.sendError(client, appErr.ErrorCode, appErr.Message)
		return
	}
	logger.Error(fallback, zap.Error(err), zap.String("user_id", client.UserID))
	s.sendError(client, common.CodeInternal, fallback)
}

func floatField(data map[string]interface{}, key string) (float64, bool) {
	v, ok := data[key].(float64)
	return v, ok
}
