package rides

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/swiftride/dispatch/pkg/common"
	"github.com/swiftride/dispatch/pkg/middleware"
	"github.com/swiftride/dispatch/pkg/models"
)

// NearbyQuerier answers passenger queries against the live presence
// index.
type NearbyQuerier interface {
	QueryNearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]*models.DriverLocation, error)
}

// Handler handles HTTP requests for the ride lifecycle
type Handler struct {
	service *Service
	nearby  NearbyQuerier
}

// NewHandler creates a new rides handler
func NewHandler(service *Service, nearby NearbyQuerier) *Handler {
	return &Handler{service: service, nearby: nearby}
}

// RegisterRoutes registers ride lifecycle routes. All routes require a
// caller identity.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	rides := router.Group("/rides")
	{
		rides.POST("", h.CreateRide)
		rides.GET("/current", h.CurrentRide)
		rides.GET("/:id", h.GetRide)
		rides.GET("/:id/offers", h.GetRideOffers)
		rides.POST("/:id/accept", h.AcceptRide)
		rides.POST("/:id/reject", h.RejectRide)
		rides.POST("/:id/cancel", h.CancelRide)
		rides.POST("/:id/complete", h.CompleteRide)
	}

	drivers := router.Group("/drivers")
	{
		drivers.GET("/me", h.GetDriverProfile)
		drivers.PUT("/me/status", h.UpdateDriverStatus)
		drivers.POST("/me/location", h.UpdateDriverLocation)
		drivers.GET("/nearby", h.NearbyDrivers)
	}
}

// CreateRide opens a new ride request for the caller
func (h *Handler) CreateRide(c *gin.Context) {
	passengerID, ok := common.RequireUserID(c, middleware.UserIDFromContext)
	if !ok {
		return
	}

	var req models.CreateRideRequest
	if !common.BindJSON(c, &req) {
		return
	}

	ride, err := h.service.CreateRequest(c.Request.Context(), passengerID, &req)
	if common.HandleServiceError(c, err, "failed to create ride") {
		return
	}
	common.CreatedResponse(c, ride)
}

// GetRide returns a single ride visible to the caller
func (h *Handler) GetRide(c *gin.Context) {
	userID, ok := common.RequireUserID(c, middleware.UserIDFromContext)
	if !ok {
		return
	}
	rideID, ok := common.ParseUUIDParam(c, "id", "ride ID")
	if !ok {
		return
	}

	ride, err := h.service.GetRide(c.Request.Context(), userID, rideID)
	if common.HandleServiceError(c, err, "failed to get ride") {
		return
	}
	common.SuccessResponse(c, ride)
}

// CurrentRide reports the caller's active ride, if any
func (h *Handler) CurrentRide(c *gin.Context) {
	userID, ok := common.RequireUserID(c, middleware.UserIDFromContext)
	if !ok {
		return
	}

	current, err := h.service.CurrentRide(c.Request.Context(), userID)
	if common.HandleServiceError(c, err, "failed to get current ride") {
		return
	}
	common.SuccessResponse(c, current)
}

// GetRideOffers returns the offer queue of the caller's ride
func (h *Handler) GetRideOffers(c *gin.Context) {
	userID, ok := common.RequireUserID(c, middleware.UserIDFromContext)
	if !ok {
		return
	}
	rideID, ok := common.ParseUUIDParam(c, "id", "ride ID")
	if !ok {
		return
	}

	offers, err := h.service.RideOffers(c.Request.Context(), userID, rideID)
	if common.HandleServiceError(c, err, "failed to get offers") {
		return
	}
	common.SuccessResponse(c, offers)
}

// AcceptRide records the calling driver's acceptance of their offer
func (h *Handler) AcceptRide(c *gin.Context) {
	driverID, ok := common.RequireUserID(c, middleware.UserIDFromContext)
	if !ok {
		return
	}
	rideID, ok := common.ParseUUIDParam(c, "id", "ride ID")
	if !ok {
		return
	}

	ride, err := h.service.AcceptOffer(c.Request.Context(), driverID, rideID)
	if common.HandleServiceError(c, err, "failed to accept ride") {
		return
	}
	common.SuccessResponse(c, ride)
}

// RejectRide records the calling driver's rejection of their offer
func (h *Handler) RejectRide(c *gin.Context) {
	driverID, ok := common.RequireUserID(c, middleware.UserIDFromContext)
	if !ok {
		return
	}
	rideID, ok := common.ParseUUIDParam(c, "id", "ride ID")
	if !ok {
		return
	}

	queuedNext, err := h.service.RejectOffer(c.Request.Context(), driverID, rideID)
	if common.HandleServiceError(c, err, "failed to reject ride") {
		return
	}
	common.SuccessResponse(c, gin.H{"rejected": true, "queued_next_driver": queuedNext})
}

// CancelRide cancels the caller's ride. Passengers can cancel pending
// or accepted rides; the assigned driver can cancel an accepted one.
// The body may carry a reason.
func (h *Handler) CancelRide(c *gin.Context) {
	userID, ok := common.RequireUserID(c, middleware.UserIDFromContext)
	if !ok {
		return
	}
	rideID, ok := common.ParseUUIDParam(c, "id", "ride ID")
	if !ok {
		return
	}

	var req models.CancelRideRequest
	if c.Request.ContentLength > 0 {
		if !common.BindJSON(c, &req) {
			return
		}
	}

	ctx := c.Request.Context()
	cancelled, err := h.service.CancelByPassenger(ctx, userID, rideID, req.Reason)
	if err == nil {
		common.SuccessResponse(c, cancelled)
		return
	}
	if appErr, isApp := common.AsAppError(err); isApp && appErr.ErrorCode == common.CodeUnauthorized {
		// Not the passenger; try as the assigned driver
		ride, err := h.service.CancelByDriver(ctx, userID, rideID, req.Reason)
		if common.HandleServiceError(c, err, "failed to cancel ride") {
			return
		}
		common.SuccessResponse(c, ride)
		return
	}
	common.HandleServiceError(c, err, "failed to cancel ride")
}

// CompleteRide finishes the calling driver's accepted ride
func (h *Handler) CompleteRide(c *gin.Context) {
	driverID, ok := common.RequireUserID(c, middleware.UserIDFromContext)
	if !ok {
		return
	}
	rideID, ok := common.ParseUUIDParam(c, "id", "ride ID")
	if !ok {
		return
	}

	ride, err := h.service.Complete(c.Request.Context(), driverID, rideID)
	if common.HandleServiceError(c, err, "failed to complete ride") {
		return
	}
	common.SuccessResponse(c, ride)
}

// GetDriverProfile returns the calling driver's dispatch profile
func (h *Handler) GetDriverProfile(c *gin.Context) {
	driverID, ok := common.RequireUserID(c, middleware.UserIDFromContext)
	if !ok {
		return
	}

	profile, err := h.service.DriverProfile(c.Request.Context(), driverID)
	if common.HandleServiceError(c, err, "failed to get driver profile") {
		return
	}
	common.SuccessResponse(c, profile)
}

// UpdateDriverStatus changes the calling driver's availability
func (h *Handler) UpdateDriverStatus(c *gin.Context) {
	driverID, ok := common.RequireUserID(c, middleware.UserIDFromContext)
	if !ok {
		return
	}

	var req models.UpdateDriverStatusRequest
	if !common.BindJSON(c, &req) {
		return
	}

	err := h.service.UpdateDriverStatus(c.Request.Context(), driverID, req.Status)
	if common.HandleServiceError(c, err, "failed to update driver status") {
		return
	}
	common.SuccessResponse(c, gin.H{"status": req.Status})
}

// UpdateDriverLocation ingests the calling driver's position report
func (h *Handler) UpdateDriverLocation(c *gin.Context) {
	driverID, ok := common.RequireUserID(c, middleware.UserIDFromContext)
	if !ok {
		return
	}

	var req models.UpdateDriverLocationRequest
	if !common.BindJSON(c, &req) {
		return
	}

	report, err := h.service.UpdateDriverLocation(c.Request.Context(), driverID, &req)
	if common.HandleServiceError(c, err, "failed to update driver location") {
		return
	}
	common.SuccessResponse(c, gin.H{
		"throttled":  report.Throttled,
		"tile":       report.Tile,
		"recipients": report.Recipients,
	})
}

// NearbyDrivers returns available drivers around a point, nearest
// first
func (h *Handler) NearbyDrivers(c *gin.Context) {
	if _, ok := common.RequireUserID(c, middleware.UserIDFromContext); !ok {
		return
	}

	lat, ok := common.ParseFloatQuery(c, "latitude", -90, 90)
	if !ok {
		return
	}
	lon, ok := common.ParseFloatQuery(c, "longitude", -180, 180)
	if !ok {
		return
	}
	radius := common.ParseFloatQueryDefault(c, "radius_m", h.service.cfg.DefaultBroadcastRadiusM)

	drivers, err := h.nearby.QueryNearby(c.Request.Context(), lat, lon, radius, h.service.cfg.MaxDriversPerRide)
	if common.HandleServiceError(c, err, "failed to query nearby drivers") {
		return
	}
	common.SuccessResponse(c, gin.H{"drivers": drivers, "count": len(drivers)})
}
