package deposit

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"depositguard/internal/auth"
	"depositguard/internal/booking"
	"depositguard/internal/processor"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

type rescheduleRequest struct {
	NewStartTime time.Time `json:"new_start_time" binding:"required"`
}

type flagIssueRequest struct {
	Description string `json:"description" binding:"required,min=10,max=2000"`
}

func bookingIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid booking ID"})
		return 0, false
	}
	return id, true
}

// CreateIntent godoc
// @Summary      Create or fetch the deposit intent for a booking
// @Description  Idempotent. Repeat calls return the existing intent.
// @Tags         deposits
// @Security     BearerAuth
// @Produce      json
// @Param        id  path      int  true  "Booking ID"
// @Success      200  {object}  Intent
// @Failure      404  {object}  gin.H
// @Failure      409  {object}  gin.H
// @Failure      422  {object}  gin.H
// @Failure      502  {object}  gin.H
// @Router       /bookings/{id}/deposit/intent [post]
func (h *Handler) CreateIntent(c *gin.Context) {
	userID, exists := auth.GetUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	bookingID, ok := bookingIDParam(c)
	if !ok {
		return
	}

	intent, err := h.service.CreateOrGetIntent(c.Request.Context(), bookingID, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, intent)
}

// Reschedule godoc
// @Summary      Reschedule a booking
// @Description  Applies the provider's retention policy when inside the no-reschedule window.
// @Tags         deposits
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      int                true  "Booking ID"
// @Param        request  body      rescheduleRequest  true  "New start time"
// @Success      200      {object}  RescheduleOutcome
// @Failure      404      {object}  gin.H
// @Failure      409      {object}  gin.H
// @Router       /bookings/{id}/reschedule [post]
func (h *Handler) Reschedule(c *gin.Context) {
	userID, exists := auth.GetUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	bookingID, ok := bookingIDParam(c)
	if !ok {
		return
	}

	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.NewStartTime.Before(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "New start time must be in the future"})
		return
	}

	outcome, err := h.service.RecordReschedule(c.Request.Context(), bookingID, req.NewStartTime, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// MarkCompleted godoc
// @Summary      Provider marks the service as done
// @Description  Starts the confirmation window; the deposit auto-releases when it lapses.
// @Tags         deposits
// @Security     BearerAuth
// @Produce      json
// @Param        id  path      int  true  "Booking ID"
// @Success      200  {object}  booking.BookingRequest
// @Failure      404  {object}  gin.H
// @Failure      409  {object}  gin.H
// @Router       /bookings/{id}/complete [post]
func (h *Handler) MarkCompleted(c *gin.Context) {
	userID, exists := auth.GetUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	bookingID, ok := bookingIDParam(c)
	if !ok {
		return
	}

	b, err := h.service.MarkCompleted(c.Request.Context(), bookingID, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, b)
}

// Confirm godoc
// @Summary      Customer confirms completion
// @Description  Releases the deposit to the provider.
// @Tags         deposits
// @Security     BearerAuth
// @Produce      json
// @Param        id  path      int  true  "Booking ID"
// @Success      200  {object}  api.MessageResponse
// @Failure      404  {object}  gin.H
// @Failure      409  {object}  gin.H
// @Router       /bookings/{id}/confirm [post]
func (h *Handler) Confirm(c *gin.Context) {
	userID, exists := auth.GetUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	bookingID, ok := bookingIDParam(c)
	if !ok {
		return
	}

	if err := h.service.ConfirmCompletion(c.Request.Context(), bookingID, userID); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Completion confirmed, deposit released"})
}

// FlagIssue godoc
// @Summary      Customer reports a problem with the service
// @Description  Places the deposit on hold and cancels the pending auto-release.
// @Tags         deposits
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      int               true  "Booking ID"
// @Param        request  body      flagIssueRequest  true  "Issue description"
// @Success      200      {object}  api.MessageResponse
// @Failure      404      {object}  gin.H
// @Failure      409      {object}  gin.H
// @Router       /bookings/{id}/flag [post]
func (h *Handler) FlagIssue(c *gin.Context) {
	userID, exists := auth.GetUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	bookingID, ok := bookingIDParam(c)
	if !ok {
		return
	}

	var req flagIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.FlagIssue(c.Request.Context(), bookingID, req.Description, userID); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Issue recorded, deposit on hold"})
}

// Resolve godoc
// @Summary      Admin resolves a disputed booking
// @Description  Action is release, refund, or split. Split requires a refund_amount strictly between zero and the held amount.
// @Tags         admin
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      int         true  "Booking ID"
// @Param        request  body      Resolution  true  "Resolution"
// @Success      200      {object}  api.MessageResponse
// @Failure      404      {object}  gin.H
// @Failure      409      {object}  gin.H
// @Router       /admin/bookings/{id}/resolve [post]
func (h *Handler) Resolve(c *gin.Context) {
	adminID, exists := auth.GetUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	bookingID, ok := bookingIDParam(c)
	if !ok {
		return
	}

	var res Resolution
	if err := c.ShouldBindJSON(&res); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res.AdminID = adminID

	if err := h.service.AdminResolve(c.Request.Context(), bookingID, res); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Dispute resolved"})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, booking.ErrBookingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Booking not found"})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, booking.ErrStaleState):
		c.JSON(http.StatusConflict, gin.H{"error": "Booking is not in a state that allows this action"})
	case errors.Is(err, ErrNotBookingCustomer), errors.Is(err, ErrNotBookingProvider):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrProviderNotPayable), errors.Is(err, ErrDepositDisabled):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidRefundAmount), errors.Is(err, ErrUnknownResolution):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, processor.ErrProcessorUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Payment processor unavailable, try again"})
	case errors.Is(err, processor.ErrProcessorDeclined):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Payment processor declined the operation"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
