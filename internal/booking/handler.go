package booking

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"depositguard/internal/auth"
	"depositguard/internal/provider"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
)

type Handler struct {
	repo      Repository
	providers provider.Repository
}

func NewHandler(db *sqlx.DB) *Handler {
	return &Handler{
		repo:      NewRepository(db),
		providers: provider.NewRepository(db),
	}
}

type CreateBookingRequest struct {
	ProviderID  int64     `json:"provider_id" binding:"required,gt=0"`
	ClientName  string    `json:"client_name" binding:"required,min=2,max=100"`
	ClientPhone string    `json:"client_phone" binding:"omitempty,max=30"`
	ClientEmail string    `json:"client_email" binding:"required,email"`
	StartTime   time.Time `json:"start_time" binding:"required"`
	EndTime     time.Time `json:"end_time" binding:"required"`
}

// Create godoc
// @Summary      Create a booking
// @Description  Books a slot with a provider. The deposit amount and currency come from the provider's policy.
// @Tags         bookings
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        request  body      CreateBookingRequest  true  "Booking data"
// @Success      201      {object}  BookingRequest
// @Failure      400      {object}  gin.H
// @Failure      404      {object}  gin.H
// @Router       /bookings [post]
func (h *Handler) Create(c *gin.Context) {
	userID, exists := auth.GetUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.EndTime.After(req.StartTime) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "End time must be after start time"})
		return
	}
	if req.StartTime.Before(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Start time must be in the future"})
		return
	}

	prof, err := h.providers.GetByUserID(c.Request.Context(), req.ProviderID)
	if err != nil {
		if errors.Is(err, provider.ErrProfileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Provider not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	// Amount and currency travel together; both come from the policy.
	currency := prof.DepositCurrency
	if currency == "" {
		currency = "EUR"
	}

	b := &BookingRequest{
		ProviderID:  req.ProviderID,
		CustomerID:  userID,
		ClientName:  req.ClientName,
		ClientPhone: req.ClientPhone,
		ClientEmail: req.ClientEmail,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,

		DepositCurrency: currency,
	}
	if prof.DepositEnabled {
		b.DepositAmount = prof.DepositAmount
	}

	created, err := h.repo.CreateBooking(c.Request.Context(), b)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create booking"})
		return
	}

	c.JSON(http.StatusCreated, created)
}

// Get godoc
// @Summary      Get a booking
// @Tags         bookings
// @Security     BearerAuth
// @Produce      json
// @Param        id  path      int  true  "Booking ID"
// @Success      200  {object}  BookingRequest
// @Failure      403  {object}  gin.H
// @Failure      404  {object}  gin.H
// @Router       /bookings/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	b, ok := h.authorizedBooking(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, b)
}

// GetEvents godoc
// @Summary      Get a booking's audit trail
// @Description  Returns the append-only event log, oldest first.
// @Tags         bookings
// @Security     BearerAuth
// @Produce      json
// @Param        id  path      int  true  "Booking ID"
// @Success      200  {array}   BookingEvent
// @Failure      403  {object}  gin.H
// @Failure      404  {object}  gin.H
// @Router       /bookings/{id}/events [get]
func (h *Handler) GetEvents(c *gin.Context) {
	b, ok := h.authorizedBooking(c)
	if !ok {
		return
	}

	events, err := h.repo.GetEvents(c.Request.Context(), b.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load events"})
		return
	}

	c.JSON(http.StatusOK, events)
}

// authorizedBooking loads the booking and checks the caller is its customer,
// its provider, or an admin.
func (h *Handler) authorizedBooking(c *gin.Context) (*BookingRequest, bool) {
	userID, exists := auth.GetUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return nil, false
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid booking ID"})
		return nil, false
	}

	b, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Booking not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return nil, false
	}

	role, _ := auth.GetUserRole(c)
	if b.CustomerID != userID && b.ProviderID != userID && role != auth.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not your booking"})
		return nil, false
	}

	return b, true
}
