package provider

import (
	"net/http"

	"depositguard/internal/api"
	"depositguard/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
)

type Handler struct {
	repo Repository
}

func NewHandler(db *sqlx.DB) *Handler {
	return &Handler{repo: NewRepository(db)}
}

// UpsertProfile godoc
// @Summary      Create or update provider profile
// @Description  Sets the provider's payable account and deposit policy.
// @Tags         provider
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        request  body      UpsertProfileRequest  true  "Profile data"
// @Success      200      {object}  Profile
// @Failure      400      {object}  gin.H
// @Failure      500      {object}  gin.H
// @Router       /provider/profile [put]
func (h *Handler) UpsertProfile(c *gin.Context) {
	userID, exists := auth.GetUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req UpsertProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if verrs := api.ValidateStruct(req); len(verrs) > 0 {
		api.RespondWithValidationErrors(c, verrs)
		return
	}

	currency := req.DepositCurrency
	if currency == "" {
		currency = "EUR"
	}

	profile := &Profile{
		UserID:                  userID,
		BusinessName:            req.BusinessName,
		Chargeable:              req.ProcessorAccountID != "",
		DepositEnabled:          req.DepositEnabled,
		DepositAmount:           req.DepositAmount,
		DepositCurrency:         currency,
		NoRescheduleWindowHours: req.NoRescheduleWindowHours,
		RetainPctFirst:          req.RetainPctFirst,
		RetainPctSecond:         req.RetainPctSecond,
		RetainPctCap:            req.RetainPctCap,
	}
	if req.ProcessorAccountID != "" {
		profile.ProcessorAccountID = &req.ProcessorAccountID
	}

	saved, err := h.repo.Upsert(c.Request.Context(), profile)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save profile"})
		return
	}

	c.JSON(http.StatusOK, saved)
}

// GetProfile godoc
// @Summary      Get own provider profile
// @Tags         provider
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  Profile
// @Failure      404  {object}  gin.H
// @Router       /provider/profile [get]
func (h *Handler) GetProfile(c *gin.Context) {
	userID, exists := auth.GetUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	profile, err := h.repo.GetByUserID(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Profile not found"})
		return
	}

	c.JSON(http.StatusOK, profile)
}
