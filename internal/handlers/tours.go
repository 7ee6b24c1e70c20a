package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tourlingo/signaling/internal/diagnostics"
	"github.com/tourlingo/signaling/internal/errs"
	"github.com/tourlingo/signaling/internal/middleware"
	"github.com/tourlingo/signaling/internal/models"
	"github.com/tourlingo/signaling/internal/relay"
	"github.com/tourlingo/signaling/internal/tours"
)

// API bundles the REST handlers with their injected services.
type API struct {
	Tours *tours.Manager
	Relay *relay.Relay
	Diag  *diagnostics.Engine
	Log   zerolog.Logger
}

// StartTour creates a tour for the authenticated guide.
func (a *API) StartTour(c *gin.Context) {
	guideID := c.GetString(middleware.CtxUserID)

	var req models.StartTourRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tour, err := a.Tours.Start(c.Request.Context(), guideID, req.Languages, req.PrimaryLanguage)
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	c.JSON(http.StatusCreated, models.StartTourResponse{TourID: tour.ID, Code: tour.Code})
}

// EndTour ends the guide's active tour.
func (a *API) EndTour(c *gin.Context) {
	guideID := c.GetString(middleware.CtxUserID)
	tourID, err := a.Tours.End(c.Request.Context(), guideID)
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tourId": tourID})
}

// GetTour returns the tour record by code or id (public).
func (a *API) GetTour(c *gin.Context) {
	tour, err := a.Tours.Get(c.Request.Context(), c.Param("tourId"))
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	c.JSON(http.StatusOK, tour)
}

// SetStatus updates the guide's TTL-bound broadcast status.
func (a *API) SetStatus(c *gin.Context) {
	tour, err := a.requireOwnedTour(c)
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	var req models.SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.Tours.SetGuideStatus(c.Request.Context(), tour.ID, req.Status, req.Language); err != nil {
		respondError(c, a.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// AddLanguage extends the tour's language set.
func (a *API) AddLanguage(c *gin.Context) {
	tour, err := a.requireOwnedTour(c)
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	if err := a.Tours.AddLanguage(c.Request.Context(), tour.ID, c.Param("language")); err != nil {
		respondError(c, a.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"language": models.NormalizeLanguage(c.Param("language"))})
}

// RemoveLanguage drops a non-primary language from the tour.
func (a *API) RemoveLanguage(c *gin.Context) {
	tour, err := a.requireOwnedTour(c)
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	if err := a.Tours.RemoveLanguage(c.Request.Context(), tour.ID, c.Param("language")); err != nil {
		respondError(c, a.Log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// requireOwnedTour resolves the tour in the path and checks the caller is its
// guide.
func (a *API) requireOwnedTour(c *gin.Context) (*models.Tour, error) {
	tour, err := a.Tours.Get(c.Request.Context(), c.Param("tourId"))
	if err != nil {
		return nil, err
	}
	if tour.GuideID != c.GetString(middleware.CtxUserID) {
		return nil, errs.Unauthorized("only the tour's guide may do this")
	}
	return tour, nil
}
