package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Diagnose runs the read-only relay-state analysis for one (tour, language).
func (a *API) Diagnose(c *gin.Context) {
	tour, err := a.requireOwnedTour(c)
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	report, err := a.Diag.Inspect(c.Request.Context(), tour.ID, c.Param("language"), c.Query("attendeeId"))
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Repair applies the idempotent repair set. Nothing to repair is a successful
// empty result.
func (a *API) Repair(c *gin.Context) {
	tour, err := a.requireOwnedTour(c)
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	result, err := a.Diag.Repair(c.Request.Context(), tour.ID, c.Param("language"), c.Query("attendeeId"))
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
