package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// PutOffer stores the guide's offer for one language. The body is the raw
// offer payload; the relay validates the session-description marker and
// enforces replace-if-placeholder.
func (a *API) PutOffer(c *gin.Context) {
	tour, err := a.requireOwnedTour(c)
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil || len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offer payload required"})
		return
	}
	stored, err := a.Relay.PutOffer(c.Request.Context(), tour.ID, c.Param("language"), payload)
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stored": stored})
}

// GetOffer resolves a tour code, returns the stored offer for the language,
// and registers the requesting attendee.
func (a *API) GetOffer(c *gin.Context) {
	offer, err := a.Relay.GetOffer(c.Request.Context(),
		c.Param("tourCode"), c.Param("language"),
		c.Query("attendeeId"), c.Query("name"))
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

type putAnswerRequest struct {
	AttendeeID string `json:"attendeeId" binding:"required"`
	Answer     string `json:"answer" binding:"required"`
}

// PutAnswer appends an attendee's answer.
func (a *API) PutAnswer(c *gin.Context) {
	var req putAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	count, err := a.Relay.PutAnswer(c.Request.Context(),
		c.Param("tourId"), c.Param("language"), req.AttendeeID, req.Answer)
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// GetAnswers returns the full answer sequence for the guide to poll.
func (a *API) GetAnswers(c *gin.Context) {
	answers, err := a.Relay.GetAnswers(c.Request.Context(), c.Param("tourId"), c.Param("language"))
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"answers": answers, "count": len(answers)})
}

type putCandidateRequest struct {
	Candidate string `json:"candidate" binding:"required"`
}

// PutCandidate appends an ICE candidate; a duplicate submission is a
// successful no-op reported as duplicate=true.
func (a *API) PutCandidate(c *gin.Context) {
	var req putCandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := a.Relay.PutIceCandidate(c.Request.Context(),
		c.Param("sender"), c.Param("tourId"), c.Param("attendeeId"),
		c.Param("language"), req.Candidate)
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetCandidates returns the candidate sequence, optionally only entries after
// the first `since` already seen by the caller.
func (a *API) GetCandidates(c *gin.Context) {
	since, _ := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	candidates, err := a.Relay.GetIceCandidates(c.Request.Context(),
		c.Param("sender"), c.Param("tourId"), c.Param("attendeeId"),
		c.Param("language"), since)
	if err != nil {
		respondError(c, a.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates, "count": len(candidates)})
}
