package models

import "time"

// Tour status values. A tour is never physically deleted; it only flips from
// active to ended.
const (
	TourStatusActive = "active"
	TourStatusEnded  = "ended"
)

// Senders of ICE candidates. Each candidate sequence belongs to exactly one
// (sender, tour, attendee, language) coordinate.
const (
	SenderGuide    = "guide"
	SenderAttendee = "attendee"
)

// Guide broadcast status values. TTL-bound in the store so a crashed guide
// cannot be reported as broadcasting forever.
const (
	BroadcastStatusBroadcasting = "broadcasting"
	BroadcastStatusStopped      = "stopped"
	BroadcastStatusPaused       = "paused"
	BroadcastStatusError        = "error"
)

// Tour is the persisted record for one guide-led broadcast session.
type Tour struct {
	ID              string     `json:"id"`
	Code            string     `json:"code"`
	GuideID         string     `json:"guideId"`
	Status          string     `json:"status"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	PrimaryLanguage string     `json:"primaryLanguage"`
	Languages       []string   `json:"languages"`
}

// Offer is the stored session description for one (tour, language). A
// placeholder offer (Status == "pending") is written at tour start before the
// guide's real description exists; a real offer carries SDP.
type Offer struct {
	Status    string `json:"status,omitempty"`
	Type      string `json:"type,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Language  string `json:"language,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// OfferStatusPending marks a placeholder offer.
const OfferStatusPending = "pending"

// IsPlaceholder reports whether the offer is the synthetic pre-broadcast value.
func (o Offer) IsPlaceholder() bool {
	return o.Status == OfferStatusPending
}

// Answer is one attendee's session description, appended to the per-(tour,
// language) answer list. Answers are never deduplicated; renegotiation
// legitimately produces several answers from the same attendee.
type Answer struct {
	Answer     string    `json:"answer"`
	AttendeeID string    `json:"attendeeId"`
	Timestamp  time.Time `json:"timestamp"`
}

// AttendeeDetail is written once per attendee and not overwritten on rejoin.
type AttendeeDetail struct {
	Name     string    `json:"name"`
	Language string    `json:"language"`
	JoinTime time.Time `json:"joinTime"`
}

// GuideStatus is the TTL-bound broadcast status, stored per tour and
// redundantly per (tour, language).
type GuideStatus struct {
	Status    string    `json:"status"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StartTourRequest is the body for creating a tour.
type StartTourRequest struct {
	Languages       []string `json:"languages" binding:"required"`
	PrimaryLanguage string   `json:"primaryLanguage" binding:"required"`
}

// StartTourResponse returns the new tour's identity and shareable code.
type StartTourResponse struct {
	TourID string `json:"tourId"`
	Code   string `json:"code"`
}

// SetStatusRequest is the body for updating the guide broadcast status.
type SetStatusRequest struct {
	Status   string `json:"status" binding:"required"`
	Language string `json:"language,omitempty"`
}

// PutCandidateResponse reports the outcome of a candidate submission. A
// duplicate submission is a successful no-op, not an error.
type PutCandidateResponse struct {
	Duplicate bool  `json:"duplicate"`
	Count     int64 `json:"count"`
}
