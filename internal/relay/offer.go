package relay

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tourlingo/signaling/internal/models"
)

// sdpMarker is the session-description marker a real offer must carry; every
// SDP body starts with a version line.
const sdpMarker = "v="

type offerKind int

const (
	offerInvalid offerKind = iota
	offerPlaceholder
	offerReal
)

// classifyOffer decides whether a payload is a placeholder, a real offer, or
// unusable. A recognizable corruption pattern (the whole JSON arriving
// double-encoded, markers escaped) gets one repair attempt before rejection.
func classifyOffer(payload []byte) (offerKind, []byte) {
	kind := classifyOnce(payload)
	if kind != offerInvalid {
		return kind, payload
	}

	// Repair attempt: payload arrived as a JSON string of JSON.
	var inner string
	if err := json.Unmarshal(payload, &inner); err == nil {
		if kind := classifyOnce([]byte(inner)); kind != offerInvalid {
			return kind, []byte(inner)
		}
	}
	if repaired, err := strconv.Unquote(`"` + strings.Trim(string(payload), `"`) + `"`); err == nil {
		if kind := classifyOnce([]byte(repaired)); kind != offerInvalid {
			return kind, []byte(repaired)
		}
	}
	return offerInvalid, payload
}

func classifyOnce(payload []byte) offerKind {
	var offer models.Offer
	if err := json.Unmarshal(payload, &offer); err != nil {
		return offerInvalid
	}
	if offer.IsPlaceholder() {
		return offerPlaceholder
	}
	if strings.Contains(offer.SDP, sdpMarker) {
		return offerReal
	}
	return offerInvalid
}
