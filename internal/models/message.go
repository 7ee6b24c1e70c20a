package models

import "encoding/json"

// SignalType represents the type of a push-transport signaling message.
type SignalType string

const (
	SignalTypeOffer               SignalType = "offer"
	SignalTypeAnswer              SignalType = "answer"
	SignalTypeCandidate           SignalType = "ice-candidate"
	SignalTypeCandidateBatch      SignalType = "ice-candidate-batch"
	SignalTypeBatchAck            SignalType = "batch-ack"
	SignalTypePing                SignalType = "ping"
	SignalTypePong                SignalType = "pong"
	SignalTypeConnectionConfirmed SignalType = "connection-confirmed"
	SignalTypeError               SignalType = "error"
)

// SignalMessage is one message on the WebSocket transport. Messages are scoped
// to a room keyed by (tourId, language); a sender's message is forwarded to
// all other room members and never echoed back to itself.
type SignalMessage struct {
	Type       SignalType      `json:"type"`
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	TourID     string          `json:"tourId,omitempty"`
	Language   string          `json:"language,omitempty"`
	AttendeeID string          `json:"attendeeId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Candidates []string        `json:"candidates,omitempty"`
	BatchID    int64           `json:"batchId,omitempty"`
	Processed  int             `json:"processed,omitempty"`
	Errored    int             `json:"errored,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ConnectionConfirmation advertises server capabilities to a freshly
// connected peer.
type ConnectionConfirmation struct {
	PeerID        string `json:"peerId"`
	TourID        string `json:"tourId"`
	Language      string `json:"language"`
	BatchingMax   int    `json:"batchingMax"`
	BatchingDelay string `json:"batchingDelay"`
}
