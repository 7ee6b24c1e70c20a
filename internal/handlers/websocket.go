package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tourlingo/signaling/internal/batch"
	"github.com/tourlingo/signaling/internal/events"
	"github.com/tourlingo/signaling/internal/health"
	"github.com/tourlingo/signaling/internal/metrics"
	"github.com/tourlingo/signaling/internal/models"
	"github.com/tourlingo/signaling/internal/relay"
	"github.com/tourlingo/signaling/internal/tours"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub owns the push-transport state: the room registry, the per-connection
// batchers, and the health monitor hooks. Constructed at transport start and
// torn down with it; no package-level registries.
type Hub struct {
	Tours   *tours.Manager
	Relay   *relay.Relay
	Health  *health.Monitor
	Events  *events.Emitter
	Metrics *metrics.Metrics
	Log     zerolog.Logger

	BatchMaxSize int
	BatchDelay   time.Duration

	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewHub(tm *tours.Manager, rl *relay.Relay, hm *health.Monitor, em *events.Emitter, mx *metrics.Metrics, batchMax int, batchDelay time.Duration, log zerolog.Logger) *Hub {
	if batchMax <= 0 {
		batchMax = batch.DefaultMaxSize
	}
	if batchDelay <= 0 {
		batchDelay = batch.DefaultDelay
	}
	return &Hub{
		Tours:        tm,
		Relay:        rl,
		Health:       hm,
		Events:       em,
		Metrics:      mx,
		Log:          log.With().Str("component", "ws").Logger(),
		BatchMaxSize: batchMax,
		BatchDelay:   batchDelay,
		rooms:        make(map[string]*Room),
	}
}

// Room is the named channel for one (tourId, language). A sender's message is
// forwarded to all other members, never echoed back.
type Room struct {
	TourID   string
	Language string
	Peers    map[string]*Client
	mu       sync.RWMutex
}

// Client is one WebSocket peer. Its candidate batcher is owned exclusively by
// this connection.
type Client struct {
	ID         string
	TourID     string
	Language   string
	Role       string
	AttendeeID string
	Conn       *websocket.Conn
	Send       chan []byte
	batcher    *batch.Batcher
}

// HandleSignaling upgrades the connection and joins the (tour, language)
// room. Query params: role (guide|attendee, default attendee), attendeeId.
func (h *Hub) HandleSignaling(c *gin.Context) {
	lang := models.NormalizeLanguage(c.Param("language"))
	tour, err := h.Tours.Get(c.Request.Context(), c.Param("tourId"))
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	if tour.Status != models.TourStatusActive {
		c.JSON(http.StatusNotFound, gin.H{"error": "tour has ended"})
		return
	}
	langs, err := h.Tours.Languages(c.Request.Context(), tour.ID)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	supported := false
	for _, l := range langs {
		if l == lang {
			supported = true
			break
		}
	}
	if !supported {
		c.JSON(http.StatusNotFound, gin.H{"error": "language not offered by this tour"})
		return
	}

	role := c.DefaultQuery("role", models.SenderAttendee)
	if role != models.SenderGuide && role != models.SenderAttendee {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be guide or attendee"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		ID:         uuid.New().String(),
		TourID:     tour.ID,
		Language:   lang,
		Role:       role,
		AttendeeID: c.Query("attendeeId"),
		Conn:       conn,
		Send:       make(chan []byte, 256),
	}
	client.batcher = batch.New(h.BatchMaxSize, h.BatchDelay, func(batchID int64, candidates []string) {
		client.queue(models.SignalMessage{
			Type:       models.SignalTypeCandidateBatch,
			TourID:     tour.ID,
			Language:   lang,
			Candidates: candidates,
			BatchID:    batchID,
		}, h.Log)
	}, h.Metrics)

	room := h.getOrCreateRoom(tour.ID, lang)
	room.addClient(client)
	h.Health.Track(client.ID)

	h.Log.Info().Str("peer_id", client.ID).Str("tour_id", tour.ID).
		Str("language", lang).Str("role", role).Msg("peer joined signaling room")

	client.queue(models.SignalMessage{
		Type:     models.SignalTypeConnectionConfirmed,
		To:       client.ID,
		TourID:   tour.ID,
		Language: lang,
		Payload:  mustJSON(models.ConnectionConfirmation{
			PeerID:        client.ID,
			TourID:        tour.ID,
			Language:      lang,
			BatchingMax:   h.BatchMaxSize,
			BatchingDelay: h.BatchDelay.String(),
		}),
	}, h.Log)

	go client.writePump()
	go h.readPump(client, room)
}

func (h *Hub) getOrCreateRoom(tourID, lang string) *Room {
	key := tourID + "|" + lang
	h.mu.Lock()
	defer h.mu.Unlock()
	room, exists := h.rooms[key]
	if !exists {
		room = &Room{TourID: tourID, Language: lang, Peers: make(map[string]*Client)}
		h.rooms[key] = room
		h.Log.Debug().Str("tour_id", tourID).Str("language", lang).Msg("room created")
	}
	return room
}

func (h *Hub) removeClient(room *Room, client *Client) {
	room.mu.Lock()
	delete(room.Peers, client.ID)
	empty := len(room.Peers) == 0
	room.mu.Unlock()

	if empty {
		h.mu.Lock()
		delete(h.rooms, room.TourID+"|"+room.Language)
		h.mu.Unlock()
	}
}

func (r *Room) addClient(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Peers[client.ID] = client
}

// recipients resolves the delivery set for a message: the addressed peer, or
// every member except the sender.
func (r *Room) recipients(to, senderID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if to != "" {
		if c, ok := r.Peers[to]; ok && c.ID != senderID {
			return []*Client{c}
		}
		return nil
	}
	out := make([]*Client, 0, len(r.Peers))
	for id, c := range r.Peers {
		if id != senderID {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) readPump(c *Client, room *Room) {
	defer func() {
		// Forced flush before teardown so candidates accepted just before
		// disconnect are not lost; Close also cancels the pending timer.
		c.batcher.Close()
		h.removeClient(room, c)
		h.Health.Untrack(c.ID)
		c.Conn.Close()
		if c.Role == models.SenderAttendee && c.AttendeeID != "" {
			h.Events.Emit(context.Background(), events.Event{
				Name:       events.AttendeeLeft,
				TourID:     c.TourID,
				AttendeeID: c.AttendeeID,
				Language:   c.Language,
			})
		}
		h.Log.Info().Str("peer_id", c.ID).Str("tour_id", c.TourID).Msg("peer left signaling room")
	}()

	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		h.Health.Touch(c.ID)
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.Log.Error().Err(err).Str("peer_id", c.ID).Msg("websocket error")
			}
			break
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.Log.Error().Err(err).Str("peer_id", c.ID).Msg("failed to parse message")
			continue
		}
		msg.From = c.ID
		msg.TourID = c.TourID
		msg.Language = c.Language

		h.route(c, room, msg)
	}
}

func (h *Hub) route(c *Client, room *Room, msg models.SignalMessage) {
	ctx := context.Background()
	switch msg.Type {
	case models.SignalTypePing:
		h.Health.Touch(c.ID)
		c.queue(models.SignalMessage{Type: models.SignalTypePong, To: c.ID}, h.Log)

	case models.SignalTypePong:
		h.Health.Touch(c.ID)

	case models.SignalTypeBatchAck:
		c.batcher.Ack(msg.BatchID, msg.Processed, msg.Errored)

	case models.SignalTypeOffer:
		if c.Role == models.SenderGuide && len(msg.Payload) > 0 {
			if _, err := h.Relay.PutOffer(ctx, c.TourID, c.Language, msg.Payload); err != nil {
				h.sendError(c, err)
				return
			}
		}
		h.forward(room, msg)

	case models.SignalTypeAnswer:
		attendeeID := msg.AttendeeID
		if attendeeID == "" {
			attendeeID = c.AttendeeID
		}
		if attendeeID != "" && len(msg.Payload) > 0 {
			if _, err := h.Relay.PutAnswer(ctx, c.TourID, c.Language, attendeeID, string(msg.Payload)); err != nil {
				h.sendError(c, err)
				return
			}
		}
		h.forward(room, msg)

	case models.SignalTypeCandidate:
		h.Health.Touch(c.ID)
		attendeeID := msg.AttendeeID
		if attendeeID == "" {
			attendeeID = c.AttendeeID
		}
		candidate := string(msg.Payload)
		if attendeeID != "" && candidate != "" {
			if _, err := h.Relay.PutIceCandidate(ctx, c.Role, c.TourID, attendeeID, c.Language, candidate); err != nil {
				h.sendError(c, err)
				return
			}
		}
		// Candidates are delivered through each recipient's batcher so
		// bursts amortize into ice-candidate-batch messages.
		for _, peer := range room.recipients(msg.To, c.ID) {
			peer.batcher.Add(candidate)
		}

	default:
		h.Log.Warn().Str("type", string(msg.Type)).Str("peer_id", c.ID).Msg("unknown message type")
	}
}

// forward delivers msg directly (unbatched) to its recipients.
func (h *Hub) forward(room *Room, msg models.SignalMessage) {
	for _, peer := range room.recipients(msg.To, msg.From) {
		peer.queue(msg, h.Log)
	}
}

func (h *Hub) sendError(c *Client, err error) {
	h.Log.Error().Err(err).Str("peer_id", c.ID).Str("tour_id", c.TourID).Msg("relay write failed")
	c.queue(models.SignalMessage{Type: models.SignalTypeError, Error: "signaling write failed"}, h.Log)
}

func (c *Client) queue(msg models.SignalMessage, log zerolog.Logger) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message")
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Warn().Str("peer_id", c.ID).Msg("send buffer full, message dropped")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
