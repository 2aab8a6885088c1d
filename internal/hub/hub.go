// Package hub manages the live websocket connections of every room. It maps
// connections to participant identities, fans event sets out to the right
// audiences, and turns transport failures into disconnect notifications.
// Outbound delivery is fire-and-forget: a slow or dead connection never
// stalls the room coordinator or other connections.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quizpulse/internal/domain"
	"quizpulse/internal/room"
)

const sendBuffer = 32

// Hub tracks connections per room and implements the room's event sink.
type Hub struct {
	log *zap.Logger

	mu    sync.RWMutex
	conns map[string]map[*Conn]struct{}
}

// New creates an empty hub.
func New(log *zap.Logger) *Hub {
	return &Hub{
		log:   log,
		conns: make(map[string]map[*Conn]struct{}),
	}
}

type outboundMessage struct {
	Type    domain.EventType `json:"type"`
	Payload any              `json:"payload"`
}

type inboundMessage struct {
	Type    domain.ActionType `json:"type"`
	Payload json.RawMessage   `json:"payload"`
}

// Conn is one live websocket tied to a (room, participant) identity.
type Conn struct {
	id            string
	participantID string
	isHost        bool
	room          *room.Room
	sock          *websocket.Conn
	send          chan []byte
	hub           *Hub
	log           *zap.Logger
}

// Attach registers a connection with its room and starts the write pump.
// The caller must run Serve on its own goroutine (or inline) afterwards.
func (h *Hub) Attach(r *room.Room, participantID string, isHost bool, sock *websocket.Conn) *Conn {
	c := &Conn{
		id:            uuid.NewString(),
		participantID: participantID,
		isHost:        isHost,
		room:          r,
		sock:          sock,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
	}
	c.log = h.log.With(
		zap.String("room", r.Code()),
		zap.String("conn", c.id),
		zap.String("participant", participantID),
		zap.Bool("host", isHost))

	h.mu.Lock()
	set, ok := h.conns[r.Code()]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[r.Code()] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	r.Touch()
	go c.writePump()
	return c
}

// Deliver routes an event set to its audiences. Sends are non-blocking; a
// connection whose buffer is full simply misses the message and catches up
// through state_sync on reconnect.
func (h *Hub) Deliver(roomCode string, events []domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set, ok := h.conns[roomCode]
	if !ok {
		return
	}
	for _, event := range events {
		data, err := json.Marshal(outboundMessage{Type: event.Type, Payload: event.Payload})
		if err != nil {
			h.log.Error("marshal event", zap.String("type", string(event.Type)), zap.Error(err))
			continue
		}
		for c := range set {
			if !c.wants(event.Audience) {
				continue
			}
			select {
			case c.send <- data:
			default:
				c.log.Warn("send buffer full, dropping event", zap.String("type", string(event.Type)))
			}
		}
	}
}

// ConnectionCount reports the number of live connections in a room.
func (h *Hub) ConnectionCount(roomCode string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[roomCode])
}

func (c *Conn) wants(a domain.Audience) bool {
	switch a.Kind {
	case domain.AudienceBroadcast:
		return true
	case domain.AudienceHost:
		return c.isHost
	case domain.AudienceParticipant:
		return c.participantID == a.ParticipantID
	default:
		return false
	}
}

// Serve reads inbound messages until the connection dies, then marks the
// participant disconnected. Blocks; run it on the connection's goroutine.
func (c *Conn) Serve() {
	defer func() {
		c.hub.detach(c)
		c.room.HandleDisconnect(c.participantID, c.isHost)
		_ = c.sock.Close()
	}()

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("connection lost", zap.Error(err))
			}
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Protocol errors are non-fatal; the socket stays open.
			c.sendError(domain.ErrMalformedMessage)
			continue
		}
		c.handle(msg)
	}
}

// handle dispatches one inbound action. A panic while processing aborts only
// this action: the session stays in its last consistent state and the host
// gets a diagnostic event.
func (c *Conn) handle(msg inboundMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("action processing panicked",
				zap.String("action", string(msg.Type)),
				zap.Any("panic", rec))
			c.hub.Deliver(c.room.Code(), []domain.Event{{
				Audience: domain.HostOnly(),
				Type:     domain.EventError,
				Payload:  domain.ErrorPayload{Code: "internal", Message: "internal error while processing " + string(msg.Type)},
			}})
		}
	}()

	var err error
	switch msg.Type {
	case domain.ActionJoin:
		var payload domain.JoinPayload
		if err = decode(msg.Payload, &payload); err == nil {
			err = c.room.Join(c.participantID, payload.Nickname, c.isHost)
		}
	case domain.ActionStartGame:
		err = c.room.StartGame(c.isHost)
	case domain.ActionNextQuestion:
		err = c.room.NextQuestion(c.isHost)
	case domain.ActionForceSubmit:
		err = c.room.ForceSubmit(c.isHost)
	case domain.ActionSubmitAnswer:
		var payload domain.SubmitAnswerPayload
		if err = decode(msg.Payload, &payload); err == nil {
			err = c.room.SubmitAnswer(c.participantID, payload.QuestionID, payload.OptionIdx)
		}
	case domain.ActionClearAnswer:
		var payload domain.ClearAnswerPayload
		if err = decode(msg.Payload, &payload); err == nil {
			err = c.room.ClearAnswer(c.participantID, payload.QuestionID)
		}
	case domain.ActionSubmitTest:
		err = c.room.MarkComplete(c.participantID)
	case domain.ActionLogViolation:
		var payload domain.LogViolationPayload
		if err = decode(msg.Payload, &payload); err == nil {
			err = c.room.LogViolation(c.participantID, payload.Kind, payload.Count)
		}
	case domain.ActionGameOver:
		err = c.room.EndGame(c.isHost)
	default:
		err = domain.ErrMalformedMessage
	}
	if err != nil {
		// Validation errors go back to the originator only and never mutate
		// session state.
		c.sendError(err)
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return domain.ErrMalformedMessage
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.ErrMalformedMessage
	}
	return nil
}

func (c *Conn) sendError(err error) {
	data, merr := json.Marshal(outboundMessage{
		Type:    domain.EventError,
		Payload: domain.ErrorPayload{Code: domain.ErrorCode(err), Message: err.Error()},
	})
	if merr != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Conn) writePump() {
	for data := range c.send {
		if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Debug("write failed", zap.Error(err))
			return
		}
	}
	_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
}

// detach removes the connection; closing the send channel here is safe
// because Deliver only sends while holding the read lock.
func (h *Hub) detach(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.room.Code()]
	if !ok {
		return
	}
	if _, in := set[c]; !in {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.conns, c.room.Code())
	}
}
