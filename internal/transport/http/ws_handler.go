package http

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quizpulse/internal/auth"
	"quizpulse/internal/domain"
	"quizpulse/internal/hub"
	"quizpulse/internal/room"
)

// WSHandler upgrades connections and wires them into a room via the hub.
type WSHandler struct {
	registry *room.Registry
	hub      *hub.Hub
	tokens   *auth.TokenService
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(registry *room.Registry, h *hub.Hub, tokens *auth.TokenService, log *zap.Logger) *WSHandler {
	return &WSHandler{
		registry: registry,
		hub:      h,
		tokens:   tokens,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS accepts /ws?room=CODE&participantId=ID[&hostToken=...]. The host
// identity is resolved here, before anything reaches the coordinator.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomCode := r.URL.Query().Get("room")
	participantID := r.URL.Query().Get("participantId")
	hostToken := r.URL.Query().Get("hostToken")

	if roomCode == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	rm, ok := h.registry.Get(roomCode)
	if !ok {
		http.Error(w, domain.ErrRoomNotFound.Error(), http.StatusNotFound)
		return
	}

	isHost := false
	if hostToken != "" {
		if err := h.tokens.VerifyHostToken(hostToken, roomCode); err != nil {
			http.Error(w, "invalid host token", http.StatusUnauthorized)
			return
		}
		isHost = true
	}
	if participantID == "" {
		if !isHost {
			http.Error(w, "missing participantId", http.StatusBadRequest)
			return
		}
		participantID = "host-" + uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c := h.hub.Attach(rm, participantID, isHost, conn)
	c.Serve()
}
