package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"quizpulse/internal/auth"
	"quizpulse/internal/domain"
	"quizpulse/internal/room"
)

// RoomsHandler exposes room creation to the (already authenticated) host UI.
type RoomsHandler struct {
	registry    *room.Registry
	tokens      *auth.TokenService
	defaultMode domain.Mode
	log         *zap.Logger
}

func NewRoomsHandler(registry *room.Registry, tokens *auth.TokenService, defaultMode domain.Mode, log *zap.Logger) *RoomsHandler {
	return &RoomsHandler{
		registry:    registry,
		tokens:      tokens,
		defaultMode: defaultMode,
		log:         log,
	}
}

type createRoomRequest struct {
	QuizID string `json:"quizId"`
	Mode   string `json:"mode"`
}

type createRoomResponse struct {
	RoomCode  string      `json:"roomCode"`
	HostToken string      `json:"hostToken"`
	Mode      domain.Mode `json:"mode"`
}

// CreateRoom handles POST /api/rooms: allocate a code, load the quiz, open
// the room, and hand back the room-scoped host token.
func (h *RoomsHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuizID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	mode := h.defaultMode
	if req.Mode != "" {
		mode = domain.ParseMode(req.Mode)
	}

	rm, err := h.registry.CreateRoom(r.Context(), req.QuizID, mode)
	if err != nil {
		if errors.Is(err, domain.ErrQuizNotFound) {
			http.Error(w, "quiz not found", http.StatusNotFound)
			return
		}
		h.log.Error("create room failed", zap.String("quiz", req.QuizID), zap.Error(err))
		http.Error(w, "failed to create room", http.StatusInternalServerError)
		return
	}

	token, err := h.tokens.IssueHostToken(rm.Code())
	if err != nil {
		h.log.Error("issue host token failed", zap.String("room", rm.Code()), zap.Error(err))
		h.registry.Close(rm.Code())
		http.Error(w, "failed to create room", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(createRoomResponse{
		RoomCode:  rm.Code(),
		HostToken: token,
		Mode:      rm.Mode(),
	})
}
