// internal/chat/handlers.go

package chat

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/caresync/caresync-backend/internal/auth"
	"github.com/caresync/caresync-backend/internal/common/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Configure CORS as needed
		return true
	},
}

type Handler struct {
	service Service
	hub     *Hub
}

func NewHandler(service Service, hub *Hub) *Handler {
	return &Handler{
		service: service,
		hub:     hub,
	}
}

// HandleWebSocket upgrades the connection and registers it with the hub
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := NewClient(h.hub, conn, userID, h.service)
	h.hub.register <- client
	client.Start()
}

// GetHistory returns the authoritative message list for a pair
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	peerID := mux.Vars(r)["peerId"]
	if peerID == "" || peerID == userID {
		utils.ErrorResponse(w, "Invalid peer ID", http.StatusBadRequest)
		return
	}

	history, err := h.service.History(r.Context(), userID, peerID)
	if err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.SuccessResponse(w, history, http.StatusOK)
}

// AppendMessage persists a message (the durable half of the dual-write)
func (h *Handler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req AppendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	message, err := h.service.AppendMessage(r.Context(), userID, &req)
	if err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.SuccessResponse(w, message, http.StatusCreated)
}

// MarkSeen marks all messages in a conversation as seen by the caller
func (h *Handler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID := mux.Vars(r)["conversationId"]
	if err := h.service.MarkSeen(r.Context(), userID, conversationID); err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.MessageResponse(w, "seen", http.StatusOK)
}

// GetPresence returns the point-in-time presence record for a user
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.UserIDFromContext(r.Context()); !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	subjectID := mux.Vars(r)["userId"]
	record, err := h.service.Presence(r.Context(), subjectID)
	if err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.SuccessResponse(w, record, http.StatusOK)
}

// UploadMedia stores an attachment and returns its URL
func (h *Handler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.UserIDFromContext(r.Context()); !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		utils.ErrorResponse(w, "Missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	url, err := h.service.UploadMedia(r.Context(), file, header.Filename, contentType)
	if err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.SuccessResponse(w, map[string]string{"url": url}, http.StatusCreated)
}

// HealthCheck reports hub liveness
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	utils.SuccessResponse(w, map[string]interface{}{
		"status":             "ok",
		"active_connections": h.hub.ActiveConnections(),
	}, http.StatusOK)
}
