// internal/chat/routes.go

package chat

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes registers the realtime endpoint and the conversation
// store REST API
func RegisterRoutes(router *mux.Router, handler *Handler, authenticate func(http.Handler) http.Handler) {
	// WebSocket endpoint - requires authentication
	router.Handle("/ws", authenticate(http.HandlerFunc(handler.HandleWebSocket))).Methods("GET")

	// REST API endpoints
	api := router.PathPrefix("/api/v1/chat").Subrouter()
	api.Use(authenticate)

	api.HandleFunc("/conversations/direct/{peerId}/messages", handler.GetHistory).Methods("GET")
	api.HandleFunc("/messages", handler.AppendMessage).Methods("POST")
	api.HandleFunc("/conversations/{conversationId}/seen", handler.MarkSeen).Methods("POST")
	api.HandleFunc("/presence/{userId}", handler.GetPresence).Methods("GET")
	api.HandleFunc("/upload", handler.UploadMedia).Methods("POST")
}
