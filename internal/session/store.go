// internal/session/store.go
// Client for the durable conversation store. The session manager only
// consumes fetch/append/mark-seen/presence; everything else about the
// store is someone else's problem.

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Message is one entry in the client-visible timeline. Durable entries
// carry the store-assigned ID; optimistic entries carry only a LocalID
// until the append confirms.
type Message struct {
	ID             int64      `json:"id,omitempty"`
	LocalID        string     `json:"local_id,omitempty"`
	ClientRef      string     `json:"client_ref,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	FromUserID     string     `json:"from_user_id"`
	ToUserID       string     `json:"to_user_id"`
	Content        string     `json:"content,omitempty"`
	MessageType    string     `json:"message_type"`
	MediaURL       string     `json:"media_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	SeenAt         *time.Time `json:"seen_at,omitempty"`
	Pending        bool       `json:"pending,omitempty"`
}

// History is the authoritative baseline for one pair
type History struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// AppendRequest persists one message
type AppendRequest struct {
	ToUserID    string `json:"to_user_id"`
	Content     string `json:"content,omitempty"`
	MessageType string `json:"message_type"`
	MediaURL    string `json:"media_url,omitempty"`
	ClientRef   string `json:"client_ref,omitempty"`
}

// ConversationStore is the durable-store surface the session manager needs
type ConversationStore interface {
	History(ctx context.Context, peerID string) (*History, error)
	Append(ctx context.Context, req *AppendRequest) (*Message, error)
	UploadMedia(ctx context.Context, file io.Reader, filename, contentType string) (string, error)
	Presence(ctx context.Context, userID string) (Presence, error)
}

// HTTPStore talks to the chat REST API
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPStore(baseURL, token string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// envelope mirrors the server's standard response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (s *HTTPStore) History(ctx context.Context, peerID string) (*History, error) {
	var history History
	path := fmt.Sprintf("/api/v1/chat/conversations/direct/%s/messages", peerID)
	if err := s.do(ctx, http.MethodGet, path, nil, &history); err != nil {
		return nil, err
	}
	return &history, nil
}

func (s *HTTPStore) Append(ctx context.Context, req *AppendRequest) (*Message, error) {
	var message Message
	if err := s.do(ctx, http.MethodPost, "/api/v1/chat/messages", req, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

func (s *HTTPStore) Presence(ctx context.Context, userID string) (Presence, error) {
	var record struct {
		UserID   string    `json:"user_id"`
		Online   bool      `json:"online"`
		LastSeen time.Time `json:"last_seen"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/v1/chat/presence/"+userID, nil, &record); err != nil {
		return Presence{UserID: userID}, err
	}
	return Presence{UserID: record.UserID, Online: record.Online, LastSeen: record.LastSeen, Known: true}, nil
}

func (s *HTTPStore) UploadMedia(ctx context.Context, file io.Reader, filename, contentType string) (string, error) {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/chat/upload", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var uploaded struct {
		URL string `json:"url"`
	}
	if err := decodeEnvelope(resp, &uploaded); err != nil {
		return "", err
	}
	return uploaded.URL, nil
}

func (s *HTTPStore) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp, out)
}

func decodeEnvelope(resp *http.Response, out interface{}) error {
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		if env.Error != "" {
			return fmt.Errorf("store: %s", env.Error)
		}
		return fmt.Errorf("store: request failed with status %d", resp.StatusCode)
	}
	if out != nil && env.Data != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}
