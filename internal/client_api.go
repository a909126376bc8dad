package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var httpTimeout = 5 * time.Second

type authResult struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

type roomsResult struct {
	Rooms []RoomDTO `json:"rooms"`
}

type roomResult struct {
	Room RoomDTO `json:"room"`
}

type messagesResult struct {
	Messages []MessageDTO `json:"messages"`
}

func apiSignup(baseURL, username, email, password string) (*authResult, error) {
	payload := map[string]string{"username": username, "email": email, "password": password}
	var resp authResult
	if err := doJSONRequest(http.MethodPost, baseURL+"/signup", "", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func apiLogin(baseURL, username, password string) (*authResult, error) {
	payload := map[string]string{"username": username, "password": password}
	var resp authResult
	if err := doJSONRequest(http.MethodPost, baseURL+"/login", "", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func apiListRooms(baseURL, token string) ([]RoomDTO, error) {
	var resp roomsResult
	if err := doJSONRequest(http.MethodGet, baseURL+"/api/rooms", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

func apiCreateRoom(baseURL, token, name, description string) (*RoomDTO, error) {
	payload := map[string]string{"name": name, "description": description}
	var resp roomResult
	if err := doJSONRequest(http.MethodPost, baseURL+"/api/rooms", token, payload, &resp); err != nil {
		return nil, err
	}
	return &resp.Room, nil
}

func apiListMessages(baseURL, token string, roomID int64, limit int) ([]MessageDTO, error) {
	endpoint := fmt.Sprintf("%s/api/messages/%d?limit=%d", baseURL, roomID, limit)
	var resp messagesResult
	if err := doJSONRequest(http.MethodGet, endpoint, token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func doJSONRequest(method, endpoint, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// wsURLFromBase maps the HTTP base URL onto the websocket endpoint carrying
// the bearer token in its query string.
func wsURLFromBase(base, token string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = "/ws"
	q := parsed.Query()
	q.Set("token", token)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
