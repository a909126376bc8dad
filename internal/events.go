package internal

import (
	"encoding/json"
	"time"

	"chatwire/internal/storage"
)

// Inbound event names accepted from clients.
const (
	EventJoinRoom           = "join_room"
	EventLeaveRoom          = "leave_room"
	EventSendMessage        = "send_message"
	EventTyping             = "typing"
	EventStopTyping         = "stop_typing"
	EventDeleteMessage      = "delete_message"
	EventDeleteRoom         = "delete_room"
	EventRequestOnlineUsers = "request_online_users"
	EventRequestRooms       = "request_rooms"
)

// Outbound event names emitted to clients.
const (
	EventConnected         = "connected"
	EventError             = "error"
	EventUserStatus        = "user_status"
	EventUserJoined        = "user_joined"
	EventRoomJoined        = "room_joined"
	EventRoomMembersUpdate = "room_members_update"
	EventUserLeft          = "user_left"
	EventRoomLeft          = "room_left"
	EventNewMessage        = "new_message"
	EventUserTyping        = "user_typing"
	EventMessageDeleted    = "message_deleted"
	EventRoomDeleted       = "room_deleted"
	EventOnlineUsers       = "online_users"
	EventRoomsList         = "rooms_list"
)

// Envelope is the JSON frame exchanged over the websocket in both
// directions: an event name plus an event-specific payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeEvent(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Inbound payloads. Ids start at 1, so a zero value means the field was
// missing from the frame.

type roomRequest struct {
	RoomID int64 `json:"room_id"`
}

type sendMessageRequest struct {
	Content     string `json:"content"`
	RoomID      int64  `json:"room_id"`
	MessageType string `json:"message_type"`
	FileName    string `json:"file_name"`
}

type deleteMessageRequest struct {
	MessageID int64 `json:"message_id"`
}

type onlineUsersRequest struct {
	RoomID int64 `json:"room_id"`
}

// Outbound payloads.

type errorPayload struct {
	Message string `json:"message"`
}

type connectedPayload struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type userStatusPayload struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
}

type userJoinedPayload struct {
	Username  string    `json:"username"`
	UserID    int64     `json:"user_id"`
	RoomID    int64     `json:"room_id"`
	RoomName  string    `json:"room_name"`
	Timestamp time.Time `json:"timestamp"`
}

type roomJoinedPayload struct {
	RoomID   int64     `json:"room_id"`
	RoomName string    `json:"room_name"`
	Members  []UserDTO `json:"members"`
}

type roomMembersPayload struct {
	RoomID  int64     `json:"room_id"`
	Members []UserDTO `json:"members"`
}

type userLeftPayload struct {
	Username  string    `json:"username"`
	UserID    int64     `json:"user_id"`
	RoomID    int64     `json:"room_id"`
	RoomName  string    `json:"room_name"`
	Timestamp time.Time `json:"timestamp"`
}

type roomLeftPayload struct {
	RoomID   int64  `json:"room_id"`
	RoomName string `json:"room_name"`
}

type typingPayload struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	RoomID   int64  `json:"room_id,omitempty"`
}

type onlineUsersPayload struct {
	RoomID *int64    `json:"room_id"`
	Users  []UserDTO `json:"users"`
}

type messageDeletedPayload struct {
	MessageID int64 `json:"message_id"`
	RoomID    int64 `json:"room_id"`
}

type roomDeletedPayload struct {
	RoomID   int64  `json:"room_id"`
	RoomName string `json:"room_name"`
}

// UserDTO is the member-list representation of a user.
type UserDTO struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	DisplayName    string    `json:"display_name"`
	ProfilePicture string    `json:"profile_picture,omitempty"`
	IsOnline       bool      `json:"is_online"`
	LastSeen       time.Time `json:"last_seen"`
}

// MessageDTO is the full message payload carried by new_message and the
// history API.
type MessageDTO struct {
	ID             int64     `json:"id"`
	Content        string    `json:"content"`
	UserID         int64     `json:"user_id"`
	Username       string    `json:"username"`
	DisplayName    string    `json:"display_name"`
	ProfilePicture string    `json:"profile_picture,omitempty"`
	RoomID         int64     `json:"room_id"`
	RoomName       string    `json:"room_name"`
	MessageType    string    `json:"message_type"`
	FileName       string    `json:"file_name,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// RoomDTO is the rooms_list and rooms API representation of a room.
type RoomDTO struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	CreatedBy    int64     `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	IsGlobal     bool      `json:"is_global"`
	MessageCount int64     `json:"message_count"`
}

func userToDTO(u storage.User) UserDTO {
	displayName := u.DisplayName
	if displayName == "" {
		displayName = u.Username
	}
	return UserDTO{
		ID:             u.ID,
		Username:       u.Username,
		DisplayName:    displayName,
		ProfilePicture: u.ProfilePicture,
		IsOnline:       u.IsOnline,
		LastSeen:       u.LastSeen,
	}
}

func messageToDTO(rec storage.MessageRecord) MessageDTO {
	return MessageDTO{
		ID:             rec.ID,
		Content:        rec.Content,
		UserID:         rec.UserID,
		Username:       rec.Username,
		DisplayName:    rec.DisplayName,
		ProfilePicture: rec.ProfilePicture,
		RoomID:         rec.RoomID,
		RoomName:       rec.RoomName,
		MessageType:    rec.Type,
		FileName:       rec.FileName,
		Timestamp:      rec.Timestamp,
	}
}

func roomToDTO(r storage.Room) RoomDTO {
	return RoomDTO{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		CreatedBy:    r.CreatedBy,
		CreatedAt:    r.CreatedAt,
		IsGlobal:     r.IsGlobal,
		MessageCount: r.MessageCount,
	}
}

// Valid message types; anything else is coerced to text.
var validMessageTypes = map[string]bool{
	"text":  true,
	"gif":   true,
	"audio": true,
	"image": true,
	"video": true,
	"file":  true,
}

func normalizeMessageType(t string) string {
	if validMessageTypes[t] {
		return t
	}
	return "text"
}
