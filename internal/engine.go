package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"chatwire/internal/storage"
)

// Engine is the event broadcaster and connection lifecycle manager. It owns
// no durable state: the store is the source of truth for users, rooms and
// messages, while the injected registries only cache liveness (sessions,
// live membership, typing signals) and are wiped on restart.
//
// Ordering: every mutation of a room's live state and the broadcasts it
// produces happen under that room's lock, so two events accepted for the
// same room are applied and fanned out in the same order. Events for
// different rooms proceed concurrently.
type Engine struct {
	store    *storage.Store
	blobs    storage.BlobStore
	hub      *Hub
	sessions *SessionRegistry
	members  *RoomMembers
	typing   *TypingTracker
	metrics  *Metrics
	log      *slog.Logger

	mu        sync.Mutex
	roomLocks map[int64]*sync.Mutex
}

func NewEngine(store *storage.Store, blobs storage.BlobStore, hub *Hub,
	sessions *SessionRegistry, members *RoomMembers, typing *TypingTracker,
	metrics *Metrics, log *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		blobs:     blobs,
		hub:       hub,
		sessions:  sessions,
		members:   members,
		typing:    typing,
		metrics:   metrics,
		log:       log,
		roomLocks: make(map[int64]*sync.Mutex),
	}
}

// lockRoom returns the per-room serialization point, creating it on first
// use. Lock entries live as long as the process; they are tiny and bounded
// by the number of rooms ever touched.
func (e *Engine) lockRoom(roomID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		e.roomLocks[roomID] = l
	}
	return l
}

// Connect registers an authenticated connection: presence goes online, the
// user joins their personal notification channel, and the client receives
// its connected acknowledgement. A reconnect supersedes the previous handle,
// which is force-closed.
func (e *Engine) Connect(ctx context.Context, c *Conn) {
	user := c.User()
	if user == nil {
		c.sendEvent(EventError, errorPayload{Message: ErrAuthRequired.Error()})
		c.close()
		return
	}
	if prev := e.sessions.Attach(user.ID, c); prev != nil {
		e.log.Info("superseding connection", "user_id", user.ID)
		prev.close()
		// The old handle's live room state dies with it. Its own teardown
		// skips this cleanup once Detach reports it superseded, and the new
		// connection rejoins rooms explicitly.
		e.typing.ClearAllForUser(user.ID)
		e.members.LeaveAll(user.ID)
	}
	if err := e.store.SetOnline(ctx, user.ID, true); err != nil {
		e.log.Error("mark online", "user_id", user.ID, "error", err)
	}
	e.hub.Join(userChannel(user.ID), c)
	e.metrics.IncConn()
	c.sendEvent(EventConnected, connectedPayload{UserID: user.ID, Username: user.Username})
	e.log.Info("user connected", "user_id", user.ID, "username", user.Username)
}

// Disconnect runs teardown exactly once per connection, in this order: mark
// offline, clear all typing entries, remove from every live membership set,
// broadcast the offline status. Duplicate or concurrent disconnect signals
// collapse into the first.
func (e *Engine) Disconnect(c *Conn) {
	c.teardownOnce.Do(func() {
		user := c.User()
		if user == nil {
			c.close()
			return
		}
		e.metrics.DecConn()
		current := e.sessions.Detach(user.ID, c)
		e.hub.LeaveAll(c)
		c.close()
		if !current {
			// superseded by a reconnect: the newer handle owns presence now
			return
		}
		ctx := context.Background()
		if err := e.store.SetOnline(ctx, user.ID, false); err != nil {
			e.log.Error("mark offline", "user_id", user.ID, "error", err)
		}
		e.typing.ClearAllForUser(user.ID)
		e.members.LeaveAll(user.ID)
		e.hub.Send(e.hub.All(c), EventUserStatus, userStatusPayload{
			UserID:   user.ID,
			Username: user.Username,
			IsOnline: false,
		})
		e.log.Info("user disconnected", "user_id", user.ID, "username", user.Username)
	})
}

// Dispatch routes one inbound event. The auth guard runs first for every
// event; a connection without an identity gets a single error event and is
// force-closed. Any rejection is surfaced as exactly one error event to the
// originating connection and nothing else.
func (e *Engine) Dispatch(c *Conn, env Envelope) {
	e.metrics.IncEvent()
	user := c.User()
	if user == nil {
		c.sendEvent(EventError, errorPayload{Message: ErrAuthRequired.Error()})
		c.close()
		return
	}
	ctx := context.Background()
	var err error
	switch env.Event {
	case EventJoinRoom:
		err = withPayload(env, func(req roomRequest) error { return e.joinRoom(ctx, c, user, req) })
	case EventLeaveRoom:
		err = withPayload(env, func(req roomRequest) error { return e.leaveRoom(ctx, c, user, req) })
	case EventSendMessage:
		err = withPayload(env, func(req sendMessageRequest) error { return e.sendMessage(ctx, c, user, req) })
	case EventTyping:
		err = withPayload(env, func(req roomRequest) error { return e.setTyping(c, user, req) })
	case EventStopTyping:
		err = withPayload(env, func(req roomRequest) error { return e.stopTyping(c, user, req) })
	case EventDeleteMessage:
		err = withPayload(env, func(req deleteMessageRequest) error { return e.deleteMessage(ctx, c, user, req) })
	case EventDeleteRoom:
		err = withPayload(env, func(req roomRequest) error { return e.deleteRoom(ctx, c, user, req) })
	case EventRequestOnlineUsers:
		err = withPayload(env, func(req onlineUsersRequest) error { return e.onlineUsers(ctx, c, req) })
	case EventRequestRooms:
		err = e.roomsList(ctx, c, user)
	default:
		c.sendEvent(EventError, errorPayload{Message: "Unknown event: " + env.Event})
		return
	}
	if err != nil {
		var op *opError
		if errors.As(err, &op) {
			e.log.Error("event failed", "event", env.Event, "user_id", user.ID, "error", op.Unwrap())
		}
		c.sendEvent(EventError, errorPayload{Message: err.Error()})
	}
}

// withPayload decodes the envelope's data into the handler's request type.
// A missing payload decodes to the zero value, which the handlers reject
// field by field.
func withPayload[T any](env Envelope, handler func(T) error) error {
	var req T
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return ErrMalformedPayload
		}
	}
	return handler(req)
}

func (e *Engine) joinRoom(ctx context.Context, c *Conn, user *AuthenticatedUser, req roomRequest) error {
	if req.RoomID == 0 {
		return ErrRoomIDRequired
	}
	room, err := e.store.GetRoomByID(ctx, req.RoomID)
	if err != nil {
		return storeFailure("Failed to join room", err)
	}
	if room == nil {
		return ErrRoomNotFound
	}

	lock := e.lockRoom(room.ID)
	lock.Lock()
	defer lock.Unlock()

	rejoin := e.members.Contains(room.ID, user.ID)
	e.members.Join(room.ID, user.ID)
	e.hub.Join(roomChannel(room.ID), c)

	// A duplicate join refreshes the caller's snapshot without
	// re-announcing them to the room.
	if !rejoin {
		e.hub.Send(e.hub.Recipients(roomChannel(room.ID), c), EventUserJoined, userJoinedPayload{
			Username:  user.Username,
			UserID:    user.ID,
			RoomID:    room.ID,
			RoomName:  room.Name,
			Timestamp: time.Now().UTC(),
		})
	}

	members := e.onlineMembers(ctx, room.ID)
	c.sendEvent(EventRoomJoined, roomJoinedPayload{RoomID: room.ID, RoomName: room.Name, Members: members})
	e.hub.Send(e.hub.Recipients(roomChannel(room.ID)), EventRoomMembersUpdate, roomMembersPayload{
		RoomID:  room.ID,
		Members: members,
	})

	// Catch the joiner up on in-flight typing indicators; expired entries
	// are filtered out by the tracker's TTL.
	names := make(map[int64]string, len(members))
	for _, m := range members {
		names[m.ID] = m.Username
	}
	for _, typerID := range e.typing.TypingIn(room.ID, time.Now()) {
		if typerID == user.ID {
			continue
		}
		name, ok := names[typerID]
		if !ok {
			continue
		}
		c.sendEvent(EventUserTyping, typingPayload{UserID: typerID, Username: name, RoomID: room.ID})
	}
	e.log.Info("user joined room", "user_id", user.ID, "room_id", room.ID)
	return nil
}

func (e *Engine) leaveRoom(ctx context.Context, c *Conn, user *AuthenticatedUser, req roomRequest) error {
	if req.RoomID == 0 {
		return ErrRoomIDRequired
	}
	room, err := e.store.GetRoomByID(ctx, req.RoomID)
	if err != nil {
		return storeFailure("Failed to leave room", err)
	}
	if room == nil {
		return ErrRoomNotFound
	}

	lock := e.lockRoom(room.ID)
	lock.Lock()
	defer lock.Unlock()

	e.members.Leave(room.ID, user.ID)
	e.typing.Clear(room.ID, user.ID)
	e.hub.Leave(roomChannel(room.ID), c)

	e.hub.Send(e.hub.Recipients(roomChannel(room.ID), c), EventUserLeft, userLeftPayload{
		Username:  user.Username,
		UserID:    user.ID,
		RoomID:    room.ID,
		RoomName:  room.Name,
		Timestamp: time.Now().UTC(),
	})
	c.sendEvent(EventRoomLeft, roomLeftPayload{RoomID: room.ID, RoomName: room.Name})

	if !e.members.IsEmpty(room.ID) {
		e.hub.Send(e.hub.Recipients(roomChannel(room.ID)), EventRoomMembersUpdate, roomMembersPayload{
			RoomID:  room.ID,
			Members: e.onlineMembers(ctx, room.ID),
		})
	}
	return nil
}

func (e *Engine) sendMessage(ctx context.Context, c *Conn, user *AuthenticatedUser, req sendMessageRequest) error {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return ErrEmptyContent
	}
	if req.RoomID == 0 {
		return ErrRoomIDRequired
	}
	msgType := normalizeMessageType(req.MessageType)

	room, err := e.store.GetRoomByID(ctx, req.RoomID)
	if err != nil {
		return storeFailure("Failed to send message", err)
	}
	if room == nil {
		return ErrRoomNotFound
	}

	lock := e.lockRoom(room.ID)
	lock.Lock()
	defer lock.Unlock()

	// Persist before touching any in-memory state so a store failure needs
	// no rollback.
	rec, err := e.store.CreateMessage(ctx, content, user.ID, room.ID, msgType, req.FileName)
	if err != nil || rec == nil {
		return storeFailure("Failed to send message", err)
	}
	e.typing.Clear(room.ID, user.ID)
	e.metrics.IncMessage()

	e.hub.Send(e.hub.Recipients(roomChannel(room.ID)), EventNewMessage, messageToDTO(*rec))
	e.hub.Send(e.hub.Recipients(roomChannel(room.ID), c), EventStopTyping, typingPayload{
		UserID:   user.ID,
		Username: user.Username,
	})
	return nil
}

func (e *Engine) setTyping(c *Conn, user *AuthenticatedUser, req roomRequest) error {
	if req.RoomID == 0 {
		return ErrRoomIDRequired
	}
	lock := e.lockRoom(req.RoomID)
	lock.Lock()
	defer lock.Unlock()

	e.typing.Set(req.RoomID, user.ID, time.Now())
	e.hub.Send(e.hub.Recipients(roomChannel(req.RoomID), c), EventUserTyping, typingPayload{
		UserID:   user.ID,
		Username: user.Username,
		RoomID:   req.RoomID,
	})
	return nil
}

func (e *Engine) stopTyping(c *Conn, user *AuthenticatedUser, req roomRequest) error {
	if req.RoomID == 0 {
		return ErrRoomIDRequired
	}
	lock := e.lockRoom(req.RoomID)
	lock.Lock()
	defer lock.Unlock()

	e.typing.Clear(req.RoomID, user.ID)
	e.hub.Send(e.hub.Recipients(roomChannel(req.RoomID), c), EventStopTyping, typingPayload{
		UserID:   user.ID,
		Username: user.Username,
		RoomID:   req.RoomID,
	})
	return nil
}

func (e *Engine) deleteMessage(ctx context.Context, c *Conn, user *AuthenticatedUser, req deleteMessageRequest) error {
	if req.MessageID == 0 {
		return ErrMessageIDRequired
	}
	rec, err := e.store.GetMessageByID(ctx, req.MessageID)
	if err != nil {
		return storeFailure("Failed to delete message", err)
	}
	if rec == nil {
		return ErrMessageNotFound
	}
	if rec.UserID != user.ID {
		return ErrNotMessageAuthor
	}

	lock := e.lockRoom(rec.RoomID)
	lock.Lock()
	defer lock.Unlock()

	if rec.Type == "audio" && rec.Content != "" {
		if err := e.blobs.Delete(rec.Content); err != nil {
			e.log.Warn("delete audio blob", "url", rec.Content, "error", err)
		}
	}
	if err := e.store.DeleteMessage(ctx, rec.ID); err != nil {
		return storeFailure("Failed to delete message", err)
	}
	e.hub.Send(e.hub.Recipients(roomChannel(rec.RoomID)), EventMessageDeleted, messageDeletedPayload{
		MessageID: rec.ID,
		RoomID:    rec.RoomID,
	})
	return nil
}

func (e *Engine) deleteRoom(ctx context.Context, c *Conn, user *AuthenticatedUser, req roomRequest) error {
	if req.RoomID == 0 {
		return ErrRoomIDRequired
	}
	room, err := e.store.GetRoomByID(ctx, req.RoomID)
	if err != nil {
		return storeFailure("Failed to delete room", err)
	}
	if room == nil {
		return ErrRoomNotFound
	}
	if room.CreatedBy != user.ID {
		return ErrNotRoomCreator
	}
	if room.IsGlobal {
		return ErrGlobalRoom
	}

	lock := e.lockRoom(room.ID)
	lock.Lock()
	defer lock.Unlock()

	audio, err := e.store.ListAudioMessages(ctx, room.ID)
	if err != nil {
		e.log.Warn("list audio messages for cleanup", "room_id", room.ID, "error", err)
	}
	for _, msg := range audio {
		if msg.Content == "" {
			continue
		}
		if err := e.blobs.Delete(msg.Content); err != nil {
			e.log.Warn("delete audio blob", "url", msg.Content, "error", err)
		}
	}

	if err := e.store.DeleteRoom(ctx, room.ID); err != nil {
		return storeFailure("Failed to delete room", err)
	}
	e.members.Drop(room.ID)
	e.typing.DropRoom(room.ID)
	e.hub.Drop(roomChannel(room.ID))

	e.hub.Send(e.hub.All(), EventRoomDeleted, roomDeletedPayload{RoomID: room.ID, RoomName: room.Name})
	e.log.Info("room deleted", "room_id", room.ID, "user_id", user.ID)
	return nil
}

func (e *Engine) onlineUsers(ctx context.Context, c *Conn, req onlineUsersRequest) error {
	if req.RoomID != 0 {
		roomID := req.RoomID
		c.sendEvent(EventOnlineUsers, onlineUsersPayload{
			RoomID: &roomID,
			Users:  e.onlineMembers(ctx, roomID),
		})
		return nil
	}
	users, err := e.store.ListOnlineUsers(ctx)
	if err != nil {
		return storeFailure("Failed to fetch online users", err)
	}
	c.sendEvent(EventOnlineUsers, onlineUsersPayload{
		RoomID: nil,
		Users:  lo.Map(users, func(u storage.User, _ int) UserDTO { return userToDTO(u) }),
	})
	return nil
}

func (e *Engine) roomsList(ctx context.Context, c *Conn, user *AuthenticatedUser) error {
	rooms, err := e.store.ListJoinedRooms(ctx, user.ID)
	if err != nil {
		return storeFailure("Failed to fetch rooms", err)
	}
	c.sendEvent(EventRoomsList, lo.Map(rooms, func(r storage.Room, _ int) RoomDTO { return roomToDTO(r) }))
	return nil
}

// onlineMembers resolves the room's live member snapshot against the user
// store and keeps only the users still flagged online. Lookup failures
// degrade to an empty list; the member sidebar is advisory, not durable
// state.
func (e *Engine) onlineMembers(ctx context.Context, roomID int64) []UserDTO {
	ids := e.members.MembersOf(roomID)
	if len(ids) == 0 {
		return []UserDTO{}
	}
	users, err := e.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		e.log.Error("resolve room members", "room_id", roomID, "error", err)
		return []UserDTO{}
	}
	online := lo.Filter(users, func(u storage.User, _ int) bool { return u.IsOnline })
	return lo.Map(online, func(u storage.User, _ int) UserDTO { return userToDTO(u) })
}
