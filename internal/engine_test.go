package internal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatwire/internal/storage"
)

type engineFixture struct {
	t        *testing.T
	engine   *Engine
	store    *storage.Store
	blobs    *storage.DiskBlobStore
	hub      *Hub
	sessions *SessionRegistry
	members  *RoomMembers
	typing   *TypingTracker
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	blobs, err := storage.NewDiskBlobStore(t.TempDir())
	require.NoError(t, err)

	hub := NewHub(testLogger())
	sessions := NewSessionRegistry()
	members := NewRoomMembers()
	typing := NewTypingTracker()
	engine := NewEngine(store, blobs, hub, sessions, members, typing, NewMetrics(), testLogger())

	return &engineFixture{
		t:        t,
		engine:   engine,
		store:    store,
		blobs:    blobs,
		hub:      hub,
		sessions: sessions,
		members:  members,
		typing:   typing,
	}
}

// connectUser creates an account and attaches a live connection for it,
// consuming the connected acknowledgement.
func (f *engineFixture) connectUser(username string) *Conn {
	f.t.Helper()
	ctx := context.Background()
	id, err := f.store.CreateUser(ctx, username, username+"@example.com", []byte("hash"))
	require.NoError(f.t, err)
	return f.attach(id, username)
}

func (f *engineFixture) attach(userID int64, username string) *Conn {
	f.t.Helper()
	conn := newConn(&AuthenticatedUser{ID: userID, Username: username}, nil)
	f.engine.Connect(context.Background(), conn)
	env := nextEvent(f.t, conn)
	require.Equal(f.t, EventConnected, env.Event)
	return conn
}

func (f *engineFixture) createRoom(creator *Conn, name string) *storage.Room {
	f.t.Helper()
	room, err := f.store.CreateRoom(context.Background(), name, "", creator.UserID())
	require.NoError(f.t, err)
	return room
}

func (f *engineFixture) dispatch(c *Conn, event string, payload any) {
	f.t.Helper()
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(f.t, err)
		data = raw
	}
	f.engine.Dispatch(c, Envelope{Event: event, Data: data})
}

func requireErrorEvent(t *testing.T, c *Conn, message string) {
	t.Helper()
	env := nextEvent(t, c)
	require.Equal(t, EventError, env.Event)
	payload, ok := decodePayload[errorPayload](env)
	require.True(t, ok)
	require.Equal(t, message, payload.Message)
	require.Empty(t, drainEvents(c), "rejection must emit exactly one event")
}

func TestConnectMarksOnlineAndAcks(t *testing.T) {
	f := newEngineFixture(t)

	alice := f.connectUser("alice")

	require.True(t, f.sessions.Online(alice.UserID()))
	user, err := f.store.GetUserByID(context.Background(), alice.UserID())
	require.NoError(t, err)
	require.True(t, user.IsOnline)
}

func TestJoinRoomScenario(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	bob := f.connectUser("bob")
	room := f.createRoom(alice, "room-seven")

	// alice joins the empty room
	f.dispatch(alice, EventJoinRoom, roomRequest{RoomID: room.ID})
	require.ElementsMatch(t, []int64{alice.UserID()}, f.members.MembersOf(room.ID))

	events := drainEvents(alice)
	require.Equal(t, []string{EventRoomJoined, EventRoomMembersUpdate}, eventNames(events))
	joined, ok := decodePayload[roomJoinedPayload](events[0])
	require.True(t, ok)
	require.Equal(t, room.ID, joined.RoomID)
	require.Equal(t, "room-seven", joined.RoomName)
	require.Len(t, joined.Members, 1)

	// bob joins: alice sees user_joined then the refreshed member list
	f.dispatch(bob, EventJoinRoom, roomRequest{RoomID: room.ID})
	require.ElementsMatch(t, []int64{alice.UserID(), bob.UserID()}, f.members.MembersOf(room.ID))

	aliceEvents := drainEvents(alice)
	require.Equal(t, []string{EventUserJoined, EventRoomMembersUpdate}, eventNames(aliceEvents))
	userJoined, ok := decodePayload[userJoinedPayload](aliceEvents[0])
	require.True(t, ok)
	require.Equal(t, bob.UserID(), userJoined.UserID)

	bobEvents := drainEvents(bob)
	require.Equal(t, []string{EventRoomJoined, EventRoomMembersUpdate}, eventNames(bobEvents))
	bobJoined, _ := decodePayload[roomJoinedPayload](bobEvents[0])
	require.Len(t, bobJoined.Members, 2)
}

func TestJoinRoomValidation(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")

	f.dispatch(alice, EventJoinRoom, roomRequest{})
	requireErrorEvent(t, alice, "Room ID is required")

	f.dispatch(alice, EventJoinRoom, roomRequest{RoomID: 404})
	requireErrorEvent(t, alice, "Room not found")
	require.Empty(t, f.members.MembersOf(404))
}

func TestTypingAndMessageFlow(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	bob := f.connectUser("bob")
	room := f.createRoom(alice, "room-seven")

	f.dispatch(alice, EventJoinRoom, roomRequest{RoomID: room.ID})
	f.dispatch(bob, EventJoinRoom, roomRequest{RoomID: room.ID})
	drainEvents(alice)
	drainEvents(bob)

	// bob starts typing: only alice hears it
	f.dispatch(bob, EventTyping, roomRequest{RoomID: room.ID})
	typingEvents := drainEvents(alice)
	require.Equal(t, []string{EventUserTyping}, eventNames(typingEvents))
	typingSeen, _ := decodePayload[typingPayload](typingEvents[0])
	require.Equal(t, bob.UserID(), typingSeen.UserID)
	require.Equal(t, room.ID, typingSeen.RoomID)
	require.Empty(t, drainEvents(bob))

	// bob sends a message: both receive it, alice also gets stop_typing,
	// and bob's typing entry is gone
	f.dispatch(bob, EventSendMessage, sendMessageRequest{Content: "hi", RoomID: room.ID, MessageType: "text"})

	aliceEvents := drainEvents(alice)
	require.Equal(t, []string{EventNewMessage, EventStopTyping}, eventNames(aliceEvents))
	message, _ := decodePayload[MessageDTO](aliceEvents[0])
	require.Equal(t, "hi", message.Content)
	require.Equal(t, "bob", message.Username)
	require.Equal(t, "text", message.MessageType)

	bobEvents := drainEvents(bob)
	require.Equal(t, []string{EventNewMessage}, eventNames(bobEvents))

	require.Empty(t, f.typing.TypingIn(room.ID, message.Timestamp))
}

func TestSendMessageValidation(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	room := f.createRoom(alice, "general")

	f.dispatch(alice, EventSendMessage, sendMessageRequest{Content: "   ", RoomID: room.ID})
	requireErrorEvent(t, alice, "Message content cannot be empty")

	f.dispatch(alice, EventSendMessage, sendMessageRequest{Content: "hi"})
	requireErrorEvent(t, alice, "Room ID is required")

	f.dispatch(alice, EventSendMessage, sendMessageRequest{Content: "hi", RoomID: 404})
	requireErrorEvent(t, alice, "Room not found")
}

func TestSendMessageCoercesUnknownType(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	room := f.createRoom(alice, "general")
	f.dispatch(alice, EventJoinRoom, roomRequest{RoomID: room.ID})
	drainEvents(alice)

	f.dispatch(alice, EventSendMessage, sendMessageRequest{Content: "hi", RoomID: room.ID, MessageType: "sticker"})

	events := drainEvents(alice)
	require.Equal(t, []string{EventNewMessage}, eventNames(events))
	message, _ := decodePayload[MessageDTO](events[0])
	require.Equal(t, "text", message.MessageType)
}

func TestLeaveRoomFlow(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	bob := f.connectUser("bob")
	room := f.createRoom(alice, "general")

	f.dispatch(alice, EventJoinRoom, roomRequest{RoomID: room.ID})
	f.dispatch(bob, EventJoinRoom, roomRequest{RoomID: room.ID})
	f.dispatch(bob, EventTyping, roomRequest{RoomID: room.ID})
	drainEvents(alice)
	drainEvents(bob)

	f.dispatch(bob, EventLeaveRoom, roomRequest{RoomID: room.ID})

	require.ElementsMatch(t, []int64{alice.UserID()}, f.members.MembersOf(room.ID))
	require.False(t, f.typing.Clear(room.ID, bob.UserID()), "typing entry should be gone")

	aliceEvents := drainEvents(alice)
	require.Equal(t, []string{EventUserLeft, EventRoomMembersUpdate}, eventNames(aliceEvents))

	bobEvents := drainEvents(bob)
	require.Equal(t, []string{EventRoomLeft}, eventNames(bobEvents))
}

func TestLeaveEmptiedRoomSkipsMembersUpdate(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	room := f.createRoom(alice, "general")
	f.dispatch(alice, EventJoinRoom, roomRequest{RoomID: room.ID})
	drainEvents(alice)

	f.dispatch(alice, EventLeaveRoom, roomRequest{RoomID: room.ID})

	require.Equal(t, []string{EventRoomLeft}, eventNames(drainEvents(alice)))
	require.True(t, f.members.IsEmpty(room.ID))
}

func TestDeleteMessageAuthorization(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	bob := f.connectUser("bob")
	room := f.createRoom(alice, "general")
	f.dispatch(alice, EventJoinRoom, roomRequest{RoomID: room.ID})
	f.dispatch(bob, EventJoinRoom, roomRequest{RoomID: room.ID})
	drainEvents(alice)
	drainEvents(bob)

	rec, err := f.store.CreateMessage(context.Background(), "mine", alice.UserID(), room.ID, "text", "")
	require.NoError(t, err)

	// bob cannot delete alice's message
	f.dispatch(bob, EventDeleteMessage, deleteMessageRequest{MessageID: rec.ID})
	requireErrorEvent(t, bob, "Unauthorized: You can only delete your own messages")
	still, err := f.store.GetMessageByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotNil(t, still)
	require.Empty(t, drainEvents(alice))

	// the author can
	f.dispatch(alice, EventDeleteMessage, deleteMessageRequest{MessageID: rec.ID})
	for _, conn := range []*Conn{alice, bob} {
		events := drainEvents(conn)
		require.Equal(t, []string{EventMessageDeleted}, eventNames(events))
		deleted, _ := decodePayload[messageDeletedPayload](events[0])
		require.Equal(t, rec.ID, deleted.MessageID)
		require.Equal(t, room.ID, deleted.RoomID)
	}
	gone, err := f.store.GetMessageByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestDeleteMessageUnknownID(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")

	f.dispatch(alice, EventDeleteMessage, deleteMessageRequest{})
	requireErrorEvent(t, alice, "Message ID is required")

	f.dispatch(alice, EventDeleteMessage, deleteMessageRequest{MessageID: 404})
	requireErrorEvent(t, alice, "Message not found")
}

func TestDeleteAudioMessageRemovesBlob(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	room := f.createRoom(alice, "general")
	f.dispatch(alice, EventJoinRoom, roomRequest{RoomID: room.ID})
	drainEvents(alice)

	url, err := f.blobs.Save("audio", []byte("voice"), "clip.webm")
	require.NoError(t, err)
	rec, err := f.store.CreateMessage(context.Background(), url, alice.UserID(), room.ID, "audio", "clip.webm")
	require.NoError(t, err)

	f.dispatch(alice, EventDeleteMessage, deleteMessageRequest{MessageID: rec.ID})

	abs, err := f.blobs.Resolve(strings.TrimPrefix(url, "/uploads/"))
	require.NoError(t, err)
	_, statErr := os.Stat(abs)
	require.True(t, os.IsNotExist(statErr), "audio blob should be deleted with the message")
}

func TestDeleteRoomRules(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	bob := f.connectUser("bob")
	room := f.createRoom(alice, "general")

	f.dispatch(bob, EventDeleteRoom, roomRequest{RoomID: room.ID})
	requireErrorEvent(t, bob, "Unauthorized: You can only delete rooms you created")

	// even its creator cannot delete the global room
	global, err := f.store.EnsureGlobalRoom(context.Background(), "Global Chat")
	require.NoError(t, err)
	system, err := f.store.GetUserByUsername(context.Background(), "system")
	require.NoError(t, err)
	require.NotNil(t, system)
	systemConn := f.attach(system.ID, system.Username)

	f.dispatch(systemConn, EventDeleteRoom, roomRequest{RoomID: global.ID})
	requireErrorEvent(t, systemConn, "Cannot delete the global room")
	stillThere, err := f.store.GetRoomByID(context.Background(), global.ID)
	require.NoError(t, err)
	require.NotNil(t, stillThere)

	// a non-creator targeting the global room fails the creator check first
	f.dispatch(bob, EventDeleteRoom, roomRequest{RoomID: global.ID})
	requireErrorEvent(t, bob, "Unauthorized: You can only delete rooms you created")
}

func TestDeleteRoomBroadcastsToEveryone(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	bob := f.connectUser("bob")
	carol := f.connectUser("carol")
	room := f.createRoom(alice, "doomed")

	f.dispatch(alice, EventJoinRoom, roomRequest{RoomID: room.ID})
	f.dispatch(bob, EventJoinRoom, roomRequest{RoomID: room.ID})
	drainEvents(alice)
	drainEvents(bob)
	drainEvents(carol)

	f.dispatch(alice, EventDeleteRoom, roomRequest{RoomID: room.ID})

	// carol never joined the room but still learns of the deletion
	for _, conn := range []*Conn{alice, bob, carol} {
		events := drainEvents(conn)
		require.Equal(t, []string{EventRoomDeleted}, eventNames(events))
		deleted, _ := decodePayload[roomDeletedPayload](events[0])
		require.Equal(t, room.ID, deleted.RoomID)
		require.Equal(t, "doomed", deleted.RoomName)
	}

	require.True(t, f.members.IsEmpty(room.ID))
	require.Empty(t, f.hub.Recipients(roomChannel(room.ID)))
	gone, err := f.store.GetRoomByID(context.Background(), room.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestRequestOnlineUsers(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	bob := f.connectUser("bob")
	room := f.createRoom(alice, "general")
	f.dispatch(alice, EventJoinRoom, roomRequest{RoomID: room.ID})
	drainEvents(alice)

	// room-scoped: only joined members count
	f.dispatch(bob, EventRequestOnlineUsers, onlineUsersRequest{RoomID: room.ID})
	events := drainEvents(bob)
	require.Equal(t, []string{EventOnlineUsers}, eventNames(events))
	scoped, _ := decodePayload[onlineUsersPayload](events[0])
	require.NotNil(t, scoped.RoomID)
	require.Len(t, scoped.Users, 1)
	require.Equal(t, "alice", scoped.Users[0].Username)

	// global: every online user
	f.dispatch(bob, EventRequestOnlineUsers, onlineUsersRequest{})
	events = drainEvents(bob)
	require.Equal(t, []string{EventOnlineUsers}, eventNames(events))
	global, _ := decodePayload[onlineUsersPayload](events[0])
	require.Nil(t, global.RoomID)
	require.Len(t, global.Users, 2)
}

func TestRequestRooms(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	bob := f.connectUser("bob")
	f.createRoom(alice, "mine")
	f.createRoom(bob, "theirs")

	f.dispatch(alice, EventRequestRooms, nil)

	events := drainEvents(alice)
	require.Equal(t, []string{EventRoomsList}, eventNames(events))
	var rooms []RoomDTO
	require.NoError(t, json.Unmarshal(events[0].Data, &rooms))
	require.Len(t, rooms, 1)
	require.Equal(t, "mine", rooms[0].Name)
}

func TestUnauthenticatedDispatchRejected(t *testing.T) {
	f := newEngineFixture(t)
	anon := newConn(nil, nil)

	f.engine.Dispatch(anon, Envelope{Event: EventRequestRooms})

	events := drainEvents(anon)
	require.Equal(t, []string{EventError}, eventNames(events))
	payload, _ := decodePayload[errorPayload](events[0])
	require.Equal(t, "Authentication required", payload.Message)
	require.True(t, anon.closed())
}

func TestUnknownEventRejected(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")

	f.engine.Dispatch(alice, Envelope{Event: "rocket_launch"})

	events := drainEvents(alice)
	require.Equal(t, []string{EventError}, eventNames(events))
}

func TestDisconnectTeardown(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	bob := f.connectUser("bob")
	room := f.createRoom(alice, "general")
	f.dispatch(alice, EventJoinRoom, roomRequest{RoomID: room.ID})
	f.dispatch(bob, EventJoinRoom, roomRequest{RoomID: room.ID})
	f.dispatch(bob, EventTyping, roomRequest{RoomID: room.ID})
	drainEvents(alice)
	drainEvents(bob)

	f.engine.Disconnect(bob)

	require.False(t, f.sessions.Online(bob.UserID()))
	require.ElementsMatch(t, []int64{alice.UserID()}, f.members.MembersOf(room.ID))
	require.False(t, f.typing.Clear(room.ID, bob.UserID()))
	user, err := f.store.GetUserByID(context.Background(), bob.UserID())
	require.NoError(t, err)
	require.False(t, user.IsOnline)

	events := drainEvents(alice)
	require.Equal(t, []string{EventUserStatus}, eventNames(events))
	status, _ := decodePayload[userStatusPayload](events[0])
	require.Equal(t, bob.UserID(), status.UserID)
	require.False(t, status.IsOnline)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	bob := f.connectUser("bob")
	drainEvents(alice)

	f.engine.Disconnect(bob)
	drainEvents(alice)

	f.engine.Disconnect(bob)
	f.engine.Disconnect(bob)

	require.Empty(t, drainEvents(alice), "duplicate disconnects must not re-broadcast")
	require.False(t, f.sessions.Online(bob.UserID()))
}

func TestReconnectSupersedesOldConnection(t *testing.T) {
	f := newEngineFixture(t)
	first := f.connectUser("alice")

	// alice reconnects; the first handle is force-closed
	second := f.attach(first.UserID(), "alice")
	require.True(t, first.closed())
	require.Equal(t, second, f.sessions.Get(first.UserID()))

	// the stale handle's teardown must not mark alice offline
	f.engine.Disconnect(first)
	require.True(t, f.sessions.Online(first.UserID()))
	user, err := f.store.GetUserByID(context.Background(), first.UserID())
	require.NoError(t, err)
	require.True(t, user.IsOnline)
}

func TestReconnectClearsStaleRoomState(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	bob := f.connectUser("bob")
	room := f.createRoom(alice, "general")
	f.dispatch(alice, EventJoinRoom, roomRequest{RoomID: room.ID})
	f.dispatch(bob, EventJoinRoom, roomRequest{RoomID: room.ID})
	f.dispatch(alice, EventTyping, roomRequest{RoomID: room.ID})
	drainEvents(alice)
	drainEvents(bob)

	// alice reconnects: the old handle leaves every room with it, even
	// before its own teardown runs
	second := f.attach(alice.UserID(), "alice")
	require.ElementsMatch(t, []int64{bob.UserID()}, f.members.MembersOf(room.ID))
	require.Empty(t, f.typing.TypingIn(room.ID, time.Now()))

	f.engine.Disconnect(alice)
	require.Equal(t, second, f.sessions.Get(alice.UserID()))

	// the member snapshot no longer lists a user who cannot receive
	// room events
	f.dispatch(bob, EventRequestOnlineUsers, onlineUsersRequest{RoomID: room.ID})
	events := drainEvents(bob)
	require.Equal(t, []string{EventOnlineUsers}, eventNames(events))
	scoped, _ := decodePayload[onlineUsersPayload](events[0])
	require.Len(t, scoped.Users, 1)
	require.Equal(t, "bob", scoped.Users[0].Username)
}

func TestMalformedPayloadRejected(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")

	f.engine.Dispatch(alice, Envelope{Event: EventDeleteMessage, Data: json.RawMessage(`{"message_id":`)})
	requireErrorEvent(t, alice, "Malformed event payload")

	f.engine.Dispatch(alice, Envelope{Event: EventJoinRoom, Data: json.RawMessage(`[1,2]`)})
	requireErrorEvent(t, alice, "Malformed event payload")
}

func TestJoinRoomReportsActiveTypers(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	bob := f.connectUser("bob")
	carol := f.connectUser("carol")
	room := f.createRoom(alice, "general")
	f.dispatch(alice, EventJoinRoom, roomRequest{RoomID: room.ID})
	f.dispatch(carol, EventJoinRoom, roomRequest{RoomID: room.ID})
	f.dispatch(alice, EventTyping, roomRequest{RoomID: room.ID})
	drainEvents(alice)
	drainEvents(carol)

	// carol's typing signal is long expired and must not be replayed
	f.typing.Set(room.ID, carol.UserID(), time.Now().Add(-time.Minute))

	f.dispatch(bob, EventJoinRoom, roomRequest{RoomID: room.ID})

	events := drainEvents(bob)
	require.Equal(t, []string{EventRoomJoined, EventRoomMembersUpdate, EventUserTyping}, eventNames(events))
	typing, _ := decodePayload[typingPayload](events[2])
	require.Equal(t, alice.UserID(), typing.UserID)
	require.Equal(t, "alice", typing.Username)
	require.Equal(t, room.ID, typing.RoomID)
}

func TestRejoinDoesNotReannounce(t *testing.T) {
	f := newEngineFixture(t)
	alice := f.connectUser("alice")
	bob := f.connectUser("bob")
	room := f.createRoom(alice, "general")
	f.dispatch(alice, EventJoinRoom, roomRequest{RoomID: room.ID})
	f.dispatch(bob, EventJoinRoom, roomRequest{RoomID: room.ID})
	drainEvents(alice)
	drainEvents(bob)

	f.dispatch(bob, EventJoinRoom, roomRequest{RoomID: room.ID})

	// bob gets a fresh snapshot; alice sees only the members refresh
	require.Equal(t, []string{EventRoomJoined, EventRoomMembersUpdate}, eventNames(drainEvents(bob)))
	require.Equal(t, []string{EventRoomMembersUpdate}, eventNames(drainEvents(alice)))
	require.ElementsMatch(t, []int64{alice.UserID(), bob.UserID()}, f.members.MembersOf(room.ID))
}
