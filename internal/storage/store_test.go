package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestUserLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, "alice", "alice@example.com", []byte("hash"))
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected id > 0")
	}
	if _, err := store.CreateUser(ctx, "alice", "other@example.com", []byte("hash2")); err != ErrUserExists {
		t.Fatalf("expected ErrUserExists for duplicate username, got %v", err)
	}
	if _, err := store.CreateUser(ctx, "alice2", "alice@example.com", []byte("hash2")); err != ErrUserExists {
		t.Fatalf("expected ErrUserExists for duplicate email, got %v", err)
	}

	user, err := store.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user == nil || user.Username != "alice" || user.Email != "alice@example.com" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.IsOnline {
		t.Fatalf("new user should start offline")
	}

	if err := store.SetOnline(ctx, id, true); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	online, err := store.ListOnlineUsers(ctx)
	if err != nil {
		t.Fatalf("ListOnlineUsers: %v", err)
	}
	if len(online) != 1 || online[0].ID != id {
		t.Fatalf("unexpected online users: %+v", online)
	}

	if err := store.UpdateProfile(ctx, id, "Alice W.", "/uploads/attachments/pic.png"); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	user, err = store.GetUserByID(ctx, id)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if user.DisplayName != "Alice W." {
		t.Fatalf("display name not updated: %+v", user)
	}
}

func TestGetUsersByIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	aliceID, _ := store.CreateUser(ctx, "alice", "alice@example.com", []byte("h"))
	bobID, _ := store.CreateUser(ctx, "bob", "bob@example.com", []byte("h"))
	if _, err := store.CreateUser(ctx, "carol", "carol@example.com", []byte("h")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	users, err := store.GetUsersByIDs(ctx, []int64{aliceID, bobID, 9999})
	if err != nil {
		t.Fatalf("GetUsersByIDs: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}

	users, err = store.GetUsersByIDs(ctx, nil)
	if err != nil {
		t.Fatalf("GetUsersByIDs empty: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected no users for empty id list")
	}
}

func TestRoomLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID, err := store.CreateUser(ctx, "alice", "alice@example.com", []byte("hash"))
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	room, err := store.CreateRoom(ctx, "general", "talk about anything", userID)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if room.ID == 0 || room.Name != "general" || room.IsGlobal {
		t.Fatalf("unexpected room: %+v", room)
	}

	fetched, err := store.GetRoomByID(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetRoomByID: %v", err)
	}
	if fetched == nil || fetched.CreatedBy != userID {
		t.Fatalf("unexpected fetch: %+v", fetched)
	}

	if err := store.DeleteRoom(ctx, room.ID); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	fetched, err = store.GetRoomByID(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetRoomByID after delete: %v", err)
	}
	if fetched != nil {
		t.Fatalf("expected nil room after delete")
	}
}

func TestEnsureGlobalRoomIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.EnsureGlobalRoom(ctx, "Global Chat")
	if err != nil {
		t.Fatalf("EnsureGlobalRoom: %v", err)
	}
	if !first.IsGlobal {
		t.Fatalf("expected global flag: %+v", first)
	}
	second, err := store.EnsureGlobalRoom(ctx, "Global Chat")
	if err != nil {
		t.Fatalf("EnsureGlobalRoom second call: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("global room duplicated: %d vs %d", first.ID, second.ID)
	}
}

func TestMessageLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID, _ := store.CreateUser(ctx, "alice", "alice@example.com", []byte("hash"))
	room, err := store.CreateRoom(ctx, "general", "", userID)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	rec, err := store.CreateMessage(ctx, "hello", userID, room.ID, "text", "")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if rec.ID == 0 || rec.Username != "alice" || rec.RoomName != "general" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	fetched, err := store.GetMessageByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetMessageByID: %v", err)
	}
	if fetched == nil || fetched.Content != "hello" {
		t.Fatalf("unexpected message: %+v", fetched)
	}

	if _, err := store.CreateMessage(ctx, "second", userID, room.ID, "text", ""); err != nil {
		t.Fatalf("CreateMessage second: %v", err)
	}
	messages, err := store.ListMessages(ctx, room.ID, 50)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Content != "hello" || messages[1].Content != "second" {
		t.Fatalf("messages not in chronological order: %+v", messages)
	}

	if err := store.DeleteMessage(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	fetched, err = store.GetMessageByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetMessageByID after delete: %v", err)
	}
	if fetched != nil {
		t.Fatalf("expected nil after delete")
	}
}

func TestListMessagesLimitReturnsNewest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID, _ := store.CreateUser(ctx, "alice", "alice@example.com", []byte("hash"))
	room, _ := store.CreateRoom(ctx, "general", "", userID)

	for _, content := range []string{"one", "two", "three"} {
		if _, err := store.CreateMessage(ctx, content, userID, room.ID, "text", ""); err != nil {
			t.Fatalf("CreateMessage %s: %v", content, err)
		}
	}
	messages, err := store.ListMessages(ctx, room.ID, 2)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 2 || messages[0].Content != "two" || messages[1].Content != "three" {
		t.Fatalf("expected newest two in order, got %+v", messages)
	}
}

func TestListJoinedRooms(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	aliceID, _ := store.CreateUser(ctx, "alice", "alice@example.com", []byte("hash"))
	bobID, _ := store.CreateUser(ctx, "bob", "bob@example.com", []byte("hash"))

	created, _ := store.CreateRoom(ctx, "mine", "", aliceID)
	posted, _ := store.CreateRoom(ctx, "theirs", "", bobID)
	if _, err := store.CreateRoom(ctx, "unrelated", "", bobID); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := store.CreateMessage(ctx, "hi", aliceID, posted.ID, "text", ""); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	rooms, err := store.ListJoinedRooms(ctx, aliceID)
	if err != nil {
		t.Fatalf("ListJoinedRooms: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("expected 2 joined rooms, got %d: %+v", len(rooms), rooms)
	}
	ids := map[int64]bool{rooms[0].ID: true, rooms[1].ID: true}
	if !ids[created.ID] || !ids[posted.ID] {
		t.Fatalf("wrong rooms: %+v", rooms)
	}
	for _, room := range rooms {
		if room.ID == posted.ID && room.MessageCount != 1 {
			t.Fatalf("expected message_count 1, got %d", room.MessageCount)
		}
	}
}

func TestDeleteRoomCascadesMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID, _ := store.CreateUser(ctx, "alice", "alice@example.com", []byte("hash"))
	room, _ := store.CreateRoom(ctx, "general", "", userID)
	rec, err := store.CreateMessage(ctx, "hello", userID, room.ID, "text", "")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	if err := store.DeleteRoom(ctx, room.ID); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	msg, err := store.GetMessageByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetMessageByID: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected message removed with room")
	}
}

func TestListAudioMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID, _ := store.CreateUser(ctx, "alice", "alice@example.com", []byte("hash"))
	room, _ := store.CreateRoom(ctx, "general", "", userID)

	if _, err := store.CreateMessage(ctx, "hello", userID, room.ID, "text", ""); err != nil {
		t.Fatalf("CreateMessage text: %v", err)
	}
	if _, err := store.CreateMessage(ctx, "/uploads/audio/x.webm", userID, room.ID, "audio", "x.webm"); err != nil {
		t.Fatalf("CreateMessage audio: %v", err)
	}

	audio, err := store.ListAudioMessages(ctx, room.ID)
	if err != nil {
		t.Fatalf("ListAudioMessages: %v", err)
	}
	if len(audio) != 1 || audio[0].Content != "/uploads/audio/x.webm" {
		t.Fatalf("unexpected audio messages: %+v", audio)
	}
}
