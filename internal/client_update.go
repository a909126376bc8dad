package internal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const typingThrottle = 2 * time.Second

func decodePayload[T any](env Envelope) (T, bool) {
	var out T
	if len(env.Data) == 0 {
		return out, false
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, false
	}
	return out, true
}

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.WindowSizeMsg:
		model.width = typedMessage.Width
		model.height = typedMessage.Height
		return model, nil

	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC {
			model.closeWS()
			return model, tea.Quit
		}
		return model.updateKey(typedMessage)

	case authDoneMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.addNotice(typedMessage.err.Error())
			model.mode = modeAuthMenu
			return model, nil
		}
		model.token = typedMessage.result.Token
		model.userID = typedMessage.result.UserID
		model.username = typedMessage.result.Username
		model.clearNotices()
		model.mode = modeRooms
		model.textInput.Blur()
		return model, tea.Batch(model.loadRoomsCmd(), model.connectCmd())

	case roomsLoadedMsg:
		if typedMessage.err != nil {
			model.addNotice(typedMessage.err.Error())
			return model, nil
		}
		model.rooms = typedMessage.rooms
		if model.roomIndex >= len(model.rooms) {
			model.roomIndex = 0
		}
		return model, nil

	case roomCreatedMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.addNotice(typedMessage.err.Error())
			return model, nil
		}
		model.mode = modeRooms
		model.addNotice(fmt.Sprintf("Room %q created.", typedMessage.room.Name))
		return model, model.loadRoomsCmd()

	case historyLoadedMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.addNotice(typedMessage.err.Error())
			return model, nil
		}
		if model.activeRoom != nil && model.activeRoom.ID == typedMessage.roomID {
			model.messages = typedMessage.messages
		}
		return model, nil

	case connectedWSMsg:
		model.isConnected = true
		model.connectionError = nil
		cmds := []tea.Cmd{model.readOnceCmd()}
		if model.activeRoom != nil {
			// rejoin after a reconnect so room traffic resumes
			cmds = append(cmds, model.sendEventCmd(EventJoinRoom, roomRequest{RoomID: model.activeRoom.ID}))
		}
		return model, tea.Batch(cmds...)

	case wsEventMsg:
		cmd := model.applyServerEvent(Envelope(typedMessage))
		return model, tea.Batch(cmd, model.readOnceCmd())

	case wsClosedMsg:
		model.isConnected = false
		model.websocketConn = nil
		if model.token != "" {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case connectFailedMsg:
		model.isConnected = false
		model.connectionError = typedMessage.err
		if model.token != "" {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case reconnectMsg:
		if !model.isConnected && model.token != "" {
			return model, model.connectCmd()
		}
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) updateKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch model.mode {
	case modeAuthMenu:
		switch key.String() {
		case "1", "l", "L":
			model.authIntent = authIntentLogin
			return model, model.promptFor(modeAuthUsername, "Enter username…", "user> ")
		case "2", "s", "S":
			model.authIntent = authIntentSignup
			return model, model.promptFor(modeAuthUsername, "Enter username…", "user> ")
		case "q", "Q", "esc":
			return model, tea.Quit
		}
		return model, nil

	case modeAuthUsername:
		switch key.Type {
		case tea.KeyEnter:
			trimmed := strings.TrimSpace(model.textInput.Value())
			if trimmed == "" {
				return model, nil
			}
			model.username = trimmed
			if model.authIntent == authIntentSignup {
				return model, model.promptFor(modeAuthEmail, "Enter email…", "email> ")
			}
			return model, model.promptFor(modeAuthPassword, "Enter password…", "pass> ")
		case tea.KeyEsc:
			model.mode = modeAuthMenu
			model.textInput.Blur()
			return model, nil
		}

	case modeAuthEmail:
		switch key.Type {
		case tea.KeyEnter:
			trimmed := strings.TrimSpace(model.textInput.Value())
			if trimmed == "" {
				return model, nil
			}
			model.email = trimmed
			return model, model.promptFor(modeAuthPassword, "Enter password…", "pass> ")
		case tea.KeyEsc:
			model.mode = modeAuthMenu
			model.textInput.Blur()
			return model, nil
		}

	case modeAuthPassword:
		switch key.Type {
		case tea.KeyEnter:
			model.password = model.textInput.Value()
			if model.password == "" {
				return model, nil
			}
			model.loading = true
			model.textInput.SetValue("")
			if model.authIntent == authIntentSignup {
				return model, model.signupCmd(model.username, model.email, model.password)
			}
			return model, model.loginCmd(model.username, model.password)
		case tea.KeyEsc:
			model.mode = modeAuthMenu
			model.textInput.Blur()
			return model, nil
		}

	case modeRooms:
		switch key.String() {
		case "up", "k":
			if model.roomIndex > 0 {
				model.roomIndex--
			}
			return model, nil
		case "down", "j":
			if model.roomIndex < len(model.rooms)-1 {
				model.roomIndex++
			}
			return model, nil
		case "enter":
			if len(model.rooms) == 0 {
				return model, nil
			}
			room := model.rooms[model.roomIndex]
			model.activeRoom = &room
			model.messages = nil
			model.members = nil
			model.typers = make(map[int64]string)
			model.loading = true
			model.clearNotices()
			cmds := []tea.Cmd{
				model.loadHistoryCmd(room.ID),
				model.promptFor(modeChat, "Type a message…", "> "),
			}
			if model.isConnected {
				cmds = append(cmds, model.sendEventCmd(EventJoinRoom, roomRequest{RoomID: room.ID}))
			}
			return model, tea.Batch(cmds...)
		case "n", "c":
			return model, model.promptFor(modeCreateRoom, "Enter room name…", "name> ")
		case "r":
			return model, model.loadRoomsCmd()
		case "q", "esc":
			model.closeWS()
			return model, tea.Quit
		}
		return model, nil

	case modeCreateRoom:
		switch key.Type {
		case tea.KeyEnter:
			trimmed := strings.TrimSpace(model.textInput.Value())
			if trimmed == "" {
				return model, nil
			}
			model.loading = true
			model.textInput.SetValue("")
			return model, model.createRoomCmd(trimmed)
		case tea.KeyEsc:
			model.mode = modeRooms
			model.textInput.Blur()
			return model, nil
		}

	case modeChat:
		switch key.Type {
		case tea.KeyEsc:
			return model, model.leaveActiveRoom()
		case tea.KeyEnter:
			trimmed := strings.TrimSpace(model.textInput.Value())
			if trimmed == "" {
				return model, nil
			}
			if strings.HasPrefix(trimmed, "/") {
				return model.handleSlashCommand(trimmed)
			}
			if model.activeRoom == nil || !model.isConnected {
				return model, nil
			}
			model.textInput.SetValue("")
			return model, model.sendEventCmd(EventSendMessage, sendMessageRequest{
				Content: trimmed,
				RoomID:  model.activeRoom.ID,
			})
		}
		var command tea.Cmd
		model.textInput, command = model.textInput.Update(key)
		cmds := []tea.Cmd{command}
		// throttled typing signal while composing
		if model.isConnected && model.activeRoom != nil &&
			time.Since(model.lastTypingSent) > typingThrottle &&
			strings.TrimSpace(model.textInput.Value()) != "" {
			model.lastTypingSent = time.Now()
			cmds = append(cmds, model.sendEventCmd(EventTyping, roomRequest{RoomID: model.activeRoom.ID}))
		}
		return model, tea.Batch(cmds...)
	}

	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) handleSlashCommand(input string) (tea.Model, tea.Cmd) {
	model.textInput.SetValue("")
	fields := strings.Fields(strings.ToLower(input))
	switch fields[0] {
	case "/quit", "/exit":
		model.closeWS()
		return model, tea.Quit
	case "/leave":
		return model, model.leaveActiveRoom()
	case "/who":
		if model.activeRoom != nil {
			return model, model.sendEventCmd(EventRequestOnlineUsers, onlineUsersRequest{RoomID: model.activeRoom.ID})
		}
		return model, model.sendEventCmd(EventRequestOnlineUsers, onlineUsersRequest{})
	case "/rooms":
		return model, model.sendEventCmd(EventRequestRooms, nil)
	case "/delete":
		if len(fields) < 2 || model.activeRoom == nil {
			model.addNotice("Usage: /delete <message id>")
			return model, nil
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			model.addNotice("Usage: /delete <message id>")
			return model, nil
		}
		return model, model.sendEventCmd(EventDeleteMessage, deleteMessageRequest{MessageID: id})
	case "/deleteroom":
		if model.activeRoom == nil {
			return model, nil
		}
		return model, model.sendEventCmd(EventDeleteRoom, roomRequest{RoomID: model.activeRoom.ID})
	default:
		model.addNotice("Unknown command: " + fields[0])
		return model, nil
	}
}

func (model *TUIModel) leaveActiveRoom() tea.Cmd {
	var cmd tea.Cmd
	if model.activeRoom != nil && model.isConnected {
		cmd = model.sendEventCmd(EventLeaveRoom, roomRequest{RoomID: model.activeRoom.ID})
	}
	model.activeRoom = nil
	model.messages = nil
	model.members = nil
	model.typers = make(map[int64]string)
	model.mode = modeRooms
	model.textInput.Blur()
	return tea.Batch(cmd, model.loadRoomsCmd())
}

// applyServerEvent folds one server event into the model.
func (model *TUIModel) applyServerEvent(env Envelope) tea.Cmd {
	switch env.Event {
	case EventConnected:
		model.isConnected = true

	case EventError:
		if payload, ok := decodePayload[errorPayload](env); ok {
			model.addNotice(payload.Message)
		}

	case EventNewMessage:
		if payload, ok := decodePayload[MessageDTO](env); ok {
			if model.activeRoom != nil && model.activeRoom.ID == payload.RoomID {
				model.messages = append(model.messages, payload)
				if len(model.messages) > 200 {
					model.messages = model.messages[len(model.messages)-200:]
				}
				delete(model.typers, payload.UserID)
			}
		}

	case EventUserTyping:
		if payload, ok := decodePayload[typingPayload](env); ok {
			if model.activeRoom != nil && payload.RoomID == model.activeRoom.ID && payload.UserID != model.userID {
				model.typers[payload.UserID] = payload.Username
			}
		}

	case EventStopTyping:
		if payload, ok := decodePayload[typingPayload](env); ok {
			delete(model.typers, payload.UserID)
		}

	case EventRoomJoined:
		if payload, ok := decodePayload[roomJoinedPayload](env); ok {
			if model.activeRoom != nil && model.activeRoom.ID == payload.RoomID {
				model.members = payload.Members
			}
		}

	case EventRoomMembersUpdate:
		if payload, ok := decodePayload[roomMembersPayload](env); ok {
			if model.activeRoom != nil && model.activeRoom.ID == payload.RoomID {
				model.members = payload.Members
			}
		}

	case EventUserJoined:
		if payload, ok := decodePayload[userJoinedPayload](env); ok {
			if model.activeRoom != nil && model.activeRoom.ID == payload.RoomID {
				model.addNotice(payload.Username + " joined the room.")
			}
		}

	case EventUserLeft:
		if payload, ok := decodePayload[userLeftPayload](env); ok {
			if model.activeRoom != nil && model.activeRoom.ID == payload.RoomID {
				model.addNotice(payload.Username + " left the room.")
				delete(model.typers, payload.UserID)
			}
		}

	case EventUserStatus:
		if payload, ok := decodePayload[userStatusPayload](env); ok {
			for i := range model.members {
				if model.members[i].ID == payload.UserID {
					model.members[i].IsOnline = payload.IsOnline
				}
			}
			if !payload.IsOnline {
				delete(model.typers, payload.UserID)
			}
		}

	case EventMessageDeleted:
		if payload, ok := decodePayload[messageDeletedPayload](env); ok {
			for i, msg := range model.messages {
				if msg.ID == payload.MessageID {
					model.messages = append(model.messages[:i], model.messages[i+1:]...)
					break
				}
			}
		}

	case EventRoomDeleted:
		if payload, ok := decodePayload[roomDeletedPayload](env); ok {
			if model.activeRoom != nil && model.activeRoom.ID == payload.RoomID {
				model.addNotice(fmt.Sprintf("Room %q was deleted.", payload.RoomName))
				model.activeRoom = nil
				model.messages = nil
				model.members = nil
				model.typers = make(map[int64]string)
				model.mode = modeRooms
				model.textInput.Blur()
			}
			return model.loadRoomsCmd()
		}

	case EventOnlineUsers:
		if payload, ok := decodePayload[onlineUsersPayload](env); ok {
			if payload.RoomID != nil && model.activeRoom != nil && *payload.RoomID == model.activeRoom.ID {
				model.members = payload.Users
			} else {
				model.addNotice(fmt.Sprintf("%d users online.", len(payload.Users)))
			}
		}

	case EventRoomsList:
		var rooms []RoomDTO
		if err := json.Unmarshal(env.Data, &rooms); err == nil {
			model.rooms = rooms
			if model.roomIndex >= len(model.rooms) {
				model.roomIndex = 0
			}
		}

	case EventRoomLeft:
		// acknowledgement only; state already updated when we left
	}
	return nil
}
