package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

type (
	authDoneMsg struct {
		result *authResult
		err    error
	}
	roomsLoadedMsg struct {
		rooms []RoomDTO
		err   error
	}
	roomCreatedMsg struct {
		room *RoomDTO
		err  error
	}
	historyLoadedMsg struct {
		roomID   int64
		messages []MessageDTO
		err      error
	}
	connectedWSMsg   struct{}
	wsEventMsg       Envelope
	wsClosedMsg      struct{ err error }
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
)

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	// schedule a future poke that nudges Update to try the connection again
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

func (model *TUIModel) signupCmd(username, email, password string) tea.Cmd {
	return func() tea.Msg {
		result, err := apiSignup(model.serverURL, username, email, password)
		return authDoneMsg{result: result, err: err}
	}
}

func (model *TUIModel) loginCmd(username, password string) tea.Cmd {
	return func() tea.Msg {
		result, err := apiLogin(model.serverURL, username, password)
		return authDoneMsg{result: result, err: err}
	}
}

func (model *TUIModel) loadRoomsCmd() tea.Cmd {
	return func() tea.Msg {
		rooms, err := apiListRooms(model.serverURL, model.token)
		return roomsLoadedMsg{rooms: rooms, err: err}
	}
}

func (model *TUIModel) createRoomCmd(name string) tea.Cmd {
	return func() tea.Msg {
		room, err := apiCreateRoom(model.serverURL, model.token, name, "")
		return roomCreatedMsg{room: room, err: err}
	}
}

func (model *TUIModel) loadHistoryCmd(roomID int64) tea.Cmd {
	return func() tea.Msg {
		messages, err := apiListMessages(model.serverURL, model.token, roomID, 50)
		return historyLoadedMsg{roomID: roomID, messages: messages, err: err}
	}
}

// websocket dial
func (model *TUIModel) connectCmd() tea.Cmd {
	return func() tea.Msg {
		wsURL, err := wsURLFromBase(model.serverURL, model.token)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{})
		if err != nil {
			return connectFailedMsg{err: err}
		}
		model.websocketConn = conn
		return connectedWSMsg{}
	}
}

// readOnceCmd pulls a single frame off the socket; Update re-arms it after
// every event so reads stay inside the tea loop.
func (model *TUIModel) readOnceCmd() tea.Cmd {
	return func() tea.Msg {
		if model.websocketConn == nil {
			return wsClosedMsg{err: fmt.Errorf("websocket not connected")}
		}
		messageType, payload, err := model.websocketConn.ReadMessage()
		if err != nil {
			return wsClosedMsg{err: err}
		}
		if messageType != websocket.TextMessage {
			return wsEventMsg(Envelope{})
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return wsEventMsg(Envelope{})
		}
		return wsEventMsg(env)
	}
}

// sendEventCmd marshals and writes one event frame to the server.
func (model *TUIModel) sendEventCmd(event string, payload any) tea.Cmd {
	return func() tea.Msg {
		if model.websocketConn == nil {
			return wsClosedMsg{err: fmt.Errorf("websocket not connected")}
		}
		frame, err := encodeEvent(event, payload)
		if err != nil {
			return wsClosedMsg{err: err}
		}
		model.writeMutex.Lock()
		err = model.websocketConn.WriteMessage(websocket.TextMessage, frame)
		model.writeMutex.Unlock()
		if err != nil {
			return wsClosedMsg{err: err}
		}
		return nil
	}
}

func (model *TUIModel) closeWS() {
	if model.websocketConn != nil {
		_ = model.websocketConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = model.websocketConn.Close()
		model.websocketConn = nil
	}
	model.isConnected = false
}

// entry for bubbletea
func RunClient(serverURL, username string) error {
	program := tea.NewProgram(NewTUIModel(serverURL, username), tea.WithAltScreen())
	_, err := program.Run()
	return err
}
