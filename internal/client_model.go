package internal

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// tui model struct for all the components and modes
type TUIModel struct {
	textInput textinput.Model

	serverURL string
	username  string
	password  string
	email     string
	token     string
	userID    int64

	rooms      []RoomDTO
	roomIndex  int
	activeRoom *RoomDTO
	messages   []MessageDTO
	members    []UserDTO
	typers     map[int64]string
	notices    []string

	websocketConn   *websocket.Conn
	writeMutex      sync.Mutex
	isConnected     bool
	connectionError error
	loading         bool

	lastTypingSent time.Time

	mode       appMode
	authIntent authIntent

	width  int
	height int
}

type appMode int

const (
	modeAuthMenu appMode = iota
	modeAuthUsername
	modeAuthEmail
	modeAuthPassword
	modeRooms
	modeCreateRoom
	modeChat
)

type authIntent int

const (
	authIntentLogin authIntent = iota
	authIntentSignup
)

func NewTUIModel(serverURL, username string) *TUIModel {
	input := textinput.New()
	input.CharLimit = 0
	input.Prompt = ""

	if username == "" {
		username = defaultUsername()
	}

	return &TUIModel{
		textInput: input,
		serverURL: serverURL,
		username:  username,
		typers:    make(map[int64]string),
		messages:  make([]MessageDTO, 0, 64),
		mode:      modeAuthMenu,
	}
}

// init user
func defaultUsername() string {
	if user := os.Getenv("CHATWIRE_USERNAME"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return ""
}

func (model *TUIModel) Init() tea.Cmd {
	return nil
}

func (model *TUIModel) addNotice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > 3 {
		model.notices = model.notices[len(model.notices)-3:]
	}
}

func (model *TUIModel) clearNotices() {
	model.notices = nil
}

func (model *TUIModel) promptFor(mode appMode, placeholder, prompt string) tea.Cmd {
	model.mode = mode
	model.textInput.SetValue("")
	model.textInput.Placeholder = placeholder
	model.textInput.Prompt = prompt
	model.textInput.EchoMode = textinput.EchoNormal
	if mode == modeAuthPassword {
		model.textInput.EchoMode = textinput.EchoPassword
	}
	return model.textInput.Focus()
}
