package internal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// pre styled colors, all from lipgloss
var (
	appTitleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	chatHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle   = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle  = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	messageBoxStyle  = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle    = lipgloss.NewStyle().Bold(true)
	selfStyle        = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemTextStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	typingStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("178")).Italic(true)
	memberStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	memberBoxStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1).MarginLeft(2)
	selectedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	userColorPalette = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model *TUIModel) View() string {
	switch model.mode {
	case modeAuthMenu:
		return model.renderAuthMenuView()
	case modeAuthUsername, modeAuthEmail, modeAuthPassword:
		return model.renderPromptView()
	case modeRooms:
		return model.renderRoomsView()
	case modeCreateRoom:
		return model.renderCreateRoomView()
	default:
		return model.renderChatView()
	}
}

func (model *TUIModel) renderAuthMenuView() string {
	title := appTitleStyle.Render("Chatwire")
	subtitle := subtitleStyle.Render("Multi-room chat from your terminal")

	options := []string{
		renderMenuOption("1", "Log in"),
		renderMenuOption("2", "Sign up"),
		renderMenuOption("q", "Quit"),
	}

	sections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if model.loading {
		sections = append(sections, connectingStyle.Render("Working…"))
	}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderPromptView() string {
	title := "Log in"
	if model.authIntent == authIntentSignup {
		title = "Create an account"
	}
	hint := "Enter your username"
	switch model.mode {
	case modeAuthEmail:
		hint = "Enter your email address"
	case modeAuthPassword:
		hint = "Enter your password"
	}

	sections := []string{
		appTitleStyle.Render(title),
		menuHintStyle.Render(hint),
		inputBoxStyle.Render(model.textInput.View()),
	}
	if model.loading {
		sections = append(sections, connectingStyle.Render("Working…"))
	}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, menuHintStyle.Render("Enter) Continue  •  Esc) Back"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderRoomsView() string {
	title := appTitleStyle.Render("Rooms")
	subtitle := subtitleStyle.Render("Logged in as " + model.username)

	var items []string
	if len(model.rooms) == 0 {
		items = append(items, menuItemStyle.Render("No rooms yet. Press n to create one."))
	}
	for i, room := range model.rooms {
		line := fmt.Sprintf("%s  (%d messages)", room.Name, room.MessageCount)
		if room.IsGlobal {
			line += "  ★"
		}
		if i == model.roomIndex {
			items = append(items, selectedStyle.Render("› "+line))
		} else {
			items = append(items, menuItemStyle.Render("  "+line))
		}
	}

	sections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, items...)),
	}
	sections = append(sections, model.renderConnectionStatus())
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, menuHintStyle.Render("↑/↓) Select  •  Enter) Join  •  n) New room  •  r) Refresh  •  q) Quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderCreateRoomView() string {
	sections := []string{
		appTitleStyle.Render("Create a room"),
		menuHintStyle.Render("Enter a room name and press Enter."),
		inputBoxStyle.Render(model.textInput.View()),
	}
	if model.loading {
		sections = append(sections, connectingStyle.Render("Working…"))
	}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderChatView() string {
	roomName := "unknown"
	if model.activeRoom != nil {
		roomName = model.activeRoom.Name
	}
	header := chatHeaderStyle.Render("# " + roomName)

	var lines []string
	if model.loading {
		lines = append(lines, connectingStyle.Render("Loading history…"))
	}
	for _, msg := range model.messages {
		lines = append(lines, model.renderMessage(msg))
	}
	if len(lines) == 0 {
		lines = append(lines, systemTextStyle.Render("No messages yet. Say hello!"))
	}
	messagesBox := messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))

	body := messagesBox
	if sidebar := model.renderMemberSidebar(); sidebar != "" {
		body = lipgloss.JoinHorizontal(lipgloss.Top, messagesBox, sidebar)
	}

	sections := []string{header, body}
	if typing := model.renderTypingLine(); typing != "" {
		sections = append(sections, typing)
	}
	sections = append(sections, inputBoxStyle.Render(model.textInput.View()))
	sections = append(sections, model.renderConnectionStatus())
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, menuHintStyle.Render("Esc) Rooms  •  /who  /rooms  /delete <id>  /quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderMessage(msg MessageDTO) string {
	ts := timestampStyle.Render(msg.Timestamp.Local().Format("15:04"))
	name := msg.DisplayName
	if name == "" {
		name = msg.Username
	}
	nameStyle := usernameStyle.Copy().Foreground(colorForUser(msg.UserID))
	if msg.UserID == model.userID {
		nameStyle = selfStyle
	}
	body := msg.Content
	switch msg.MessageType {
	case "gif":
		body = systemTextStyle.Render("[gif] " + msg.Content)
	case "audio":
		body = systemTextStyle.Render("[voice message] " + msg.Content)
	case "image", "video", "file":
		label := msg.FileName
		if label == "" {
			label = msg.Content
		}
		body = systemTextStyle.Render("[" + msg.MessageType + "] " + label)
	}
	return fmt.Sprintf("%s %s %s", ts, nameStyle.Render(name+":"), body)
}

func (model *TUIModel) renderMemberSidebar() string {
	if len(model.members) == 0 {
		return ""
	}
	lines := []string{usernameStyle.Render("Online")}
	for _, member := range model.members {
		name := member.DisplayName
		if name == "" {
			name = member.Username
		}
		lines = append(lines, memberStyle.Render("• "+name))
	}
	return memberBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (model *TUIModel) renderTypingLine() string {
	if len(model.typers) == 0 {
		return ""
	}
	names := make([]string, 0, len(model.typers))
	for _, name := range model.typers {
		names = append(names, name)
	}
	sort.Strings(names)
	switch len(names) {
	case 1:
		return typingStyle.Render(names[0] + " is typing…")
	case 2:
		return typingStyle.Render(names[0] + " and " + names[1] + " are typing…")
	default:
		return typingStyle.Render("Several people are typing…")
	}
}

func (model *TUIModel) renderConnectionStatus() string {
	if model.isConnected {
		return connectedStyle.Render("● Connected")
	}
	if model.connectionError != nil {
		return connectingStyle.Render("○ Reconnecting… (" + model.connectionError.Error() + ")")
	}
	return connectingStyle.Render("○ Connecting…")
}

func (model *TUIModel) renderNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	rendered := make([]string, 0, len(model.notices))
	for _, notice := range model.notices {
		rendered = append(rendered, systemTextStyle.Render(notice))
	}
	return strings.Join(rendered, "\n")
}

func renderMenuOption(hotkey, label string) string {
	return menuItemStyle.Render(menuHotkeyStyle.Render(hotkey+")") + " " + label)
}

func colorForUser(id int64) lipgloss.Color {
	if id < 0 {
		id = -id
	}
	return userColorPalette[id%int64(len(userColorPalette))]
}
