package app

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config defines how the chat backend runs. Values come from the
// environment via go-env tags; the cmd layer may override them with flags.
type Config struct {
	Addr   string `env:"CHATWIRE_ADDR,default=:8080"`
	WSPath string `env:"CHATWIRE_WS_PATH,default=/ws"`

	DBPath    string `env:"CHATWIRE_DB_PATH"`
	UploadDir string `env:"CHATWIRE_UPLOAD_DIR,default=uploads"`

	JWTSecret string        `env:"CHATWIRE_JWT_SECRET"`
	TokenTTL  time.Duration `env:"CHATWIRE_TOKEN_TTL,default=24h"`

	GiphyAPIKey string `env:"GIPHY_API_KEY"`

	GlobalRoomName string `env:"CHATWIRE_GLOBAL_ROOM,default=Global Chat"`

	MaxAudioSize      int64 `env:"CHATWIRE_MAX_AUDIO_SIZE,default=10485760"`
	MaxAttachmentSize int64 `env:"CHATWIRE_MAX_ATTACHMENT_SIZE,default=52428800"`

	AuthRateLimit  int           `env:"CHATWIRE_AUTH_RATE_LIMIT,default=10"`
	AuthRateWindow time.Duration `env:"CHATWIRE_AUTH_RATE_WINDOW,default=1m"`

	LogLevel string `env:"CHATWIRE_LOG_LEVEL,default=info"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string `env:"CHATWIRE_SERVER_URL,default=http://localhost:8080"`
	Username  string `env:"CHATWIRE_USERNAME"`
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("CHATWIRE_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("CHATWIRE_DATA_DIR"); env != "" {
		return filepath.Join(env, "chatwire.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatwire", "chatwire.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Chatwire", "chatwire.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Chatwire", "chatwire.db")
		}
		return filepath.Join(home, ".local", "share", "chatwire", "chatwire.db")
	}
	return filepath.Join(".", ".chatwire", "chatwire.db")
}

// NormalizeWSPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeWSPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
