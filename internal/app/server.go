package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	intrnl "chatwire/internal"
	"chatwire/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	store  *storage.Store
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer wires the store, engine and HTTP surface together, runs
// migrations, seeds the global room, and starts serving in the background.
// Call Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg Config, log *slog.Logger) (*ServerHandle, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	cfg.WSPath = NormalizeWSPath(cfg.WSPath)
	if cfg.JWTSecret == "" {
		// Ephemeral secret: tokens stop working across restarts, which is
		// acceptable for local runs but operators should set one.
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.JWTSecret = hex.EncodeToString(secret)
		log.Warn("no JWT secret configured, using an ephemeral one")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if _, err := store.EnsureGlobalRoom(context.Background(), cfg.GlobalRoomName); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("seed global room: %w", err)
	}

	blobs, err := storage.NewDiskBlobStore(cfg.UploadDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	metrics := intrnl.NewMetrics()
	hub := intrnl.NewHub(log)
	engine := intrnl.NewEngine(store, blobs, hub,
		intrnl.NewSessionRegistry(), intrnl.NewRoomMembers(), intrnl.NewTypingTracker(),
		metrics, log)

	server := intrnl.NewServer(intrnl.ServerOptions{
		Store:             store,
		Blobs:             blobs,
		Hub:               hub,
		Engine:            engine,
		Metrics:           metrics,
		AuthLimiter:       intrnl.NewRateLimiter(cfg.AuthRateLimit, cfg.AuthRateWindow),
		Tokens:            intrnl.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL),
		Gifs:              intrnl.NewGiphyClient(cfg.GiphyAPIKey),
		Log:               log,
		MaxAudioSize:      cfg.MaxAudioSize,
		MaxAttachmentSize: cfg.MaxAttachmentSize,
	})

	mux := http.NewServeMux()
	registerHandlers(mux, cfg.WSPath, server)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		store:  store,
		done:   make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server shutdown", "error", err)
		}
	}()

	go handle.serve(listener, log)

	log.Info("server listening", "addr", handle.addr, "ws_path", cfg.WSPath)
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener, log *slog.Logger) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if closeErr := h.store.Close(); closeErr != nil {
		log.Error("store close", "error", closeErr)
	}
	h.err = err
}

func registerHandlers(mux *http.ServeMux, wsPath string, server *intrnl.Server) {
	mux.HandleFunc(wsPath, server.ServeWS)
	mux.HandleFunc("/signup", server.HandleSignup)
	mux.HandleFunc("/login", server.HandleLogin)
	mux.HandleFunc("/api/rooms", server.HandleRooms)
	mux.HandleFunc("/api/messages/", server.HandleMessages)
	mux.HandleFunc("/api/online-users", server.HandleOnlineUsers)
	mux.HandleFunc("/api/online-users/", server.HandleOnlineUsers)
	mux.HandleFunc("/api/search-gifs", server.HandleGifSearch)
	mux.HandleFunc("/upload_audio", server.HandleAudioUpload)
	mux.HandleFunc("/upload_attachment", server.HandleAttachmentUpload)
	mux.HandleFunc("/uploads/", server.HandleUploads)
	mux.Handle("/metrics", server.MetricsHandler())
}
