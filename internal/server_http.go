package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"chatwire/internal/storage"
)

// Server carries the HTTP and websocket surface: auth endpoints, the REST
// API the clients bootstrap from, uploads, and the websocket handshake that
// hands authenticated connections to the engine.
type Server struct {
	store       *storage.Store
	blobs       *storage.DiskBlobStore
	hub         *Hub
	engine      *Engine
	metrics     *Metrics
	authLimiter *RateLimiter
	tokens      *TokenIssuer
	gifs        GifSearcher
	log         *slog.Logger

	maxAudioSize      int64
	maxAttachmentSize int64
}

type ServerOptions struct {
	Store             *storage.Store
	Blobs             *storage.DiskBlobStore
	Hub               *Hub
	Engine            *Engine
	Metrics           *Metrics
	AuthLimiter       *RateLimiter
	Tokens            *TokenIssuer
	Gifs              GifSearcher
	Log               *slog.Logger
	MaxAudioSize      int64
	MaxAttachmentSize int64
}

func NewServer(opts ServerOptions) *Server {
	return &Server{
		store:             opts.Store,
		blobs:             opts.Blobs,
		hub:               opts.Hub,
		engine:            opts.Engine,
		metrics:           opts.Metrics,
		authLimiter:       opts.AuthLimiter,
		tokens:            opts.Tokens,
		gifs:              opts.Gifs,
		log:               opts.Log,
		maxAudioSize:      opts.MaxAudioSize,
		maxAttachmentSize: opts.MaxAttachmentSize,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type authResponse struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

type createRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New(validationMessage(err)))
		return
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	userID, err := s.store.CreateUser(r.Context(), req.Username, req.Email, hash)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusConflict, errors.New("username or email already taken"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if req.DisplayName != "" {
		if err := s.store.UpdateProfile(r.Context(), userID, req.DisplayName, ""); err != nil {
			s.log.Warn("set display name at signup", "user_id", userID, "error", err)
		}
	}
	s.metrics.IncSignup()

	token, err := s.tokens.Issue(userID, req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{
		Token:     token,
		UserID:    userID,
		Username:  req.Username,
		ExpiresAt: time.Now().Add(s.tokens.ttl),
	})
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New(validationMessage(err)))
		return
	}
	user, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil || !checkPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}

	token, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, authResponse{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		ExpiresAt: time.Now().Add(s.tokens.ttl),
	})
}

// HandleRooms serves the room collection: GET lists the caller's joined
// rooms, POST creates a room and posts its welcome message.
func (s *Server) HandleRooms(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticateRequest(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.listRooms(w, r, user)
	case http.MethodPost:
		s.createRoom(w, r, user)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request, user *AuthenticatedUser) {
	rooms, err := s.store.ListJoinedRooms(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rooms": lo.Map(rooms, func(rm storage.Room, _ int) RoomDTO { return roomToDTO(rm) }),
	})
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request, user *AuthenticatedUser) {
	var req createRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, errors.New("Room name is required"))
		return
	}
	room, err := s.store.CreateRoom(r.Context(), name, strings.TrimSpace(req.Description), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// Seed the room with a welcome message so new joiners never see an
	// empty history.
	welcome := user.Username + " created the room. Welcome!"
	if _, err := s.store.CreateMessage(r.Context(), welcome, user.ID, room.ID, "text", ""); err != nil {
		s.log.Warn("create welcome message", "room_id", room.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"room": roomToDTO(*room)})
}

// HandleMessages serves paginated history for one room:
// GET /api/messages/{roomID}?limit=N, newest N messages in chronological
// order.
func (s *Server) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if _, err := s.authenticateRequest(r); err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	roomID, err := pathID(r.URL.Path, "/api/messages/")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid room id"))
		return
	}
	room, err := s.store.GetRoomByID(r.Context(), roomID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if room == nil {
		writeError(w, http.StatusNotFound, ErrRoomNotFound)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	records, err := s.store.ListMessages(r.Context(), roomID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": lo.Map(records, func(rec storage.MessageRecord, _ int) MessageDTO { return messageToDTO(rec) }),
	})
}

// HandleOnlineUsers serves GET /api/online-users and
// GET /api/online-users/{roomID}.
func (s *Server) HandleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if _, err := s.authenticateRequest(r); err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/online-users")
	rest = strings.Trim(rest, "/")
	if rest != "" {
		roomID, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid room id"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"users": s.engine.onlineMembers(r.Context(), roomID),
		})
		return
	}
	users, err := s.store.ListOnlineUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": lo.Map(users, func(u storage.User, _ int) UserDTO { return userToDTO(u) }),
	})
}

// HandleGifSearch proxies GIF search to the upstream provider so the API
// key never reaches a client.
func (s *Server) HandleGifSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if _, err := s.authenticateRequest(r); err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, errors.New("Query parameter is required"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	gifs, err := s.gifs.Search(r.Context(), query, limit)
	if err != nil {
		s.log.Error("gif search", "query", query, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("Failed to fetch GIFs"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gifs": gifs})
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}

// ServeWS upgrades an authenticated request to a websocket connection and
// registers it with the engine. The token rides in the ?token query
// parameter or the Authorization header.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticateRequest(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade", "error", err)
		return
	}
	conn := newConn(user, sock)
	s.engine.Connect(context.Background(), conn)
	go conn.writePump()
	go conn.readPump(s.engine)
}

// authenticateRequest resolves the request's bearer token to a live user.
func (s *Server) authenticateRequest(r *http.Request) (*AuthenticatedUser, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, errUnauthorized
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, errUnauthorized
	}
	user, err := s.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errUnauthorized
	}
	return &AuthenticatedUser{
		ID:             user.ID,
		Username:       user.Username,
		DisplayName:    user.DisplayName,
		ProfilePicture: user.ProfilePicture,
	}, nil
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func pathID(path, prefix string) (int64, error) {
	raw := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	return strconv.ParseInt(raw, 10, 64)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
