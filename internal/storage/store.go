package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and exposes the durable user/room/message
// operations consumed by the realtime engine and the HTTP API.
type Store struct {
	db *sql.DB
}

// User represents a row in the users table.
type User struct {
	ID             int64
	Username       string
	Email          string
	PasswordHash   []byte
	DisplayName    string
	ProfilePicture string
	IsOnline       bool
	LastSeen       time.Time
	CreatedAt      time.Time
}

// Room represents a row in the rooms table. MessageCount is only populated
// by list queries.
type Room struct {
	ID           int64
	Name         string
	Description  string
	CreatedBy    int64
	IsGlobal     bool
	CreatedAt    time.Time
	MessageCount int64
}

// Message represents a row in the messages table. For non-text types the
// content holds the URL of the backing blob.
type Message struct {
	ID        int64
	Content   string
	UserID    int64
	RoomID    int64
	Type      string
	FileName  string
	Timestamp time.Time
}

// MessageRecord is a message joined with its author and room, used for
// history listings and the new_message payload.
type MessageRecord struct {
	Message
	Username       string
	DisplayName    string
	ProfilePicture string
	RoomName       string
}

// ErrUserExists is returned when username or email collides with an existing row.
var ErrUserExists = errors.New("user already exists")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "chatwire.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE,
			password_hash BLOB NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			profile_picture TEXT NOT NULL DEFAULT '',
			is_online INTEGER NOT NULL DEFAULT 0,
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_by INTEGER NOT NULL,
			is_global INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(created_by) REFERENCES users(id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			room_id INTEGER NOT NULL,
			message_type TEXT NOT NULL DEFAULT 'text',
			file_name TEXT NOT NULL DEFAULT '',
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_ts ON messages(room_id, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateUser inserts a new user. ErrUserExists is returned on username or
// email conflicts.
func (s *Store) CreateUser(ctx context.Context, username, email string, passwordHash []byte) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, email, password_hash) VALUES(?, ?, ?)`,
		username, email, passwordHash)
	if err != nil {
		if isConstraintError(err) {
			return 0, ErrUserExists
		}
		return 0, err
	}
	return result.LastInsertId()
}

const userColumns = `id, username, email, password_hash, display_name, profile_picture, is_online, last_seen, created_at`

// GetUserByUsername fetches a user by username. Returns nil when absent.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByID fetches a user by primary key. Returns nil when absent.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.DisplayName, &user.ProfilePicture, &user.IsOnline, &user.LastSeen, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// GetUsersByIDs fetches all users whose id is in the given set, ordered by username.
func (s *Store) GetUsersByIDs(ctx context.Context, ids []int64) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id IN (`+placeholders+`) ORDER BY username ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

// ListOnlineUsers returns every user currently flagged online.
func (s *Store) ListOnlineUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE is_online = 1 ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]User, error) {
	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash,
			&u.DisplayName, &u.ProfilePicture, &u.IsOnline, &u.LastSeen, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetOnline flips the online flag and touches last_seen. Called on every
// connect/disconnect transition.
func (s *Store) SetOnline(ctx context.Context, userID int64, online bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_online = ?, last_seen = ? WHERE id = ?`,
		online, time.Now().UTC(), userID)
	return err
}

// UpdateProfile replaces the display name and profile picture for a user.
func (s *Store) UpdateProfile(ctx context.Context, userID int64, displayName, profilePicture string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET display_name = ?, profile_picture = ? WHERE id = ?`,
		displayName, profilePicture, userID)
	return err
}

// CreateRoom inserts a room and returns the stored row.
func (s *Store) CreateRoom(ctx context.Context, name, description string, createdBy int64) (*Room, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms(name, description, created_by) VALUES(?, ?, ?)`,
		name, description, createdBy)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetRoomByID(ctx, id)
}

// GetRoomByID fetches a room by primary key. Returns nil when absent.
func (s *Store) GetRoomByID(ctx context.Context, id int64) (*Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_by, is_global, created_at FROM rooms WHERE id = ?`, id)
	var room Room
	if err := row.Scan(&room.ID, &room.Name, &room.Description, &room.CreatedBy, &room.IsGlobal, &room.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

// DeleteRoom removes a room; messages cascade via the foreign key.
func (s *Store) DeleteRoom(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	return err
}

// ListJoinedRooms returns the rooms the user has authored at least one
// message in, most recently created first. Membership is derived from
// authorship history, not from live join state.
func (s *Store) ListJoinedRooms(ctx context.Context, userID int64) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.description, r.created_by, r.is_global, r.created_at,
			(SELECT COUNT(1) FROM messages WHERE room_id = r.id) AS message_count
		FROM rooms r
		WHERE EXISTS (SELECT 1 FROM messages m WHERE m.room_id = r.id AND m.user_id = ?)
		ORDER BY r.created_at DESC, r.id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Description, &room.CreatedBy,
			&room.IsGlobal, &room.CreatedAt, &room.MessageCount); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// EnsureGlobalRoom seeds the undeletable global room (and the system user
// that owns it) if it does not exist yet. Safe to call on every boot.
func (s *Store) EnsureGlobalRoom(ctx context.Context, name string) (*Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_by, is_global, created_at FROM rooms WHERE is_global = 1 LIMIT 1`)
	var room Room
	err := row.Scan(&room.ID, &room.Name, &room.Description, &room.CreatedBy, &room.IsGlobal, &room.CreatedAt)
	if err == nil {
		return &room, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	system, err := s.GetUserByUsername(ctx, "system")
	if err != nil {
		return nil, err
	}
	var systemID int64
	if system != nil {
		systemID = system.ID
	} else {
		systemID, err = s.CreateUser(ctx, "system", "system@localhost", []byte("!"))
		if err != nil {
			return nil, err
		}
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms(name, description, created_by, is_global) VALUES(?, ?, ?, 1)`,
		name, "Open to everyone", systemID)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetRoomByID(ctx, id)
}

const messageColumns = `m.id, m.content, m.user_id, m.room_id, m.message_type, m.file_name, m.timestamp,
	u.username, COALESCE(NULLIF(u.display_name, ''), u.username), u.profile_picture, r.name`

// CreateMessage persists a message and returns the stored record joined with
// its author.
func (s *Store) CreateMessage(ctx context.Context, content string, userID, roomID int64, msgType, fileName string) (*MessageRecord, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(content, user_id, room_id, message_type, file_name, timestamp) VALUES(?, ?, ?, ?, ?, ?)`,
		content, userID, roomID, msgType, fileName, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetMessageByID(ctx, id)
}

// GetMessageByID fetches a message with author and room names. Returns nil when absent.
func (s *Store) GetMessageByID(ctx context.Context, id int64) (*MessageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN users u ON u.id = m.user_id
		JOIN rooms r ON r.id = m.room_id
		WHERE m.id = ?
	`, id)
	var rec MessageRecord
	if err := row.Scan(&rec.ID, &rec.Content, &rec.UserID, &rec.RoomID, &rec.Type, &rec.FileName,
		&rec.Timestamp, &rec.Username, &rec.DisplayName, &rec.ProfilePicture, &rec.RoomName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// DeleteMessage removes a single message row.
func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// ListMessages returns the most recent messages for a room in chronological
// order (newest `limit` rows, oldest first).
func (s *Store) ListMessages(ctx context.Context, roomID int64, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN users u ON u.id = m.user_id
		JOIN rooms r ON r.id = m.room_id
		WHERE m.room_id = ?
		ORDER BY m.timestamp DESC, m.id DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.UserID, &rec.RoomID, &rec.Type, &rec.FileName,
			&rec.Timestamp, &rec.Username, &rec.DisplayName, &rec.ProfilePicture, &rec.RoomName); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest-first from the query, reversed to chronological for callers
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// ListAudioMessages returns audio messages for a room, used to clean up
// backing blobs before a cascade delete.
func (s *Store) ListAudioMessages(ctx context.Context, roomID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, user_id, room_id, message_type, file_name, timestamp
		FROM messages WHERE room_id = ? AND message_type = 'audio'
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Content, &m.UserID, &m.RoomID, &m.Type, &m.FileName, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintCode
	}
	return false
}
