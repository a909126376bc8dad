package internal

import "errors"

// Event-level rejections. The message text is what the originating client
// sees in its error payload, so these mirror the wording the web client
// already understands.
var (
	ErrAuthRequired      = errors.New("Authentication required")
	ErrRoomNotFound      = errors.New("Room not found")
	ErrMessageNotFound   = errors.New("Message not found")
	ErrNotMessageAuthor  = errors.New("Unauthorized: You can only delete your own messages")
	ErrNotRoomCreator    = errors.New("Unauthorized: You can only delete rooms you created")
	ErrGlobalRoom        = errors.New("Cannot delete the global room")
	ErrRoomIDRequired    = errors.New("Room ID is required")
	ErrMessageIDRequired = errors.New("Message ID is required")
	ErrEmptyContent      = errors.New("Message content cannot be empty")
	ErrMalformedPayload  = errors.New("Malformed event payload")
)

// errUnauthorized is the HTTP-layer rejection for missing/invalid tokens.
var errUnauthorized = errors.New("unauthorized")

// opError hides a store failure behind a stable client-facing message while
// keeping the cause available for logging via Unwrap.
type opError struct {
	msg   string
	cause error
}

func (e *opError) Error() string { return e.msg }
func (e *opError) Unwrap() error { return e.cause }

// storeFailure wraps an unexpected durable-store error. The client only ever
// sees the generic message; the cause stays in the server log.
func storeFailure(msg string, cause error) error {
	return &opError{msg: msg, cause: cause}
}
