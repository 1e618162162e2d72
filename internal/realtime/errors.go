package realtime

import "errors"

var (
	// ErrForbiddenRoomOperation rejects client join/leave requests for auto-managed rooms.
	ErrForbiddenRoomOperation = errors.New("realtime: room membership is managed by the server")
	// ErrConnectionClosed indicates a send to a connection that already closed.
	ErrConnectionClosed = errors.New("realtime: connection closed")
	// ErrSendBufferFull indicates a slow consumer; the connection is closed.
	ErrSendBufferFull = errors.New("realtime: send buffer full")
	// ErrNotAuthenticated indicates registering a connection that has not authenticated.
	ErrNotAuthenticated = errors.New("realtime: connection not authenticated")
	// ErrRegistryClosed indicates registering after Shutdown.
	ErrRegistryClosed = errors.New("realtime: registry shut down")
	// ErrInvalidEvent indicates a malformed or unknown client event.
	ErrInvalidEvent = errors.New("realtime: invalid client event")

	errMissingRegistry      = errors.New("realtime: registry dependency required")
	errMissingStore         = errors.New("realtime: notification store dependency required")
	errMissingDispatcher    = errors.New("realtime: dispatcher dependency required")
	errMissingAuthenticator = errors.New("realtime: authenticator dependency required")
	errNilConnection        = errors.New("realtime: nil connection")
)
