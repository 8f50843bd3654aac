package domain

import "errors"

var ErrNotFound = errors.New("not found")
var ErrAlreadyRegistered = errors.New("torrent already registered")
var ErrInvalidSource = errors.New("invalid torrent source")

// Piece map misuse. These indicate broken event wiring, not user error.
var (
	ErrNotSized        = errors.New("piece map not sized")
	ErrAlreadySized    = errors.New("piece map already sized")
	ErrIndexOutOfRange = errors.New("piece index out of range")
)

var (
	ErrDhtNotRunning = errors.New("dht not running")
	// ErrPoolInit wraps the failure of the first resource pool initialization.
	// The pool does not retry; a new pool has to be constructed.
	ErrPoolInit = errors.New("resource pool initialization failed")
	ErrDisposed = errors.New("session disposed")
	// ErrCorruptResumeRecord is degraded to "no resume data" by sessions.
	ErrCorruptResumeRecord = errors.New("corrupt resume record")
)
