package runtime

import "errors"

// State is a session's lifecycle stage
type State int32

const (
	StateUnmounted State = iota
	StateMounting
	StateAwaitingReady
	StateLive
	StateStalled
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateMounting:
		return "mounting"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateLive:
		return "live"
	case StateStalled:
		return "stalled"
	default:
		return "unknown"
	}
}

var (
	ErrSessionUnmounted = errors.New("session unmounted")
	ErrSessionStalled   = errors.New("session stalled: heartbeat not acknowledged")
	ErrReadyTimeout     = errors.New("module did not report ready")
	ErrAlreadyMounted   = errors.New("session already mounted")
	ErrSessionNotFound  = errors.New("session not found")
	ErrRequestTimeout   = errors.New("bridge request timed out")
	ErrClientClosed     = errors.New("bridge client closed")
)

// ModuleError is an error reported by the module through MODULE_ERROR
type ModuleError struct {
	Message string
	Stack   string
}

func (e *ModuleError) Error() string {
	return "module error: " + e.Message
}

// Dimensions is the size a module asked its hosting element to take
type Dimensions struct {
	Height int `json:"height"`
	Width  int `json:"width,omitempty"`
}
