package coordinator

import "github.com/pkg/errors"

// Logical errors surfaced to callers. The API layer maps these onto HTTP
// status codes.
var (
	ErrUnknownAgent     = errors.New("unknown_agent")
	ErrUnknownTask      = errors.New("unknown_task")
	ErrNotClaimer       = errors.New("not_claimer")
	ErrTaskExpired      = errors.New("task_expired")
	ErrBlacklisted      = errors.New("agent_blacklisted")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrBadTransition    = errors.New("invalid_state_transition")
)
