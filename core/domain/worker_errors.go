package domain

import (
	"errors"
	"fmt"
)

// Pipeline errors.
var (
	ErrNotConnected        = errors.New("account not connected")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrPlannerUnavailable  = errors.New("planner unavailable")
	ErrMalformedPlan       = errors.New("malformed plan")
	ErrUnknownAction       = errors.New("unknown action")
	ErrSyncInProgress      = errors.New("sync already in progress")
)

// ParseError marks a single message that could not be fetched or parsed.
type ParseError struct {
	ExternalID string
	Err        error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse message %s: %v", e.ExternalID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
