package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrInFlight is returned by Send while another send is being processed.
	ErrInFlight = errors.New("pipeline: a send is already in flight")
	// ErrBusy is returned when an operation needs the pipeline to be idle.
	ErrBusy = errors.New("pipeline: generation in progress")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pipeline: closed")
	// ErrAbandoned is returned by a send whose chat was replaced while it ran.
	ErrAbandoned = errors.New("pipeline: chat changed during send")
	ErrNotFound  = errors.New("pipeline: message not found")
	ErrEmpty     = errors.New("pipeline: empty message")
)

// Send failure stages.
const (
	OpCreateChat = "create_chat"
	OpUpload     = "upload"
	OpCreateJob  = "create_job"
	OpStream     = "stream"
	OpPersist    = "persist"
)

// SendError is a send that failed at stage Op.
type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed at %s: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
