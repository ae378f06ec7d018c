package stream

import (
	"encoding/json"
	"errors"
)

// Wire event names.
const (
	EventToken         = "token"
	EventTokenRecovery = "token_recovery"
	EventDone          = "done"
	EventError         = "error"
)

// StatusCompleted is the done status of a successful job.
const StatusCompleted = "completed"

const defaultStageMessage = "Working on it..."

var stageMessages = map[string]string{
	"queued":           "Waiting in line...",
	"intent":           "Understanding your question...",
	"vision":           "Looking at your photo...",
	"waste_rag":        "Checking sorting guidelines...",
	"character":        "Getting ready to answer...",
	"location":         "Finding your area...",
	"bulk_waste":       "Checking bulk waste rules...",
	"weather":          "Checking the weather...",
	"collection_point": "Looking up collection points...",
	"recyclable_price": "Looking up recyclable prices...",
	"web_search":       "Searching the web...",
	"image_generation": "Drawing an image...",
	"general":          "Thinking...",
	"aggregator":       "Putting the results together...",
	"summarize":        "Summarizing...",
	"answer":           "Writing the answer...",
}

// IsStage reports whether name is a progress event.
func IsStage(name string) bool {
	_, ok := stageMessages[name]
	return ok
}

// StageMessage returns the human readable status of a stage. Unknown or empty
// stages map to a generic message.
func StageMessage(stage string) string {
	if msg, ok := stageMessages[stage]; ok {
		return msg
	}
	return defaultStageMessage
}

type progressPayload struct {
	Stage    string   `json:"stage"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
}

type tokenPayload struct {
	Content string `json:"content"`
}

type recoveryPayload struct {
	Accumulated string `json:"accumulated"`
	Completed   bool   `json:"completed"`
}

type donePayload struct {
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Progress reports a backend pipeline stage.
type Progress struct {
	Stage    string
	Status   string
	Progress *float64
	Message  string
}

// Result is the terminal outcome of a job. Err is nil on success.
type Result struct {
	JobID   string
	Status  string
	Payload json.RawMessage
	// Text is the accumulated token text at completion.
	Text string
	Err  error
}

// ErrReconnectExhausted is reported when transport errors outlast the
// reconnect budget.
var ErrReconnectExhausted = errors.New("stream: reconnect attempts exhausted")

// ServerError is a failure reported by the backend, either as an error event
// with a payload or a done event with a non-completed status.
type ServerError struct {
	Status  string
	Message string
}

func (e *ServerError) Error() string {
	if e.Status != "" {
		return "stream: job " + e.Status + ": " + e.Message
	}
	return "stream: server error: " + e.Message
}
