package events

import "encoding/json"

const (
	// TypeKBResult marks the status/result messages the tutor backend sends
	// for each utterance.
	TypeKBResult = "kb_result"

	StatusProcessing = "processing"
	StatusDone       = "done"
)

// Control is the one text message shape the backend sends. Every field is
// optional.
type Control struct {
	Type       string            `json:"type,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
	Answer     string            `json:"answer,omitempty"`
	Citations  []json.RawMessage `json:"citations,omitempty"`
	Error      string            `json:"error,omitempty"`
	Status     string            `json:"status,omitempty"`
}

// IsKBResult reports whether c is an utterance status/result message.
func (c *Control) IsKBResult() bool {
	return c.Type == TypeKBResult
}

func (c *Control) Processing() bool {
	return c.Status == StatusProcessing
}

// Done reports a finished turn carrying an answer, which may be empty.
func (c *Control) Done() bool {
	return c.Status == StatusDone
}

func (c *Control) HasError() bool {
	return c.Error != ""
}
