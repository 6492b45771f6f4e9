package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame is one object of an Ollama-compatible chat stream. Unknown fields, such as timing metrics, are
// ignored.
type Frame struct {
	Model      string       `json:"model,omitempty"`
	Message    FrameMessage `json:"message"`
	Done       bool         `json:"done,omitempty"`
	DoneReason string       `json:"done_reason,omitempty"`

	// Error is set when the server reports a failure in the middle of the stream.
	Error string `json:"error,omitempty"`
}

// FrameMessage is the message part of a Frame. Content carries the token.
type FrameMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// MalformedError reports a candidate that is not a valid frame.
type MalformedError struct {
	Candidate []byte
	Err       error
}

var errNotObject = errors.New("not a JSON object")

// maxReportedCandidate bounds how much of a bad candidate ends up in error messages and logs.
const maxReportedCandidate = 256

func (e *MalformedError) Error() string {
	c := e.Candidate
	suffix := ""
	if len(c) > maxReportedCandidate {
		c = c[:maxReportedCandidate]
		suffix = "..."
	}
	return fmt.Sprintf("malformed frame %q%s: %v", c, suffix, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// ParseFrame decodes one candidate returned by Decoder. Any failure is returned as a *MalformedError.
func ParseFrame(candidate []byte) (Frame, error) {
	if len(candidate) == 0 || candidate[0] != '{' {
		return Frame{}, &MalformedError{Candidate: candidate, Err: errNotObject}
	}

	var f Frame
	if err := json.Unmarshal(candidate, &f); err != nil {
		return Frame{}, &MalformedError{Candidate: candidate, Err: err}
	}
	return f, nil
}
