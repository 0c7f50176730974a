package toolcall

import (
	"encoding/json"
	"fmt"
)

// Kind tags the outcome of a tool call.
type Kind int

const (
	// KindOk carries the tool's payload.
	KindOk Kind = iota
	// KindNeedsConfirmation carries candidates and a token for Confirm.
	KindNeedsConfirmation
	// KindFailed carries a code and message from the server or tool.
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindNeedsConfirmation:
		return "needs_confirmation"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Result is the interpreted outcome of Invoke or Confirm. Which fields
// are set depends on Kind.
type Result struct {
	Kind Kind `json:"kind"`

	// Payload is the structured content when present, otherwise the
	// raw tools/call result. For Failed it holds any error data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Text joins the result's text content blocks.
	Text string `json:"text,omitempty"`

	// Candidates, Message and Token are set for NeedsConfirmation.
	Candidates []Candidate `json:"candidates,omitempty"`
	Token      string      `json:"token,omitempty"`

	// Message explains a NeedsConfirmation or Failed result.
	Message string `json:"message,omitempty"`

	// Code is the JSON-RPC error code, or one of the Code constants in
	// this package, for Failed.
	Code int `json:"code,omitempty"`
}

// String renders a short description of r for logs and the shell.
func (r *Result) String() string {
	switch r.Kind {
	case KindFailed:
		return fmt.Sprintf("failed (%d): %s", r.Code, r.Message)
	case KindNeedsConfirmation:
		return fmt.Sprintf("needs confirmation: %d candidates (token %s)", len(r.Candidates), r.Token)
	default:
		return "ok"
	}
}

// Candidate is one option offered by a needs_confirmation result. The
// full object is kept in Raw; ID and Title are lifted out for display.
type Candidate struct {
	ID    string
	Title string
	Raw   json.RawMessage
}

// UnmarshalJSON keeps the raw object and extracts the id and a title.
// Numeric ids are rendered as text. The title falls back to "name",
// and a candidate that is not an object is used as its own title.
func (c *Candidate) UnmarshalJSON(data []byte) error {
	var fields struct {
		ID    any    `json:"id"`
		Title string `json:"title"`
		Name  string `json:"name"`
	}
	c.Raw = append(json.RawMessage(nil), data...)
	if err := json.Unmarshal(data, &fields); err != nil {
		// Bare strings and other scalars are shown as they are.
		var title string
		if json.Unmarshal(data, &title) == nil {
			c.Title = title
		} else {
			c.Title = string(data)
		}
		return nil
	}

	c.Title = fields.Title
	if c.Title == "" {
		c.Title = fields.Name
	}
	switch id := fields.ID.(type) {
	case nil:
		c.ID = ""
	case string:
		c.ID = id
	default:
		c.ID = fmt.Sprint(id)
	}
	return nil
}

// MarshalJSON writes the candidate as the server sent it.
func (c Candidate) MarshalJSON() ([]byte, error) {
	if len(c.Raw) == 0 {
		return json.Marshal(map[string]string{"id": c.ID, "title": c.Title})
	}
	return c.Raw, nil
}
