package models

type Event struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	// OwnerID is denormalized from the session for query convenience
	OwnerID string `json:"owner_id,omitempty"`
	Author  string `json:"author,omitempty"`
	// Timestamp is epoch seconds; ordering key within a session
	Timestamp float64  `json:"timestamp"`
	Content   *Content `json:"content,omitempty"`
	Actions   *Actions `json:"actions,omitempty"`
}

// Content carries the message payload of an event. Role is "user" or
// "model"; each part independently holds text, a function call or a
// function response.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
}

type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

// Actions carries the side effects of an event. StateDelta is merged into
// the session projection on append; TransferTo is an informational handoff
// label, not authoritative control.
type Actions struct {
	StateDelta map[string]any `json:"state_delta,omitempty"`
	TransferTo string         `json:"transfer_to,omitempty"`
}

// Delta returns the event's state delta, or nil when the event carries no
// actions. An empty delta is a valid no-op.
func (e *Event) Delta() map[string]any {
	if e.Actions == nil {
		return nil
	}
	return e.Actions.StateDelta
}
