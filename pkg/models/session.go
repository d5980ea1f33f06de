package models

// Session status values. "deleted" is terminal for mutation but the
// session stays readable for audit.
const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

type Session struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	// AppName is a namespacing label, immutable after creation
	AppName string `json:"app_name"`
	// State is the current projection; mutated only by folding event deltas
	State map[string]any `json:"state,omitempty"`
	// Events is the visible history attached on get; not stored on the
	// session record itself
	Events []Event `json:"events,omitempty"`
	// LastUpdateTime is epoch seconds; monotonically non-decreasing
	LastUpdateTime float64 `json:"last_update_time"`
	CreatedAt      string  `json:"created_at,omitempty"`
	UpdatedAt      string  `json:"updated_at,omitempty"`
	Status         string  `json:"status,omitempty"`
}

// Active reports whether the session accepts appends.
func (s *Session) Active() bool {
	return s.Status == "" || s.Status == StatusActive
}

// CloneState returns a shallow copy of the session state map. Callers that
// hand state to the projector must not share the underlying map.
func (s *Session) CloneState() map[string]any {
	out := make(map[string]any, len(s.State))
	for k, v := range s.State {
		out[k] = v
	}
	return out
}
