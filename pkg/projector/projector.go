// Package projector derives session state by folding event deltas.
//
// The fold is pure: Apply never mutates its inputs, and replaying the same
// event sequence from the same base state always yields the same result.
package projector

import "sessiondb/pkg/models"

// Apply returns a new state map with the event's state delta merged in.
// The base map is copied before merge; keys absent from the delta are
// carried over untouched, keys present in the delta overwrite wholesale.
// Events without a delta return an unmodified copy of base.
func Apply(base map[string]any, ev models.Event) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range ev.Delta() {
		out[k] = v
	}
	return out
}

// Replay folds an ordered event slice over a base state. A nil base is
// treated as empty. The returned map is always freshly allocated.
func Replay(base map[string]any, events []models.Event) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, ev := range events {
		for k, v := range ev.Delta() {
			out[k] = v
		}
	}
	return out
}
