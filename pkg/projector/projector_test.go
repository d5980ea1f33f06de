package projector

import (
	"reflect"
	"testing"

	"sessiondb/pkg/models"
)

func evWithDelta(delta map[string]any) models.Event {
	return models.Event{Actions: &models.Actions{StateDelta: delta}}
}

func TestApplyMergesDelta(t *testing.T) {
	base := map[string]any{"a": float64(1), "b": "keep"}
	got := Apply(base, evWithDelta(map[string]any{"a": float64(2), "c": true}))
	want := map[string]any{"a": float64(2), "b": "keep", "c": true}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("apply: got %v want %v", got, want)
	}
	if base["a"] != float64(1) {
		t.Fatalf("base mutated: %v", base)
	}
}

func TestApplyNoDelta(t *testing.T) {
	base := map[string]any{"x": "y"}
	got := Apply(base, models.Event{})
	if !reflect.DeepEqual(got, base) {
		t.Fatalf("got %v want %v", got, base)
	}
	got["x"] = "z"
	if base["x"] != "y" {
		t.Fatalf("apply returned shared map")
	}
}

func TestReplayEqualsIteratedApply(t *testing.T) {
	events := []models.Event{
		evWithDelta(map[string]any{"n": float64(1)}),
		{},
		evWithDelta(map[string]any{"n": float64(2), "s": "hi"}),
		evWithDelta(map[string]any{"s": nil}),
	}
	viaReplay := Replay(nil, events)
	viaApply := map[string]any{}
	for _, ev := range events {
		viaApply = Apply(viaApply, ev)
	}
	if !reflect.DeepEqual(viaReplay, viaApply) {
		t.Fatalf("replay %v != folded apply %v", viaReplay, viaApply)
	}
}

func TestReplayNilBase(t *testing.T) {
	got := Replay(nil, nil)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil map, got %v", got)
	}
}
