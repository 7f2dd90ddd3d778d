package aggregator

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/matt-riley/variantz/internal/core"
)

func TestEventJSONShape(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_000_000)}
	rec := &recorder{}
	agg := New(rec.onFlush, WithClock(clock.Now))

	ec := core.EvaluationContext{TargetingKey: "alice", Attributes: map[string]any{"plan": "pro"}}
	ev := NewEvaluation("checkout", ec, match("treatment"), nil)
	ev.TargetingRuleKey = "pro-users"
	agg.Add(ev)
	clock.Advance(2 * time.Second)
	agg.Add(ev)
	clock.Advance(time.Minute)
	agg.Flush()

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("flushed %d events, want 1", len(events))
	}
	got, err := json.Marshal(events[0])
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"timestamp":1000000,"flag":{"key":"checkout"},"first_evaluation":1000000,"last_evaluation":1002000,` +
		`"evaluation_count":2,"runtime_default_used":false,"targeting_key":"alice",` +
		`"variant":{"key":"treatment"},"allocation":{"key":"experiment"},"targeting_rule":{"key":"pro-users"},` +
		`"context":{"evaluation":{"plan":"pro"}}}`
	if string(got) != want {
		t.Fatalf("Marshal() = %s\nwant %s", got, want)
	}
}

func TestEventJSONOmitsUnsetParts(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(2_000_000)}
	rec := &recorder{}
	agg := New(rec.onFlush, WithClock(clock.Now))

	agg.AddEvaluation("missing", core.EvaluationContext{}, core.Resolution{Reason: core.ReasonError, ErrorCode: core.ErrorCodeGeneral}, errors.New("flag not found"))
	agg.Flush()

	got, err := json.Marshal(rec.all()[0])
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"timestamp":2000000,"flag":{"key":"missing"},"first_evaluation":2000000,"last_evaluation":2000000,` +
		`"evaluation_count":1,"runtime_default_used":true,"error":{"message":"flag not found"}}`
	if string(got) != want {
		t.Fatalf("Marshal() = %s\nwant %s", got, want)
	}
}
