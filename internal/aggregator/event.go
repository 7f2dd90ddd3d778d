package aggregator

// Event is one aggregated usage record. Times are Unix milliseconds and
// Timestamp is the window's first evaluation.
type Event struct {
	Timestamp          int64         `json:"timestamp"`
	Flag               Key           `json:"flag"`
	FirstEvaluation    int64         `json:"first_evaluation"`
	LastEvaluation     int64         `json:"last_evaluation"`
	EvaluationCount    int           `json:"evaluation_count"`
	RuntimeDefaultUsed bool          `json:"runtime_default_used"`
	TargetingKey       string        `json:"targeting_key,omitempty"`
	Error              *ErrorDetail  `json:"error,omitempty"`
	Variant            *Key          `json:"variant,omitempty"`
	Allocation         *Key          `json:"allocation,omitempty"`
	TargetingRule      *Key          `json:"targeting_rule,omitempty"`
	Context            *EventContext `json:"context,omitempty"`
}

type Key struct {
	Key string `json:"key"`
}

// String returns the key, or "" for a nil *Key.
func (k *Key) String() string {
	if k == nil {
		return ""
	}
	return k.Key
}

type ErrorDetail struct {
	Message string `json:"message"`
}

type EventContext struct {
	Evaluation map[string]any `json:"evaluation"`
}

func newEvent(e *entry) Event {
	ev := Event{
		Timestamp:          e.first.UnixMilli(),
		Flag:               Key{Key: e.eval.FlagKey},
		FirstEvaluation:    e.first.UnixMilli(),
		LastEvaluation:     e.last.UnixMilli(),
		EvaluationCount:    e.count,
		RuntimeDefaultUsed: e.runtimeDefaultUsed,
		TargetingKey:       e.eval.TargetingKey,
		Variant:            optionalKey(e.eval.Variant),
		Allocation:         optionalKey(e.eval.AllocationKey),
		TargetingRule:      optionalKey(e.eval.TargetingRuleKey),
	}
	if e.eval.Error != "" {
		ev.Error = &ErrorDetail{Message: e.eval.Error}
	}
	if len(e.eval.Context) > 0 {
		ev.Context = &EventContext{Evaluation: e.eval.Context}
	}
	return ev
}

func optionalKey(key string) *Key {
	if key == "" {
		return nil
	}
	return &Key{Key: key}
}

