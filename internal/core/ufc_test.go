package core

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestParseConfigurationEnvelope(t *testing.T) {
	cfg := mustParse(t, `{"data":{"attributes":{"id":"abc","createdAt":"2024-01-01T00:00:00Z","format":"SERVER",
		"environment":{"name":"Production"},"flags":{}}}}`)

	if cfg.ID != "abc" || cfg.CreatedAt != "2024-01-01T00:00:00Z" || cfg.Environment != "Production" || cfg.Format != "SERVER" {
		t.Fatalf("ParseConfiguration() = %+v", cfg)
	}
	if cfg.Flags == nil {
		t.Fatal("Flags is nil, want empty map")
	}
}

func TestParseConfigurationFields(t *testing.T) {
	cfg := mustParse(t, `{"flags":{"kill-switch":{"enabled":true,"variationType":"BOOLEAN",
		"variations":{"on":{"key":"on","value":"true"},"off":{"value":false}},
		"allocations":[{"key":"beta","startAt":"2024-01-01T00:00:00.000Z","endAt":"2025-01-01T00:00:00Z",
		"rules":[{"conditions":[{"attribute":"country","operator":"ONE_OF","value":["US",1]}]}],
		"splits":[{"variationKey":"on","shards":[{"salt":"x","totalShards":100,"ranges":[{"start":0,"end":50}]}]}],
		"doLog":true}]}}}`)

	flag := cfg.Flags["kill-switch"]
	if flag == nil {
		t.Fatal("flag kill-switch missing")
	}
	if flag.Key != "kill-switch" {
		t.Fatalf("Key = %q, want map key", flag.Key)
	}
	if v, ok := flag.Variations["on"].Value.AsBool(); !ok || !v {
		t.Fatalf("on variation = %v, want true", flag.Variations["on"].Value.Interface())
	}
	if got := flag.Variations["off"].Key; got != "off" {
		t.Fatalf("off variation key = %q, want fallback to map key", got)
	}

	allocation := flag.Allocations[0]
	if !allocation.DoLog || allocation.StartAt == nil || allocation.EndAt == nil {
		t.Fatalf("allocation = %+v", allocation)
	}
	if want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC); !allocation.EndAt.Equal(want) {
		t.Fatalf("EndAt = %v, want %v", allocation.EndAt, want)
	}
	if got := allocation.Rules[0].Conditions[0].Value; !reflect.DeepEqual(got, []string{"US", "1"}) {
		t.Fatalf("ONE_OF value = %#v, want []string{US, 1}", got)
	}
	if got := allocation.Splits[0].Shards[0].Ranges; !reflect.DeepEqual(got, []ShardRange{{Start: 0, End: 50}}) {
		t.Fatalf("ranges = %+v", got)
	}
}

func TestParseVariationValue(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		vt   VariationType
		want any
		ok   bool
	}{
		{"bool", true, VariationTypeBoolean, true, true},
		{"bool string", "false", VariationTypeBoolean, false, true},
		{"bool junk", "yes", VariationTypeBoolean, nil, false},
		{"string", "blue", VariationTypeString, "blue", true},
		{"string from number", 1.0, VariationTypeString, nil, false},
		{"integer", 42.0, VariationTypeInteger, 42.0, true},
		{"integer fraction", 4.2, VariationTypeInteger, nil, false},
		{"numeric", 4.2, VariationTypeNumeric, 4.2, true},
		{"numeric string", "4.5", VariationTypeNumeric, 4.5, true},
		{"json object", map[string]any{"a": 1.0}, VariationTypeJSON, map[string]any{"a": 1.0}, true},
		{"json string", `{"a":1}`, VariationTypeJSON, map[string]any{"a": 1.0}, true},
		{"json array", []any{1.0}, VariationTypeJSON, []any{1.0}, true},
		{"json array string", `[1,"a"]`, VariationTypeJSON, []any{1.0, "a"}, true},
		{"json scalar string", "plain", VariationTypeJSON, nil, false},
		{"json number", 1.0, VariationTypeJSON, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseVariationValue(tt.raw, tt.vt)
			if ok != tt.ok {
				t.Fatalf("parseVariationValue() ok = %t, want %t", ok, tt.ok)
			}
			if !reflect.DeepEqual(got.Interface(), tt.want) {
				t.Fatalf("parseVariationValue() = %#v, want %#v", got.Interface(), tt.want)
			}
		})
	}
}

func TestParseConfigurationRejectsUndecodableDocument(t *testing.T) {
	for _, doc := range []string{`{`, `{"flags":[]}`, `{"flags":3}`} {
		_, err := ParseConfiguration([]byte(doc))
		if err == nil {
			t.Fatalf("ParseConfiguration(%s) error = nil, want error", doc)
		}
		if !errors.Is(err, ErrInvalidConfiguration) {
			t.Fatalf("ParseConfiguration(%s) error = %v, want ErrInvalidConfiguration", doc, err)
		}
		if !strings.Contains(err.Error(), "decode document") {
			t.Fatalf("ParseConfiguration(%s) error = %q, want decode failure", doc, err)
		}
	}
}

func TestParseConfigurationKeepsInvalidFlags(t *testing.T) {
	tests := []struct {
		name string
		flag string
		want string
	}{
		{"unknown variation type", `{"variationType":"DATE"}`, "unknown variation type"},
		{"undecodable flag", `{"variationType":"STRING","allocations":{"key":"a"}}`, "decode flag"},
		{
			"dangling variation key",
			`{"variationType":"STRING","variations":{},"allocations":[{"key":"a","splits":[{"variationKey":"x"}]}]}`,
			"unknown variation",
		},
		{
			"zero total shards",
			`{"variationType":"STRING","variations":{"x":{"key":"x","value":"x"}},
				"allocations":[{"key":"a","splits":[{"variationKey":"x","shards":[{"salt":"s","totalShards":0,"ranges":[]}]}]}]}`,
			"totalShards",
		},
		{
			"range past bucket space",
			`{"variationType":"STRING","variations":{"x":{"key":"x","value":"x"}},
				"allocations":[{"key":"a","splits":[{"variationKey":"x","shards":[{"salt":"s","totalShards":10,"ranges":[{"start":0,"end":11}]}]}]}]}`,
			"outside",
		},
		{
			"unknown operator",
			`{"variationType":"STRING","variations":{},
				"allocations":[{"key":"a","rules":[{"conditions":[{"attribute":"x","operator":"EQUALS","value":"y"}]}]}]}`,
			"unknown operator",
		},
		{
			"lookahead pattern",
			`{"variationType":"STRING","variations":{},
				"allocations":[{"key":"a","rules":[{"conditions":[{"attribute":"email","operator":"MATCHES","value":"^(?!admin).*@corp\\.com$"}]}]}]}`,
			"MATCHES",
		},
		{
			"oversized pattern",
			`{"variationType":"STRING","variations":{},
				"allocations":[{"key":"a","rules":[{"conditions":[{"attribute":"x","operator":"MATCHES","value":"` + strings.Repeat("a", MaxPatternLength+1) + `"}]}]}]}`,
			"exceeds",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mustParse(t, `{"flags":{"f":`+tt.flag+`}}`)

			err := cfg.Flags["f"].Err()
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("Flags[f].Err() = %v, want ErrInvalidConfiguration", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Flags[f].Err() = %q, want substring %q", err, tt.want)
			}
			if got := cfg.InvalidFlags(); len(got) != 1 || got["f"] == nil {
				t.Fatalf("InvalidFlags() = %v, want only f", got)
			}
		})
	}
}

func TestInvalidFlagDoesNotAffectOthers(t *testing.T) {
	cfg := mustParse(t, `{"flags":{
		"good":{"enabled":true,"variationType":"STRING","variations":{"on":{"key":"on","value":"on"}},
			"allocations":[{"key":"all","splits":[{"variationKey":"on"}]}]},
		"bad":{"enabled":true,"variationType":"STRING","variations":{"on":{"key":"on","value":"on"}},
			"allocations":[{"key":"staff","rules":[{"conditions":[{"attribute":"email","operator":"MATCHES","value":"^(?!admin).*@corp\\.com$"}]}],
			"splits":[{"variationKey":"on"}]}]}}}`)
	ec := EvaluationContext{TargetingKey: "alice"}

	good := Evaluate(cfg, KindString, "good", ec, StringValue("fallback"), time.Now())
	if good.Reason != ReasonTargetingMatch {
		t.Fatalf("good Reason = %s, want %s", good.Reason, ReasonTargetingMatch)
	}

	bad := Evaluate(cfg, KindString, "bad", ec, StringValue("fallback"), time.Now())
	if bad.Reason != ReasonError || bad.ErrorCode != ErrorCodeGeneral {
		t.Fatalf("bad = %s/%s, want %s/%s", bad.Reason, bad.ErrorCode, ReasonError, ErrorCodeGeneral)
	}
	if v, _ := bad.Value.AsString(); v != "fallback" {
		t.Fatalf("bad value = %q, want caller default", v)
	}
}

func TestInvalidDisabledFlagStaysDisabled(t *testing.T) {
	cfg := mustParse(t, `{"flags":{"f":{"enabled":false,"variationType":"DATE"}}}`)

	got := Evaluate(cfg, KindString, "f", EvaluationContext{TargetingKey: "alice"}, StringValue("d"), time.Now())
	if got.Reason != ReasonDisabled {
		t.Fatalf("Reason = %s, want %s", got.Reason, ReasonDisabled)
	}
}

func TestParseConfigurationPrecompilesPatterns(t *testing.T) {
	cfg := mustParse(t, `{"flags":{"f":{"enabled":true,"variationType":"STRING","variations":{"x":{"key":"x","value":"x"}},
		"allocations":[{"key":"a","rules":[{"conditions":[{"attribute":"email","operator":"MATCHES","value":"@corp\\.io$"}]}],
		"splits":[{"variationKey":"x"}]}]}}}`)

	condition := cfg.Flags["f"].Allocations[0].Rules[0].Conditions[0]
	if condition.pattern == nil {
		t.Fatal("pattern not compiled at ingestion")
	}
	if !MatchesRule(cfg.Flags["f"].Allocations[0].Rules[0], map[string]any{"email": "a@corp.io"}) {
		t.Fatal("MatchesRule() = false, want true")
	}
}
