package core

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Kind identifies which member of a Value is populated. It doubles as the
// type a caller requests when resolving a flag.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBoolean
	KindString
	KindNumber
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// ParseKind maps the lowercase names returned by [Kind.String] back to a Kind.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "boolean", "bool":
		return KindBoolean
	case "string":
		return KindString
	case "number", "integer", "numeric", "float":
		return KindNumber
	case "object", "json":
		return KindObject
	default:
		return KindInvalid
	}
}

// Value is a tagged union over the four flag value kinds. An object Value
// holds either a JSON object or a JSON array.
type Value struct {
	kind Kind
	b    bool
	s    string
	n    float64
	o    any
}

func BoolValue(b bool) Value { return Value{kind: KindBoolean, b: b} }
func StringValue(s string) Value { return Value{kind: KindString, s: s} }
func NumberValue(n float64) Value { return Value{kind: KindNumber, n: n} }
func ObjectValue(o map[string]any) Value { return Value{kind: KindObject, o: o} }
func ArrayValue(a []any) Value { return Value{kind: KindObject, o: a} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBoolean }
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }
func (v Value) AsStructure() (any, bool) { return v.o, v.kind == KindObject }

// AsObject reports false for arrays; use AsStructure for either shape.
func (v Value) AsObject() (map[string]any, bool) {
	o, ok := v.o.(map[string]any)
	return o, ok && v.kind == KindObject
}

// ValueOf converts a decoded JSON value into a Value. Integers of any Go width
// are accepted as numbers.
func ValueOf(raw any) Value {
	switch typed := raw.(type) {
	case bool:
		return BoolValue(typed)
	case string:
		return StringValue(typed)
	case map[string]any:
		return ObjectValue(typed)
	case []any:
		return ArrayValue(typed)
	case json.Number:
		if f, err := typed.Float64(); err == nil {
			return NumberValue(f)
		}
		return Value{}
	}
	if f, ok := toFloat(raw); ok {
		return NumberValue(f)
	}
	return Value{}
}

// Interface returns the plain Go representation, or nil for an invalid Value.
func (v Value) Interface() any {
	switch v.kind {
	case KindBoolean:
		return v.b
	case KindString:
		return v.s
	case KindNumber:
		return v.n
	case KindObject:
		return v.o
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = ValueOf(raw)
	return nil
}

func kindOf(vt VariationType) Kind {
	switch vt {
	case VariationTypeBoolean:
		return KindBoolean
	case VariationTypeString:
		return KindString
	case VariationTypeInteger, VariationTypeNumeric:
		return KindNumber
	case VariationTypeJSON:
		return KindObject
	default:
		return KindInvalid
	}
}

// conforms reports whether v is an acceptable value for a flag declared as vt.
func (v Value) conforms(vt VariationType) bool {
	if v.kind != kindOf(vt) {
		return false
	}
	if vt == VariationTypeInteger {
		return isWholeFinite(v.n)
	}
	return true
}

// parseVariationValue decodes a raw variation value for the declared type.
// Strings are accepted where the wire format historically allowed them.
func parseVariationValue(raw any, vt VariationType) (Value, bool) {
	switch vt {
	case VariationTypeBoolean:
		switch typed := raw.(type) {
		case bool:
			return BoolValue(typed), true
		case string:
			switch typed {
			case "true":
				return BoolValue(true), true
			case "false":
				return BoolValue(false), true
			}
		}
	case VariationTypeString:
		if s, ok := raw.(string); ok {
			return StringValue(s), true
		}
	case VariationTypeInteger:
		if f, ok := toFloat(raw); ok && isWholeFinite(f) {
			return NumberValue(f), true
		}
	case VariationTypeNumeric:
		if f, ok := toFloat(raw); ok {
			return NumberValue(f), true
		}
		if s, ok := raw.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return NumberValue(f), true
			}
		}
	case VariationTypeJSON:
		if s, ok := raw.(string); ok {
			trimmed := strings.TrimSpace(s)
			if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
				return Value{}, false
			}
			if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
				return Value{}, false
			}
		}
		switch typed := raw.(type) {
		case map[string]any:
			return ObjectValue(typed), true
		case []any:
			return ArrayValue(typed), true
		}
	}
	return Value{}, false
}
