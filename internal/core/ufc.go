package core

import (
	"encoding/json"
	"fmt"
	"time"
)

type ufcEnvelope struct {
	Data *struct {
		Attributes json.RawMessage `json:"attributes"`
	} `json:"data"`
}

type ufcDocument struct {
	ID          string `json:"id"`
	CreatedAt   string `json:"createdAt"`
	Format      string `json:"format"`
	Environment struct {
		Name string `json:"name"`
	} `json:"environment"`
	Flags map[string]json.RawMessage `json:"flags"`
}

type ufcFlag struct {
	Key           string                  `json:"key"`
	Enabled       bool                    `json:"enabled"`
	VariationType VariationType           `json:"variationType"`
	Variations    map[string]ufcVariation `json:"variations"`
	Allocations   []ufcAllocation         `json:"allocations"`
}

type ufcVariation struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type ufcAllocation struct {
	Key     string     `json:"key"`
	Rules   []ufcRule  `json:"rules"`
	StartAt *time.Time `json:"startAt"`
	EndAt   *time.Time `json:"endAt"`
	Splits  []ufcSplit `json:"splits"`
	DoLog   bool       `json:"doLog"`
}

type ufcRule struct {
	Conditions []ufcCondition `json:"conditions"`
}

type ufcCondition struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
}

type ufcSplit struct {
	VariationKey string            `json:"variationKey"`
	Shards       []ufcShard        `json:"shards"`
	ExtraLogging map[string]string `json:"extraLogging"`
}

type ufcShard struct {
	Salt        string     `json:"salt"`
	TotalShards int        `json:"totalShards"`
	Ranges      []ufcRange `json:"ranges"`
}

type ufcRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ParseConfiguration decodes a universal flag configuration document, either
// bare or wrapped in a {"data":{"attributes":...}} envelope. Variation values
// are converted to their declared kind and regular expressions are compiled
// here so that evaluation never compiles configuration-supplied patterns.
//
// Only an undecodable document is an error. A flag that fails validation is
// kept with its error attached (see [Flag.Err]) and resolves to ERROR for
// every evaluation, leaving the rest of the document usable.
func ParseConfiguration(data []byte) (*Configuration, error) {
	var envelope ufcEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ConfigurationError{Reason: "decode document: " + err.Error()}
	}
	if envelope.Data != nil && len(envelope.Data.Attributes) > 0 {
		data = envelope.Data.Attributes
	}

	var doc ufcDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigurationError{Reason: "decode document: " + err.Error()}
	}

	cfg := &Configuration{
		ID:          doc.ID,
		CreatedAt:   doc.CreatedAt,
		Format:      doc.Format,
		Environment: doc.Environment.Name,
		Flags:       make(map[string]*Flag, len(doc.Flags)),
	}
	for key, data := range doc.Flags {
		var raw ufcFlag
		if err := json.Unmarshal(data, &raw); err != nil {
			cfg.Flags[key] = invalidFlag(key, raw, &ConfigurationError{FlagKey: key, Reason: "decode flag: " + err.Error()})
			continue
		}
		flag, err := convertFlag(key, raw)
		if err != nil {
			cfg.Flags[key] = invalidFlag(key, raw, err)
			continue
		}
		cfg.Flags[key] = flag
	}
	return cfg, nil
}

func invalidFlag(key string, raw ufcFlag, err error) *Flag {
	if raw.Key == "" {
		raw.Key = key
	}
	return &Flag{
		Key:           raw.Key,
		Enabled:       raw.Enabled,
		VariationType: raw.VariationType,
		err:           err,
	}
}

func convertFlag(key string, raw ufcFlag) (*Flag, error) {
	if raw.Key == "" {
		raw.Key = key
	}
	fail := func(format string, args ...any) error {
		return &ConfigurationError{FlagKey: raw.Key, Reason: fmt.Sprintf(format, args...)}
	}
	if kindOf(raw.VariationType) == KindInvalid {
		return nil, fail("unknown variation type %q", raw.VariationType)
	}

	flag := &Flag{
		Key:           raw.Key,
		Enabled:       raw.Enabled,
		VariationType: raw.VariationType,
		Variations:    make(map[string]Variation, len(raw.Variations)),
		Allocations:   make([]Allocation, 0, len(raw.Allocations)),
	}

	for variationKey, v := range raw.Variations {
		// Values that do not fit the declared type are kept as invalid so
		// the flag resolves to TYPE_MISMATCH instead of rejecting the whole
		// document.
		value, _ := parseVariationValue(v.Value, raw.VariationType)
		name := v.Key
		if name == "" {
			name = variationKey
		}
		flag.Variations[variationKey] = Variation{Key: name, Value: value}
	}

	for _, a := range raw.Allocations {
		allocation := Allocation{
			Key:     a.Key,
			StartAt: a.StartAt,
			EndAt:   a.EndAt,
			DoLog:   a.DoLog,
			Rules:   make([]Rule, 0, len(a.Rules)),
			Splits:  make([]Split, 0, len(a.Splits)),
		}
		for _, r := range a.Rules {
			rule := Rule{Conditions: make([]Condition, 0, len(r.Conditions))}
			for _, c := range r.Conditions {
				condition, err := convertCondition(c)
				if err != nil {
					return nil, fail("allocation %q: %v", a.Key, err)
				}
				rule.Conditions = append(rule.Conditions, condition)
			}
			allocation.Rules = append(allocation.Rules, rule)
		}
		for _, s := range a.Splits {
			if _, ok := flag.Variations[s.VariationKey]; !ok {
				return nil, fail("allocation %q: split references unknown variation %q", a.Key, s.VariationKey)
			}
			split := Split{
				VariationKey: s.VariationKey,
				ExtraLogging: s.ExtraLogging,
				Shards:       make([]Shard, 0, len(s.Shards)),
			}
			for _, sh := range s.Shards {
				if sh.TotalShards <= 0 {
					return nil, fail("allocation %q: totalShards must be > 0", a.Key)
				}
				shard := Shard{Salt: sh.Salt, TotalShards: sh.TotalShards, Ranges: make([]ShardRange, 0, len(sh.Ranges))}
				for _, rg := range sh.Ranges {
					if rg.Start < 0 || rg.Start > rg.End || rg.End > sh.TotalShards {
						return nil, fail("allocation %q: shard range [%d, %d) outside [0, %d)", a.Key, rg.Start, rg.End, sh.TotalShards)
					}
					shard.Ranges = append(shard.Ranges, ShardRange{Start: rg.Start, End: rg.End})
				}
				split.Shards = append(split.Shards, shard)
			}
			allocation.Splits = append(allocation.Splits, split)
		}
		flag.Allocations = append(flag.Allocations, allocation)
	}
	return flag, nil
}

func convertCondition(c ufcCondition) (Condition, error) {
	if !c.Operator.valid() {
		return Condition{}, fmt.Errorf("unknown operator %q", c.Operator)
	}
	condition := Condition{Attribute: c.Attribute, Operator: c.Operator, Value: c.Value}

	switch c.Operator {
	case OperatorMatches, OperatorNotMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return Condition{}, fmt.Errorf("%s on %q needs a string pattern", c.Operator, c.Attribute)
		}
		re, err := compilePattern(pattern)
		if err != nil {
			return Condition{}, fmt.Errorf("%s on %q: %w", c.Operator, c.Attribute, err)
		}
		condition.pattern = re
	case OperatorOneOf, OperatorNotOneOf:
		if values, ok := c.Value.([]any); ok {
			set := make([]string, 0, len(values))
			for _, v := range values {
				set = append(set, stringify(v))
			}
			condition.Value = set
		}
	}
	return condition, nil
}
