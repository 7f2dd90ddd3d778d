package core

import (
	"regexp"
	"time"
)

type Operator string

const (
	OperatorMatches    Operator = "MATCHES"
	OperatorNotMatches Operator = "NOT_MATCHES"
	OperatorGTE        Operator = "GTE"
	OperatorGT         Operator = "GT"
	OperatorLTE        Operator = "LTE"
	OperatorLT         Operator = "LT"
	OperatorOneOf      Operator = "ONE_OF"
	OperatorNotOneOf   Operator = "NOT_ONE_OF"
	OperatorIsNull     Operator = "IS_NULL"
)

func (o Operator) valid() bool {
	switch o {
	case OperatorMatches, OperatorNotMatches,
		OperatorGTE, OperatorGT, OperatorLTE, OperatorLT,
		OperatorOneOf, OperatorNotOneOf, OperatorIsNull:
		return true
	default:
		return false
	}
}

type VariationType string

const (
	VariationTypeBoolean VariationType = "BOOLEAN"
	VariationTypeString  VariationType = "STRING"
	VariationTypeInteger VariationType = "INTEGER"
	VariationTypeNumeric VariationType = "NUMERIC"
	VariationTypeJSON    VariationType = "JSON"
)

// Configuration is an immutable snapshot of every flag. Callers publish a new
// snapshot instead of editing one that may already be shared.
type Configuration struct {
	ID          string
	CreatedAt   string
	Format      string
	Environment string
	Flags       map[string]*Flag
}

// InvalidFlags reports every flag that was rejected at ingestion, keyed by
// flag key.
func (c *Configuration) InvalidFlags() map[string]error {
	invalid := map[string]error{}
	for key, flag := range c.Flags {
		if flag != nil && flag.err != nil {
			invalid[key] = flag.err
		}
	}
	return invalid
}

type Flag struct {
	Key           string
	Enabled       bool
	VariationType VariationType
	Variations    map[string]Variation
	Allocations   []Allocation

	err error
}

// Err returns the validation error recorded when the flag was parsed, or nil.
func (f *Flag) Err() error {
	return f.err
}

type Variation struct {
	Key   string
	Value Value
}

type Allocation struct {
	Key     string
	StartAt *time.Time
	EndAt   *time.Time
	Rules   []Rule
	Splits  []Split
	DoLog   bool
}

// Rule is a conjunction of conditions.
type Rule struct {
	Conditions []Condition
}

type Condition struct {
	Attribute string
	Operator  Operator
	Value     any

	pattern *regexp.Regexp
}

type Split struct {
	VariationKey string
	Shards       []Shard
	ExtraLogging map[string]string
}

type Shard struct {
	Salt        string
	TotalShards int
	Ranges      []ShardRange
}

// ShardRange is half-open: Start is inclusive, End is exclusive.
type ShardRange struct {
	Start int
	End   int
}

type EvaluationContext struct {
	TargetingKey string         `json:"targeting_key,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}
