package core

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/mod/semver"
)

// MaxPatternLength bounds MATCHES and NOT_MATCHES patterns. Go's regexp
// engine runs in linear time, so the remaining cost is in compilation.
const MaxPatternLength = 1024

var errPatternTooLong = fmt.Errorf("pattern exceeds %d bytes", MaxPatternLength)

var patternCache sync.Map // string -> *regexp.Regexp, or error

// MatchesAnyRule reports whether at least one rule matches. An empty rule set
// matches every subject.
func MatchesAnyRule(rules []Rule, attributes map[string]any) bool {
	if len(rules) == 0 {
		return true
	}
	for _, rule := range rules {
		if MatchesRule(rule, attributes) {
			return true
		}
	}
	return false
}

// MatchesRule reports whether every condition of rule holds.
func MatchesRule(rule Rule, attributes map[string]any) bool {
	for i := range rule.Conditions {
		if !evaluateCondition(&rule.Conditions[i], attributes) {
			return false
		}
	}
	return true
}

func evaluateCondition(condition *Condition, attributes map[string]any) bool {
	value, present := attributes[condition.Attribute]
	present = present && value != nil

	if condition.Operator == OperatorIsNull {
		return truthy(condition.Value) == !present
	}
	if !present {
		return false
	}

	switch condition.Operator {
	case OperatorGTE, OperatorGT, OperatorLTE, OperatorLT:
		return compare(condition.Operator, value, condition.Value)
	case OperatorMatches:
		re, err := condition.compiled()
		return err == nil && re.MatchString(stringify(value))
	case OperatorNotMatches:
		re, err := condition.compiled()
		return err == nil && !re.MatchString(stringify(value))
	case OperatorOneOf:
		return isOneOf(stringify(value), condition.Value)
	case OperatorNotOneOf:
		return !isOneOf(stringify(value), condition.Value)
	default:
		return false
	}
}

func compare(op Operator, attribute, conditionValue any) bool {
	if s, ok := conditionValue.(string); ok {
		if want, ok := canonicalSemver(s); ok {
			got, ok := canonicalSemver(stringify(attribute))
			if !ok {
				return false
			}
			return holds(op, semver.Compare(got, want))
		}
	}

	left, ok := toNumber(attribute)
	if !ok {
		return false
	}
	right, ok := toNumber(conditionValue)
	if !ok {
		return false
	}
	switch {
	case left < right:
		return holds(op, -1)
	case left > right:
		return holds(op, 1)
	default:
		return holds(op, 0)
	}
}

func holds(op Operator, cmp int) bool {
	switch op {
	case OperatorGTE:
		return cmp >= 0
	case OperatorGT:
		return cmp > 0
	case OperatorLTE:
		return cmp <= 0
	case OperatorLT:
		return cmp < 0
	default:
		return false
	}
}

// canonicalSemver accepts MAJOR.MINOR.PATCH with an optional "v" prefix and
// optional pre-release or build suffix, and returns the "v"-prefixed form
// golang.org/x/mod/semver expects.
func canonicalSemver(s string) (string, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return "", false
	}
	numbers := s
	if i := strings.IndexAny(numbers, "-+"); i >= 0 {
		numbers = numbers[:i]
	}
	if strings.Count(numbers, ".") != 2 {
		return "", false
	}
	v := "v" + s
	if !semver.IsValid(v) {
		return "", false
	}
	return v, true
}

func isOneOf(value string, set any) bool {
	switch typed := set.(type) {
	case []string:
		for _, candidate := range typed {
			if candidate == value {
				return true
			}
		}
		return false
	case string:
		return typed == value
	}

	values := reflect.ValueOf(set)
	if !values.IsValid() || (values.Kind() != reflect.Slice && values.Kind() != reflect.Array) {
		return false
	}
	for i := 0; i < values.Len(); i++ {
		if stringify(values.Index(i).Interface()) == value {
			return true
		}
	}
	return false
}

func truthy(value any) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case bool:
		return typed
	case string:
		return typed != ""
	}
	if f, ok := toFloat(value); ok {
		return f != 0
	}
	return true
}

func (c *Condition) compiled() (*regexp.Regexp, error) {
	if c.pattern != nil {
		return c.pattern, nil
	}
	pattern, ok := c.Value.(string)
	if !ok {
		return nil, errors.New("pattern must be a string")
	}
	return compilePattern(pattern)
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if len(pattern) > MaxPatternLength {
		return nil, errPatternTooLong
	}
	if cached, ok := patternCache.Load(pattern); ok {
		switch typed := cached.(type) {
		case *regexp.Regexp:
			return typed, nil
		case error:
			return nil, typed
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		patternCache.Store(pattern, err)
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}
