package core

import "time"

// Selection is the outcome of walking a flag's allocations. Allocation is set
// whenever an allocation's window and rules matched, even if none of its
// splits did; Split is set only on a full match.
type Selection struct {
	Allocation *Allocation
	Split      *Split
	Variation  Variation
}

// Matched reports whether a split was selected.
func (s Selection) Matched() bool {
	return s.Split != nil
}

func (a *Allocation) activeAt(now time.Time) bool {
	if a.StartAt != nil && now.Before(*a.StartAt) {
		return false
	}
	if a.EndAt != nil && !now.Before(*a.EndAt) {
		return false
	}
	return true
}

// SelectAllocation picks the variation for subjectKey. The first allocation
// whose window and rules pass is final: if none of its splits match, the
// evaluation yields no match and later allocations are not consulted.
func SelectAllocation(sharder Sharder, flag *Flag, subjectKey string, attributes map[string]any, now time.Time) (Selection, error) {
	for i := range flag.Allocations {
		allocation := &flag.Allocations[i]
		if !allocation.activeAt(now) {
			continue
		}
		if !MatchesAnyRule(allocation.Rules, attributes) {
			continue
		}

		for j := range allocation.Splits {
			split := &allocation.Splits[j]
			if !matchesSplit(sharder, *split, subjectKey) {
				continue
			}
			variation, ok := flag.Variations[split.VariationKey]
			if !ok {
				return Selection{}, &ConfigurationError{
					FlagKey: flag.Key,
					Reason:  "split references unknown variation " + split.VariationKey,
				}
			}
			if variation.Key == "" {
				variation.Key = split.VariationKey
			}
			return Selection{Allocation: allocation, Split: split, Variation: variation}, nil
		}
		return Selection{Allocation: allocation}, nil
	}
	return Selection{}, nil
}
