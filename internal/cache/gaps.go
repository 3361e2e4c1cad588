package cache

import "fundpricer/internal/model"

// Gaps returns the months of [from, to] that still need a fetch: months not
// in covered, plus every month from open onward (a month still receiving
// daily rows is never complete). A zero open disables that rule.
//
// Leading, interior and trailing gaps are found independently, so coverage
// with holes from out-of-order backfills is handled exactly.
func Gaps(covered []model.Month, from, to, open model.Month) []model.Month {
	have := make(map[model.Month]struct{}, len(covered))
	for _, m := range covered {
		have[m] = struct{}{}
	}

	var gaps []model.Month
	for _, m := range model.MonthsBetween(from, to) {
		if !open.IsZero() && !m.Before(open) {
			gaps = append(gaps, m)
			continue
		}
		if _, ok := have[m]; !ok {
			gaps = append(gaps, m)
		}
	}
	return gaps
}
