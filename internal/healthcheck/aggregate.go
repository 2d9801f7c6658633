package healthcheck

import (
	"context"
	"sort"
)

// Aggregate runs several checkers and merges their results.
type Aggregate struct {
	checkers []Checker
}

func NewAggregate(checkers ...Checker) *Aggregate {
	return &Aggregate{checkers: checkers}
}

// ListChecks returns every checker's results ordered by id.
func (a *Aggregate) ListChecks(ctx context.Context, botID string) []CheckResult {
	if a == nil {
		return []CheckResult{}
	}
	items := make([]CheckResult, 0)
	for _, c := range a.checkers {
		if c == nil {
			continue
		}
		items = append(items, c.ListChecks(ctx, botID)...)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

// Overall folds results into the worst status. No results is ok.
func Overall(items []CheckResult) Status {
	rank := map[Status]int{StatusOK: 0, StatusUnknown: 1, StatusWarn: 2, StatusError: 3}
	worst := StatusOK
	for _, item := range items {
		if rank[item.Status] > rank[worst] {
			worst = item.Status
		}
	}
	return worst
}
