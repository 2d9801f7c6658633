package healthcheck

import (
	"context"
	"testing"
)

type testChecker struct {
	items []CheckResult
}

func (c *testChecker) ListChecks(ctx context.Context, botID string) []CheckResult {
	return c.items
}

func TestAggregateListChecks(t *testing.T) {
	t.Parallel()

	agg := NewAggregate(
		&testChecker{items: []CheckResult{{ID: "channel.lifecycle.b", Status: StatusOK}}},
		nil,
		&testChecker{items: []CheckResult{{ID: "channel.lifecycle.a", Status: StatusError, Title: "Channel"}}},
	)

	items := agg.ListChecks(context.Background(), "bot-1")
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != "channel.lifecycle.a" {
		t.Fatalf("unexpected order: %s", items[0].ID)
	}
	if items[0].Title != "Channel" {
		t.Fatalf("unexpected title: %s", items[0].Title)
	}
	if got := Overall(items); got != StatusError {
		t.Fatalf("unexpected overall status: %s", got)
	}
}

func TestAggregateNil(t *testing.T) {
	t.Parallel()

	var agg *Aggregate
	items := agg.ListChecks(context.Background(), "bot-1")
	if len(items) != 0 {
		t.Fatalf("expected empty items, got %d", len(items))
	}
	if got := Overall(items); got != StatusOK {
		t.Fatalf("unexpected overall status: %s", got)
	}
}

func TestOverallPrefersWarnOverUnknown(t *testing.T) {
	t.Parallel()

	got := Overall([]CheckResult{{Status: StatusUnknown}, {Status: StatusWarn}, {Status: StatusOK}})
	if got != StatusWarn {
		t.Fatalf("expected warn, got %s", got)
	}
}
