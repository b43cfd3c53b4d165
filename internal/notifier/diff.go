// Package notifier computes metric deltas between reads and decides whether
// an owner notification is warranted.
package notifier

import (
	"fmt"

	"github.com/JakeFAU/notewatch/internal/tracker"
)

// Action tags the intent of a notification.
type Action string

// Notification actions.
const (
	ActionUpdated Action = "updated"
	ActionReport  Action = "report"
	ActionSkip    Action = "skip"
)

// Policy decides what to do with an item whose metrics did not change.
type Policy string

// Notification policies.
const (
	// NotifyOnChange skips unchanged items.
	NotifyOnChange Policy = "on_change"
	// NotifyAlways sends a status digest for unchanged items too.
	NotifyAlways Policy = "always"
)

// ParsePolicy validates a configured policy name. Empty means NotifyOnChange.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(raw) {
	case "", NotifyOnChange:
		return NotifyOnChange, nil
	case NotifyAlways:
		return NotifyAlways, nil
	default:
		return "", fmt.Errorf("unknown notify policy %q", raw)
	}
}

// Result is the outcome of comparing two metric reads.
type Result struct {
	Deltas    map[tracker.MetricName]tracker.MetricDelta
	HasChange bool
}

// Diff compares old and new for all five metrics.
func Diff(old, new tracker.Metrics) Result {
	res := Result{Deltas: make(map[tracker.MetricName]tracker.MetricDelta, len(tracker.AllMetrics))}
	for _, name := range tracker.AllMetrics {
		o, n := old.Get(name), new.Get(name)
		d := tracker.MetricDelta{Old: o, New: n, Diff: n - o}
		if d.Diff != 0 {
			res.HasChange = true
		}
		res.Deltas[name] = d
	}
	return res
}

// Decide maps a diff result onto an action under the given policy.
func Decide(res Result, policy Policy) Action {
	if res.HasChange {
		return ActionUpdated
	}
	if policy == NotifyAlways {
		return ActionReport
	}
	return ActionSkip
}
