// Package xpoll converges tests on daemon state: it repeatedly queries
// a set of daemons and evaluates a pure predicate over the vector of
// their states, failing with the last observations if the predicate
// never holds within the attempt budget.
package xpoll

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spaceexpanse/libspex/xchain"
)

// Query fetches one daemon's current state.
type Query[S any] func(ctx context.Context) (S, error)

// Options tunes the polling loop.
type Options struct {
	// Interval between attempts. Defaults to 100ms.
	Interval time.Duration

	// MaxAttempts before giving up. Defaults to 50.
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.Interval == 0 {
		o.Interval = 100 * time.Millisecond
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 50
	}
	return o
}

// TimeoutError reports a predicate that never held. It carries the
// last state observed per daemon (or the query error in its place), so
// a failed test can show what the daemons actually converged to.
type TimeoutError struct {
	Attempts   int
	LastStates []any
}

func (e *TimeoutError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "condition not reached after %d attempts; last states:", e.Attempts)
	for i, s := range e.LastStates {
		fmt.Fprintf(&sb, "\n  [%d] %v", i, s)
	}
	return sb.String()
}

// WaitForCondition polls every query each attempt and applies pred to
// the resulting state vector. pred must be pure; it returns the
// extracted result and whether the condition holds. An attempt where
// any query fails is counted but never passed to pred.
func WaitForCondition[S, R any](ctx context.Context, queries []Query[S], pred func([]S) (R, bool), opts Options) (R, error) {
	var zero R
	opts = opts.withDefaults()

	last := make([]any, len(queries))

	for attempt := 1; ; attempt++ {
		states := make([]S, len(queries))
		ok := true
		for i, q := range queries {
			s, err := q(ctx)
			if err != nil {
				last[i] = err
				ok = false
				continue
			}
			states[i] = s
			last[i] = s
		}

		if ok {
			if r, done := pred(states); done {
				return r, nil
			}
		}

		if attempt >= opts.MaxAttempts {
			return zero, &TimeoutError{Attempts: attempt, LastStates: last}
		}

		select {
		case <-ctx.Done():
			return zero, context.Cause(ctx)
		case <-time.After(opts.Interval):
		}
	}
}

// WaitForCountIncrease snapshots a per-daemon counter and then polls
// until every daemon's counter has grown by at least delta.
func WaitForCountIncrease[S any](ctx context.Context, queries []Query[S], counter func(S) (int64, error), delta int64, opts Options) error {
	baseline, err := WaitForCondition(ctx, queries, func(states []S) ([]int64, bool) {
		counts := make([]int64, len(states))
		for i, s := range states {
			n, err := counter(s)
			if err != nil {
				return nil, false
			}
			counts[i] = n
		}
		return counts, true
	}, opts)
	if err != nil {
		return fmt.Errorf("failed to snapshot counters: %w", err)
	}

	_, err = WaitForCondition(ctx, queries, func(states []S) (struct{}, bool) {
		for i, s := range states {
			n, err := counter(s)
			if err != nil || n < baseline[i]+delta {
				return struct{}{}, false
			}
		}
		return struct{}{}, true
	}, opts)
	return err
}

// ExpectPendingMoves checks, without polling, that the unconfirmed
// operations on ns/name are exactly the expected operation kinds
// (order-insensitive), returning the matched transaction IDs in the
// pool's order. Repeated calls against an unchanged mempool yield the
// same result.
func ExpectPendingMoves(ctx context.Context, env *xchain.Env, ns, name string, expected []string) ([]string, error) {
	pending, err := env.PendingNameOps(ctx, ns, name)
	if err != nil {
		return nil, err
	}

	got := make([]string, len(pending))
	txids := make([]string, len(pending))
	for i, op := range pending {
		got[i] = op.Op
		txids[i] = op.TxID
	}

	want := append([]string(nil), expected...)
	sortedGot := append([]string(nil), got...)
	sort.Strings(want)
	sort.Strings(sortedGot)

	if len(want) != len(sortedGot) {
		return nil, fmt.Errorf("expected %d pending operations on %s/%s, found %d (%v)",
			len(expected), ns, name, len(pending), got)
	}
	for i := range want {
		if want[i] != sortedGot[i] {
			return nil, fmt.Errorf("pending operations on %s/%s are %v, expected %v",
				ns, name, got, expected)
		}
	}

	return txids, nil
}
