// Package statewaiter implements the StateWaiter described in spec.md
// §4.8: polling the hardware state service for a named node state and
// waiting for the whole target set (with status reporting as it
// converges), plus a threshold-based variant used for partial
// success.
//
// Grounded on original_source/src/cray/boa/smd/wait_for_nodes.py's
// wait_for_nodes and wait_for_state.
package statewaiter

import (
	"context"
	"time"

	"github.com/Cray-HPE/boa/lib/boaerror"
	"github.com/Cray-HPE/boa/lib/inventory"
	"github.com/Cray-HPE/boa/lib/status"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// StateSource is the batched {State} query used to test membership,
// satisfied by *inventory.Inventory.
type StateSource interface {
	BulkNodeState(ctx context.Context, nodes inventory.NodeSet) (map[string]inventory.NodeState, error)
}

// sleep is overridden in tests.
var sleep = time.Sleep

// Waiter polls a StateSource for node-state convergence.
type Waiter struct {
	states StateSource
	log    log.FieldLogger
}

// New returns a Waiter backed by states.
func New(states StateSource) *Waiter {
	return &Waiter{states: states, log: log.WithField(trace.Component, "statewaiter")}
}

// matching partitions nodes into those whose State equals (or, when
// invert is true, does not equal) state.
func (w *Waiter) matching(ctx context.Context, nodes inventory.NodeSet, state string, invert bool) (inventory.NodeSet, error) {
	info, err := w.states.BulkNodeState(ctx, nodes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := inventory.NodeSet{}
	for id := range nodes {
		st, ok := info[id]
		isMatch := ok && st.State == state
		if isMatch != invert {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

// Params reports status transitions as nodes converge, mirroring
// wait_for_nodes' optional status keywords.
type Params struct {
	Phase       *status.PhaseStatus
	SrcCategory status.Category
	DstCategory status.Category
}

// WaitForState polls until every node in nodes reaches state (or, if
// invert, leaves it), moving newly-matching nodes into DstCategory as
// they converge. When poll count exceeds allowedRetries (ignored if
// negative), the remaining non-matching nodes are moved to failed and
// boaerror.NodesNotReady is raised if nothing converged at all
// (spec.md §4.8).
func (w *Waiter) WaitForState(ctx context.Context, nodes inventory.NodeSet, state string, invert bool, sleepTime time.Duration, allowedRetries int, p Params) (inventory.NodeSet, error) {
	remaining := nodes
	reported := inventory.NodeSet{}
	retries := 0

	for {
		matched, err := w.matching(ctx, remaining, state, invert)
		if err != nil {
			return nil, trace.Wrap(err)
		}

		fresh := matched.Difference(reported)
		if len(fresh) > 0 && p.Phase != nil {
			p.Phase.MoveNodes(ctx, p.SrcCategory, p.DstCategory, fresh.Slice())
		}
		reported = reported.Union(fresh)
		remaining = remaining.Difference(matched)

		if len(remaining) == 0 {
			return nodes.Difference(remaining), nil
		}

		if allowedRetries >= 0 && retries > allowedRetries {
			w.log.WithField("count", len(remaining)).Warn("Nodes did not converge within allowed retries.")
			if p.Phase != nil {
				p.Phase.MoveNodes(ctx, p.SrcCategory, status.CategoryFailed, remaining.Slice())
			}
			survivors := nodes.Difference(remaining)
			if len(survivors) == 0 {
				return nil, boaerror.NodesNotReady(state)
			}
			return survivors, nil
		}

		retries++
		sleep(sleepTime)
	}
}

// WaitForStateWithThreshold waits up to duration for nodes to reach
// state (or, if invert, to leave it), polling every interval, and
// returns the set that failed to converge. It raises only when the
// fraction that converged falls below successThreshold (spec.md
// §4.8).
func (w *Waiter) WaitForStateWithThreshold(ctx context.Context, nodes inventory.NodeSet, state string, invert bool, duration, interval time.Duration, successThreshold float64) (inventory.NodeSet, error) {
	total := len(nodes)
	if total == 0 {
		return inventory.NodeSet{}, nil
	}

	deadline := time.Now().Add(duration)
	var mismatch inventory.NodeSet
	for time.Now().Before(deadline) {
		matched, err := w.matching(ctx, nodes, state, invert)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		mismatch = nodes.Difference(matched)
		if len(mismatch) == 0 {
			return inventory.NodeSet{}, nil
		}
		sleep(interval)
	}

	converged := total - len(mismatch)
	if float64(converged) >= successThreshold*float64(total) {
		return mismatch, nil
	}
	return nil, boaerror.NodesNotReady(state)
}
