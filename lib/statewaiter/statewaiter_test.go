package statewaiter

import (
	"context"
	"testing"
	"time"

	"github.com/Cray-HPE/boa/lib/inventory"
	"github.com/stretchr/testify/require"
)

type fakeStates struct {
	sequence []map[string]inventory.NodeState
	call     int
}

func (f *fakeStates) BulkNodeState(_ context.Context, nodes inventory.NodeSet) (map[string]inventory.NodeState, error) {
	idx := f.call
	if idx >= len(f.sequence) {
		idx = len(f.sequence) - 1
	}
	f.call++
	out := map[string]inventory.NodeState{}
	for id := range nodes {
		if st, ok := f.sequence[idx][id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func TestWaitForStateConvergesImmediately(t *testing.T) {
	states := &fakeStates{sequence: []map[string]inventory.NodeState{
		{"n1": {State: "Ready"}, "n2": {State: "Ready"}},
	}}
	w := New(states)
	nodes := inventory.NewNodeSet("n1", "n2")
	converged, err := w.WaitForState(context.Background(), nodes, "Ready", false, time.Millisecond, -1, Params{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"n1", "n2"}, converged.Slice())
}

func TestWaitForStateExhaustsRetriesPartialSuccess(t *testing.T) {
	orig := sleep
	sleep = func(time.Duration) {}
	defer func() { sleep = orig }()

	states := &fakeStates{sequence: []map[string]inventory.NodeState{
		{"n1": {State: "Ready"}},
		{"n1": {State: "Ready"}},
	}}
	w := New(states)
	nodes := inventory.NewNodeSet("n1", "n2")
	converged, err := w.WaitForState(context.Background(), nodes, "Ready", false, time.Millisecond, 0, Params{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"n1"}, converged.Slice())
}

func TestWaitForStateAllFailRaisesNodesNotReady(t *testing.T) {
	orig := sleep
	sleep = func(time.Duration) {}
	defer func() { sleep = orig }()

	states := &fakeStates{sequence: []map[string]inventory.NodeState{
		{},
	}}
	w := New(states)
	nodes := inventory.NewNodeSet("n1")
	_, err := w.WaitForState(context.Background(), nodes, "Ready", false, time.Millisecond, 0, Params{})
	require.Error(t, err)
}

func TestWaitForStateWithThresholdSucceedsAboveThreshold(t *testing.T) {
	orig := sleep
	sleep = func(time.Duration) {}
	defer func() { sleep = orig }()

	states := &fakeStates{sequence: []map[string]inventory.NodeState{
		{"n1": {State: "Ready"}, "n2": {State: "Ready"}, "n3": {State: "Off"}},
	}}
	w := New(states)
	nodes := inventory.NewNodeSet("n1", "n2", "n3")
	mismatch, err := w.WaitForStateWithThreshold(context.Background(), nodes, "Ready", false, time.Millisecond, time.Millisecond, 0.5)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"n3"}, mismatch.Slice())
}

func TestWaitForStateWithThresholdFailsBelowThreshold(t *testing.T) {
	orig := sleep
	sleep = func(time.Duration) {}
	defer func() { sleep = orig }()

	states := &fakeStates{sequence: []map[string]inventory.NodeState{
		{"n1": {State: "Ready"}},
	}}
	w := New(states)
	nodes := inventory.NewNodeSet("n1", "n2", "n3")
	_, err := w.WaitForStateWithThreshold(context.Background(), nodes, "Ready", false, time.Millisecond, time.Millisecond, 0.9)
	require.Error(t, err)
}

func TestWaitForStateWithThresholdInvertWaitsForNodesToLeaveState(t *testing.T) {
	orig := sleep
	sleep = func(time.Duration) {}
	defer func() { sleep = orig }()

	states := &fakeStates{sequence: []map[string]inventory.NodeState{
		{"n1": {State: "Ready"}, "n2": {State: "Ready"}},
		{"n1": {State: "Off"}, "n2": {State: "Ready"}},
	}}
	w := New(states)
	nodes := inventory.NewNodeSet("n1", "n2")
	mismatch, err := w.WaitForStateWithThreshold(context.Background(), nodes, "Ready", true, time.Millisecond, time.Millisecond, 0.5)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"n2"}, mismatch.Slice())
}
