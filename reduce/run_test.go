package reduce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQLConn struct{ id int64 }

func (c fakeSQLConn) ID() int64 { return c.id }

func newTestRun(latchCount int) *QueryRun {
	nodes := map[string]struct{}{"n1": {}, "n2": {}}
	return newQueryRun(1, fakeSQLConn{1}, 100, nil, nodes, latchCount, 7)
}

func TestQueryRun_InitialStateIsRunning(t *testing.T) {
	run := newTestRun(2)
	state, _, _ := run.State()
	assert.Equal(t, RunRunning, state)
	assert.False(t, run.IsTerminal())
	assert.Equal(t, int64(7), run.dispatchedTopologyVersion())
}

func TestQueryRun_TransitionRetryForcesLatchZero(t *testing.T) {
	run := newTestRun(3)
	run.transitionRetry(8, "n1", ErrNodeLeft)

	state, info, _ := run.State()
	assert.Equal(t, RunRetry, state)
	assert.Equal(t, int64(8), info.TopologyVersion)
	assert.Equal(t, "n1", info.NodeID)
	assert.ErrorIs(t, info.Cause, ErrNodeLeft)
	assert.Equal(t, 0, run.latch.value())
	assert.False(t, run.IsTerminal())
}

func TestQueryRun_TerminalStatesDoNotRegress(t *testing.T) {
	run := newTestRun(1)
	run.transitionFailed(assert.AnError)
	require.True(t, run.IsTerminal())

	run.transitionRetry(9, "n2", ErrNodeLeft)
	state, _, err := run.State()
	assert.Equal(t, RunFailed, state)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestQueryRun_TransitionFailedIsIdempotent(t *testing.T) {
	run := newTestRun(1)
	run.transitionFailed(assert.AnError)
	run.transitionFailed(ErrCancelled)

	_, _, err := run.State()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestQueryRun_TransitionDisconnectedOverridesPriorState(t *testing.T) {
	run := newTestRun(1)
	run.transitionRetry(1, "n1", ErrNodeLeft)
	run.transitionDisconnected()

	state, _, err := run.State()
	assert.Equal(t, RunDisconnected, state)
	assert.ErrorIs(t, err, ErrClientDisconnected)
	assert.True(t, run.IsTerminal())
}

func TestQueryRun_HasSourceNode(t *testing.T) {
	run := newTestRun(1)
	assert.True(t, run.hasSourceNode("n1"))
	assert.False(t, run.hasSourceNode("ghost"))
}

func TestQueryRun_BroadcastCancelOnceFiresOnce(t *testing.T) {
	run := newTestRun(1)
	var calls int
	for i := 0; i < 5; i++ {
		run.broadcastCancelOnce(func() { calls++ })
	}
	assert.Equal(t, 1, calls)
}

func TestForUpdateFuture_ResolvesAfterAllContributions(t *testing.T) {
	f := newForUpdateFuture(2)
	f.contribute([]Row{{1}})
	f.contribute([]Row{{2}, {3}})

	rows, err := f.wait()
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestForUpdateFuture_FailShortCircuitsWait(t *testing.T) {
	f := newForUpdateFuture(3)
	f.contribute([]Row{{1}})
	f.fail(assert.AnError)
	f.contribute([]Row{{2}}) // ignored, already done

	rows, err := f.wait()
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, rows, 1)
}

func TestRunRegistry_InsertGetRemove(t *testing.T) {
	reg := newRunRegistry(nopLogger{})
	run := newTestRun(1)
	reg.insert(run)

	got, err := reg.get(1)
	require.NoError(t, err)
	assert.Same(t, run, got)
	assert.Equal(t, 1, reg.size())

	reg.remove(1)
	_, err = reg.get(1)
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.Equal(t, 0, reg.size())
}

func TestRunRegistry_DoubleRemoveIsNoop(t *testing.T) {
	reg := newRunRegistry(nopLogger{})
	run := newTestRun(1)
	reg.insert(run)
	reg.remove(1)
	assert.NotPanics(t, func() { reg.remove(1) })
}

func TestRunRegistry_ForEachVisitsSnapshot(t *testing.T) {
	reg := newRunRegistry(nopLogger{})
	reg.insert(newTestRun(1))
	r2 := newQueryRun(2, fakeSQLConn{2}, 100, nil, nil, 1, 0)
	reg.insert(r2)

	var seen []int64
	reg.forEach(func(r *QueryRun) { seen = append(seen, r.RequestID) })
	assert.ElementsMatch(t, []int64{1, 2}, seen)
}
