package reduce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributedUpdateRun_CompletesWhenAllNodesRespond(t *testing.T) {
	run := newDistributedUpdateRun(1, []string{"n1", "n2"})
	run.contribute("n1", 3, nil)
	run.contribute("n2", 4, nil)

	total, err := run.wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
}

func TestDistributedUpdateRun_DuplicateContributionIgnored(t *testing.T) {
	run := newDistributedUpdateRun(1, []string{"n1", "n2"})
	run.contribute("n1", 3, nil)
	run.contribute("n1", 100, nil) // duplicate, should not double-count
	run.contribute("n2", 4, nil)

	total, err := run.wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
}

func TestDistributedUpdateRun_AnyNodeErrorFailsTheRun(t *testing.T) {
	run := newDistributedUpdateRun(1, []string{"n1", "n2"})
	run.contribute("n1", 3, nil)
	run.contribute("n2", 0, assert.AnError)

	_, err := run.wait(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestDistributedUpdateRun_NodeGoneBeforeRespondingCompletesIfOthersCover(t *testing.T) {
	run := newDistributedUpdateRun(1, []string{"n1", "n2"})
	run.contribute("n1", 3, nil)
	run.nodeGone("n2")

	total, err := run.wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestDistributedUpdateRun_NodeGoneBeforeOthersRespondFailsTheRun(t *testing.T) {
	run := newDistributedUpdateRun(1, []string{"n1", "n2"})
	run.nodeGone("n1")

	_, err := run.wait(context.Background())
	var mf *MapFailure
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "n1", mf.NodeID)
}

func TestDistributedUpdateRun_NodeGoneAfterRespondingIsIgnored(t *testing.T) {
	run := newDistributedUpdateRun(1, []string{"n1", "n2"})
	run.contribute("n1", 3, nil)
	run.nodeGone("n1")
	run.contribute("n2", 4, nil)

	total, err := run.wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
}

func TestDistributedUpdateRun_CancelViaContextUnblocksWait(t *testing.T) {
	run := newDistributedUpdateRun(1, []string{"n1"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var err error
	go func() {
		_, err = run.wait(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("context cancellation did not unblock wait")
	}
}

func TestDistributedUpdateRun_CollapseToSingleNodePrefersLocal(t *testing.T) {
	nodes := collapseToSingleNode([]string{"n1", "n2", "local"}, "local")
	assert.Equal(t, []string{"local"}, nodes)
}

func TestDistributedUpdateRun_CollapseToSingleNodeFallsBackToFirst(t *testing.T) {
	nodes := collapseToSingleNode([]string{"n1", "n2"}, "local")
	assert.Equal(t, []string{"n1"}, nodes)
}

func TestUpdRunRegistry_InsertGetRemove(t *testing.T) {
	reg := newUpdRunRegistry()
	run := newDistributedUpdateRun(5, []string{"n1"})
	reg.insert(5, run)

	got, ok := reg.get(5)
	require.True(t, ok)
	assert.Same(t, run, got)

	reg.remove(5)
	_, ok = reg.get(5)
	assert.False(t, ok)
}

func TestReducerUpdate_HappyPathAggregatesAffectedRows(t *testing.T) {
	tr := NewTransport(newFakeSender(), "local", &fakeMapExecutor{}, 0)
	disc := &fakeDiscovery{localNodeID: "local", alive: map[string]bool{"n1": true}}
	red := NewReducer(tr, disc, newFakeSQLEngine(), "local")

	mapper := &fakePartitionMapper{nodes: []string{"n1"}}
	topo := &fakeTopologyIndexer{version: 3}

	resultCh := make(chan *UpdateResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := red.Update(context.Background(), "PUBLIC", "UPDATE T SET X=1", nil, []int32{1}, false, mapper, topo, 0, nil, 0)
		resultCh <- res
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		_, ok := red.updRuns.get(1)
		return ok
	}, time.Second, time.Millisecond)

	require.NoError(t, red.handleDml(context.Background(), DmlResponse{RequestID: 1, SourceNodeID: "n1", AffectedRows: 7}))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("update did not complete")
	}
	res := <-resultCh
	require.NotNil(t, res)
	assert.Equal(t, int64(7), res.AffectedRows)
}

func TestReducerUpdate_FallsBackToClientSideDMLWhenNodeVersionTooOld(t *testing.T) {
	sender := newFakeSender()
	tr := NewTransport(sender, "local", &fakeMapExecutor{}, 0)
	disc := &fakeDiscovery{localNodeID: "local", alive: map[string]bool{"n1": true}}
	red := NewReducer(tr, disc, newFakeSQLEngine(), "local")

	mapper := &fakePartitionMapper{nodes: []string{"n1"}}
	topo := &fakeTopologyIndexer{version: 3}

	res, err := red.Update(context.Background(), "PUBLIC", "UPDATE T SET X=1", nil, []int32{1}, false, mapper, topo, 2, map[string]int64{"n1": 1}, 0)
	require.NoError(t, err)
	assert.Nil(t, res)

	_, sent := sender.get("n1")
	assert.False(t, sent, "no DmlRequest should be sent when a mapped node is below the minimum DML version")
}
