package service

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergetree-io/mergetree/internal/coord/memcoord"
	"github.com/mergetree-io/mergetree/internal/model"
)

// waitForSingleCoveringPart blocks until the replica registers exactly one
// part and that part covers [left, right]. The merge level is free to vary
// with selector timing.
func waitForSingleCoveringPart(t *testing.T, r *testReplica, left, right int64) string {
	t.Helper()
	var name string
	waitUntil(t, 15*time.Second, func() bool {
		got := registeredParts(t, r.coordClient, r.name)
		if len(got) != 1 {
			return false
		}
		part, err := model.ParsePartName(got[0])
		if err != nil {
			return false
		}
		name = part.Name
		return part.Left == left && part.Right == right
	}, "replica "+r.name+" never converged to a single covering part")
	return name
}

// waitForParts blocks until the replica's registered part set equals want.
func waitForParts(t *testing.T, r *testReplica, want []string) {
	t.Helper()
	sort.Strings(want)
	waitUntil(t, 15*time.Second, func() bool {
		got := registeredParts(t, r.coordClient, r.name)
		sort.Strings(got)
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, "replica "+r.name+" never converged to the expected part set")
}

func TestTwoReplicasOneInsert(t *testing.T) {
	ctx := context.Background()
	s := memcoord.NewServer()
	r1 := startTestReplica(t, s, "r1")
	r2 := startTestReplica(t, s, "r2")

	part, err := r1.table.Writer().WriteBlock(ctx, "20240101", "20240101", []byte("rows"), 1)
	require.NoError(t, err)

	// Within one queue-update cycle plus one fetch, r2 owns the part too.
	waitForParts(t, r2, []string{part.Name})
	waitUntil(t, 5*time.Second, func() bool {
		return r2.catalog.GetContainingPart(part.Name) != nil
	}, "r2 never installed the fetched part locally")

	// Both replicas register exactly the same set.
	assert.Equal(t, registeredParts(t, r1.coordClient, "r1"), registeredParts(t, r2.coordClient, "r2"))
}

func TestMergePropagation(t *testing.T) {
	ctx := context.Background()
	s := memcoord.NewServer()
	r1 := startTestReplica(t, s, "r1")
	r2 := startTestReplica(t, s, "r2")

	for i := 0; i < 3; i++ {
		_, err := r1.table.Writer().WriteBlock(ctx, "20240101", "20240101", []byte{byte('a' + i)}, 1)
		require.NoError(t, err)
	}

	// The leader's selector proposes the merge; both replicas converge on
	// the single merged part.
	merged := waitForSingleCoveringPart(t, r1, 0, 2)
	waitForParts(t, r2, []string{merged})

	require.NotNil(t, r1.catalog.GetContainingPart(merged))
	waitUntil(t, 5*time.Second, func() bool {
		return r2.catalog.GetContainingPart(merged) != nil
	}, "r2 never installed the merged part locally")

	// Every part interval is disjoint at both replicas.
	for _, r := range []*testReplica{r1, r2} {
		all := r.catalog.GetDataParts()
		for i := 0; i+1 < len(all); i++ {
			assert.False(t, all[i].Intersects(all[i+1]))
		}
	}
}

func TestConvergenceAfterReplicaPause(t *testing.T) {
	ctx := context.Background()
	s := memcoord.NewServer()

	// Merge selection is parked (zero merge slots) so the test observes the
	// raw insert stream instead of racing the selector.
	noMerges := func(o *TableOptions) { o.MergingThreads = 0 }
	r1 := buildTestReplica(t, s, "r1", t.TempDir(), false, testSchema(), noMerges)
	require.NoError(t, r1.table.Startup(ctx))
	r2 := buildTestReplica(t, s, "r2", t.TempDir(), false, testSchema(), noMerges)
	require.NoError(t, r2.table.Startup(ctx))

	// Pause r2 (kill its process); r1 keeps inserting.
	require.NoError(t, r2.table.Shutdown(ctx))
	require.NoError(t, r2.coordClient.Close())

	var names []string
	for i := 0; i < 2; i++ {
		part, err := r1.table.Writer().WriteBlock(ctx, "20240101", "20240101", []byte{byte('x' + i)}, 1)
		require.NoError(t, err)
		names = append(names, part.Name)
	}

	// r2 restarts with its old data dir and catches up from the logs.
	r2b := buildTestReplica(t, s, "r2", r2.dataDir, true, testSchema(), noMerges)
	require.NoError(t, r2b.table.Startup(ctx))
	waitForParts(t, r2b, names)
}

func TestIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	s := memcoord.NewServer()
	r1 := startTestReplica(t, s, "r1")
	r2 := startTestReplica(t, s, "r2")

	part, err := r1.table.Writer().WriteBlock(ctx, "20240101", "20240101", []byte("rows"), 1)
	require.NoError(t, err)
	waitForParts(t, r2, []string{part.Name})

	// Re-deliver the same entry by hand: the worker must treat it as a
	// no-op because the part exists and is registered.
	q := r2.table.Queue()
	q.Requeue(getEntry("r1", part.Name))
	waitUntil(t, 5*time.Second, func() bool { return q.Size() == 0 }, "redelivered entry never drained")

	waitForParts(t, r2, []string{part.Name})
	assert.NotNil(t, r2.catalog.GetContainingPart(part.Name))
}

func TestLeaderFailover(t *testing.T) {
	ctx := context.Background()
	s := memcoord.NewServer()
	r1 := startTestReplica(t, s, "r1")
	r2 := startTestReplica(t, s, "r2")

	waitUntil(t, 5*time.Second, r1.table.IsLeader, "first replica should start as leader")
	assert.False(t, r2.table.IsLeader())

	// Kill r1's session outright; r2 must observe leadership within the
	// expiry window and start selecting merges.
	require.NoError(t, r1.coordClient.Close())
	waitUntil(t, 5*time.Second, r2.table.IsLeader, "surviving replica never took leadership")

	// The new leader actually selects merges: insert three parts on r2 and
	// watch them merge.
	for i := 0; i < 3; i++ {
		_, err := r2.table.Writer().WriteBlock(ctx, "20240101", "20240101", []byte{byte('a' + i)}, 1)
		require.NoError(t, err)
	}
	waitForSingleCoveringPart(t, r2, 0, 2)

	// Merge decisions came from the surviving selector only.
	entries := r2.table.Queue().Entries()
	for _, e := range entries {
		if e.Type == model.MergeParts {
			assert.Equal(t, "r2", e.SourceReplica)
		}
	}
}

func TestFetchFallbackReordering(t *testing.T) {
	s := memcoord.NewServer()
	q := newTestQueue(t, s, "r2")

	// Scenario: the queue holds GETs for three inputs and the merge that
	// consumes them. The first GET fails because the peer is offline.
	a := "20240101_20240101_1_1_0"
	b := "20240101_20240101_2_2_0"
	c := "20240101_20240101_3_3_0"
	merged := "20240101_20240101_1_3_1"

	entryA, releaseA, ok := func() (*model.LogEntry, func(), bool) {
		q.Requeue(getEntry("r1", a))
		q.Requeue(getEntry("r1", b))
		q.Requeue(getEntry("r1", c))
		q.Requeue(mergeEntry("r1", merged, a, b, c))
		return q.PickTask()
	}()
	require.True(t, ok)
	require.Equal(t, a, entryA.NewPartName)

	// The fetch fails: related producers are spliced to just after the
	// merge entry, then the failed entry returns to the tail.
	q.MoveProducersAfterMerge(entryA.NewPartName)
	releaseA()
	q.Requeue(entryA)

	var got []string
	for _, e := range q.Entries() {
		got = append(got, e.NewPartName)
	}
	assert.Equal(t, []string{merged, b, c, a}, got)
}
