package coord_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mergetree-io/mergetree/internal/coord"
	"github.com/mergetree-io/mergetree/internal/coord/memcoord"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestLeaderElectionSingleCandidate(t *testing.T) {
	ctx := context.Background()
	s := memcoord.NewServer()
	c := s.NewClient()
	_, err := c.Create(ctx, "/leader_election", nil, coord.Persistent)
	require.NoError(t, err)

	became := make(chan struct{}, 1)
	le, err := coord.NewLeaderElection(ctx, c, "/leader_election", "r1", func() {
		became <- struct{}{}
	}, zap.NewNop())
	require.NoError(t, err)
	defer le.Close()

	select {
	case <-became:
	case <-time.After(5 * time.Second):
		t.Fatal("candidate never became leader")
	}
	assert.True(t, le.IsLeader())
}

func TestLeaderElectionFailover(t *testing.T) {
	ctx := context.Background()
	s := memcoord.NewServer()
	admin := s.NewClient()
	_, err := admin.Create(ctx, "/leader_election", nil, coord.Persistent)
	require.NoError(t, err)

	c1 := s.NewClient()
	c2 := s.NewClient()

	le1, err := coord.NewLeaderElection(ctx, c1, "/leader_election", "r1", nil, zap.NewNop())
	require.NoError(t, err)
	waitFor(t, le1.IsLeader, "first candidate should win the empty election")

	le2, err := coord.NewLeaderElection(ctx, c2, "/leader_election", "r2", nil, zap.NewNop())
	require.NoError(t, err)

	// The second candidate waits while the first holds leadership.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, le2.IsLeader())

	// Kill the leader's session: its ephemeral candidate node vanishes and
	// leadership must move within the watch window.
	require.NoError(t, c1.Close())
	waitFor(t, le2.IsLeader, "second candidate should take over leadership")

	require.NoError(t, le2.Close())
	assert.False(t, le2.IsLeader())
}

func TestLeaderElectionCloseReleasesLeadership(t *testing.T) {
	ctx := context.Background()
	s := memcoord.NewServer()
	c := s.NewClient()
	_, err := c.Create(ctx, "/leader_election", nil, coord.Persistent)
	require.NoError(t, err)

	le, err := coord.NewLeaderElection(ctx, c, "/leader_election", "r1", nil, zap.NewNop())
	require.NoError(t, err)
	waitFor(t, le.IsLeader, "candidate should become leader")

	require.NoError(t, le.Close())
	assert.False(t, le.IsLeader())

	// The candidate node is gone, so a new candidate wins immediately.
	le2, err := coord.NewLeaderElection(ctx, s.NewClient(), "/leader_election", "r2", nil, zap.NewNop())
	require.NoError(t, err)
	defer le2.Close()
	waitFor(t, le2.IsLeader, "new candidate should inherit leadership")
}
