package memcoord

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergetree-io/mergetree/internal/coord"
)

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	c := NewServer().NewClient()

	_, err := c.Create(ctx, "/table", []byte("meta"), coord.Persistent)
	require.NoError(t, err)

	data, stat, err := c.Get(ctx, "/table")
	require.NoError(t, err)
	assert.Equal(t, "meta", string(data))
	assert.Positive(t, stat.CreatedID)

	_, err = c.Create(ctx, "/table", nil, coord.Persistent)
	assert.True(t, coord.IsNodeExists(err))

	_, err = c.Create(ctx, "/missing/child", nil, coord.Persistent)
	assert.True(t, coord.IsNoNode(err))

	_, _, err = c.Get(ctx, "/nope")
	assert.True(t, coord.IsNoNode(err))
}

func TestSequentialCreate(t *testing.T) {
	ctx := context.Background()
	c := NewServer().NewClient()
	_, err := c.Create(ctx, "/log", nil, coord.Persistent)
	require.NoError(t, err)

	first, err := c.Create(ctx, "/log/log-", nil, coord.PersistentSequential)
	require.NoError(t, err)
	second, err := c.Create(ctx, "/log/log-", nil, coord.PersistentSequential)
	require.NoError(t, err)

	assert.Equal(t, "/log/log-0000000000", first)
	assert.Equal(t, "/log/log-0000000001", second)
}

func TestCreationIDsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewServer()
	c1 := s.NewClient()
	c2 := s.NewClient()

	_, err := c1.Create(ctx, "/a", nil, coord.Persistent)
	require.NoError(t, err)
	_, err = c2.Create(ctx, "/b", nil, coord.Persistent)
	require.NoError(t, err)
	_, err = c1.Create(ctx, "/c", nil, coord.Persistent)
	require.NoError(t, err)

	_, statA, err := c2.Get(ctx, "/a")
	require.NoError(t, err)
	_, statB, err := c2.Get(ctx, "/b")
	require.NoError(t, err)
	_, statC, err := c2.Get(ctx, "/c")
	require.NoError(t, err)

	assert.Less(t, statA.CreatedID, statB.CreatedID)
	assert.Less(t, statB.CreatedID, statC.CreatedID)
}

func TestEphemeralNodesExpireWithSession(t *testing.T) {
	ctx := context.Background()
	s := NewServer()
	owner := s.NewClient()
	observer := s.NewClient()

	_, err := owner.Create(ctx, "/replica", nil, coord.Persistent)
	require.NoError(t, err)
	_, err = owner.Create(ctx, "/replica/is_active", nil, coord.Ephemeral)
	require.NoError(t, err)

	exists, err := observer.Exists(ctx, "/replica/is_active")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, owner.Close())

	exists, err = observer.Exists(ctx, "/replica/is_active")
	require.NoError(t, err)
	assert.False(t, exists)

	// The persistent parent survives.
	exists, err = observer.Exists(ctx, "/replica")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMultiIsAtomic(t *testing.T) {
	ctx := context.Background()
	c := NewServer().NewClient()
	_, err := c.Create(ctx, "/queue", nil, coord.Persistent)
	require.NoError(t, err)
	_, err = c.Create(ctx, "/pointer", []byte("0"), coord.Persistent)
	require.NoError(t, err)

	// Second op fails: nothing from the first op may remain.
	_, err = c.Multi(ctx,
		coord.CreateOp{Path: "/queue/queue-", Data: []byte("x"), Mode: coord.PersistentSequential},
		coord.SetOp{Path: "/does-not-exist", Data: []byte("1"), Version: -1},
	)
	require.Error(t, err)
	assert.True(t, coord.IsNoNode(err))

	children, err := c.Children(ctx, "/queue")
	require.NoError(t, err)
	assert.Empty(t, children)

	// A successful multi applies everything and reports the created path.
	results, err := c.Multi(ctx,
		coord.CreateOp{Path: "/queue/queue-", Data: []byte("x"), Mode: coord.PersistentSequential},
		coord.SetOp{Path: "/pointer", Data: []byte("1"), Version: -1},
	)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "/queue/queue-0000000000", results[0].PathCreated)

	data, _, err := c.Get(ctx, "/pointer")
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	// The failed multi must not have consumed a sequence number.
	children, err = c.Children(ctx, "/queue")
	require.NoError(t, err)
	assert.Equal(t, []string{"queue-0000000000"}, children)
}

func TestRemoveSemantics(t *testing.T) {
	ctx := context.Background()
	c := NewServer().NewClient()
	_, err := c.Create(ctx, "/parent", nil, coord.Persistent)
	require.NoError(t, err)
	_, err = c.Create(ctx, "/parent/child", nil, coord.Persistent)
	require.NoError(t, err)

	err = c.Remove(ctx, "/parent")
	var ce *coord.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, coord.CodeNotEmpty, ce.Code)

	assert.True(t, coord.IsNoNode(c.Remove(ctx, "/ghost")))
	assert.NoError(t, c.TryRemove(ctx, "/ghost"))

	require.NoError(t, c.RemoveRecursive(ctx, "/parent"))
	exists, err := c.Exists(ctx, "/parent")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestWatchFiresOnChildChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewServer()
	c := s.NewClient()
	_, err := c.Create(ctx, "/dir", nil, coord.Persistent)
	require.NoError(t, err)

	events, err := c.Watch(ctx, "/dir")
	require.NoError(t, err)

	_, err = c.Create(ctx, "/dir/child", nil, coord.Persistent)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "/dir", ev.Path)
	default:
		t.Fatal("expected a watch event after child creation")
	}
}

func TestChildrenListing(t *testing.T) {
	ctx := context.Background()
	c := NewServer().NewClient()
	_, err := c.Create(ctx, "/replicas", nil, coord.Persistent)
	require.NoError(t, err)
	for _, name := range []string{"r1", "r2", "r3"} {
		_, err = c.Create(ctx, "/replicas/"+name, nil, coord.Persistent)
		require.NoError(t, err)
	}

	children, err := c.Children(ctx, "/replicas")
	require.NoError(t, err)
	sort.Strings(children)
	assert.Equal(t, []string{"r1", "r2", "r3"}, children)
}
