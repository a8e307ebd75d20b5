package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mergetree-io/mergetree/internal/blocklock"
	"github.com/mergetree-io/mergetree/internal/coord"
	"github.com/mergetree-io/mergetree/internal/coord/memcoord"
	"github.com/mergetree-io/mergetree/internal/metrics"
	"github.com/mergetree-io/mergetree/internal/model"
	"github.com/mergetree-io/mergetree/internal/storage/merger"
	"github.com/mergetree-io/mergetree/internal/storage/parts"
)

// selectorFixture drives the selector directly, without an election.
type selectorFixture struct {
	coordClient coord.Client
	catalog     *parts.Catalog
	queue       *QueueService
	selector    *MergeSelectorService
}

func newSelectorFixture(t *testing.T, s *memcoord.Server) *selectorFixture {
	t.Helper()
	logger := zap.NewNop()
	coordClient := s.NewClient()
	createTableSkeleton(t, coordClient, testSchema())
	createReplicaSkeleton(t, coordClient, "r1")

	catalog, err := parts.NewCatalog(t.TempDir(), time.Hour, logger)
	require.NoError(t, err)
	mrg := merger.New(catalog, 8192, logger)
	m := metrics.NewNop()
	queue := NewQueueService(coordClient, testTablePath, "r1", testTuning(), m, logger)
	selector := NewMergeSelectorService(coordClient, testTablePath, "r1", queue, catalog, mrg,
		4, func() bool { return true }, testTuning(), m, logger)
	return &selectorFixture{coordClient: coordClient, catalog: catalog, queue: queue, selector: selector}
}

// addCommittedPart installs a local part and marks its blocks committed.
func (f *selectorFixture) addCommittedPart(t *testing.T, name string, rows int64) {
	t.Helper()
	ctx := context.Background()
	part, err := model.ParsePartName(name)
	require.NoError(t, err)
	part.Rows = rows
	tmp := f.catalog.TempInsertDir(name)
	_, err = parts.WritePartDir(tmp, []byte(name), rows)
	require.NoError(t, err)
	_, err = f.catalog.RenameTempPartAndReplace(tmp, part)
	require.NoError(t, err)

	for n := part.Left; n <= part.Right; n++ {
		_, err := f.coordClient.Create(ctx, blocklock.BlockPath(testTablePath, n), []byte("committed"), coord.Persistent)
		if !coord.IsNodeExists(err) {
			require.NoError(t, err)
		}
	}
}

func (f *selectorFixture) ownLogEntries(t *testing.T) []*model.LogEntry {
	t.Helper()
	ctx := context.Background()
	p := newTablePaths(testTablePath, "r1")
	children, err := f.coordClient.Children(ctx, p.log("r1"))
	require.NoError(t, err)
	var entries []*model.LogEntry
	for _, child := range children {
		data, _, err := f.coordClient.Get(ctx, p.log("r1")+"/"+child)
		require.NoError(t, err)
		entry, err := model.ParseLogEntry(string(data))
		require.NoError(t, err)
		entries = append(entries, entry)
	}
	return entries
}

func TestSelectorPublishesMergeAndTagsInputs(t *testing.T) {
	ctx := context.Background()
	s := memcoord.NewServer()
	f := newSelectorFixture(t, s)
	f.addCommittedPart(t, "20240101_20240101_0_0_0", 1)
	f.addCommittedPart(t, "20240101_20240101_1_1_0", 1)
	f.addCommittedPart(t, "20240101_20240101_2_2_0", 1)

	success, err := f.selector.selectOnce(ctx)
	require.NoError(t, err)
	require.True(t, success)

	entries := f.ownLogEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, model.MergeParts, entries[0].Type)
	assert.Equal(t, "r1", entries[0].SourceReplica)
	assert.Equal(t, "20240101_20240101_0_2_1", entries[0].NewPartName)
	assert.Len(t, entries[0].PartsToMerge, 3)

	// The synchronous pull tagged the inputs before the next round.
	assert.True(t, f.queue.IsCurrentlyMerging("20240101_20240101_0_0_0"))

	// With all inputs in flight nothing new is selectable.
	success, err = f.selector.selectOnce(ctx)
	require.NoError(t, err)
	assert.False(t, success)
}

func TestSelectorRespectsBlockGapLegality(t *testing.T) {
	ctx := context.Background()
	s := memcoord.NewServer()
	f := newSelectorFixture(t, s)
	f.addCommittedPart(t, "20240101_20240101_0_0_0", 1)
	f.addCommittedPart(t, "20240101_20240101_2_2_0", 1)
	f.addCommittedPart(t, "20240101_20240101_3_3_0", 1)

	// Block 1 sits between parts 0 and 2 and is held by a live writer:
	// nothing crossing it may merge.
	holderPath, err := f.coordClient.Create(ctx, testTablePath+"/temp/abandonable_lock-", nil, coord.EphemeralSequential)
	require.NoError(t, err)
	blockPath := blocklock.BlockPath(testTablePath, 1)
	_, err = f.coordClient.Create(ctx, blockPath, []byte(holderPath), coord.Persistent)
	require.NoError(t, err)

	success, err := f.selector.selectOnce(ctx)
	require.NoError(t, err)
	if success {
		// Only a merge not crossing block 1 is acceptable.
		entries := f.ownLogEntries(t)
		require.Len(t, entries, 1)
		assert.Equal(t, "20240101_20240101_2_3_1", entries[0].NewPartName)
	}

	// The writer gives up: the gap becomes crossable.
	require.NoError(t, f.coordClient.Set(ctx, blockPath, []byte("abandoned")))
	f2 := newSelectorFixtureFrom(t, f)
	success, err = f2.selector.selectOnce(ctx)
	require.NoError(t, err)
	require.True(t, success)
}

// newSelectorFixtureFrom rebuilds the selector state over the same
// coordinator and catalog, as if leadership moved to a fresh process.
func newSelectorFixtureFrom(t *testing.T, f *selectorFixture) *selectorFixture {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.NewNop()
	mrg := merger.New(f.catalog, 8192, logger)
	queue := NewQueueService(f.coordClient, testTablePath, "r1", testTuning(), m, logger)
	selector := NewMergeSelectorService(f.coordClient, testTablePath, "r1", queue, f.catalog, mrg,
		4, func() bool { return true }, testTuning(), m, logger)
	return &selectorFixture{coordClient: f.coordClient, catalog: f.catalog, queue: queue, selector: selector}
}

func TestSelectorClearsAbandonedBlocksBetweenInputs(t *testing.T) {
	ctx := context.Background()
	s := memcoord.NewServer()
	f := newSelectorFixture(t, s)
	f.addCommittedPart(t, "20240101_20240101_0_0_0", 1)
	f.addCommittedPart(t, "20240101_20240101_2_2_0", 1)
	f.addCommittedPart(t, "20240101_20240101_3_3_0", 1)

	// Block 1 was reserved and abandoned by a failed insert.
	blockPath := blocklock.BlockPath(testTablePath, 1)
	_, err := f.coordClient.Create(ctx, blockPath, []byte("abandoned"), coord.Persistent)
	require.NoError(t, err)

	success, err := f.selector.selectOnce(ctx)
	require.NoError(t, err)
	require.True(t, success)

	// The merge crossed the abandoned block and garbage-collected it.
	exists, err := f.coordClient.Exists(ctx, blockPath)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSelectorBacksOffWhenEnoughMergesQueued(t *testing.T) {
	ctx := context.Background()
	s := memcoord.NewServer()
	f := newSelectorFixture(t, s)
	f.selector.mergingThreads = 1
	f.addCommittedPart(t, "20240101_20240101_0_0_0", 1)
	f.addCommittedPart(t, "20240101_20240101_1_1_0", 1)
	f.addCommittedPart(t, "20240101_20240101_2_2_0", 1)

	f.queue.Requeue(mergeEntry("r9", "20240101_20240101_8_9_1",
		"20240101_20240101_8_8_0", "20240101_20240101_9_9_0"))

	success, err := f.selector.selectOnce(ctx)
	require.NoError(t, err)
	assert.False(t, success)
	assert.Empty(t, f.ownLogEntries(t))
}
