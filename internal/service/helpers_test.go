package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mergetree-io/mergetree/internal/coord"
	"github.com/mergetree-io/mergetree/internal/coord/memcoord"
	"github.com/mergetree-io/mergetree/internal/metrics"
	"github.com/mergetree-io/mergetree/internal/model"
)

const testTablePath = "/clicks"

func testTuning() Tuning {
	return Tuning{
		QueueUpdateSleep:    20 * time.Millisecond,
		QueueNoWorkSleep:    10 * time.Millisecond,
		QueueErrorSleep:     10 * time.Millisecond,
		QueueAfterWorkSleep: 0,
		MergeSelectingSleep: 20 * time.Millisecond,
	}
}

func testSchema() *model.Metadata {
	return &model.Metadata{
		DateColumn:       "EventDate",
		IndexGranularity: 8192,
		PrimaryKey:       "(CounterID, EventDate)",
		Columns: []model.Column{
			{Name: "EventDate", Type: "Date"},
			{Name: "CounterID", Type: "UInt32"},
		},
	}
}

// createTableSkeleton writes the table subtree the way the lifecycle
// controller does, for tests that drive lower-level services directly.
func createTableSkeleton(t *testing.T, c coord.Client, meta *model.Metadata) {
	t.Helper()
	ctx := context.Background()
	p := newTablePaths(testTablePath, "")
	nodes := []struct {
		path string
		data []byte
	}{
		{p.table, nil},
		{p.metadata(), []byte(meta.FormatText())},
		{p.replicas(), nil},
		{p.blocks(), nil},
		{p.blockNumbers(), nil},
		{p.leaderElection(), nil},
		{p.temp(), nil},
	}
	for _, n := range nodes {
		_, err := c.Create(ctx, n.path, n.data, coord.Persistent)
		require.NoError(t, err)
	}
}

func createReplicaSkeleton(t *testing.T, c coord.Client, replica string) {
	t.Helper()
	ctx := context.Background()
	p := newTablePaths(testTablePath, replica)
	for _, path := range []string{
		p.self(),
		p.host(replica),
		p.log(replica),
		p.logPointers(),
		p.queue(),
		p.parts(replica),
	} {
		_, err := c.Create(ctx, path, nil, coord.Persistent)
		require.NoError(t, err)
	}
}

// appendLogEntry appends an entry to a replica's own log.
func appendLogEntry(t *testing.T, c coord.Client, replica string, entry *model.LogEntry) {
	t.Helper()
	p := newTablePaths(testTablePath, replica)
	_, err := c.Create(context.Background(), p.ownLogAppend(), []byte(entry.FormatText()), coord.PersistentSequential)
	require.NoError(t, err)
}

func newTestQueue(t *testing.T, s *memcoord.Server, replica string) *QueueService {
	t.Helper()
	return NewQueueService(s.NewClient(), testTablePath, replica, testTuning(), metrics.NewNop(), zap.NewNop())
}

func getEntry(source, part string) *model.LogEntry {
	return &model.LogEntry{Type: model.GetPart, SourceReplica: source, NewPartName: part}
}

func mergeEntry(source, newPart string, inputs ...string) *model.LogEntry {
	return &model.LogEntry{
		Type:          model.MergeParts,
		SourceReplica: source,
		NewPartName:   newPart,
		PartsToMerge:  inputs,
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
