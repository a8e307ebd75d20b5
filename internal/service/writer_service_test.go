package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergetree-io/mergetree/internal/blocklock"
	"github.com/mergetree-io/mergetree/internal/coord/memcoord"
	"github.com/mergetree-io/mergetree/internal/model"
)

func TestWriteBlockRegistersPartAndLogEntry(t *testing.T) {
	ctx := context.Background()
	s := memcoord.NewServer()
	r1 := startTestReplica(t, s, "r1")

	part, err := r1.table.Writer().WriteBlock(ctx, "20240101", "20240101", []byte("rows"), 4)
	require.NoError(t, err)
	assert.Equal(t, "20240101_20240101_0_0_0", part.Name)
	assert.Equal(t, int64(4), part.Rows)

	admin := s.NewClient()
	defer admin.Close()

	// Part and checksums are registered under the writing replica.
	assert.Equal(t, []string{part.Name}, registeredParts(t, admin, "r1"))
	checksumsData, _, err := admin.Get(ctx, testTablePath+"/replicas/r1/parts/"+part.Name+"/checksums")
	require.NoError(t, err)
	checksums, err := model.ParseChecksums(string(checksumsData))
	require.NoError(t, err)
	assert.Contains(t, checksums, "data.bin")

	// A GET_PART entry for the peers sits in the writer's own log.
	logNodes, err := admin.Children(ctx, testTablePath+"/replicas/r1/log")
	require.NoError(t, err)
	require.Len(t, logNodes, 1)
	data, _, err := admin.Get(ctx, testTablePath+"/replicas/r1/log/"+logNodes[0])
	require.NoError(t, err)
	entry, err := model.ParseLogEntry(string(data))
	require.NoError(t, err)
	assert.Equal(t, model.GetPart, entry.Type)
	assert.Equal(t, "r1", entry.SourceReplica)
	assert.Equal(t, part.Name, entry.NewPartName)

	// The block number is committed.
	state, err := blocklock.Check(ctx, admin, blocklock.BlockPath(testTablePath, 0))
	require.NoError(t, err)
	assert.Equal(t, blocklock.Committed, state)

	// The part landed in the local catalog.
	require.NotNil(t, r1.catalog.GetContainingPart(part.Name))
}

func TestWriteBlockAssignsIncreasingBlockNumbers(t *testing.T) {
	ctx := context.Background()
	s := memcoord.NewServer()
	r1 := startTestReplica(t, s, "r1")

	first, err := r1.table.Writer().WriteBlock(ctx, "20240101", "20240101", []byte("a"), 1)
	require.NoError(t, err)
	second, err := r1.table.Writer().WriteBlock(ctx, "20240102", "20240102", []byte("b"), 1)
	require.NoError(t, err)

	assert.Equal(t, int64(0), first.Left)
	assert.Equal(t, int64(1), second.Left)
	assert.Equal(t, uint32(0), second.Level)
}

func TestWriteBlockRejectsInvertedDates(t *testing.T) {
	ctx := context.Background()
	s := memcoord.NewServer()
	r1 := startTestReplica(t, s, "r1")

	_, err := r1.table.Writer().WriteBlock(ctx, "20240102", "20240101", []byte("a"), 1)
	assert.Error(t, err)
}
