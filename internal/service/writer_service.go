package service

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/mergetree-io/mergetree/internal/blocklock"
	"github.com/mergetree-io/mergetree/internal/coord"
	apperrors "github.com/mergetree-io/mergetree/internal/errors"
	"github.com/mergetree-io/mergetree/internal/metrics"
	"github.com/mergetree-io/mergetree/internal/model"
	"github.com/mergetree-io/mergetree/internal/storage/parts"
)

// WriterService is the insert path: each written block reserves a block
// number through the abandonable lock, becomes a level-0 part locally, and
// is registered in the coordinator together with a GET_PART log entry and
// the lock commit, all in one multi-op. Peers replay the log entry to fetch
// the part.
type WriterService struct {
	coordClient   coord.Client
	paths         tablePaths
	catalog       *parts.Catalog
	structureLock *sync.RWMutex
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewWriterService creates the writer.
func NewWriterService(coordClient coord.Client, tablePath, replicaName string, catalog *parts.Catalog, structureLock *sync.RWMutex, m *metrics.Metrics, logger *zap.Logger) *WriterService {
	return &WriterService{
		coordClient:   coordClient,
		paths:         newTablePaths(tablePath, replicaName),
		catalog:       catalog,
		structureLock: structureLock,
		metrics:       m,
		logger:        logger,
	}
}

// WriteBlock stores one insert batch as a new level-0 part and announces it
// to the peers. The abandonable lock guarantees a crash before commit leaves
// only an abandoned block number behind.
func (s *WriterService) WriteBlock(ctx context.Context, minDate, maxDate string, data []byte, rows int64) (*model.Part, error) {
	if minDate > maxDate {
		return nil, apperrors.Newf(apperrors.ErrCodeInternal, "min date %s after max date %s", minDate, maxDate)
	}

	s.structureLock.RLock()
	defer s.structureLock.RUnlock()

	lock, err := blocklock.Acquire(ctx, s.coordClient, s.paths.table)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			if abandonErr := lock.Abandon(ctx); abandonErr != nil {
				s.logger.Warn("Failed to abandon block number",
					zap.Int64("block", lock.Number()), zap.Error(abandonErr))
			}
		}
	}()

	number := lock.Number()
	name := model.FormatPartName(minDate, maxDate, number, number, 0)
	part, err := model.ParsePartName(name)
	if err != nil {
		return nil, err
	}
	part.Rows = rows

	tmpDir := s.catalog.TempInsertDir(name)
	checksums, err := parts.WritePartDir(tmpDir, data, rows)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}
	if _, err := s.catalog.RenameTempPartAndReplace(tmpDir, part); err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}

	entry := &model.LogEntry{
		Type:          model.GetPart,
		SourceReplica: s.paths.replica,
		NewPartName:   name,
	}

	ops := []coord.Op{
		coord.CreateOp{Path: s.paths.part(s.paths.replica, name), Mode: coord.Persistent},
		coord.CreateOp{Path: s.paths.partChecksums(s.paths.replica, name), Data: []byte(checksums.FormatText()), Mode: coord.Persistent},
		coord.CreateOp{Path: s.paths.ownLogAppend(), Data: []byte(entry.FormatText()), Mode: coord.PersistentSequential},
	}
	ops = append(ops, lock.CommitOps()...)

	if _, err := s.coordClient.Multi(ctx, ops...); err != nil {
		return nil, err
	}
	lock.Committed()
	committed = true

	s.logger.Debug("Wrote part",
		zap.String("part", name), zap.Int64("rows", rows))
	return part, nil
}
