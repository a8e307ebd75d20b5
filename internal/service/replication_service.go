package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mergetree-io/mergetree/internal/coord"
	apperrors "github.com/mergetree-io/mergetree/internal/errors"
	"github.com/mergetree-io/mergetree/internal/metrics"
	"github.com/mergetree-io/mergetree/internal/model"
	"github.com/mergetree-io/mergetree/internal/storage/merger"
	"github.com/mergetree-io/mergetree/internal/storage/parts"
)

// ReplicationService runs the worker pool that drains the queue: each worker
// repeatedly picks the first eligible entry and either fetches the part from
// a peer or merges local parts.
type ReplicationService struct {
	coordClient coord.Client
	paths       tablePaths
	queue       *QueueService
	catalog     *parts.Catalog
	merger      *merger.Merger
	fetcher     *FetchService
	tuning      Tuning
	metrics     *metrics.Metrics
	logger      *zap.Logger

	structureLock *sync.RWMutex

	threads  int
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReplicationService creates the worker pool; Start launches the workers.
func NewReplicationService(coordClient coord.Client, tablePath, replicaName string, queue *QueueService, catalog *parts.Catalog, mrg *merger.Merger, fetcher *FetchService, structureLock *sync.RWMutex, threads int, tuning Tuning, m *metrics.Metrics, logger *zap.Logger) *ReplicationService {
	return &ReplicationService{
		coordClient:   coordClient,
		paths:         newTablePaths(tablePath, replicaName),
		queue:         queue,
		catalog:       catalog,
		merger:        mrg,
		fetcher:       fetcher,
		structureLock: structureLock,
		threads:       threads,
		tuning:        tuning,
		metrics:       m,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
}

// Start launches the replication workers.
func (s *ReplicationService) Start() {
	for i := 0; i < s.threads; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop halts all workers and waits for them.
func (s *ReplicationService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *ReplicationService) stopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func (s *ReplicationService) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-s.stopChan:
	case <-time.After(d):
	}
}

func (s *ReplicationService) worker(id int) {
	defer s.wg.Done()
	ctx := context.Background()
	logger := s.logger.With(zap.Int("worker", id))

	for !s.stopped() {
		entry, release, ok := s.queue.PickTask()
		if !ok {
			s.sleep(s.tuning.QueueNoWorkSleep)
			continue
		}

		err := s.executeLogEntry(ctx, entry)
		release()

		if s.stopped() {
			if err != nil {
				s.queue.Requeue(entry)
			}
			return
		}

		if err == nil {
			s.queue.Finish(ctx, entry)
			s.sleep(s.tuning.QueueAfterWorkSleep)
			continue
		}

		s.queue.Requeue(entry)
		s.metrics.QueueTaskErrors.Inc()
		if apperrors.HasCode(err, apperrors.ErrCodeNoReplicaHasPart) {
			logger.Info("Deferring queue entry", zap.String("part", entry.NewPartName), zap.Error(err))
		} else {
			logger.Error("Failed to execute queue entry",
				zap.String("part", entry.NewPartName), zap.Error(err))
		}
		s.sleep(s.tuning.QueueErrorSleep)
	}
}

// executeLogEntry performs one queue entry: skip, merge, or fetch.
func (s *ReplicationService) executeLogEntry(ctx context.Context, entry *model.LogEntry) error {
	// If a covering part is here and registered, the action already happened.
	if containing := s.catalog.GetContainingPart(entry.NewPartName); containing != nil {
		registered, err := s.coordClient.Exists(ctx, s.paths.part(s.paths.replica, containing.Name))
		if err != nil {
			return err
		}
		if registered {
			if !(entry.Type == model.GetPart && entry.SourceReplica == s.paths.replica) {
				s.logger.Debug("Skipping action: part already exists",
					zap.String("part", entry.NewPartName))
			}
			return nil
		}
	}

	if entry.Type == model.GetPart && entry.SourceReplica == s.paths.replica {
		s.logger.Error("Part from own log doesn't exist. This is a bug.",
			zap.String("part", entry.NewPartName))
	}

	doFetch := entry.Type == model.GetPart
	if entry.Type == model.MergeParts {
		fetchInstead, err := s.executeMerge(ctx, entry)
		if err != nil {
			return err
		}
		doFetch = fetchInstead
	}

	if doFetch {
		if err := s.fetchForEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// executeMerge merges the entry's inputs locally. Returns true when an input
// is missing or inconsistent and the merged result should be fetched instead.
func (s *ReplicationService) executeMerge(ctx context.Context, entry *model.LogEntry) (bool, error) {
	inputs := make([]*model.Part, 0, len(entry.PartsToMerge))
	for _, name := range entry.PartsToMerge {
		part := s.catalog.GetContainingPart(name)
		if part == nil {
			s.logger.Debug("Don't have all parts for merge; will try to fetch it instead",
				zap.String("new_part", entry.NewPartName), zap.String("missing", name))
			return true, nil
		}
		if part.Name != name {
			s.logger.Error("Log and parts set look inconsistent: input already covered",
				zap.String("input", name), zap.String("covered_by", part.Name),
				zap.String("new_part", entry.NewPartName))
			return true, nil
		}
		inputs = append(inputs, part)
	}

	started := time.Now()
	s.structureLock.RLock()
	part, _, err := s.merger.MergeParts(inputs, entry.NewPartName)
	s.structureLock.RUnlock()
	if err != nil {
		return false, err
	}

	checksums, err := parts.ReadChecksums(s.catalog.PartPath(part.Name))
	if err != nil {
		return false, err
	}

	ops := []coord.Op{
		coord.CreateOp{Path: s.paths.part(s.paths.replica, part.Name), Mode: coord.Persistent},
		coord.CreateOp{Path: s.paths.partChecksums(s.paths.replica, part.Name), Data: []byte(checksums.FormatText()), Mode: coord.Persistent},
	}
	for _, input := range inputs {
		ops = append(ops,
			coord.RemoveOp{Path: s.paths.partChecksums(s.paths.replica, input.Name), Version: -1},
			coord.RemoveOp{Path: s.paths.part(s.paths.replica, input.Name), Version: -1},
		)
	}
	if _, err := s.coordClient.Multi(ctx, ops...); err != nil {
		return false, err
	}

	s.catalog.ClearOldParts()
	s.metrics.PartMergesTotal.Inc()
	s.metrics.MergeDuration.Observe(time.Since(started).Seconds())
	return false, nil
}

// fetchForEntry downloads the entry's part from a random active peer. A
// failed download repositions the producers of any sibling merge inputs so
// the merged result is fetched next rather than each input.
func (s *ReplicationService) fetchForEntry(ctx context.Context, entry *model.LogEntry) error {
	replica, err := s.fetcher.FindActiveReplicaHavingPart(ctx, entry.NewPartName)
	if err != nil {
		s.queue.MoveProducersAfterMerge(entry.NewPartName)
		return err
	}
	if _, err := s.fetcher.FetchPart(ctx, entry.NewPartName, replica); err != nil {
		s.queue.MoveProducersAfterMerge(entry.NewPartName)
		return err
	}
	if entry.Type == model.MergeParts {
		s.metrics.PartFetchesOfMergedTotal.Inc()
	}
	return nil
}
