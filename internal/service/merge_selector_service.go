package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mergetree-io/mergetree/internal/blocklock"
	"github.com/mergetree-io/mergetree/internal/coord"
	"github.com/mergetree-io/mergetree/internal/metrics"
	"github.com/mergetree-io/mergetree/internal/model"
	"github.com/mergetree-io/mergetree/internal/storage/merger"
	"github.com/mergetree-io/mergetree/internal/storage/parts"
)

// MergeSelectorService is the leader-only loop that decides which parts to
// merge and publishes those decisions into the replica's own log for every
// replica to replay. It exists only while leadership is held: the election
// callback starts it and either shutdown or leadership loss joins it.
type MergeSelectorService struct {
	coordClient coord.Client
	paths       tablePaths
	queue       *QueueService
	catalog     *parts.Catalog
	merger      *merger.Merger
	tuning      Tuning
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mergingThreads int
	isLeader       func() bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMergeSelectorService creates the selector. isLeader is the election's
// observable leadership flag; the loop halts as soon as it turns false.
func NewMergeSelectorService(coordClient coord.Client, tablePath, replicaName string, queue *QueueService, catalog *parts.Catalog, mrg *merger.Merger, mergingThreads int, isLeader func() bool, tuning Tuning, m *metrics.Metrics, logger *zap.Logger) *MergeSelectorService {
	return &MergeSelectorService{
		coordClient:    coordClient,
		paths:          newTablePaths(tablePath, replicaName),
		queue:          queue,
		catalog:        catalog,
		merger:         mrg,
		mergingThreads: mergingThreads,
		isLeader:       isLeader,
		tuning:         tuning,
		metrics:        m,
		logger:         logger,
		stopChan:       make(chan struct{}),
	}
}

// Start launches the selector loop. Called from the leader-election callback.
func (s *MergeSelectorService) Start() {
	s.metrics.IsLeader.Set(1)
	s.wg.Add(1)
	go s.run()
}

// Stop halts the selector and waits for it.
func (s *MergeSelectorService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.metrics.IsLeader.Set(0)
}

func (s *MergeSelectorService) stopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func (s *MergeSelectorService) sleep(d time.Duration) {
	select {
	case <-s.stopChan:
	case <-time.After(d):
	}
}

func (s *MergeSelectorService) run() {
	defer s.wg.Done()
	ctx := context.Background()

	if err := s.queue.PullLogsToQueue(ctx); err != nil {
		s.logger.Error("Initial log pull failed", zap.Error(err))
	}

	for !s.stopped() && s.isLeader() {
		success, err := s.selectOnce(ctx)
		if err != nil {
			s.logger.Error("Merge selection failed", zap.Error(err))
		}
		if s.stopped() {
			return
		}
		if !success {
			s.sleep(s.tuning.MergeSelectingSleep)
		}
	}
}

// selectOnce runs one selection round: cap the number of queued merges, pick
// a run of parts whose gaps are all abandoned, publish the merge, then pull
// logs synchronously so the inputs are tagged before the next round.
func (s *MergeSelectorService) selectOnce(ctx context.Context) (bool, error) {
	if s.queue.CountMerges() >= s.mergingThreads {
		return false, nil
	}

	hasBigMerge := s.hasBigMergeInFlight()

	var legalityErr error
	canMerge := func(left, right *model.Part) bool {
		ok, err := s.canMergeParts(ctx, left, right)
		if err != nil && legalityErr == nil {
			legalityErr = err
		}
		return ok
	}

	s.logger.Debug("Selecting parts to merge", zap.Bool("only_small", hasBigMerge))

	inputs, mergedName, ok := s.merger.SelectPartsToMerge(false, hasBigMerge, canMerge)
	if !ok {
		inputs, mergedName, ok = s.merger.SelectPartsToMerge(true, hasBigMerge, canMerge)
	}
	if legalityErr != nil {
		return false, legalityErr
	}
	if !ok {
		return false, nil
	}

	entry := &model.LogEntry{
		Type:          model.MergeParts,
		SourceReplica: s.paths.replica,
		NewPartName:   mergedName,
	}
	for _, p := range inputs {
		entry.PartsToMerge = append(entry.PartsToMerge, p.Name)
	}

	if _, err := s.coordClient.Create(ctx, s.paths.ownLogAppend(), []byte(entry.FormatText()), coord.PersistentSequential); err != nil {
		return false, err
	}
	s.logger.Info("Selected parts to merge",
		zap.Strings("parts", entry.PartsToMerge), zap.String("new_part", mergedName))

	// Load the new entry into the queue before the next selection round so
	// the chosen inputs are tagged as currently merging.
	if err := s.queue.PullLogsToQueue(ctx); err != nil {
		return true, err
	}

	s.clearAbandonedBlocks(ctx, inputs)
	return true, nil
}

// hasBigMergeInFlight reports whether any currently-merging part crosses the
// big-part threshold.
func (s *MergeSelectorService) hasBigMergeInFlight() bool {
	for _, name := range s.queue.CurrentlyMergingParts() {
		part := s.catalog.GetContainingPart(name)
		if part == nil {
			continue
		}
		if part.Name != name {
			s.logger.Info("Obsolete part in currently merging set",
				zap.String("part", name), zap.String("covered_by", part.Name))
			continue
		}
		if s.merger.IsBigPart(part) {
			return true
		}
	}
	return false
}

// canMergeParts is the selection legality predicate: neither endpoint may be
// in flight, and every block number in the gap between them must be abandoned
// or missing.
func (s *MergeSelectorService) canMergeParts(ctx context.Context, left, right *model.Part) (bool, error) {
	if s.queue.IsCurrentlyMerging(left.Name) || s.queue.IsCurrentlyMerging(right.Name) {
		return false, nil
	}
	for number := left.Right + 1; number <= right.Left-1; number++ {
		path := blocklock.BlockPath(s.paths.table, number)
		state, err := blocklock.Check(ctx, s.coordClient, path)
		if err != nil {
			return false, err
		}
		if state != blocklock.Abandoned && state != blocklock.Missing {
			s.logger.Debug("Can't merge parts: live block number between them",
				zap.String("left", left.Name), zap.String("right", right.Name),
				zap.String("block", path))
			return false, nil
		}
	}
	return true, nil
}

// clearAbandonedBlocks garbage-collects block numbers strictly between
// adjacent chosen parts. Concurrent deletion is tolerated.
func (s *MergeSelectorService) clearAbandonedBlocks(ctx context.Context, inputs []*model.Part) {
	for i := 0; i+1 < len(inputs); i++ {
		for number := inputs[i].Right + 1; number <= inputs[i+1].Left-1; number++ {
			path := blocklock.BlockPath(s.paths.table, number)
			if err := s.coordClient.TryRemove(ctx, path); err != nil {
				s.logger.Warn("Failed to clear abandoned block number",
					zap.String("block", path), zap.Error(err))
			}
		}
	}
}
