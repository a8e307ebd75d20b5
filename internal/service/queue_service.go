package service

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/mergetree-io/mergetree/internal/coord"
	"github.com/mergetree-io/mergetree/internal/metrics"
	"github.com/mergetree-io/mergetree/internal/model"
)

// QueueService owns the replica's in-memory operation queue and the two
// in-flight part-name sets, and runs the updater that merges every peer's log
// into the queue in one global order.
//
// Lock discipline: mu (the queue mutex) guards queue and futureParts;
// mergingMu guards currentlyMerging. mu may be held while taking mergingMu,
// never the other way around.
type QueueService struct {
	client  coord.Client
	paths   tablePaths
	tuning  Tuning
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	queue       []*model.LogEntry
	futureParts mapset.Set[string]

	mergingMu        sync.Mutex
	currentlyMerging mapset.Set[string]

	// pullMu serializes log pulls between the updater loop and the merge
	// selector's synchronous pulls.
	pullMu sync.Mutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewQueueService creates the queue service; call Load before Start.
func NewQueueService(client coord.Client, tablePath, replicaName string, tuning Tuning, m *metrics.Metrics, logger *zap.Logger) *QueueService {
	return &QueueService{
		client:           client,
		paths:            newTablePaths(tablePath, replicaName),
		tuning:           tuning,
		logger:           logger,
		metrics:          m,
		futureParts:      mapset.NewThreadUnsafeSet[string](),
		currentlyMerging: mapset.NewThreadUnsafeSet[string](),
		stopChan:         make(chan struct{}),
	}
}

// Load seeds the in-memory queue from the coordinator's queue nodes, in node
// order. Called once on startup before any worker runs.
func (s *QueueService) Load(ctx context.Context) error {
	children, err := s.client.Children(ctx, s.paths.queue())
	if err != nil {
		return err
	}
	sort.Strings(children)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, child := range children {
		data, _, err := s.client.Get(ctx, s.paths.queueNode(child))
		if err != nil {
			return err
		}
		entry, err := model.ParseLogEntry(string(data))
		if err != nil {
			s.logger.Error("Dropping unparsable queue entry",
				zap.String("node", child), zap.Error(err))
			continue
		}
		entry.ZNodeName = child
		s.tagCurrentlyMerging(entry)
		s.queue = append(s.queue, entry)
	}
	s.metrics.QueueSize.Set(float64(len(s.queue)))
	return nil
}

// Start launches the updater loop.
func (s *QueueService) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the updater and waits for it.
func (s *QueueService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *QueueService) run() {
	defer s.wg.Done()
	ctx := context.Background()
	for {
		sleep := s.tuning.QueueUpdateSleep
		if err := s.PullLogsToQueue(ctx); err != nil {
			s.logger.Error("Log pull failed", zap.Error(err))
			sleep = s.tuning.QueueErrorSleep
		}
		select {
		case <-s.stopChan:
			return
		case <-time.After(sleep):
		}
	}
}

// logStream walks one peer's log from the pointer position.
type logStream struct {
	replica   string
	index     int64
	timestamp int64
	entryData []byte
}

func (ls *logStream) read(ctx context.Context, client coord.Client, paths tablePaths) (bool, error) {
	data, stat, ok, err := client.TryGet(ctx, paths.logNode(ls.replica, ls.index))
	if err != nil || !ok {
		return false, err
	}
	ls.entryData = data
	ls.timestamp = stat.CreatedID
	return true, nil
}

// streamHeap orders peer streams by coordinator creation timestamp, ties
// broken by (replica, index) so the order is stable across restarts.
type streamHeap []*logStream

func (h streamHeap) Len() int { return len(h) }
func (h streamHeap) Less(i, j int) bool {
	if h[i].timestamp != h[j].timestamp {
		return h[i].timestamp < h[j].timestamp
	}
	if h[i].replica != h[j].replica {
		return h[i].replica < h[j].replica
	}
	return h[i].index < h[j].index
}
func (h streamHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *streamHeap) Push(x interface{}) { *h = append(*h, x.(*logStream)) }
func (h *streamHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// PullLogsToQueue merges all peer logs into the queue in creation-timestamp
// order. Every popped entry is enqueued in the coordinator and the peer's
// pointer advanced in a single atomic multi-op, so a crash never loses or
// double-delivers an entry.
func (s *QueueService) PullLogsToQueue(ctx context.Context) error {
	s.pullMu.Lock()
	defer s.pullMu.Unlock()

	replicas, err := s.client.Children(ctx, s.paths.replicas())
	if err != nil {
		return err
	}

	h := &streamHeap{}
	for _, replica := range replicas {
		index, err := s.readOrInitPointer(ctx, replica)
		if err != nil {
			return err
		}
		ls := &logStream{replica: replica, index: index}
		ok, err := ls.read(ctx, s.client, s.paths)
		if err != nil {
			return err
		}
		if ok {
			heap.Push(h, ls)
		}
	}

	count := 0
	for h.Len() > 0 {
		ls := (*h)[0]

		results, err := s.client.Multi(ctx,
			coord.CreateOp{Path: s.paths.queueAppend(), Data: ls.entryData, Mode: coord.PersistentSequential},
			coord.SetOp{Path: s.paths.logPointer(ls.replica), Data: []byte(formatInt(ls.index + 1)), Version: -1},
		)
		if err != nil {
			return err
		}
		count++

		entry, parseErr := model.ParseLogEntry(string(ls.entryData))
		if parseErr != nil {
			// The entry is already enqueued durably; skip it in memory and
			// let a fixed binary reprocess the queue node later.
			s.logger.Error("Pulled unparsable log entry",
				zap.String("replica", ls.replica), zap.Int64("index", ls.index), zap.Error(parseErr))
		} else {
			entry.ZNodeName = coord.BaseName(results[0].PathCreated)
			s.mu.Lock()
			s.tagCurrentlyMerging(entry)
			s.queue = append(s.queue, entry)
			s.metrics.QueueSize.Set(float64(len(s.queue)))
			s.mu.Unlock()
		}

		ls.index++
		ok, err := ls.read(ctx, s.client, s.paths)
		if err != nil {
			return err
		}
		if ok {
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
		}
	}

	if count > 0 {
		s.metrics.QueuePullsTotal.Add(float64(count))
		s.logger.Debug("Pulled entries to queue", zap.Int("count", count))
	}
	return nil
}

// readOrInitPointer returns the next unread index of a peer's log. A missing
// pointer is initialized to the peer's smallest log index at this moment.
func (s *QueueService) readOrInitPointer(ctx context.Context, replica string) (int64, error) {
	data, _, ok, err := s.client.TryGet(ctx, s.paths.logPointer(replica))
	if err != nil {
		return 0, err
	}
	if ok {
		return parseInt(string(data))
	}

	entries, err := s.client.Children(ctx, s.paths.log(replica))
	if err != nil {
		return 0, err
	}
	var index int64
	if len(entries) > 0 {
		sort.Strings(entries)
		index, err = coord.ParseSeq(entries[0], logNodePrefix)
		if err != nil {
			return 0, err
		}
	}
	if _, err := s.client.Create(ctx, s.paths.logPointer(replica), []byte(formatInt(index)), coord.Persistent); err != nil {
		return 0, err
	}
	return index, nil
}

// tagCurrentlyMerging marks a merge entry's inputs as in flight. Caller holds
// mu or runs before any worker starts.
func (s *QueueService) tagCurrentlyMerging(entry *model.LogEntry) {
	if entry.Type != model.MergeParts {
		return
	}
	s.mergingMu.Lock()
	for _, name := range entry.PartsToMerge {
		s.currentlyMerging.Add(name)
	}
	s.metrics.CurrentlyMerging.Set(float64(s.currentlyMerging.Cardinality()))
	s.mergingMu.Unlock()
}

// untagCurrentlyMerging drops a finished merge entry's inputs. Called only
// when the entry leaves the system for good.
func (s *QueueService) untagCurrentlyMerging(entry *model.LogEntry) {
	if entry.Type != model.MergeParts {
		return
	}
	s.mergingMu.Lock()
	for _, name := range entry.PartsToMerge {
		s.currentlyMerging.Remove(name)
	}
	s.metrics.CurrentlyMerging.Set(float64(s.currentlyMerging.Cardinality()))
	s.mergingMu.Unlock()
}

// IsCurrentlyMerging reports whether a part participates in a queued or
// executing merge.
func (s *QueueService) IsCurrentlyMerging(name string) bool {
	s.mergingMu.Lock()
	defer s.mergingMu.Unlock()
	return s.currentlyMerging.Contains(name)
}

// CurrentlyMergingParts snapshots the in-flight merge inputs.
func (s *QueueService) CurrentlyMergingParts() []string {
	s.mergingMu.Lock()
	defer s.mergingMu.Unlock()
	return s.currentlyMerging.ToSlice()
}

// shouldExecuteLogEntry implements worker eligibility: a merge must wait
// until none of its inputs is being produced by another in-flight worker.
func (s *QueueService) shouldExecuteLogEntry(entry *model.LogEntry) bool {
	if entry.Type == model.MergeParts {
		for _, name := range entry.PartsToMerge {
			if s.futureParts.Contains(name) {
				s.logger.Debug("Not merging yet: input part not ready",
					zap.String("new_part", entry.NewPartName), zap.String("waiting_for", name))
				return false
			}
		}
	}
	return true
}

// PickTask removes the first eligible entry from the queue and tags its
// product as a future part. The returned release function unconditionally
// untags on every exit path of the worker.
func (s *QueueService) PickTask() (*model.LogEntry, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, entry := range s.queue {
		if !s.shouldExecuteLogEntry(entry) {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		s.metrics.QueueSize.Set(float64(len(s.queue)))
		s.futureParts.Add(entry.NewPartName)

		var once sync.Once
		release := func() {
			once.Do(func() {
				s.mu.Lock()
				s.futureParts.Remove(entry.NewPartName)
				s.mu.Unlock()
			})
		}
		return entry, release, true
	}
	return nil, nil, false
}

// Requeue puts a failed entry back at the queue tail.
func (s *QueueService) Requeue(entry *model.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, entry)
	s.metrics.QueueSize.Set(float64(len(s.queue)))
}

// Finish acknowledges an executed entry: its queue node is removed (no-node
// tolerated) and its merge inputs untagged.
func (s *QueueService) Finish(ctx context.Context, entry *model.LogEntry) {
	if err := s.client.TryRemove(ctx, s.paths.queueNode(entry.ZNodeName)); err != nil {
		s.logger.Error("Couldn't remove queue node",
			zap.String("node", entry.ZNodeName), zap.Error(err))
	}
	s.untagCurrentlyMerging(entry)
}

// MoveProducersAfterMerge finds the queued merge consuming failedPart and
// moves every other pending entry that produces one of that merge's inputs to
// just after the merge entry. Fetching the merged result once beats fetching
// each input.
func (s *QueueService) MoveProducersAfterMerge(failedPart string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mergeIdx := -1
	inputs := mapset.NewThreadUnsafeSet[string]()
	for i, entry := range s.queue {
		if entry.Type != model.MergeParts {
			continue
		}
		for _, name := range entry.PartsToMerge {
			if name == failedPart {
				mergeIdx = i
				for _, n := range entry.PartsToMerge {
					inputs.Add(n)
				}
				break
			}
		}
		if mergeIdx >= 0 {
			break
		}
	}
	if mergeIdx < 0 {
		return
	}

	var moved, kept []*model.LogEntry
	for _, entry := range s.queue[:mergeIdx] {
		if inputs.Contains(entry.NewPartName) {
			moved = append(moved, entry)
		} else {
			kept = append(kept, entry)
		}
	}
	if len(moved) == 0 {
		return
	}

	rebuilt := make([]*model.LogEntry, 0, len(s.queue))
	rebuilt = append(rebuilt, kept...)
	rebuilt = append(rebuilt, s.queue[mergeIdx])
	rebuilt = append(rebuilt, moved...)
	rebuilt = append(rebuilt, s.queue[mergeIdx+1:]...)
	s.queue = rebuilt

	s.logger.Debug("Moved input producers behind their merge",
		zap.String("failed_part", failedPart), zap.Int("moved", len(moved)))
}

// CountMerges returns the number of queued MERGE_PARTS entries.
func (s *QueueService) CountMerges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, entry := range s.queue {
		if entry.Type == model.MergeParts {
			count++
		}
	}
	s.metrics.MergesInQueue.Set(float64(count))
	return count
}

// Size returns the in-memory queue length.
func (s *QueueService) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Entries snapshots the queue, in order.
func (s *QueueService) Entries() []*model.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.LogEntry(nil), s.queue...)
}
