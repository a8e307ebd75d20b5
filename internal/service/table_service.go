package service

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mergetree-io/mergetree/internal/client"
	"github.com/mergetree-io/mergetree/internal/coord"
	apperrors "github.com/mergetree-io/mergetree/internal/errors"
	"github.com/mergetree-io/mergetree/internal/metrics"
	"github.com/mergetree-io/mergetree/internal/model"
	"github.com/mergetree-io/mergetree/internal/server"
	"github.com/mergetree-io/mergetree/internal/storage/merger"
	"github.com/mergetree-io/mergetree/internal/storage/parts"
)

// TableOptions configures one replicated table.
type TableOptions struct {
	TablePath   string
	ReplicaName string
	Host        string
	Port        int
	// Attach re-joins an existing replica; otherwise the table (if absent)
	// and the replica subtree are created.
	Attach             bool
	Metadata           *model.Metadata
	ReplicationThreads int
	MergingThreads     int
	Tuning             Tuning
}

// TableService is the lifecycle controller of one replicated table: it
// creates or attaches the replica, activates it, runs the replication engine
// and joins everything on shutdown.
type TableService struct {
	opts        TableOptions
	coordClient coord.Client
	paths       tablePaths
	catalog     *parts.Catalog
	registry    *server.EndpointRegistry
	metrics     *metrics.Metrics
	logger      *zap.Logger

	// structureLock serializes part installs against schema changes:
	// fetches, merges and inserts hold it shared.
	structureLock sync.RWMutex

	queue    *QueueService
	workers  *ReplicationService
	selector *MergeSelectorService
	fetcher  *FetchService
	writer   *WriterService
	election *coord.LeaderElection

	endpointName   string
	activated      atomic.Bool
	shutdownCalled atomic.Bool
}

// NewTableService wires the engine services of one table. liveness may be
// nil when gossip is disabled.
func NewTableService(opts TableOptions, coordClient coord.Client, catalog *parts.Catalog, mrg *merger.Merger, partClient *client.PartClient, liveness PeerLiveness, registry *server.EndpointRegistry, m *metrics.Metrics, logger *zap.Logger) *TableService {
	t := &TableService{
		opts:        opts,
		coordClient: coordClient,
		paths:       newTablePaths(opts.TablePath, opts.ReplicaName),
		catalog:     catalog,
		registry:    registry,
		metrics:     m,
		logger:      logger,
	}

	t.queue = NewQueueService(coordClient, opts.TablePath, opts.ReplicaName, opts.Tuning, m, logger)
	t.fetcher = NewFetchService(coordClient, opts.TablePath, opts.ReplicaName, catalog, partClient, liveness, &t.structureLock, m, logger)
	t.workers = NewReplicationService(coordClient, opts.TablePath, opts.ReplicaName, t.queue, catalog, mrg, t.fetcher, &t.structureLock, opts.ReplicationThreads, opts.Tuning, m, logger)
	t.selector = NewMergeSelectorService(coordClient, opts.TablePath, opts.ReplicaName, t.queue, catalog, mrg, opts.MergingThreads, t.IsLeader, opts.Tuning, m, logger)
	t.writer = NewWriterService(coordClient, opts.TablePath, opts.ReplicaName, catalog, &t.structureLock, m, logger)
	t.endpointName = server.EndpointName(t.paths.self())
	return t
}

// Queue exposes the queue service (health checks and tests).
func (t *TableService) Queue() *QueueService { return t.queue }

// Writer exposes the insert path.
func (t *TableService) Writer() *WriterService { return t.writer }

// IsLeader reports whether this replica runs the merge selector.
func (t *TableService) IsLeader() bool {
	return t.election != nil && t.election.IsLeader()
}

// Startup brings the replica online: create or attach, reconcile local
// parts, load the queue, activate, join the election and start the engine.
// Startup failures are fatal; nothing keeps running after an error.
func (t *TableService) Startup(ctx context.Context) error {
	if !t.opts.Attach {
		exists, err := t.coordClient.Exists(ctx, t.paths.table)
		if err != nil {
			return err
		}
		if !exists {
			if err := t.createTable(ctx); err != nil {
				return err
			}
		}
		empty, err := t.isTableEmpty(ctx)
		if err != nil {
			return err
		}
		if !empty {
			return apperrors.New(apperrors.ErrCodeAddingReplicaToNonEmptyTable,
				"can't add new replica to non-empty table")
		}
		if err := t.checkTableStructure(ctx); err != nil {
			return err
		}
		if err := t.createReplica(ctx); err != nil {
			return err
		}
	} else {
		if err := t.checkTableStructure(ctx); err != nil {
			return err
		}
		if err := t.checkParts(ctx); err != nil {
			return err
		}
	}

	if err := t.queue.Load(ctx); err != nil {
		return err
	}
	if err := t.activateReplica(ctx); err != nil {
		return err
	}

	t.registry.Register(t.endpointName, t.catalog)

	election, err := coord.NewLeaderElection(ctx, t.coordClient, t.paths.leaderElection(), t.paths.replica, t.selector.Start, t.logger)
	if err != nil {
		t.registry.Unregister(t.endpointName)
		return err
	}
	t.election = election

	t.queue.Start()
	t.workers.Start()
	t.logger.Info("Replica started",
		zap.String("table", t.paths.table), zap.String("replica", t.paths.replica))
	return nil
}

// Shutdown joins all engine threads: the selector first (leadership is
// resigned so its flag drops), then the updater, then the workers. Safe to
// call more than once.
func (t *TableService) Shutdown(ctx context.Context) error {
	if !t.shutdownCalled.CompareAndSwap(false, true) {
		return nil
	}
	t.logger.Info("Waiting for replication threads to finish")

	var errs error
	if t.election != nil {
		errs = multierr.Append(errs, t.election.Close())
	}
	t.selector.Stop()
	t.queue.Stop()
	t.workers.Stop()

	t.registry.Unregister(t.endpointName)
	if t.activated.Load() {
		errs = multierr.Append(errs, t.coordClient.TryRemove(ctx, t.paths.isActive(t.paths.replica)))
	}
	t.logger.Info("Replication threads finished")
	return errs
}

// Drop takes this replica out of the table, and removes the table root when
// it held the last replica.
func (t *TableService) Drop(ctx context.Context) error {
	if err := t.Shutdown(ctx); err != nil {
		t.logger.Warn("Shutdown before drop reported errors", zap.Error(err))
	}
	if err := t.coordClient.RemoveRecursive(ctx, t.paths.self()); err != nil {
		return err
	}
	replicas, err := t.coordClient.Children(ctx, t.paths.replicas())
	if err != nil {
		return err
	}
	if len(replicas) == 0 {
		return t.coordClient.RemoveRecursive(ctx, t.paths.table)
	}
	return nil
}

// createTable writes the table skeleton and the metadata fingerprint other
// replicas will verify against.
func (t *TableService) createTable(ctx context.Context) error {
	t.logger.Info("Creating table", zap.String("table", t.paths.table))
	nodes := []struct {
		path string
		data []byte
	}{
		{t.paths.table, nil},
		{t.paths.metadata(), []byte(t.opts.Metadata.FormatText())},
		{t.paths.replicas(), nil},
		{t.paths.blocks(), nil},
		{t.paths.blockNumbers(), nil},
		{t.paths.leaderElection(), nil},
		{t.paths.temp(), nil},
	}
	for _, n := range nodes {
		if _, err := t.coordClient.Create(ctx, n.path, n.data, coord.Persistent); err != nil {
			return err
		}
	}
	return nil
}

// createReplica writes this replica's subtree.
func (t *TableService) createReplica(ctx context.Context) error {
	t.logger.Info("Creating replica", zap.String("replica", t.paths.replica))
	paths := []string{
		t.paths.self(),
		t.paths.host(t.paths.replica),
		t.paths.log(t.paths.replica),
		t.paths.logPointers(),
		t.paths.queue(),
		t.paths.parts(t.paths.replica),
	}
	for _, p := range paths {
		if _, err := t.coordClient.Create(ctx, p, nil, coord.Persistent); err != nil {
			return err
		}
	}
	return nil
}

// checkTableStructure compares the coordinator's metadata fingerprint to the
// local schema.
func (t *TableService) checkTableStructure(ctx context.Context) error {
	data, _, err := t.coordClient.Get(ctx, t.paths.metadata())
	if err != nil {
		return err
	}
	return t.opts.Metadata.CheckAgainst(string(data))
}

// isTableEmpty reports whether no replica registers any part.
func (t *TableService) isTableEmpty(ctx context.Context) (bool, error) {
	replicas, err := t.coordClient.Children(ctx, t.paths.replicas())
	if err != nil {
		return false, err
	}
	for _, replica := range replicas {
		registered, err := t.coordClient.Children(ctx, t.paths.parts(replica))
		if err != nil {
			return false, err
		}
		if len(registered) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// checkParts reconciles the local catalog against this replica's registered
// parts. A part registered but missing locally is fatal; more than one local
// part unknown to the coordinator is fatal; a single unknown part is
// quarantined with the ignored_ prefix.
func (t *TableService) checkParts(ctx context.Context) error {
	registered, err := t.coordClient.Children(ctx, t.paths.parts(t.paths.replica))
	if err != nil {
		return err
	}
	expected := map[string]bool{}
	for _, name := range registered {
		expected[name] = true
	}

	var unexpected []*model.Part
	for _, part := range t.catalog.GetDataParts() {
		if expected[part.Name] {
			delete(expected, part.Name)
		} else {
			unexpected = append(unexpected, part)
		}
	}

	if len(expected) > 0 {
		missing := ""
		for name := range expected {
			missing = name
			break
		}
		return apperrors.Newf(apperrors.ErrCodeNotFoundExpectedDataPart,
			"not found %d expected data parts (including %s)", len(expected), missing)
	}
	if len(unexpected) > 1 {
		return apperrors.Newf(apperrors.ErrCodeTooManyUnexpectedDataParts,
			"more than one unexpected part (including %s)", unexpected[0].Name)
	}
	for _, part := range unexpected {
		t.logger.Error("Unexpected local part, quarantining",
			zap.String("part", part.Name), zap.String("renamed_to", "ignored_"+part.Name))
		if err := t.catalog.RenameAndDetachPart(part, "ignored_"); err != nil {
			return err
		}
	}
	return nil
}

// activateReplica atomically claims is_active and publishes the host/port of
// the inter-server endpoint.
func (t *TableService) activateReplica(ctx context.Context) error {
	hostData := FormatHostPort(t.opts.Host, t.opts.Port)
	_, err := t.coordClient.Multi(ctx,
		coord.CreateOp{Path: t.paths.isActive(t.paths.replica), Mode: coord.Ephemeral},
		coord.SetOp{Path: t.paths.host(t.paths.replica), Data: []byte(hostData), Version: -1},
	)
	if coord.IsNodeExists(err) {
		return apperrors.Newf(apperrors.ErrCodeReplicaAlreadyActive,
			"replica %s appears to be already active; if you're sure it's not, retry in a minute or remove %s manually",
			t.paths.replica, t.paths.isActive(t.paths.replica))
	}
	if err == nil {
		t.activated.Store(true)
	}
	return err
}
