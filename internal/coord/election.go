package coord

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const electionPrefix = "leader_election-"

// LeaderElection is the reusable election primitive: every candidate creates
// an ephemeral sequential child under the election path, and the candidate
// holding the smallest sequence number is the leader. The callback fires once
// when leadership is acquired; consumers of leadership must keep checking
// IsLeader and stop when it turns false.
type LeaderElection struct {
	client   Client
	path     string
	identity string
	onLeader func()
	logger   *zap.Logger

	nodePath string
	isLeader atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLeaderElection joins the election at path and starts campaigning in the
// background. identity is stored as the candidate node's data for debugging.
func NewLeaderElection(ctx context.Context, client Client, path, identity string, onLeader func(), logger *zap.Logger) (*LeaderElection, error) {
	nodePath, err := client.Create(ctx, path+"/"+electionPrefix, []byte(identity), EphemeralSequential)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	le := &LeaderElection{
		client:   client,
		path:     path,
		identity: identity,
		onLeader: onLeader,
		logger:   logger,
		nodePath: nodePath,
		cancel:   cancel,
	}
	le.wg.Add(1)
	go le.campaign(runCtx)
	return le, nil
}

// IsLeader reports whether this candidate currently holds leadership.
func (le *LeaderElection) IsLeader() bool {
	return le.isLeader.Load()
}

func (le *LeaderElection) campaign(ctx context.Context) {
	defer le.wg.Done()

	events, err := le.client.Watch(ctx, le.path)
	if err != nil {
		le.logger.Error("leader election watch failed", zap.String("path", le.path), zap.Error(err))
		return
	}

	mine := BaseName(le.nodePath)
	for {
		leader, err := le.smallestCandidate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			le.logger.Warn("leader election check failed", zap.Error(err))
		} else if leader == mine {
			le.logger.Info("became leader", zap.String("identity", le.identity))
			le.isLeader.Store(true)
			if le.onLeader != nil {
				le.onLeader()
			}
			le.holdLeadership(ctx, events)
			return
		}

		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
		}
	}
}

// holdLeadership keeps leadership until the session drops the candidate node
// or the election is closed. Losing the node flips the observable flag so the
// merge selector halts.
func (le *LeaderElection) holdLeadership(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				le.isLeader.Store(false)
				return
			}
			exists, err := le.client.Exists(ctx, le.nodePath)
			if err == nil && !exists {
				le.logger.Warn("leadership lost", zap.String("identity", le.identity))
				le.isLeader.Store(false)
				return
			}
		}
	}
}

func (le *LeaderElection) smallestCandidate(ctx context.Context) (string, error) {
	children, err := le.client.Children(ctx, le.path)
	if err != nil {
		return "", err
	}
	candidates := children[:0]
	for _, c := range children {
		if _, err := ParseSeq(c, electionPrefix); err == nil {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return "", NewError(CodeNoNode, le.path)
	}
	sort.Strings(candidates)
	return candidates[0], nil
}

// Close resigns from the election. Any held leadership is released before the
// candidate node is removed.
func (le *LeaderElection) Close() error {
	le.isLeader.Store(false)
	le.cancel()
	le.wg.Wait()
	ctx := context.Background()
	return le.client.TryRemove(ctx, le.nodePath)
}
