// Package etcdcoord backs the coordinator façade with etcd. The hierarchical
// namespace is flattened into the etcd keyspace: a node at path p lives at
// key "n:"+p, and every parent of sequential children keeps its counter at
// key "s:"+parent. Node creation ids are etcd CreateRevisions, which are
// monotonic across the keyspace and therefore satisfy the total-order
// contract the queue updater relies on.
package etcdcoord

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/mergetree-io/mergetree/internal/coord"
)

const (
	nodePrefix = "n:"
	seqPrefix  = "s:"

	// multiAttempts bounds retries of a Multi whose only conflict was a
	// concurrent bump of a sequence counter.
	multiAttempts = 16
)

// Config holds connection settings for the etcd backend.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	SessionTTL  int
}

// Client is one etcd session implementing coord.Client. Ephemeral nodes are
// attached to the session lease and disappear when the session ends.
type Client struct {
	cli     *clientv3.Client
	session *concurrency.Session
	logger  *zap.Logger
}

var _ coord.Client = (*Client)(nil)

// New dials etcd and opens a session lease for ephemeral nodes.
func New(cfg *Config, logger *zap.Logger) (*Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to etcd")
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 30
	}
	session, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
	if err != nil {
		cli.Close()
		return nil, errors.Wrap(err, "failed to open etcd session")
	}
	return &Client{cli: cli, session: session, logger: logger}, nil
}

func nodeKey(path string) string { return nodePrefix + path }
func seqKey(path string) string  { return seqPrefix + path }

func transport(err error, path string) error {
	if err == nil {
		return nil
	}
	return coord.NewError(coord.CodeConnectionLoss, path)
}

func (c *Client) Create(ctx context.Context, path string, data []byte, mode coord.Mode) (string, error) {
	results, err := c.Multi(ctx, coord.CreateOp{Path: path, Data: data, Mode: mode})
	if err != nil {
		return "", err
	}
	return results[0].PathCreated, nil
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, coord.Stat, error) {
	resp, err := c.cli.Get(ctx, nodeKey(path))
	if err != nil {
		return nil, coord.Stat{}, transport(err, path)
	}
	if len(resp.Kvs) == 0 {
		return nil, coord.Stat{}, coord.NewError(coord.CodeNoNode, path)
	}
	kv := resp.Kvs[0]
	return kv.Value, coord.Stat{CreatedID: kv.CreateRevision, Version: kv.Version}, nil
}

func (c *Client) TryGet(ctx context.Context, path string) ([]byte, coord.Stat, bool, error) {
	data, stat, err := c.Get(ctx, path)
	if coord.IsNoNode(err) {
		return nil, coord.Stat{}, false, nil
	}
	if err != nil {
		return nil, coord.Stat{}, false, err
	}
	return data, stat, true, nil
}

func (c *Client) Set(ctx context.Context, path string, data []byte) error {
	_, err := c.Multi(ctx, coord.SetOp{Path: path, Data: data, Version: -1})
	return err
}

func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	resp, err := c.cli.Get(ctx, nodeKey(path), clientv3.WithCountOnly())
	if err != nil {
		return false, transport(err, path)
	}
	return resp.Count > 0, nil
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	exists, err := c.Exists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, coord.NewError(coord.CodeNoNode, path)
	}
	prefix := nodeKey(path) + "/"
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, transport(err, path)
	}
	var names []string
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		if !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	return names, nil
}

func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.Multi(ctx, coord.RemoveOp{Path: path, Version: -1})
	return err
}

func (c *Client) TryRemove(ctx context.Context, path string) error {
	err := c.Remove(ctx, path)
	if coord.IsNoNode(err) {
		return nil
	}
	return err
}

func (c *Client) RemoveRecursive(ctx context.Context, path string) error {
	exists, err := c.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return coord.NewError(coord.CodeNoNode, path)
	}
	_, err = c.cli.Txn(ctx).Then(
		clientv3.OpDelete(nodeKey(path)),
		clientv3.OpDelete(nodeKey(path)+"/", clientv3.WithPrefix()),
		clientv3.OpDelete(seqKey(path)),
		clientv3.OpDelete(seqKey(path)+"/", clientv3.WithPrefix()),
	).Commit()
	return transport(err, path)
}

// seqState is the observed value of one sequence counter, pinned by mod
// revision so a concurrent allocation forces a retry.
type seqState struct {
	key    string
	next   int64
	modRev int64
}

// Multi maps the op list onto a single etcd transaction. Creates compare on
// key absence and parent presence, sets and removes on key presence, and
// sequential creates additionally pin their counter. A failed transaction is
// probed to recover first-failure semantics; a pure counter race is retried.
func (c *Client) Multi(ctx context.Context, ops ...coord.Op) ([]coord.OpResult, error) {
	for attempt := 0; attempt < multiAttempts; attempt++ {
		results, retry, err := c.tryMulti(ctx, ops)
		if err == nil && !retry {
			return results, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, coord.NewError(coord.CodeConnectionLoss, "multi: sequence counter contention")
}

func (c *Client) tryMulti(ctx context.Context, ops []coord.Op) ([]coord.OpResult, bool, error) {
	var cmps []clientv3.Cmp
	var thens []clientv3.Op
	results := make([]coord.OpResult, len(ops))
	seqs := map[string]*seqState{}

	for i, op := range ops {
		switch o := op.(type) {
		case coord.CreateOp:
			created := o.Path
			if o.Mode == coord.PersistentSequential || o.Mode == coord.EphemeralSequential {
				st, err := c.observeSeq(ctx, o.Path, seqs)
				if err != nil {
					return nil, false, err
				}
				created = o.Path + coord.FormatSeq(st.next)
				st.next++
			} else {
				cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(nodeKey(created)), "=", 0))
			}
			if parent := coord.ParentPath(o.Path); parent != "" {
				cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(nodeKey(parent)), ">", 0))
			}
			var putOpts []clientv3.OpOption
			if o.Mode == coord.Ephemeral || o.Mode == coord.EphemeralSequential {
				putOpts = append(putOpts, clientv3.WithLease(c.session.Lease()))
			}
			thens = append(thens, clientv3.OpPut(nodeKey(created), string(o.Data), putOpts...))
			results[i] = coord.OpResult{PathCreated: created}

		case coord.SetOp:
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(nodeKey(o.Path)), ">", 0))
			thens = append(thens, clientv3.OpPut(nodeKey(o.Path), string(o.Data)))

		case coord.RemoveOp:
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(nodeKey(o.Path)), ">", 0))
			thens = append(thens, clientv3.OpDelete(nodeKey(o.Path)))
		}
	}

	for _, st := range seqs {
		if st.modRev == 0 {
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(st.key), "=", 0))
		} else {
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(st.key), "=", st.modRev))
		}
		thens = append(thens, clientv3.OpPut(st.key, strconv.FormatInt(st.next, 10)))
	}

	resp, err := c.cli.Txn(ctx).If(cmps...).Then(thens...).Commit()
	if err != nil {
		return nil, false, transport(err, "multi")
	}
	if resp.Succeeded {
		return results, false, nil
	}

	// The transaction failed some comparison. Probe the ops to surface the
	// first real violation; if every op still looks applicable the failure
	// was a sequence-counter race and the caller retries.
	for _, op := range ops {
		if err := c.probeOp(ctx, op); err != nil {
			return nil, false, err
		}
	}
	return nil, true, nil
}

// observeSeq reads the next sequence number for a sequential create. The
// counter lives beside the parent so that sibling sequences share one
// allocator, matching per-parent sequential naming.
func (c *Client) observeSeq(ctx context.Context, path string, seqs map[string]*seqState) (*seqState, error) {
	key := seqKey(coord.ParentPath(path))
	if st, ok := seqs[key]; ok {
		return st, nil
	}
	resp, err := c.cli.Get(ctx, key)
	if err != nil {
		return nil, transport(err, path)
	}
	st := &seqState{key: key}
	if len(resp.Kvs) > 0 {
		n, parseErr := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
		if parseErr != nil {
			return nil, coord.NewError(coord.CodeConnectionLoss, path)
		}
		st.next = n
		st.modRev = resp.Kvs[0].ModRevision
	}
	seqs[key] = st
	return st, nil
}

func (c *Client) probeOp(ctx context.Context, op coord.Op) error {
	switch o := op.(type) {
	case coord.CreateOp:
		if parent := coord.ParentPath(o.Path); parent != "" {
			exists, err := c.Exists(ctx, parent)
			if err != nil {
				return err
			}
			if !exists {
				return coord.NewError(coord.CodeNoNode, o.Path)
			}
		}
		if o.Mode == coord.Persistent || o.Mode == coord.Ephemeral {
			exists, err := c.Exists(ctx, o.Path)
			if err != nil {
				return err
			}
			if exists {
				return coord.NewError(coord.CodeNodeExists, o.Path)
			}
		}
	case coord.SetOp:
		exists, err := c.Exists(ctx, o.Path)
		if err != nil {
			return err
		}
		if !exists {
			return coord.NewError(coord.CodeNoNode, o.Path)
		}
	case coord.RemoveOp:
		exists, err := c.Exists(ctx, o.Path)
		if err != nil {
			return err
		}
		if !exists {
			return coord.NewError(coord.CodeNoNode, o.Path)
		}
	}
	return nil
}

// Watch merges an exact-key watch and a children-prefix watch into one event
// stream for the path.
func (c *Client) Watch(ctx context.Context, path string) (<-chan coord.Event, error) {
	out := make(chan coord.Event, 16)
	exact := c.cli.Watch(ctx, nodeKey(path))
	children := c.cli.Watch(ctx, nodeKey(path)+"/", clientv3.WithPrefix())

	go func() {
		defer close(out)
		for exact != nil || children != nil {
			select {
			case resp, ok := <-exact:
				if !ok || resp.Canceled {
					exact = nil
					continue
				}
				select {
				case out <- coord.Event{Path: path}:
				default:
				}
			case resp, ok := <-children:
				if !ok || resp.Canceled {
					children = nil
					continue
				}
				select {
				case out <- coord.Event{Path: path}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close ends the session: the lease is revoked, taking every ephemeral node
// with it, and the connection is closed.
func (c *Client) Close() error {
	if err := c.session.Close(); err != nil {
		c.logger.Warn("failed to close etcd session", zap.Error(err))
	}
	return c.cli.Close()
}
