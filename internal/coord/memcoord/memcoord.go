// Package memcoord is an in-process coordinator: a hierarchical node tree
// with sequential nodes, session-bound ephemerals, atomic multi-ops and
// change notifications. It backs single-process deployments and every test
// that needs a coordinator.
package memcoord

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mergetree-io/mergetree/internal/coord"
)

type node struct {
	data      []byte
	children  map[string]*node
	mode      coord.Mode
	owner     int64 // session id for ephemeral nodes
	createdID int64
	version   int64
	nextSeq   int64 // counter for sequential children
}

func newNode(data []byte, mode coord.Mode, owner, createdID int64) *node {
	return &node{
		data:      data,
		children:  map[string]*node{},
		mode:      mode,
		owner:     owner,
		createdID: createdID,
	}
}

func (n *node) clone() *node {
	c := &node{
		data:      n.data,
		children:  make(map[string]*node, len(n.children)),
		mode:      n.mode,
		owner:     n.owner,
		createdID: n.createdID,
		version:   n.version,
		nextSeq:   n.nextSeq,
	}
	for name, child := range n.children {
		c.children[name] = child.clone()
	}
	return c
}

// Server holds the shared node tree. Sessions are created with NewClient and
// share the tree; creation ids are assigned from a tree-wide monotonic
// counter, which is what gives peer log merging its total order.
type Server struct {
	mu          sync.Mutex
	root        *node
	lastID      int64
	nextSession int64
	watchers    map[string][]*watcher
}

type watcher struct {
	path    string
	session int64
	ch      chan coord.Event
}

// NewServer creates an empty coordinator tree.
func NewServer() *Server {
	return &Server{
		root:     newNode(nil, coord.Persistent, 0, 0),
		watchers: map[string][]*watcher{},
	}
}

// NewClient opens a session. Ephemeral nodes created through the returned
// client disappear when it closes.
func (s *Server) NewClient() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSession++
	return &Client{server: s, session: s.nextSession}
}

func splitPath(path string) ([]string, bool) {
	if !strings.HasPrefix(path, "/") || path == "/" || strings.HasSuffix(path, "/") {
		return nil, false
	}
	return strings.Split(path[1:], "/"), true
}

func (s *Server) lookup(path string) *node {
	parts, ok := splitPath(path)
	if !ok {
		return nil
	}
	n := s.root
	for _, p := range parts {
		n = n.children[p]
		if n == nil {
			return nil
		}
	}
	return n
}

// notify queues change events for a path and its parent. Delivery is
// non-blocking: a slow watcher coalesces into whatever is already buffered.
func (s *Server) notify(sink *[]string, path string) {
	*sink = append(*sink, path)
	if parent := coord.ParentPath(path); parent != "" {
		*sink = append(*sink, parent)
	}
}

func (s *Server) fire(paths []string) {
	seen := map[string]bool{}
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		for _, w := range s.watchers[p] {
			select {
			case w.ch <- coord.Event{Path: p}:
			default:
			}
		}
	}
}

// createLocked applies one create. Sequential modes append a 10-digit
// zero-padded counter taken from the parent.
func (s *Server) createLocked(path string, data []byte, mode coord.Mode, session int64, sink *[]string) (string, error) {
	parts, ok := splitPath(path)
	if !ok {
		return "", coord.NewError(coord.CodeNoNode, path)
	}
	parent := s.root
	for _, p := range parts[:len(parts)-1] {
		parent = parent.children[p]
		if parent == nil {
			return "", coord.NewError(coord.CodeNoNode, path)
		}
	}

	name := parts[len(parts)-1]
	if mode == coord.PersistentSequential || mode == coord.EphemeralSequential {
		name += coord.FormatSeq(parent.nextSeq)
	}
	if parent.children[name] != nil {
		return "", coord.NewError(coord.CodeNodeExists, path)
	}
	// Like a cversion-derived counter, the sequence advances on every child
	// creation, so explicitly named children never get recycled numbers.
	parent.nextSeq++

	owner := int64(0)
	if mode == coord.Ephemeral || mode == coord.EphemeralSequential {
		owner = session
	}
	s.lastID++
	parent.children[name] = newNode(data, mode, owner, s.lastID)

	created := coord.ParentPath(path)
	if created == "" {
		created = "/" + name
	} else {
		created = created + "/" + name
	}
	s.notify(sink, created)
	return created, nil
}

func (s *Server) setLocked(path string, data []byte, version int64, sink *[]string) error {
	n := s.lookup(path)
	if n == nil {
		return coord.NewError(coord.CodeNoNode, path)
	}
	if version >= 0 && version != n.version {
		return coord.NewError(coord.CodeBadVersion, path)
	}
	n.data = data
	n.version++
	s.notify(sink, path)
	return nil
}

func (s *Server) removeLocked(path string, version int64, sink *[]string) error {
	parts, ok := splitPath(path)
	if !ok {
		return coord.NewError(coord.CodeNoNode, path)
	}
	parent := s.root
	for _, p := range parts[:len(parts)-1] {
		parent = parent.children[p]
		if parent == nil {
			return coord.NewError(coord.CodeNoNode, path)
		}
	}
	name := parts[len(parts)-1]
	n := parent.children[name]
	if n == nil {
		return coord.NewError(coord.CodeNoNode, path)
	}
	if version >= 0 && version != n.version {
		return coord.NewError(coord.CodeBadVersion, path)
	}
	if len(n.children) > 0 {
		return coord.NewError(coord.CodeNotEmpty, path)
	}
	delete(parent.children, name)
	s.notify(sink, path)
	return nil
}

// expireSession removes every ephemeral node owned by a closing session.
func (s *Server) expireSession(session int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sink []string
	s.expireWalk(s.root, "", session, &sink)

	for path, ws := range s.watchers {
		kept := ws[:0]
		for _, w := range ws {
			if w.session == session {
				close(w.ch)
			} else {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(s.watchers, path)
		} else {
			s.watchers[path] = kept
		}
	}
	s.fire(sink)
}

func (s *Server) expireWalk(n *node, path string, session int64, sink *[]string) {
	for name, child := range n.children {
		childPath := path + "/" + name
		s.expireWalk(child, childPath, session, sink)
		if child.owner == session && len(child.children) == 0 {
			delete(n.children, name)
			s.notify(sink, childPath)
		}
	}
}

// Dump returns every path in the tree, sorted. Test helper.
func (s *Server) Dump() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	var walk func(n *node, path string)
	walk = func(n *node, path string) {
		for name, child := range n.children {
			p := path + "/" + name
			paths = append(paths, p)
			walk(child, p)
		}
	}
	walk(s.root, "")
	sort.Strings(paths)
	return paths
}

// Client is one session against a Server.
type Client struct {
	server  *Server
	session int64

	mu     sync.Mutex
	closed bool
}

var _ coord.Client = (*Client)(nil)

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return coord.NewError(coord.CodeClosed, "")
	}
	return nil
}

func (c *Client) Create(_ context.Context, path string, data []byte, mode coord.Mode) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	s := c.server
	s.mu.Lock()
	var sink []string
	created, err := s.createLocked(path, data, mode, c.session, &sink)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	s.fire(sink)
	return created, nil
}

func (c *Client) Get(_ context.Context, path string) ([]byte, coord.Stat, error) {
	if err := c.checkOpen(); err != nil {
		return nil, coord.Stat{}, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lookup(path)
	if n == nil {
		return nil, coord.Stat{}, coord.NewError(coord.CodeNoNode, path)
	}
	return n.data, coord.Stat{CreatedID: n.createdID, Version: n.version}, nil
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

func (c *Client) Set(_ context.Context, path string, data []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	s := c.server
	s.mu.Lock()
	var sink []string
	err := s.setLocked(path, data, -1, &sink)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.fire(sink)
	return nil
}

func (c *Client) Exists(_ context.Context, path string) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(path) != nil, nil
}

func (c *Client) Children(_ context.Context, path string) ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lookup(path)
	if n == nil {
		return nil, coord.NewError(coord.CodeNoNode, path)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	return names, nil
}

func (c *Client) Remove(_ context.Context, path string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	s := c.server
	s.mu.Lock()
	var sink []string
	err := s.removeLocked(path, -1, &sink)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.fire(sink)
	return nil
}

func (c *Client) TryRemove(ctx context.Context, path string) error {
	err := c.Remove(ctx, path)
	if coord.IsNoNode(err) {
		return nil
	}
	return err
}

func (c *Client) RemoveRecursive(_ context.Context, path string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	s := c.server
	s.mu.Lock()
	var sink []string
	err := s.removeRecursiveLocked(path, &sink)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.fire(sink)
	return nil
}

func (s *Server) removeRecursiveLocked(path string, sink *[]string) error {
	n := s.lookup(path)
	if n == nil {
		return coord.NewError(coord.CodeNoNode, path)
	}
	for name := range n.children {
		if err := s.removeRecursiveLocked(path+"/"+name, sink); err != nil {
			return err
		}
	}
	return s.removeLocked(path, -1, sink)
}

// Multi applies every op atomically: either all succeed or the tree is left
// untouched and the first failing op's error is returned.
func (c *Client) Multi(_ context.Context, ops ...coord.Op) ([]coord.OpResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	s := c.server
	s.mu.Lock()

	snapshot := s.root.clone()
	snapshotID := s.lastID
	var sink []string
	results := make([]coord.OpResult, 0, len(ops))

	for _, op := range ops {
		var err error
		var created string
		switch o := op.(type) {
		case coord.CreateOp:
			created, err = s.createLocked(o.Path, o.Data, o.Mode, c.session, &sink)
		case coord.SetOp:
			err = s.setLocked(o.Path, o.Data, o.Version, &sink)
		case coord.RemoveOp:
			err = s.removeLocked(o.Path, o.Version, &sink)
		}
		if err != nil {
			s.root = snapshot
			s.lastID = snapshotID
			s.mu.Unlock()
			return nil, err
		}
		results = append(results, coord.OpResult{PathCreated: created})
	}

	s.mu.Unlock()
	s.fire(sink)
	return results, nil
}

func (c *Client) Watch(ctx context.Context, path string) (<-chan coord.Event, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	s := c.server
	w := &watcher{path: path, session: c.session, ch: make(chan coord.Event, 16)}
	s.mu.Lock()
	s.watchers[path] = append(s.watchers[path], w)
	s.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			s.dropWatcher(w)
		}()
	}
	return w.ch, nil
}

func (s *Server) dropWatcher(w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.watchers[w.path]
	for i, x := range ws {
		if x == w {
			s.watchers[w.path] = append(ws[:i], ws[i+1:]...)
			close(w.ch)
			return
		}
	}
}

// Close expires the session: every ephemeral node owned by it is removed and
// its watch channels are closed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.server.expireSession(c.session)
	return nil
}
