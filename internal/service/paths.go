package service

import (
	"fmt"
	"strconv"
	"time"

	"github.com/mergetree-io/mergetree/internal/coord"
)

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }

func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed integer %q: %w", s, err)
	}
	return n, nil
}

// Sequential node prefixes inside the table's coordinator subtree.
const (
	logNodePrefix   = "log-"
	queueNodePrefix = "queue-"
)

// tablePaths renders every coordinator path of one table as seen by one
// replica. The layout is fixed; see the namespace contract in the repo docs.
type tablePaths struct {
	table   string
	replica string // this replica's name
}

func newTablePaths(table, replica string) tablePaths {
	for len(table) > 1 && table[len(table)-1] == '/' {
		table = table[:len(table)-1]
	}
	return tablePaths{table: table, replica: replica}
}

func (p tablePaths) metadata() string       { return p.table + "/metadata" }
func (p tablePaths) replicas() string       { return p.table + "/replicas" }
func (p tablePaths) blocks() string         { return p.table + "/blocks" }
func (p tablePaths) blockNumbers() string   { return p.table + "/block_numbers" }
func (p tablePaths) leaderElection() string { return p.table + "/leader_election" }
func (p tablePaths) temp() string           { return p.table + "/temp" }

func (p tablePaths) replicaRoot(name string) string { return p.replicas() + "/" + name }
func (p tablePaths) host(name string) string        { return p.replicaRoot(name) + "/host" }
func (p tablePaths) isActive(name string) string    { return p.replicaRoot(name) + "/is_active" }
func (p tablePaths) log(name string) string         { return p.replicaRoot(name) + "/log" }
func (p tablePaths) logNode(name string, index int64) string {
	return p.log(name) + "/" + logNodePrefix + coord.FormatSeq(index)
}
func (p tablePaths) logPointer(peer string) string {
	return p.replicaRoot(p.replica) + "/log_pointers/" + peer
}
func (p tablePaths) logPointers() string { return p.replicaRoot(p.replica) + "/log_pointers" }
func (p tablePaths) queue() string       { return p.replicaRoot(p.replica) + "/queue" }
func (p tablePaths) queueNode(name string) string {
	return p.queue() + "/" + name
}
func (p tablePaths) parts(replica string) string { return p.replicaRoot(replica) + "/parts" }
func (p tablePaths) part(replica, part string) string {
	return p.parts(replica) + "/" + part
}
func (p tablePaths) partChecksums(replica, part string) string {
	return p.part(replica, part) + "/checksums"
}

func (p tablePaths) self() string        { return p.replicaRoot(p.replica) }
func (p tablePaths) ownLogAppend() string {
	return p.log(p.replica) + "/" + logNodePrefix
}
func (p tablePaths) queueAppend() string { return p.queue() + "/" + queueNodePrefix }

// Tuning carries the engine's loop cadence. The defaults are the protocol
// constants; tests shrink them.
type Tuning struct {
	QueueUpdateSleep    time.Duration
	QueueNoWorkSleep    time.Duration
	QueueErrorSleep     time.Duration
	QueueAfterWorkSleep time.Duration
	MergeSelectingSleep time.Duration
}

// DefaultTuning returns the production cadence.
func DefaultTuning() Tuning {
	return Tuning{
		QueueUpdateSleep:    5 * time.Second,
		QueueNoWorkSleep:    5 * time.Second,
		QueueErrorSleep:     time.Second,
		QueueAfterWorkSleep: 0,
		MergeSelectingSleep: 5 * time.Second,
	}
}
