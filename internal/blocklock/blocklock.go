// Package blocklock implements the two-phase abandonable lock over block
// numbers. A writer reserves the next block number, writes its part, and
// either commits the number or abandons it; abandoned numbers are gaps that
// merges may later cross.
package blocklock

import (
	"context"
	"fmt"

	"github.com/mergetree-io/mergetree/internal/coord"
)

// State classifies a block-number path.
type State int

const (
	Missing State = iota
	Held
	Committed
	Abandoned
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Held:
		return "held"
	case Committed:
		return "committed"
	case Abandoned:
		return "abandoned"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	committedMarker = "committed"
	abandonedMarker = "abandoned"
)

// BlockPrefix is the sequential node prefix under <table>/block_numbers.
const BlockPrefix = "block-"

// Lock is a held reservation of one block number.
type Lock struct {
	client     coord.Client
	path       string // <table>/block_numbers/block-<n>
	holderPath string // ephemeral liveness node under <table>/temp
	number     int64
	released   bool
}

// Acquire reserves the next block number for the table. The lock node holds a
// reference to an ephemeral holder node; if the writer's session dies while
// the lock is held, the holder vanishes and the number reads as abandoned.
func Acquire(ctx context.Context, client coord.Client, tablePath string) (*Lock, error) {
	holderPath, err := client.Create(ctx, tablePath+"/temp/abandonable_lock-", nil, coord.EphemeralSequential)
	if err != nil {
		return nil, err
	}

	path, err := client.Create(ctx, tablePath+"/block_numbers/"+BlockPrefix, []byte(holderPath), coord.PersistentSequential)
	if err != nil {
		// Reservation failed; the holder is useless now.
		_ = client.TryRemove(ctx, holderPath)
		return nil, err
	}

	number, err := coord.ParseSeq(coord.BaseName(path), BlockPrefix)
	if err != nil {
		return nil, err
	}
	return &Lock{client: client, path: path, holderPath: holderPath, number: number}, nil
}

// Number returns the reserved block number.
func (l *Lock) Number() int64 {
	return l.number
}

// CommitOps returns the coordinator ops that commit the lock. The writer
// folds them into the same multi-op that registers the part, so the part
// registration and the commit are atomic.
func (l *Lock) CommitOps() []coord.Op {
	return []coord.Op{
		coord.SetOp{Path: l.path, Data: []byte(committedMarker), Version: -1},
		coord.RemoveOp{Path: l.holderPath, Version: -1},
	}
}

// Committed marks the lock released after its CommitOps were applied.
func (l *Lock) Committed() {
	l.released = true
}

// Abandon gives the number up: the part was never produced and merges may
// cross this block.
func (l *Lock) Abandon(ctx context.Context) error {
	if l.released {
		return nil
	}
	l.released = true
	if err := l.client.Set(ctx, l.path, []byte(abandonedMarker)); err != nil {
		return err
	}
	return l.client.TryRemove(ctx, l.holderPath)
}

// Check classifies a block-number path.
func Check(ctx context.Context, client coord.Client, path string) (State, error) {
	data, _, ok, err := client.TryGet(ctx, path)
	if err != nil {
		return Missing, err
	}
	if !ok {
		return Missing, nil
	}
	switch string(data) {
	case committedMarker:
		return Committed, nil
	case abandonedMarker:
		return Abandoned, nil
	}
	// The data is a holder reference; the lock is held only while the
	// holder's ephemeral node survives.
	held, err := client.Exists(ctx, string(data))
	if err != nil {
		return Missing, err
	}
	if held {
		return Held, nil
	}
	return Abandoned, nil
}

// BlockPath renders the coordinator path of a block number.
func BlockPath(tablePath string, number int64) string {
	return tablePath + "/block_numbers/" + BlockPrefix + coord.FormatSeq(number)
}
