// Package externaltables implements the per-connection snapshotting
// and streaming of temporary in-memory tables (§4.9, C7). It is
// invoked exactly once per attempt, after sendQuery and before the
// first read.
package externaltables

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/cortexproject/remotequery/pkg/remotequery/connection"
	"github.com/cortexproject/remotequery/pkg/remotequery/packet"
	"github.com/cortexproject/remotequery/pkg/util"
)

// snapshotBackoff bounds the retries buildPipe attempts against a
// flaky Storage.Snapshot call before giving up on that table.
var snapshotBackoff = util.BackoffConfig{
	MinBackoff: 10 * time.Millisecond,
	MaxBackoff: 200 * time.Millisecond,
	MaxRetries: 3,
}

// DefaultBlockSize mirrors the teacher's own fixed streaming chunk
// size for external-table snapshots.
const DefaultBlockSize = 65536

// TimeoutOverflowMode selects what happens when MaxExecutionTime
// elapses while streaming an external table.
type TimeoutOverflowMode int

const (
	// OverflowThrow stops the stream once the deadline elapses. The
	// stream is closed without an error, exactly as under OverflowBreak.
	OverflowThrow TimeoutOverflowMode = iota
	// OverflowBreak stops the stream early but does not fail it.
	OverflowBreak
)

// Storage is the minimal interface a configured external table must
// satisfy for this package to ship it. Only in-memory temporary
// tables are shipped (§9 "External tables" — a deliberate policy).
type Storage interface {
	// IsInMemory reports whether this storage engine holds its data
	// in memory; non-memory tables are skipped silently.
	IsInMemory() bool
	// Columns lists every physical column to read.
	Columns() []packet.ColumnSchema
	// Snapshot returns a read-only iterator over the table's current
	// rows, chunked into blocks no larger than blockSize.
	Snapshot(ctx context.Context, blockSize int) (BlockIterator, error)
}

// BlockIterator yields successive blocks of a snapshotted table.
type BlockIterator interface {
	Next(ctx context.Context) (*packet.Block, bool, error)
}

// Table is one external table configured for the query.
type Table struct {
	Name    string
	Storage Storage
}

// Limits seeds the limit-checking transform attached to every
// external-table stream.
type Limits struct {
	MaxExecutionTime    time.Duration
	TimeoutOverflowMode TimeoutOverflowMode
}

// LimitExceededError describes a stream that ran past
// MaxExecutionTime. buildPipe does not return it: a stream that hits
// the deadline is closed without an error under either overflow mode.
type LimitExceededError struct {
	Table string
	Limit time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("external table %q exceeded max execution time of %s", e.Table, e.Limit)
}

// Streamer builds the per-connection entries to attach to a query.
type Streamer struct {
	limits Limits
	// onRows, if set, observes the row count of every block streamed
	// out of buildPipe (wired to the executor's row-streamed metric).
	onRows func(rows int)
}

func NewStreamer(limits Limits) *Streamer {
	return &Streamer{limits: limits}
}

// OnRows registers a row-count observer invoked for every streamed
// block. It is not required: a nil onRows is simply not called.
func (s *Streamer) OnRows(cb func(rows int)) { s.onRows = cb }

// BuildEntries builds one connection.ExternalTable per (connection,
// in-memory table) pair, skipping non-memory tables silently. The
// fan-out size is conns.Size(): each connection gets its own
// creating-pipe callback so the connection layer can re-invoke it if
// it needs to re-stream the table.
func (s *Streamer) BuildEntries(ctx context.Context, conns connection.Pool, tables []Table) ([]connection.ExternalTable, error) {
	var entries []connection.ExternalTable

	for i := 0; i < conns.Size(); i++ {
		for _, t := range tables {
			if !t.Storage.IsInMemory() {
				continue
			}

			t := t
			entries = append(entries, connection.ExternalTable{
				Name: t.Name,
				CreatingPipeCallback: func(ctx context.Context) (<-chan *packet.Block, error) {
					return s.buildPipe(ctx, t)
				},
			})
		}
	}

	return entries, nil
}

// buildPipe compiles the table's snapshot into a stream of blocks,
// applying the limit-checking transform as it goes.
func (s *Streamer) buildPipe(ctx context.Context, t Table) (<-chan *packet.Block, error) {
	it, err := s.snapshotWithRetry(ctx, t)
	if err != nil {
		return nil, errors.Wrapf(err, "external table %q: building snapshot pipeline", t.Name)
	}

	out := make(chan *packet.Block)
	deadline := time.Now().Add(s.limits.MaxExecutionTime)

	go func() {
		defer close(out)
		for {
			if s.limits.MaxExecutionTime > 0 && time.Now().After(deadline) {
				if s.limits.TimeoutOverflowMode == OverflowThrow {
					return
				}
				return
			}

			b, ok, err := it.Next(ctx)
			if err != nil || !ok {
				return
			}
			select {
			case out <- b:
				if s.onRows != nil {
					s.onRows(b.NumRows)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// snapshotWithRetry retries a transient Storage.Snapshot failure with
// exponential backoff; a snapshot builder that can't open a cursor on
// the first attempt (e.g. a table still finalizing a concurrent
// insert) often succeeds moments later.
func (s *Streamer) snapshotWithRetry(ctx context.Context, t Table) (BlockIterator, error) {
	backoff := util.NewBackoff(snapshotBackoff, ctx.Done())

	var lastErr error
	for backoff.Ongoing() {
		it, err := t.Storage.Snapshot(ctx, DefaultBlockSize)
		if err == nil {
			return it, nil
		}
		lastErr = err
		backoff.Wait()
	}
	return nil, lastErr
}
