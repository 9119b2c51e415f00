// Package connection provides the executor's single polymorphic view
// over a fan-out of replica connections: single, multiplexed (static
// fan-out over N connections), and hedged (races a duplicate send and
// falls back to multiplexed where the platform can't support it).
// The executor never chooses between variants; a Factory does (§4.2,
// §9 "Connections polymorphism").
package connection

import (
	"context"

	"github.com/oklog/ulid"

	"github.com/cortexproject/remotequery/pkg/remotequery/packet"
)

// ExternalTable is one entry of the data shipped by the external-table
// streamer (C7): a name plus a callback that (re-)builds the stream of
// blocks to send, so the connection layer can re-invoke it if it needs
// to re-stream the table to a replica.
type ExternalTable struct {
	Name              string
	CreatingPipeCallback func(ctx context.Context) (<-chan *packet.Block, error)
}

// Client is a single replica connection: everything the executor can
// ask of one shard.
type Client interface {
	SendQuery(ctx context.Context, query string, stage int) error
	SendScalars(ctx context.Context, scalars map[string]*packet.Block) error
	SendExternalTables(ctx context.Context, tables []ExternalTable) error
	SendCancel(ctx context.Context) error
	SendIgnoredPartUUIDs(ctx context.Context, uuids []ulid.ULID) error
	SendReadTaskResponse(ctx context.Context, resp packet.ReadTaskResponse) error
	SendMergeTreeReadTaskResponse(ctx context.Context, resp packet.MergeTreeReadTaskResponse) error
	ReceivePacket(ctx context.Context) (packet.Packet, error)
	RemoteAddress() string
	Close() error
}

// Pool is the capability set the executor is polymorphic over (§4.2).
type Pool interface {
	SendQuery(ctx context.Context, query string, stage int) error
	SendScalars(ctx context.Context, scalars map[string]*packet.Block) error
	SendExternalTables(ctx context.Context, tables []ExternalTable) error
	SendCancel(ctx context.Context) error
	SendIgnoredPartUUIDs(ctx context.Context, uuids []ulid.ULID) error
	SendReadTaskResponse(ctx context.Context, resp packet.ReadTaskResponse) error
	SendMergeTreeReadTaskResponse(ctx context.Context, resp packet.MergeTreeReadTaskResponse) error

	// ReceivePacket returns the next available packet from any live
	// connection, blocking until one arrives, ctx is canceled, or all
	// connections are exhausted. Finish's post-cancel drain (C8) drives
	// this directly rather than through a separate Drain method, so it
	// can forward Log/ProfileEvents and re-raise Exception the same way
	// the main read loop's dispatch does.
	ReceivePacket(ctx context.Context) (packet.Packet, error)

	HasActiveConnections() bool
	Size() int
	Disconnect() error
	DumpAddresses() []string
}

// Kind selects which Pool variant a Factory builds.
type Kind int

const (
	// KindSingle wraps exactly one connection.
	KindSingle Kind = iota
	// KindMultiplexed fans a query out over N static connections.
	KindMultiplexed
	// KindHedged behaves like Multiplexed but races a duplicate send
	// against the first response where the platform supports
	// interruptible I/O; it falls back to Multiplexed otherwise.
	KindHedged
)

// Options configures how a Factory builds a Pool: a small, reusable
// shape covering every recognized connection configuration (§9
// "Deferred factory").
type Options struct {
	Kind Kind

	// SingleConnection is consulted when Kind == KindSingle.
	SingleConnection Client

	// PooledEntries is consulted when Kind == KindMultiplexed or
	// KindHedged: the fan-out's live client set.
	PooledEntries []Client

	// FailoverPool, when non-nil, supplies replacement clients for
	// entries in PooledEntries that fail to connect.
	FailoverPool Client

	// HedgeEntries is consulted when Kind == KindHedged: a second,
	// independently-dialed client per shard to race against
	// PooledEntries. If empty, the hedge race degrades to racing the
	// primary set against itself (no true duplicate connection
	// available), which still satisfies the no-interleaved-suspension
	// rule but wins nothing over plain multiplexed.
	HedgeEntries []Client

	// UseHedgedRequests mirrors the use_hedged_requests setting;
	// KindHedged degrades to multiplexed behavior when this is false
	// or the platform doesn't support it (see hedgingSupported).
	UseHedgedRequests bool
}

// Factory is the deferred connection-construction closure held by the
// executor as create_connections; it is invoked at most once per
// attempt, not at executor construction (§3 invariant 1, §5 "Timeout
// semantics").
type Factory func(ctx context.Context) (Pool, error)

// NewFactory builds the Factory the executor will call on first send.
// The returned factory picks the Pool variant the same way the design
// mandates: the executor itself never branches on Kind.
func NewFactory(opts Options) Factory {
	return func(ctx context.Context) (Pool, error) {
		entries := substituteFailover(opts.PooledEntries, opts.FailoverPool)
		switch opts.Kind {
		case KindSingle:
			return newSingle(opts.SingleConnection), nil
		case KindHedged:
			if opts.UseHedgedRequests && hedgingSupported {
				return newHedged(entries, opts.HedgeEntries), nil
			}
			return newMultiplexed(entries), nil
		default:
			return newMultiplexed(entries), nil
		}
	}
}

// substituteFailover replaces any nil entry (a shard whose primary
// client failed to dial) with failover, the one fallback client
// configured for the whole pool. A still-nil entry (no failover
// configured) is left as-is and will fail fast the first time it is
// used, rather than silently shrinking the fan-out.
func substituteFailover(entries []Client, failover Client) []Client {
	if failover == nil {
		return entries
	}
	out := make([]Client, len(entries))
	copy(out, entries)
	for i, c := range out {
		if c == nil {
			out[i] = failover
		}
	}
	return out
}
