package connection

import (
	"context"
	"sync"

	"github.com/oklog/ulid"

	"github.com/cortexproject/remotequery/pkg/remotequery/packet"
)

// hedged races a duplicate SendQuery against the primary client set
// and keeps whichever set acknowledges first, disconnecting the
// loser; every other capability is served by whichever set won. It
// only exists where the platform supports interruptible I/O (see
// hedgingSupported); elsewhere the Factory falls back to plain
// multiplexed.
type hedged struct {
	primary   *multiplexed
	duplicate *multiplexed

	mu     sync.Mutex
	active *multiplexed
}

// newHedged builds a hedged pool racing clients against hedgeClients.
// If hedgeClients is empty, no independently-dialed duplicate is
// available, so the race degrades to the primary set against itself.
func newHedged(clients, hedgeClients []Client) *hedged {
	primary := newMultiplexed(clients)
	duplicate := primary
	if len(hedgeClients) > 0 {
		duplicate = newMultiplexed(hedgeClients)
	}
	return &hedged{primary: primary, duplicate: duplicate, active: primary}
}

// SendQuery races the query send against a second context so a slow
// replica connection doesn't stall query start; both paths run to
// completion without suspension per send, satisfying the
// no-interleaved-suspension rule (§5) independently of which one
// "wins". The loser, if distinct from the winner, is disconnected
// since every subsequent call is served by the winner alone.
func (h *hedged) SendQuery(ctx context.Context, query string, stage int) error {
	type outcome struct {
		pool *multiplexed
		err  error
	}
	done := make(chan outcome, 2)

	hedgeCtx, cancelHedge := context.WithCancel(ctx)
	defer cancelHedge()

	go func() { done <- outcome{h.primary, h.primary.SendQuery(ctx, query, stage)} }()
	go func() {
		if h.duplicate == h.primary {
			<-hedgeCtx.Done()
			return
		}
		done <- outcome{h.duplicate, h.duplicate.SendQuery(hedgeCtx, query, stage)}
	}()

	first := <-done

	h.mu.Lock()
	h.active = first.pool
	h.mu.Unlock()

	if h.duplicate != h.primary {
		cancelHedge()
		loser := h.duplicate
		if first.pool == h.duplicate {
			loser = h.primary
		}
		go func() { _ = loser.Disconnect() }()
	}

	return first.err
}

func (h *hedged) get() *multiplexed {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *hedged) SendScalars(ctx context.Context, scalars map[string]*packet.Block) error {
	return h.get().SendScalars(ctx, scalars)
}

func (h *hedged) SendExternalTables(ctx context.Context, tables []ExternalTable) error {
	return h.get().SendExternalTables(ctx, tables)
}

func (h *hedged) SendCancel(ctx context.Context) error {
	return h.get().SendCancel(ctx)
}

func (h *hedged) SendIgnoredPartUUIDs(ctx context.Context, uuids []ulid.ULID) error {
	return h.get().SendIgnoredPartUUIDs(ctx, uuids)
}

func (h *hedged) SendReadTaskResponse(ctx context.Context, resp packet.ReadTaskResponse) error {
	return h.get().SendReadTaskResponse(ctx, resp)
}

func (h *hedged) SendMergeTreeReadTaskResponse(ctx context.Context, resp packet.MergeTreeReadTaskResponse) error {
	return h.get().SendMergeTreeReadTaskResponse(ctx, resp)
}

func (h *hedged) ReceivePacket(ctx context.Context) (packet.Packet, error) {
	return h.get().ReceivePacket(ctx)
}

func (h *hedged) HasActiveConnections() bool { return h.get().HasActiveConnections() }
func (h *hedged) Size() int                  { return h.get().Size() }
func (h *hedged) Disconnect() error          { return h.get().Disconnect() }
func (h *hedged) DumpAddresses() []string    { return h.get().DumpAddresses() }
