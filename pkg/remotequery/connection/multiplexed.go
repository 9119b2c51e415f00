package connection

import (
	"context"
	"io"
	"sync"

	"github.com/oklog/ulid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cortexproject/remotequery/pkg/remotequery/packet"
	"github.com/cortexproject/remotequery/pkg/util/concurrency"
)

type recvResult struct {
	pkt packet.Packet
	err error
}

// multiplexed fans a query out over N static connections (§4.2). Send
// paths run concurrently via errgroup and must all complete before
// the call returns (the design forbids any suspension inside a send,
// §5). Receives are merged from each connection's own stream into one
// channel, preserving per-replica liveness in a resultTracker.
type multiplexed struct {
	clients []Client
	tracker *resultTracker

	startOnce sync.Once
	packets   chan recvResult
	wg        sync.WaitGroup
}

func newMultiplexed(clients []Client) *multiplexed {
	addrs := make([]string, len(clients))
	for i, c := range clients {
		addrs[i] = c.RemoteAddress()
	}
	return &multiplexed{
		clients: clients,
		tracker: newResultTracker(addrs),
		packets: make(chan recvResult),
	}
}

func (m *multiplexed) forEach(f func(c Client) error) error {
	g := new(errgroup.Group)
	for _, c := range m.clients {
		c := c
		g.Go(func() error { return f(c) })
	}
	return g.Wait()
}

func (m *multiplexed) SendQuery(ctx context.Context, query string, stage int) error {
	return m.forEach(func(c Client) error { return c.SendQuery(ctx, query, stage) })
}

func (m *multiplexed) SendScalars(ctx context.Context, scalars map[string]*packet.Block) error {
	return m.forEach(func(c Client) error { return c.SendScalars(ctx, scalars) })
}

func (m *multiplexed) SendExternalTables(ctx context.Context, tables []ExternalTable) error {
	return m.forEach(func(c Client) error { return c.SendExternalTables(ctx, tables) })
}

func (m *multiplexed) SendCancel(ctx context.Context) error {
	return m.forEach(func(c Client) error { return c.SendCancel(ctx) })
}

func (m *multiplexed) SendIgnoredPartUUIDs(ctx context.Context, uuids []ulid.ULID) error {
	return m.forEach(func(c Client) error { return c.SendIgnoredPartUUIDs(ctx, uuids) })
}

func (m *multiplexed) SendReadTaskResponse(ctx context.Context, resp packet.ReadTaskResponse) error {
	return m.forEach(func(c Client) error { return c.SendReadTaskResponse(ctx, resp) })
}

func (m *multiplexed) SendMergeTreeReadTaskResponse(ctx context.Context, resp packet.MergeTreeReadTaskResponse) error {
	return m.forEach(func(c Client) error { return c.SendMergeTreeReadTaskResponse(ctx, resp) })
}

// startReceivers lazily launches one reader goroutine per client; each
// forwards every packet it reads and stops after forwarding an
// EndOfStream or hitting an error, at which point it marks that
// replica done in the tracker.
func (m *multiplexed) startReceivers(ctx context.Context) {
	m.startOnce.Do(func() {
		for _, c := range m.clients {
			c := c
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				for {
					p, err := c.ReceivePacket(ctx)
					if err != nil {
						m.tracker.done(c.RemoteAddress(), err)
						if !isRetryableError(err) {
							select {
							case m.packets <- recvResult{err: err}:
							case <-ctx.Done():
							}
						}
						return
					}
					select {
					case m.packets <- recvResult{pkt: p}:
					case <-ctx.Done():
						return
					}
					if p.Kind == packet.KindEndOfStream {
						m.tracker.done(c.RemoteAddress(), nil)
						return
					}
				}
			}()
		}
		go func() {
			m.wg.Wait()
			close(m.packets)
		}()
	})
}

// ReceivePacket returns the next available packet from any live
// connection. It returns io.EOF once every connection has reported
// EndOfStream or failed with a retryable error.
func (m *multiplexed) ReceivePacket(ctx context.Context) (packet.Packet, error) {
	m.startReceivers(ctx)
	select {
	case r, ok := <-m.packets:
		if !ok {
			return packet.Packet{}, io.EOF
		}
		return r.pkt, r.err
	case <-ctx.Done():
		return packet.Packet{}, ctx.Err()
	}
}

func (m *multiplexed) HasActiveConnections() bool { return m.tracker.active() }
func (m *multiplexed) Size() int                  { return len(m.clients) }

// Disconnect closes every client concurrently via util/concurrency's
// bounded worker pool, so tearing down a wide fan-out doesn't pay for
// N sequential Close round-trips.
func (m *multiplexed) Disconnect() error {
	jobs := make([]interface{}, len(m.clients))
	for i, c := range m.clients {
		jobs[i] = c
	}
	return concurrency.ForEach(context.Background(), jobs, len(m.clients), func(_ context.Context, job interface{}) error {
		return job.(Client).Close()
	})
}

func (m *multiplexed) DumpAddresses() []string {
	addrs := make([]string, len(m.clients))
	for i, c := range m.clients {
		addrs[i] = c.RemoteAddress()
	}
	return addrs
}

// isRetryableError classifies a transport error the way the teacher's
// fan-out code does: a gRPC status of Unavailable/DeadlineExceeded/
// Canceled is "this one replica dropped out", not a reason to fail the whole
// fan-out via a hard channel error.
func isRetryableError(err error) bool {
	if err == nil || err == io.EOF {
		return false
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
			return true
		}
	}
	return false
}
