package connection

import (
	"context"
	"sync"

	"github.com/oklog/ulid"

	"github.com/cortexproject/remotequery/pkg/remotequery/packet"
)

// single wraps exactly one connection. active tracks whether that
// connection is still live, the same way multiplexed's resultTracker
// does for a fan-out of many: it flips to false the moment EndOfStream
// or an error is observed, so HasActiveConnections reflects reality
// instead of merely "a client was configured".
type single struct {
	client Client

	mu     sync.Mutex
	active bool
}

func newSingle(c Client) *single {
	return &single{client: c, active: c != nil}
}

func (s *single) SendQuery(ctx context.Context, query string, stage int) error {
	return s.client.SendQuery(ctx, query, stage)
}

func (s *single) SendScalars(ctx context.Context, scalars map[string]*packet.Block) error {
	return s.client.SendScalars(ctx, scalars)
}

func (s *single) SendExternalTables(ctx context.Context, tables []ExternalTable) error {
	return s.client.SendExternalTables(ctx, tables)
}

func (s *single) SendCancel(ctx context.Context) error {
	return s.client.SendCancel(ctx)
}

func (s *single) SendIgnoredPartUUIDs(ctx context.Context, uuids []ulid.ULID) error {
	return s.client.SendIgnoredPartUUIDs(ctx, uuids)
}

func (s *single) SendReadTaskResponse(ctx context.Context, resp packet.ReadTaskResponse) error {
	return s.client.SendReadTaskResponse(ctx, resp)
}

func (s *single) SendMergeTreeReadTaskResponse(ctx context.Context, resp packet.MergeTreeReadTaskResponse) error {
	return s.client.SendMergeTreeReadTaskResponse(ctx, resp)
}

func (s *single) ReceivePacket(ctx context.Context) (packet.Packet, error) {
	p, err := s.client.ReceivePacket(ctx)
	if err != nil || p.Kind == packet.KindEndOfStream {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}
	return p, err
}

func (s *single) HasActiveConnections() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *single) Size() int               { return 1 }
func (s *single) Disconnect() error       { return s.client.Close() }
func (s *single) DumpAddresses() []string { return []string{s.client.RemoteAddress()} }
