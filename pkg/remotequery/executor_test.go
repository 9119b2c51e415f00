package remotequery

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/oklog/ulid"
	"github.com/stretchr/testify/require"

	"github.com/cortexproject/remotequery/pkg/remotequery/connection"
	"github.com/cortexproject/remotequery/pkg/remotequery/externaltables"
	"github.com/cortexproject/remotequery/pkg/remotequery/packet"
	"github.com/cortexproject/remotequery/pkg/remotequery/parttracker"
)

// fakePool is a hand-rolled connection.Pool that replays a fixed
// packet queue and records every call the executor makes against it,
// so executor-level scenarios can be driven without a real transport.
// Like the real single/multiplexed pools, active flips to false the
// moment an EndOfStream, an error, or EOF is observed, so the
// EndOfStream dispatch branch and Finish's drain loop behave exactly
// as they would against a real connection.
type fakePool struct {
	mu      sync.Mutex
	queue   []packet.Packet
	recvErr error
	active  bool

	sentQuery     bool
	sentCancel    bool
	sentUUIDs     []ulid.ULID
	size          int
	disconnectErr error
	disconnected  bool
	sendQueryErr  error
}

func (p *fakePool) SendQuery(ctx context.Context, query string, stage int) error {
	p.sentQuery = true
	return p.sendQueryErr
}
func (p *fakePool) SendScalars(ctx context.Context, scalars map[string]*packet.Block) error {
	return nil
}
func (p *fakePool) SendExternalTables(ctx context.Context, tables []connection.ExternalTable) error {
	return nil
}
func (p *fakePool) SendCancel(ctx context.Context) error { p.sentCancel = true; return nil }
func (p *fakePool) SendIgnoredPartUUIDs(ctx context.Context, uuids []ulid.ULID) error {
	p.sentUUIDs = uuids
	return nil
}
func (p *fakePool) SendReadTaskResponse(ctx context.Context, resp packet.ReadTaskResponse) error {
	return nil
}
func (p *fakePool) SendMergeTreeReadTaskResponse(ctx context.Context, resp packet.MergeTreeReadTaskResponse) error {
	return nil
}

func (p *fakePool) ReceivePacket(ctx context.Context) (packet.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		p.active = false
		if p.recvErr != nil {
			return packet.Packet{}, p.recvErr
		}
		return packet.Packet{}, io.EOF
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	if next.Kind == packet.KindEndOfStream {
		p.active = false
	}
	return next, nil
}

func (p *fakePool) HasActiveConnections() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
func (p *fakePool) Size() int { return p.size }
func (p *fakePool) Disconnect() error {
	p.disconnected = true
	return p.disconnectErr
}
func (p *fakePool) DumpAddresses() []string { return []string{"fake:9000"} }

func newExecutor(t *testing.T, pool *fakePool, cfg Config) *Executor {
	t.Helper()
	if cfg.Settings == nil {
		cfg.Settings = &Settings{}
	}
	if cfg.CreateConnections == nil {
		cfg.CreateConnections = func(ctx context.Context) (connection.Pool, error) { return pool, nil }
	}
	if cfg.PartTracker == nil {
		cfg.PartTracker = parttracker.New()
	}
	return New(cfg)
}

func TestExecutor_HappyPath(t *testing.T) {
	pool := &fakePool{
		size:   1,
		active: true,
		queue: []packet.Packet{
			packet.Data(&packet.Block{NumRows: 2, Columns: []packet.Column{{Name: "a", Values: []interface{}{1, 2}}}}),
			packet.EndOfStream(),
		},
	}
	e := newExecutor(t, pool, Config{Query: "select 1"})

	b, err := e.ReadBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, b.NumRows)
	require.True(t, pool.sentQuery)

	b, err = e.ReadBlock(context.Background())
	require.NoError(t, err)
	require.True(t, b.Empty())

	require.NoError(t, e.Finish(context.Background()))
	require.False(t, pool.disconnected)
}

func TestExecutor_HeaderEchoIsNeverSurfaced(t *testing.T) {
	pool := &fakePool{
		size:   1,
		active: true,
		queue: []packet.Packet{
			packet.Data(&packet.Block{NumRows: 0}),
			packet.Data(&packet.Block{NumRows: 1, Columns: []packet.Column{{Name: "a", Values: []interface{}{1}}}}),
			packet.EndOfStream(),
		},
	}
	e := newExecutor(t, pool, Config{Query: "select 1"})

	b, err := e.ReadBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, b.NumRows)
}

func TestExecutor_ExceptionFromReplicaIsRethrown(t *testing.T) {
	pool := &fakePool{
		size:   1,
		active: true,
		queue: []packet.Packet{
			{Kind: packet.KindException, Exception: &packet.Exception{Code: 1, Message: "boom"}},
		},
	}
	e := newExecutor(t, pool, Config{Query: "select 1"})

	_, err := e.ReadBlock(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.True(t, e.HasThrownException())

	// Finish is a no-op once an exception was seen (no drain needed).
	require.NoError(t, e.Finish(context.Background()))
}

func TestExecutor_UnknownPacketIsAnUnknownPacketKind(t *testing.T) {
	pool := &fakePool{size: 1, active: true, queue: []packet.Packet{{Kind: packet.Kind(99)}}}
	e := newExecutor(t, pool, Config{Query: "select 1"})

	_, err := e.ReadBlock(context.Background())
	require.Error(t, err)
	require.True(t, IsKind(err, KindUnknownPacket))
}

func TestExecutor_SkipUnavailableShardsReturnsEmptyResult(t *testing.T) {
	pool := &fakePool{size: 0}
	e := newExecutor(t, pool, Config{
		Query:    "select 1",
		Settings: &Settings{SkipUnavailableShards: true},
	})

	b, err := e.ReadBlock(context.Background())
	require.NoError(t, err)
	require.True(t, b.Empty())
	require.False(t, pool.sentQuery)
}

func TestExecutor_DuplicatePartUUIDsTriggersOneShotRetry(t *testing.T) {
	u1, err := ulid.Parse("01ARZ3NDEKTSV4RRFFQ69G5FAV")
	require.NoError(t, err)

	tracker := parttracker.New()
	// Pre-claim u1 under a different attempt so this executor's
	// registration comes back as a duplicate immediately.
	tracker.Register("other-attempt", []ulid.ULID{u1})

	pool := &fakePool{
		size:   1,
		active: true,
		queue: []packet.Packet{
			{Kind: packet.KindPartUUIDs, PartUUIDs: []ulid.ULID{u1}},
		},
	}
	e := newExecutor(t, pool, Config{
		Query:       "select 1",
		PartTracker: tracker,
		AttemptID:   "my-attempt",
	})

	// The retry reconnects via CreateConnections, queue a clean result
	// for the second attempt.
	pool.queue = append(pool.queue, packet.EndOfStream())

	b, err := e.ReadBlock(context.Background())
	require.NoError(t, err)
	require.True(t, b.Empty())
	require.Equal(t, []ulid.ULID{u1}, pool.sentUUIDs)
}

func TestExecutor_SecondDuplicateEventAfterRetryIsHardError(t *testing.T) {
	u1, _ := ulid.Parse("01ARZ3NDEKTSV4RRFFQ69G5FAV")
	u2, _ := ulid.Parse("01ARZ3NDEKTSV4RRFFQ69G5FAW")

	tracker := parttracker.New()
	tracker.Register("other-attempt", []ulid.ULID{u1, u2})

	pool := &fakePool{
		size:   1,
		active: true,
		queue: []packet.Packet{
			{Kind: packet.KindPartUUIDs, PartUUIDs: []ulid.ULID{u1}},
		},
	}
	e := newExecutor(t, pool, Config{
		Query:       "select 1",
		PartTracker: tracker,
		AttemptID:   "my-attempt",
	})

	// After the retry reconnects, a second duplicate-UUID event arrives
	// for a different part; the one-shot budget is spent, so this must
	// surface as a hard error instead of retrying again.
	pool.queue = append(pool.queue,
		packet.Packet{Kind: packet.KindPartUUIDs, PartUUIDs: []ulid.ULID{u2}},
	)

	_, err := e.ReadBlock(context.Background())
	require.Error(t, err)
	require.True(t, IsKind(err, KindDuplicatedPartUUIDs))
}

func TestExecutor_CancelMidStreamStopsReadingAndSendsCancelPacket(t *testing.T) {
	pool := &fakePool{size: 1, active: true}
	e := newExecutor(t, pool, Config{Query: "select 1"})

	require.NoError(t, e.SendQuery(context.Background(), StageComplete))
	e.Cancel(context.Background())
	require.True(t, pool.sentCancel)

	b, err := e.ReadBlock(context.Background())
	require.NoError(t, err)
	require.True(t, b.Empty())
}

func TestExecutor_SendQueryIsIdempotent(t *testing.T) {
	pool := &fakePool{size: 1, active: true}
	e := newExecutor(t, pool, Config{Query: "select 1"})

	require.NoError(t, e.SendQuery(context.Background(), StageComplete))
	require.True(t, pool.sentQuery)

	// A second direct call (e.g. via AsService) must not re-create
	// connections or re-send the query.
	pool.sentQuery = false
	require.NoError(t, e.SendQuery(context.Background(), StageComplete))
	require.False(t, pool.sentQuery)
}

func TestExecutor_FinishForwardsLogAndProfileEventsButReRaisesException(t *testing.T) {
	var loggedRows []*packet.Block
	var profileEventRows []*packet.Block

	exc := &packet.Exception{Code: 42, Message: "drain exception"}
	pool := &fakePool{
		size:   1,
		active: true,
		queue: []packet.Packet{
			packet.Data(&packet.Block{NumRows: 1}),
			{Kind: packet.KindLog, LogRows: &packet.Block{NumRows: 1}},
			{Kind: packet.KindProfileEvents, ProfileEvents: &packet.Block{NumRows: 1}},
			{Kind: packet.KindException, Exception: exc},
			packet.EndOfStream(),
		},
	}
	e := newExecutor(t, pool, Config{Query: "select 1"})
	e.OnLog(func(b *packet.Block) { loggedRows = append(loggedRows, b) })
	e.OnProfileEvents(func(b *packet.Block) error { profileEventRows = append(profileEventRows, b); return nil })

	require.NoError(t, e.SendQuery(context.Background(), StageComplete))
	e.Cancel(context.Background())

	err := e.Finish(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "drain exception")
	require.Len(t, loggedRows, 1)
	require.Len(t, profileEventRows, 1)
}

func TestExecutor_FinishAggregatesNonEOFDrainErrors(t *testing.T) {
	pool := &fakePool{size: 1, active: true, recvErr: errBoomExecutor("replica dropped")}
	e := newExecutor(t, pool, Config{Query: "select 1"})

	require.NoError(t, e.SendQuery(context.Background(), StageComplete))
	e.Cancel(context.Background())

	err := e.Finish(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "replica dropped")
}

type errBoomExecutor string

func (e errBoomExecutor) Error() string { return string(e) }

func TestExecutor_CloseForceDisconnectsWhilePending(t *testing.T) {
	pool := &fakePool{size: 1, active: true}
	e := newExecutor(t, pool, Config{Query: "select 1"})
	require.NoError(t, e.SendQuery(context.Background(), StageComplete))

	require.NoError(t, e.Close())
	require.True(t, pool.disconnected)
}

func TestExecutor_ExternalTablesConfiguredDoesNotPanicWhenSendingQuery(t *testing.T) {
	pool := &fakePool{size: 1, active: true, queue: []packet.Packet{packet.EndOfStream()}}
	e := newExecutor(t, pool, Config{
		Query: "select 1",
		ExternalTables: []externaltables.Table{
			{Name: "tmp", Storage: noopStorage{}},
		},
	})

	b, err := e.ReadBlock(context.Background())
	require.NoError(t, err)
	require.True(t, b.Empty())
}

type noopStorage struct{}

func (noopStorage) IsInMemory() bool               { return false }
func (noopStorage) Columns() []packet.ColumnSchema { return nil }
func (noopStorage) Snapshot(ctx context.Context, blockSize int) (externaltables.BlockIterator, error) {
	return nil, nil
}
