// Package remotequery implements the Remote Query Executor: a
// client-side driver that ships a query to one or more remote shards,
// multiplexes packet-level communication with those shards, adapts
// incoming result blocks to an expected schema, services mid-flight
// requests initiated by the server, and coordinates cooperative
// cancellation and graceful draining.
package remotequery

import (
	"context"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/cortexproject/remotequery/pkg/remotequery/connection"
	"github.com/cortexproject/remotequery/pkg/remotequery/coordinator"
	"github.com/cortexproject/remotequery/pkg/remotequery/externaltables"
	"github.com/cortexproject/remotequery/pkg/remotequery/packet"
	"github.com/cortexproject/remotequery/pkg/remotequery/parttracker"
	"github.com/cortexproject/remotequery/pkg/util"
	"github.com/cortexproject/remotequery/pkg/util/spanlogger"
)

// ReadResultKind tags the variants a Read/ReadAsync call can return (§6).
type ReadResultKind int

const (
	ReadResultData ReadResultKind = iota
	ReadResultParallelReplicasToken
	ReadResultDescriptor
	ReadResultNothing
)

// ReadResult is the result of one Read/ReadAsync call.
type ReadResult struct {
	Kind       ReadResultKind
	Block      *packet.Block
	Descriptor int // valid only when Kind == ReadResultDescriptor
}

// Config bundles everything needed to construct an Executor (§3 Data Model).
type Config struct {
	Query    string
	Header   packet.Header
	Settings *Settings

	Scalars        map[string]*packet.Block
	ExternalTables []externaltables.Table

	Stage Stage

	TaskIterator               coordinator.TaskIterator
	ParallelReadingCoordinator coordinator.ParallelReadingCoordinator

	CreateConnections connection.Factory

	// PartTracker is the query-wide registry used to detect duplicate
	// part UUIDs across every executor attempting this query (§4.6).
	// AttemptID names this executor's claims within it.
	PartTracker *parttracker.Tracker
	AttemptID   string

	Logger  log.Logger
	Metrics *Metrics
}

// Executor drives one remote query (§3).
type Executor struct {
	query    string
	header   packet.Header
	settings *Settings
	logger   log.Logger
	metrics  *Metrics

	scalars        map[string]*packet.Block
	externalTables []externaltables.Table
	streamer       *externaltables.Streamer

	stage Stage

	taskIterator     coordinator.TaskIterator
	coordinatorHooks coordinator.ParallelReadingCoordinator

	createConnections connection.Factory
	connections       connection.Pool

	partTracker *parttracker.Tracker
	attemptID   string

	progressCallback    func(packet.Progress)
	profileInfoCallback func(packet.ProfileInfo)
	logSink             func(*packet.Block)
	profileEventsSink   func(*packet.Block) error

	stateMu sync.Mutex
	state   State

	// wasCancelledMu is the cancel mutex (§5 "Ordering guarantees"): it
	// is held across SendQuery's ignored-part-UUIDs and query sends, so
	// that Cancel from another thread can never observe a half-sent
	// Query; scalars and external tables are sent after it is released.
	// Read takes it only to check wasCancelled before each receive; the
	// receive itself runs without it.
	wasCancelledMu sync.Mutex
	wasCancelled   bool

	sentQuery                   bool
	established                 bool
	finished                    bool
	resentQuery                 bool
	recreateReadContext         bool
	gotDuplicatedPartUUIDs      bool
	gotExceptionFromReplica     bool
	gotUnknownPacketFromReplica bool
	retried                     bool
	skipUnavailableResult       bool

	duplicatedPartUUIDsMu sync.Mutex
	duplicatedPartUUIDs   []ulid.ULID

	totals   *packet.Block
	extremes *packet.Block

	// packetsReceived is a lock-free count of every packet dispatched,
	// independent of the prometheus counter: a caller embedding an
	// Executor without a registerer still gets a cheap running total.
	packetsReceived atomic.Int64

	readContext *ReadContext
}

// PacketsReceived returns the running count of packets dispatched so far.
func (e *Executor) PacketsReceived() int64 { return e.packetsReceived.Load() }

// New constructs an Executor. create_connections (cfg.CreateConnections)
// is not invoked here — only on the first send (§3 invariant 1).
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	e := &Executor{
		query:             cfg.Query,
		header:            cfg.Header,
		settings:          cfg.Settings,
		logger:            logger,
		metrics:           cfg.Metrics,
		scalars:           cfg.Scalars,
		externalTables:    cfg.ExternalTables,
		stage:             cfg.Stage,
		taskIterator:      cfg.TaskIterator,
		coordinatorHooks:  cfg.ParallelReadingCoordinator,
		createConnections: cfg.CreateConnections,
		partTracker:       cfg.PartTracker,
		attemptID:         cfg.AttemptID,
		state:             StateFresh,
	}

	e.streamer = externaltables.NewStreamer(externaltables.Limits{
		MaxExecutionTime:    cfg.Settings.MaxExecutionTime,
		TimeoutOverflowMode: cfg.Settings.TimeoutOverflowMode,
	})
	e.streamer.OnRows(func(rows int) { e.metrics.observeExternalTableRows(rows) })

	return e
}

// OnProgress registers a weakly-held progress observer (§3 Ownership).
func (e *Executor) OnProgress(cb func(packet.Progress)) { e.progressCallback = cb }

// OnProfileInfo registers a weakly-held profile-info observer.
func (e *Executor) OnProfileInfo(cb func(packet.ProfileInfo)) { e.profileInfoCallback = cb }

// OnLog registers the ambient per-thread log sink (§4.5 "Log").
func (e *Executor) OnLog(sink func(*packet.Block)) { e.logSink = sink }

// OnProfileEvents registers the ambient per-thread profile-events
// sink; a push failure here is a SystemError (§4.5 "ProfileEvents").
func (e *Executor) OnProfileEvents(sink func(*packet.Block) error) { e.profileEventsSink = sink }

func (e *Executor) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

func (e *Executor) getState() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// IsQueryPending reports whether the query has been sent but not yet finished.
func (e *Executor) IsQueryPending() bool {
	return e.sentQuery && !e.finished
}

// HasThrownException reports whether a remote Exception has been observed.
func (e *Executor) HasThrownException() bool {
	return e.gotExceptionFromReplica
}

// Totals returns the last Totals block received, if any.
func (e *Executor) Totals() *packet.Block { return e.totals }

// Extremes returns the last Extremes block received, if any.
func (e *Executor) Extremes() *packet.Block { return e.extremes }

// SendQuery is the Fresh→Sent transition (§4.4). create_connections and
// the wire send both happen at most once per attempt (§3 invariant 1);
// a caller that already sent (directly, or via the first Read) gets a
// no-op back instead of a second connect-and-send.
func (e *Executor) SendQuery(ctx context.Context, stage Stage) error {
	if e.sentQuery {
		return nil
	}

	span, ctx := spanlogger.New(ctx, e.logger, "remotequery.SendQuery")
	defer span.Finish()

	e.wasCancelledMu.Lock()
	e.established = true
	e.wasCancelledMu.Unlock()

	conns, err := e.createConnections(ctx)
	if err != nil {
		e.wasCancelledMu.Lock()
		e.established = false
		e.wasCancelledMu.Unlock()
		return errors.Wrap(err, "remotequery: creating connections")
	}
	e.connections = conns
	e.setState(StateConnected)

	if e.needToSkipUnavailableShard() {
		e.skipUnavailableResult = true
		e.sentQuery = true
		e.wasCancelledMu.Lock()
		e.established = false
		e.wasCancelledMu.Unlock()
		e.setState(StateSent)
		return nil
	}

	e.wasCancelledMu.Lock()
	if e.wasCancelled {
		e.wasCancelledMu.Unlock()
		return nil
	}
	e.setState(StateSending)

	if len(e.duplicatedPartUUIDs) > 0 {
		if err := e.connections.SendIgnoredPartUUIDs(ctx, e.duplicatedPartUUIDs); err != nil {
			e.wasCancelledMu.Unlock()
			return errors.Wrap(err, "remotequery: sending ignored part UUIDs")
		}
	}

	if err := e.connections.SendQuery(ctx, e.query, int(stage)); err != nil {
		e.wasCancelledMu.Unlock()
		return errors.Wrap(err, "remotequery: sending query")
	}
	e.established = false
	e.sentQuery = true
	e.wasCancelledMu.Unlock()

	if e.settings.EnableScalarSubqueryOptimization && len(e.scalars) > 0 {
		if err := e.connections.SendScalars(ctx, e.scalars); err != nil {
			return errors.Wrap(err, "remotequery: sending scalars")
		}
	}

	// External-tables send happens exactly once per attempt, between
	// sendQuery and the first read (§3 invariant 7, C7).
	entries, err := e.streamer.BuildEntries(ctx, e.connections, e.externalTables)
	if err != nil {
		return errors.Wrap(err, "remotequery: building external table entries")
	}
	if len(entries) > 0 {
		if err := e.connections.SendExternalTables(ctx, entries); err != nil {
			return errors.Wrap(err, "remotequery: sending external tables")
		}
	}

	e.setState(StateSent)
	span.Log("msg", "query sent", "addresses", e.connections.DumpAddresses())
	return nil
}

func (e *Executor) needToSkipUnavailableShard() bool {
	return e.settings.SkipUnavailableShards && e.connections.Size() == 0
}

// Read is the Sent→{Sent,Done} transition (§4.4).
func (e *Executor) Read(ctx context.Context) (ReadResult, error) {
	if !e.sentQuery {
		if err := e.SendQuery(ctx, e.stage); err != nil {
			return ReadResult{}, err
		}
	}

	if e.finished || e.skipUnavailableResult {
		return ReadResult{Kind: ReadResultData, Block: &packet.Block{}}, nil
	}

	for {
		e.wasCancelledMu.Lock()
		cancelled := e.wasCancelled
		e.wasCancelledMu.Unlock()
		if cancelled {
			e.finished = true
			return ReadResult{Kind: ReadResultData, Block: &packet.Block{}}, nil
		}

		p, err := e.connections.ReceivePacket(ctx)
		if err == io.EOF {
			e.finished = true
			return ReadResult{Kind: ReadResultData, Block: &packet.Block{}}, nil
		}
		if err != nil {
			return ReadResult{}, errors.Wrap(err, "remotequery: receiving packet")
		}

		result, retry, err := e.dispatch(ctx, p)
		if err != nil {
			return ReadResult{}, err
		}
		if retry {
			if err := e.retry(ctx); err != nil {
				return ReadResult{}, err
			}
			// retry() reset sentQuery/connections to a fresh-attempt
			// state; re-enter Read so the next call to SendQuery runs
			// before anything tries to use the (now nil) connections.
			return e.Read(ctx)
		}
		if result != nil {
			return *result, nil
		}
		// Nothing user-visible from this packet (Progress, ProfileInfo,
		// Totals/Extremes, Log, ProfileEvents, etc.): keep looping.
	}
}

// ReadBlock is a convenience wrapper over Read that only ever returns
// a data block (possibly empty, indicating end-or-skipped), discarding
// ParallelReplicasToken results by looping past them.
func (e *Executor) ReadBlock(ctx context.Context) (*packet.Block, error) {
	for {
		r, err := e.Read(ctx)
		if err != nil {
			return nil, err
		}
		if r.Kind == ReadResultData {
			return r.Block, nil
		}
	}
}

// Finish is the post-query drain (§4.4, C8).
func (e *Executor) Finish(ctx context.Context) error {
	if !e.IsQueryPending() || e.gotExceptionFromReplica {
		return nil
	}

	span, ctx := spanlogger.New(ctx, e.logger, "remotequery.Finish")
	defer span.Finish()

	e.tryCancel(ctx, "finish")
	e.setState(StateDraining)

	drainErr := e.drain(ctx)

	e.finished = true
	e.setState(StateDone)
	return drainErr
}

// drain discards everything still inbound after cancellation, with two
// exceptions: Log and ProfileEvents are still forwarded to their
// ambient sinks, and a remote Exception is re-raised, the same way
// dispatch treats them on the main read path (§4.4, C8). Every non-EOF
// transport error encountered is aggregated rather than abandoning the
// drain at the first one, since a slow replica's failure shouldn't
// stop the others from being drained too.
func (e *Executor) drain(ctx context.Context) error {
	if e.connections == nil {
		return nil
	}

	var errs util.MultiError
	for e.connections.HasActiveConnections() {
		p, err := e.connections.ReceivePacket(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			errs.Add(err)
			continue
		}

		switch p.Kind {
		case packet.KindLog:
			if e.logSink != nil {
				e.logSink(p.LogRows)
			}
		case packet.KindProfileEvents:
			if e.profileEventsSink != nil {
				if serr := e.profileEventsSink(p.ProfileEvents); serr != nil {
					errs.Add(serr)
				}
			}
		case packet.KindException:
			errs.Add(p.Exception)
		default:
			// Data, Totals, Extremes, Progress, ProfileInfo, EndOfStream,
			// part-UUID/parallel-replica chatter: the result is no
			// longer observable once drain begins, so discard it.
		}
	}
	return errs.Err()
}

// Cancel is safe from any thread (§5 "Cancellation semantics").
func (e *Executor) Cancel(ctx context.Context) {
	if e.IsQueryPending() && !e.gotExceptionFromReplica {
		e.tryCancel(ctx, "cancel")
	}
}

// tryCancel implements §4.4 tryCancel(reason).
func (e *Executor) tryCancel(ctx context.Context, reason string) {
	e.wasCancelledMu.Lock()
	alreadyCancelled := e.wasCancelled
	e.wasCancelled = true
	e.wasCancelledMu.Unlock()

	if alreadyCancelled {
		return
	}

	e.setState(StateCancelled)
	e.metrics.observeCancellation()
	level.Debug(e.logger).Log("msg", "cancelling query", "reason", reason)

	if e.readContext != nil {
		e.readContext.cancel()
	}
	if e.connections != nil && e.sentQuery {
		if err := e.connections.SendCancel(ctx); err != nil {
			level.Warn(e.logger).Log("msg", "failed to send cancel packet", "err", err)
		}
	}
}

// Close force-disconnects live connections if the executor is torn
// down mid-query (§5 "Destruction"), so they are never returned to a
// pool in an out-of-sync state.
func (e *Executor) Close() error {
	if e.connections != nil && (e.IsQueryPending() || e.established) {
		return e.connections.Disconnect()
	}
	return nil
}
