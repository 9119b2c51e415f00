package remotequery

import (
	"context"

	"github.com/oklog/ulid"
	"github.com/pkg/errors"

	"github.com/cortexproject/remotequery/pkg/remotequery/blockadapter"
	"github.com/cortexproject/remotequery/pkg/remotequery/packet"
)

// dispatch services one inbound packet (§4.5). It returns a non-nil
// *ReadResult when the packet produces something the caller of Read
// should see, retry=true when the packet should trigger the
// duplicate-part-UUID retry protocol, or (nil, false, nil) when the
// packet was handled entirely internally (progress/log/totals/...).
func (e *Executor) dispatch(ctx context.Context, p packet.Packet) (*ReadResult, bool, error) {
	e.packetsReceived.Inc()
	e.metrics.observePacket(p.Kind.String())

	switch p.Kind {
	case packet.KindMergeTreeAllRangesAnnouncement:
		if e.coordinatorHooks == nil {
			return nil, false, errLogicError("received parallel-replica ranges announcement with no coordinator configured")
		}
		if err := e.coordinatorHooks.HandleInitialAllRangesAnnouncement(*p.MergeTreeAllRangesAnnouncement); err != nil {
			return nil, false, err
		}
		return &ReadResult{Kind: ReadResultParallelReplicasToken}, false, nil

	case packet.KindMergeTreeReadTaskRequest:
		if e.coordinatorHooks == nil {
			return nil, false, errLogicError("received parallel-replica read task request with no coordinator configured")
		}
		resp, err := e.coordinatorHooks.HandleRequest(*p.MergeTreeReadTaskRequest)
		if err != nil {
			return nil, false, err
		}
		if err := e.connections.SendMergeTreeReadTaskResponse(ctx, resp); err != nil {
			return nil, false, errors.Wrap(err, "remotequery: sending merge tree read task response")
		}
		return &ReadResult{Kind: ReadResultParallelReplicasToken}, false, nil

	case packet.KindReadTaskRequest:
		if e.taskIterator == nil {
			return nil, false, errLogicError("received read task request with no task iterator configured")
		}
		resp, _ := e.taskIterator.Next()
		if err := e.connections.SendReadTaskResponse(ctx, resp); err != nil {
			return nil, false, errors.Wrap(err, "remotequery: sending read task response")
		}
		return nil, false, nil

	case packet.KindPartUUIDs:
		retry, err := e.registerPartUUIDs(p.PartUUIDs)
		return nil, retry, err

	case packet.KindData:
		if p.Block.Empty() {
			// A zero-row Data block is a header echo, never user-visible
			// result data (§4.1, §8 open question — kept conservative).
			return nil, false, nil
		}
		adapted, err := blockadapter.Adapt(p.Block, e.header)
		if err != nil {
			return nil, false, err
		}
		return &ReadResult{Kind: ReadResultData, Block: adapted}, false, nil

	case packet.KindTotals:
		adapted, err := blockadapter.Adapt(p.Block, e.header)
		if err != nil {
			return nil, false, err
		}
		e.totals = adapted
		return nil, false, nil

	case packet.KindExtremes:
		adapted, err := blockadapter.Adapt(p.Block, e.header)
		if err != nil {
			return nil, false, err
		}
		e.extremes = adapted
		return nil, false, nil

	case packet.KindProgress:
		if e.progressCallback != nil {
			e.progressCallback(*p.Progress)
		}
		return nil, false, nil

	case packet.KindProfileInfo:
		if e.profileInfoCallback != nil {
			e.profileInfoCallback(*p.ProfileInfo)
		}
		return nil, false, nil

	case packet.KindLog:
		if e.logSink != nil {
			e.logSink(p.LogRows)
		}
		return nil, false, nil

	case packet.KindProfileEvents:
		if e.profileEventsSink != nil {
			if err := e.profileEventsSink(p.ProfileEvents); err != nil {
				return nil, false, errSystemError("profile events queue push failed: " + err.Error())
			}
		}
		return nil, false, nil

	case packet.KindException:
		e.gotExceptionFromReplica = true
		return nil, false, p.Exception

	case packet.KindEndOfStream:
		if !e.connections.HasActiveConnections() {
			e.finished = true
			e.setState(StateDone)
			return &ReadResult{Kind: ReadResultData, Block: &packet.Block{}}, false, nil
		}
		return nil, false, nil

	default:
		e.gotUnknownPacketFromReplica = true
		e.metrics.observeUnknownPacket()
		return nil, false, errUnknownPacket(e.connections.DumpAddresses())
	}
}

// registerPartUUIDs claims uuids against the query-wide part tracker.
// The first duplicate-UUID event triggers the retry protocol (§4.6);
// since the executor only has a one-shot retry budget (see retry.go),
// a second such event is instead surfaced as a hard error.
func (e *Executor) registerPartUUIDs(uuids []ulid.ULID) (retry bool, err error) {
	e.duplicatedPartUUIDsMu.Lock()
	defer e.duplicatedPartUUIDsMu.Unlock()

	dups := e.partTracker.Register(e.attemptID, uuids)
	if len(dups) == 0 {
		return false, nil
	}
	e.duplicatedPartUUIDs = append(e.duplicatedPartUUIDs, dups...)

	if e.retried {
		return false, errDuplicatedPartUUIDs()
	}
	e.gotDuplicatedPartUUIDs = true
	return true, nil
}
