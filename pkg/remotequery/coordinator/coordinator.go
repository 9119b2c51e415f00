// Package coordinator defines the two server-initiated hooks the
// executor services mid-query: work-stealing task requests and
// parallel-replica range coordination (§4.8).
package coordinator

import (
	"github.com/cortexproject/remotequery/pkg/remotequery/packet"
)

// TaskIterator produces work-steal responses for ReadTaskRequest
// packets. A nil iterator means the executor was not configured to
// serve work-stealing; receiving a ReadTaskRequest in that case is a
// LogicError (§4.5).
type TaskIterator interface {
	Next() (packet.ReadTaskResponse, bool)
}

// ParallelReadingCoordinator is the oracle assigning MergeTree ranges
// to replicas to avoid overlap. A nil coordinator means the executor
// was not configured for parallel-replica coordination; receiving
// either packet kind in that case is a LogicError (§4.8).
type ParallelReadingCoordinator interface {
	HandleRequest(req packet.MergeTreeReadTaskRequest) (packet.MergeTreeReadTaskResponse, error)
	HandleInitialAllRangesAnnouncement(ann packet.MergeTreeAllRangesAnnouncement) error
}
