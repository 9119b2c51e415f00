package remotequery

import (
	"context"

	"github.com/go-kit/log/level"
)

// retry implements the duplicate-part-UUID retry protocol (§4.6). It
// runs at most once per query: cancel the in-flight attempt,
// disconnect, and reset every piece of per-attempt state so the next
// call to Read re-enters sendQuery from scratch, this time carrying
// the accumulated duplicated_part_uuids as an ignored-UUIDs hint. A
// second duplicate-UUID event is caught earlier, in
// registerPartUUIDs, and surfaced as errDuplicatedPartUUIDs instead of
// reaching here.
func (e *Executor) retry(ctx context.Context) error {
	level.Info(e.logger).Log("msg", "retrying query after duplicate part UUIDs", "duplicates", len(e.duplicatedPartUUIDs))
	e.metrics.observeRetry()

	e.setState(StateRetrying)
	e.tryCancel(ctx, "retry")

	if e.connections != nil {
		if err := e.connections.Disconnect(); err != nil {
			level.Warn(e.logger).Log("msg", "failed to disconnect during retry", "err", err)
		}
		e.connections = nil
	}

	// partTracker.Reset releases every part the cancelled attempt
	// claimed; the re-sent query claims again, under the same attempt
	// identity, whatever parts it actually reads.
	e.partTracker.Reset(e.attemptID)

	e.wasCancelledMu.Lock()
	e.wasCancelled = false
	e.wasCancelledMu.Unlock()

	e.sentQuery = false
	e.established = false
	e.resentQuery = true
	e.gotDuplicatedPartUUIDs = false
	e.finished = false
	e.retried = true

	if e.readContext != nil {
		e.recreateReadContext = true
		_ = e.readContext.Close()
		e.readContext = nil
	}

	e.setState(StateFresh)
	return nil
}
