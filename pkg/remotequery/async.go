package remotequery

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/cortexproject/remotequery/pkg/remotequery/packet"
)

// ReadContext is the asynchronous read driver (C5): it lets a caller
// integrate the executor into an external event loop instead of
// blocking its own goroutine inside Read. ReadAsync hands back a
// pollable file descriptor; once the descriptor becomes readable, a
// call to Resume returns the ReadResult a blocking Read would have
// produced.
type ReadContext struct {
	exec *Executor

	mu         sync.Mutex
	inProgress bool
	cancelled  bool

	readFile  *os.File
	writeFile *os.File
	result    chan readOutcome

	cancelFn context.CancelFunc
}

type readOutcome struct {
	result ReadResult
	err    error
}

// newReadContext starts a background read of exec and returns a
// ReadContext whose descriptor becomes readable once that read
// produces a packet, an error, or end-of-stream.
func newReadContext(ctx context.Context, exec *Executor) (*ReadContext, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "remotequery: allocating read-context pipe")
	}

	cctx, cancel := context.WithCancel(ctx)
	rc := &ReadContext{
		exec:       exec,
		readFile:   r,
		writeFile:  w,
		result:     make(chan readOutcome, 1),
		cancelFn:   cancel,
		inProgress: true,
	}

	go rc.run(cctx)
	return rc, nil
}

func (rc *ReadContext) run(ctx context.Context) {
	result, err := rc.exec.Read(ctx)

	rc.mu.Lock()
	rc.inProgress = false
	rc.mu.Unlock()

	rc.result <- readOutcome{result: result, err: err}
	// A single sentinel byte is all a poller needs to see the
	// descriptor go readable; Resume drains it below.
	_, _ = rc.writeFile.Write([]byte{0})
}

// Descriptor returns the read end of the pollable pipe.
func (rc *ReadContext) Descriptor() *os.File { return rc.readFile }

// IsInProgress reports whether the background read is still running.
func (rc *ReadContext) IsInProgress() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.inProgress
}

// IsQuerySent reports whether the underlying executor has sent its query.
func (rc *ReadContext) IsQuerySent() bool { return rc.exec.sentQuery }

// Resume blocks until the background read completes, consuming the
// descriptor's readiness byte in the process. It is meant to be
// called once a poll on Descriptor() reports readability.
func (rc *ReadContext) Resume() (ReadResult, error) {
	buf := make([]byte, 1)
	if _, err := rc.readFile.Read(buf); err != nil {
		return ReadResult{}, errors.Wrap(err, "remotequery: reading read-context descriptor")
	}
	out := <-rc.result
	return out.result, out.err
}

// cancel propagates cancellation into the in-flight background read.
func (rc *ReadContext) cancel() {
	rc.mu.Lock()
	if rc.cancelled {
		rc.mu.Unlock()
		return
	}
	rc.cancelled = true
	rc.mu.Unlock()
	rc.cancelFn()
}

// Close releases the pipe descriptors and cancels any in-flight read.
func (rc *ReadContext) Close() error {
	rc.cancel()
	werr := rc.writeFile.Close()
	rerr := rc.readFile.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// ReadAsync is the non-blocking counterpart to Read (§4.7). The first
// call for a pending query (or the first call after a retry requests
// a fresh read context) returns a Descriptor result; the caller is
// expected to poll that descriptor and call ReadAsync again once it
// is readable, at which point the real ReadResult is returned.
func (e *Executor) ReadAsync(ctx context.Context) (ReadResult, error) {
	if e.finished {
		return ReadResult{Kind: ReadResultData, Block: &packet.Block{}}, nil
	}

	if e.readContext == nil || e.recreateReadContext {
		rc, err := newReadContext(ctx, e)
		if err != nil {
			return ReadResult{}, err
		}
		e.readContext = rc
		e.recreateReadContext = false
		return ReadResult{Kind: ReadResultDescriptor, Descriptor: int(rc.Descriptor().Fd())}, nil
	}

	if e.readContext.IsInProgress() {
		return ReadResult{Kind: ReadResultDescriptor, Descriptor: int(e.readContext.Descriptor().Fd())}, nil
	}

	result, err := e.readContext.Resume()
	if err == nil && result.Kind != ReadResultDescriptor {
		// This attempt's read context is spent; the next ReadAsync call
		// starts a fresh background read unless the query just finished.
		e.readContext = nil
		e.recreateReadContext = !e.finished
	}
	return result, err
}
