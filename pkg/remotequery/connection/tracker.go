package connection

import "sync"

// resultTracker accounts for per-replica success/error across one
// fan-out, mirroring cortex's replicationSetResultTracker: it is
// consulted instead of a bare live-connection count so that
// "HasActiveConnections" reflects replicas that are still pending,
// not replicas that have already reported EndOfStream or failed.
type resultTracker struct {
	mu        sync.Mutex
	pending   map[string]bool
	succeeded map[string]bool
	failed    map[string]bool
}

func newResultTracker(addrs []string) *resultTracker {
	t := &resultTracker{
		pending:   make(map[string]bool, len(addrs)),
		succeeded: make(map[string]bool, len(addrs)),
		failed:    make(map[string]bool, len(addrs)),
	}
	for _, a := range addrs {
		t.pending[a] = true
	}
	return t
}

func (t *resultTracker) done(addr string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, addr)
	if err != nil {
		t.failed[addr] = true
	} else {
		t.succeeded[addr] = true
	}
}

// active reports whether any replica is still neither finished nor failed.
func (t *resultTracker) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}
