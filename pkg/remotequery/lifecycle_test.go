package remotequery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cortexproject/remotequery/pkg/remotequery/packet"
	"github.com/cortexproject/remotequery/pkg/util/services"
)

func TestExecutorService_HappyPathReachesTerminated(t *testing.T) {
	pool := &fakePool{size: 1, active: true, queue: []packet.Packet{packet.EndOfStream()}}
	e := newExecutor(t, pool, Config{Query: "select 1"})
	svc := AsService(e)

	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, svc.StartAsync(ctx))
	require.NoError(t, svc.AwaitRunning(context.Background()))
	require.Equal(t, services.Running, svc.State())

	cancel()
	require.NoError(t, svc.AwaitTerminated(context.Background()))
	require.Equal(t, services.Terminated, svc.State())
}

func TestExecutorService_StartFailurePropagatesToAwaitRunning(t *testing.T) {
	pool := &fakePool{size: 1, active: true, sendQueryErr: errBoomLifecycle("dial failed")}
	e := newExecutor(t, pool, Config{Query: "select 1"})
	svc := AsService(e)

	require.NoError(t, svc.StartAsync(context.Background()))

	err := svc.AwaitRunning(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "dial failed")
	require.Equal(t, services.Failed, svc.State())
	require.Equal(t, err, svc.FailureCase())
}

func TestExecutorService_StopAsyncCancelsTheExecutor(t *testing.T) {
	pool := &fakePool{size: 1, active: true}
	e := newExecutor(t, pool, Config{Query: "select 1"})
	svc := AsService(e)

	require.NoError(t, svc.StartAsync(context.Background()))
	require.NoError(t, svc.AwaitRunning(context.Background()))

	svc.StopAsync()
	require.True(t, pool.sentCancel)
}

func TestExecutorService_ListenersAreNotified(t *testing.T) {
	pool := &fakePool{size: 1, active: true, queue: []packet.Packet{packet.EndOfStream()}}
	e := newExecutor(t, pool, Config{Query: "select 1"})
	svc := AsService(e)

	events := make(chan string, 4)
	svc.AddListener(recordingListener{events: events})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.StartAsync(ctx))
	require.NoError(t, svc.AwaitRunning(context.Background()))
	cancel()
	require.NoError(t, svc.AwaitTerminated(context.Background()))

	require.Eventually(t, func() bool { return len(events) >= 2 }, time.Second, 5*time.Millisecond)
	close(events)
	var got []string
	for e := range events {
		got = append(got, e)
	}
	require.Contains(t, got, "starting")
	require.Contains(t, got, "running")
}

type recordingListener struct {
	events chan string
}

func (l recordingListener) Starting()                             { l.events <- "starting" }
func (l recordingListener) Running()                              { l.events <- "running" }
func (l recordingListener) Stopping(from services.State)          { l.events <- "stopping" }
func (l recordingListener) Terminated(from services.State)        { l.events <- "terminated" }
func (l recordingListener) Failed(from services.State, err error) { l.events <- "failed" }

type errBoomLifecycle string

func (e errBoomLifecycle) Error() string { return string(e) }
