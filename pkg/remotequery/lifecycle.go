package remotequery

import (
	"context"
	"sync"

	"github.com/cortexproject/remotequery/pkg/util/services"
)

// executorService adapts an Executor to services.Service, so a caller
// managing several long-running components can start, await, and stop
// a remote query the same way it manages anything else with a
// lifecycle, instead of special-casing query execution.
type executorService struct {
	exec *Executor

	mu        sync.Mutex
	state     services.State
	failure   error
	listeners []services.Listener
	runningCh chan struct{}
	doneCh    chan struct{}
}

// AsService wraps exec as a services.Service: StartAsync sends the
// query, AwaitRunning returns once the query has been sent,
// AwaitTerminated returns once Finish has drained the query, and
// StopAsync triggers cancellation.
func AsService(exec *Executor) services.Service {
	return &executorService{
		exec:      exec,
		state:     services.New,
		runningCh: make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (s *executorService) StartAsync(ctx context.Context) error {
	s.mu.Lock()
	if s.state != services.New {
		s.mu.Unlock()
		return nil
	}
	s.state = services.Starting
	s.mu.Unlock()

	s.notify(func(l services.Listener) { l.Starting() })

	go func() {
		err := s.exec.SendQuery(ctx, s.exec.stage)

		s.mu.Lock()
		if err != nil {
			s.state = services.Failed
			s.failure = err
		} else {
			s.state = services.Running
		}
		s.mu.Unlock()
		close(s.runningCh)

		if err != nil {
			s.notify(func(l services.Listener) { l.Failed(services.Starting, err) })
		} else {
			s.notify(func(l services.Listener) { l.Running() })
			<-ctx.Done()
			_ = s.exec.Finish(context.Background())

			s.mu.Lock()
			s.state = services.Terminated
			s.mu.Unlock()
			s.notify(func(l services.Listener) { l.Terminated(services.Stopping) })
		}
		close(s.doneCh)
	}()

	return nil
}

func (s *executorService) notify(f func(services.Listener)) {
	s.mu.Lock()
	listeners := append([]services.Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		f(l)
	}
}

func (s *executorService) AwaitRunning(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.runningCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != services.Running {
			return s.failure
		}
		return nil
	}
}

func (s *executorService) StopAsync() {
	s.exec.Cancel(context.Background())
}

func (s *executorService) AwaitTerminated(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return nil
	}
}

func (s *executorService) FailureCase() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *executorService) State() services.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *executorService) AddListener(l services.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}
