package guard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one run of a periodic job.
type Task func(ctx context.Context)

// Handle cancels a scheduled task.
type Handle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Name returns the task name.
func (h *Handle) Name() string { return h.name }

// Cancel stops the task and waits for a running invocation to return.
func (h *Handle) Cancel() {
	h.cancel()
	<-h.done
}

// Scheduler runs named periodic tasks, each with its own cancellation handle.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*Handle
	logger *zap.Logger
	parent context.Context
	stop   context.CancelFunc
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:  make(map[string]*Handle),
		logger: logger.Named("scheduler"),
		parent: ctx,
		stop:   cancel,
	}
}

// Every runs task every interval until its handle is cancelled or the
// scheduler stops. Names must be unique.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) (*Handle, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("task %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return nil, fmt.Errorf("task %s already scheduled", name)
	}
	if s.parent.Err() != nil {
		return nil, fmt.Errorf("scheduler stopped")
	}

	ctx, cancel := context.WithCancel(s.parent)
	h := &Handle{name: name, cancel: cancel, done: make(chan struct{})}
	s.tasks[name] = h

	go s.loop(ctx, h, interval, task)
	s.logger.Debug("task scheduled", zap.String("task", name), zap.Duration("interval", interval))
	return h, nil
}

func (s *Scheduler) loop(ctx context.Context, h *Handle, interval time.Duration, task Task) {
	defer close(h.done)
	defer s.forget(h)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, h.name, task)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, name string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", zap.String("task", name), zap.Any("panic", r))
		}
	}()
	task(ctx)
}

func (s *Scheduler) forget(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[h.name] == h {
		delete(s.tasks, h.name)
	}
}

// Cancel stops the named task. It reports whether the task existed.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	h, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

// Names returns the scheduled task names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for n := range s.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Stop cancels every task and waits for them to exit.
func (s *Scheduler) Stop() {
	s.stop()

	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.tasks))
	for _, h := range s.tasks {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		<-h.done
	}
}
