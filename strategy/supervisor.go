package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Supervisor runs detached background tasks.
// Task failures and panics are logged, never propagated.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mutex  sync.Mutex
	closed bool
	log    zerolog.Logger
}

func NewSupervisor(logger zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logger,
	}
}

// Go starts the task in a goroutine and returns its id.
// The task gets a context that is only cancelled by Close.
// After Close, tasks run synchronously with the cancelled context.
func (s *Supervisor) Go(name string, task func(ctx context.Context) error) string {
	id := uuid.NewString()
	log := s.log.With().Str("task", name).Str("taskId", id).Logger()

	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		s.run(log, task)
		return id
	}
	s.wg.Add(1)
	s.mutex.Unlock()

	go func() {
		defer s.wg.Done()
		s.run(log, task)
	}()
	return id
}

func (s *Supervisor) run(log zerolog.Logger, task func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Err(fmt.Errorf("panic: %v", r)).Msg("Background task panicked")
		}
	}()
	log.Trace().Msg("Background task started")
	if err := task(s.ctx); err != nil {
		log.Warn().Err(err).Msg("Background task failed")
		return
	}
	log.Trace().Msg("Background task done")
}

// Wait blocks until all started tasks are done.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Close cancels running tasks and waits for them.
func (s *Supervisor) Close() {
	s.mutex.Lock()
	s.closed = true
	s.mutex.Unlock()
	s.cancel()
	s.wg.Wait()
}
