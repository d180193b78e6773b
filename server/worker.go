package server

import (
	"context"
	"time"
)

func (s *Server) startWorkers(ctx context.Context) {
	for i := 0; i < s.config.Workers; i++ {
		s.workers.Add(1)
		go s.worker(ctx)
	}
}

// stopWorkers stops accepting jobs and waits for the workers to exit.
func (s *Server) stopWorkers() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	s.workers.Wait()
}

func (s *Server) worker(ctx context.Context) {
	s.logger.Debug("Worker starting")
	defer func() {
		s.logger.Debug("Worker shutting down")
		s.workers.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Worker context cancelled")
			return

		case j, ok := <-s.queue:
			if !ok {
				s.logger.Debug("Worker queue closed")
				return
			}

			s.logger.Debug("Running job", "job", j.Name, "queued", time.Since(j.Timestamp))
			if err := j.Run(ctx); err != nil {
				s.logger.Error("Failed to run job", "error", err, "job", j.Name)
			}
		}
	}
}

func (s *Server) enqueue(name string, run func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrQueueFull
	}

	select {
	case s.queue <- job{Name: name, Timestamp: time.Now(), Run: run}:
		s.logger.Debug("Queued job", "job", name)
		return nil
	default:
		return ErrQueueFull
	}
}
