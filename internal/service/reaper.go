package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReaperInterval = 10 * time.Minute
	defaultIdleTimeout    = 1 * time.Hour
)

// ReaperService periodically releases leases held by abandoned
// sessions, e.g. when the driving process crashed mid-loop.
type ReaperService struct {
	sessions *SessionService
	logger   *zap.Logger

	interval    time.Duration
	idleTimeout time.Duration
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func NewReaperService(sessions *SessionService, logger *zap.Logger) *ReaperService {
	return &ReaperService{
		sessions:    sessions,
		logger:      logger,
		interval:    defaultReaperInterval,
		idleTimeout: defaultIdleTimeout,
		stopCh:      make(chan struct{}),
	}
}

func (s *ReaperService) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

func (s *ReaperService) SetIdleTimeout(d time.Duration) {
	if d > 0 {
		s.idleTimeout = d
	}
}

// Start runs the reaper on a periodic schedule in a background goroutine.
func (s *ReaperService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("session reaper started",
			zap.Duration("interval", s.interval),
			zap.Duration("idle_timeout", s.idleTimeout))

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				s.run(ctx)
				cancel()
			case <-s.stopCh:
				s.logger.Info("session reaper stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the reaper.
func (s *ReaperService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *ReaperService) run(ctx context.Context) {
	released, err := s.sessions.ReleaseStale(ctx, s.idleTimeout)
	if err != nil {
		s.logger.Error("failed to release stale sessions", zap.Error(err))
		return
	}
	if released > 0 {
		s.logger.Info("released stale sessions", zap.Int("count", released))
	}
}
