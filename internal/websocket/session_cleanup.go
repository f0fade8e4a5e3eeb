package websocket

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reaper ends sessions that saw no client input for longer than maxIdle
type Reaper interface {
	ReapIdle(maxIdle time.Duration) int
}

// SessionCleanupService periodically ends idle relay sessions
type SessionCleanupService struct {
	reaper      Reaper
	idleTimeout time.Duration
	interval    time.Duration
	logger      *zap.Logger
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewSessionCleanupService creates a new session cleanup service
func NewSessionCleanupService(reaper Reaper, idleTimeout, interval time.Duration, logger *zap.Logger) *SessionCleanupService {
	return &SessionCleanupService{
		reaper:      reaper,
		idleTimeout: idleTimeout,
		interval:    interval,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *SessionCleanupService) Start() {
	s.wg.Add(1)
	go s.cleanupLoop()
	s.logger.Info("Session cleanup service started",
		zap.Duration("idleTimeout", s.idleTimeout),
		zap.Duration("interval", s.interval))
}

// Stop stops the cleanup loop and waits for a running pass to finish
func (s *SessionCleanupService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		s.logger.Info("Session cleanup service stopped")
	})
}

func (s *SessionCleanupService) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

func (s *SessionCleanupService) runCleanup() {
	if n := s.reaper.ReapIdle(s.idleTimeout); n > 0 {
		s.logger.Info("Idle sessions ended", zap.Int("count", n))
	}
}
