package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mergetree-io/mergetree/internal/storage/parts"
)

// CleanupService periodically deletes superseded parts past their grace
// period and sweeps stale temp directories left behind by crashed fetches,
// merges or inserts.
type CleanupService struct {
	catalog       *parts.Catalog
	interval      time.Duration
	tempDirMaxAge time.Duration
	logger        *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCleanupService creates the cleanup loop.
func NewCleanupService(catalog *parts.Catalog, interval, tempDirMaxAge time.Duration, logger *zap.Logger) *CleanupService {
	return &CleanupService{
		catalog:       catalog,
		interval:      interval,
		tempDirMaxAge: tempDirMaxAge,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
}

// Start launches the cleanup loop.
func (s *CleanupService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := s.catalog.ClearOldParts(); removed > 0 {
					s.logger.Debug("Cleared old parts", zap.Int("count", removed))
				}
				s.catalog.SweepTempDirs(s.tempDirMaxAge)
			case <-s.stopChan:
				return
			}
		}
	}()
}

// Stop halts the cleanup loop.
func (s *CleanupService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}
