// Package health reports the replica's liveness and readiness.
package health

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// QueueStats exposes the queue depth; the queue service implements it.
type QueueStats interface {
	Size() int
}

// Report is the /health payload.
type Report struct {
	ReplicaName string    `json:"replica_name"`
	Healthy     bool      `json:"healthy"`
	QueueDepth  int       `json:"queue_depth"`
	IsLeader    bool      `json:"is_leader"`
	DiskOK      bool      `json:"disk_ok"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Checker periodically probes the replica's health.
type Checker struct {
	replicaName string
	dataDir     string
	queue       QueueStats
	isLeader    func() bool
	logger      *zap.Logger

	mu     sync.RWMutex
	report Report
	ready  bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a health checker. isLeader may be nil until the table
// has started.
func NewChecker(replicaName, dataDir string, queue QueueStats, isLeader func() bool, logger *zap.Logger) *Checker {
	return &Checker{
		replicaName: replicaName,
		dataDir:     dataDir,
		queue:       queue,
		isLeader:    isLeader,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start launches the periodic checks and marks the replica ready.
func (c *Checker) Start() {
	c.runChecks()
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.runChecks()
			case <-c.stopChan:
				return
			}
		}
	}()
}

// Stop halts the checker and marks the replica not ready.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
}

func (c *Checker) runChecks() {
	report := Report{
		ReplicaName: c.replicaName,
		CheckedAt:   time.Now(),
		DiskOK:      c.diskWritable(),
	}
	if c.queue != nil {
		report.QueueDepth = c.queue.Size()
	}
	if c.isLeader != nil {
		report.IsLeader = c.isLeader()
	}
	report.Healthy = report.DiskOK

	c.mu.Lock()
	c.report = report
	c.mu.Unlock()

	if !report.Healthy {
		c.logger.Warn("Health check failed", zap.Bool("disk_ok", report.DiskOK))
	}
}

// diskWritable probes the data dir with a throwaway file.
func (c *Checker) diskWritable() bool {
	probe := filepath.Join(c.dataDir, ".health_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return false
	}
	os.Remove(probe)
	return true
}

// Report returns the latest health report.
func (c *Checker) Report() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report
}

// Ready reports whether the replica has completed startup and not begun
// shutdown.
func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}
