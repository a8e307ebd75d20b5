package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig holds the optional memberlist cluster settings.
type GossipConfig struct {
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// GossipService maintains a memberlist cluster of replicas and tracks which
// peers look dead. It only supplies hints for fetch peer ordering; the
// coordinator's is_active ephemeral stays authoritative for liveness.
type GossipService struct {
	memberlist *memberlist.Memberlist
	nodeName   string
	logger     *zap.Logger

	mu   sync.RWMutex
	dead map[string]bool
}

// NewGossipService joins (or seeds) the gossip cluster under the replica's
// name.
func NewGossipService(cfg *GossipConfig, nodeName string, logger *zap.Logger) (*GossipService, error) {
	gs := &GossipService{
		nodeName: nodeName,
		logger:   logger,
		dead:     map[string]bool{},
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = nodeName
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Events = &gossipEvents{service: gs}
	mlConfig.LogOutput = &gossipLogWriter{logger: logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some gossip seed nodes", zap.Error(err))
		}
	}
	return gs, nil
}

// IsProbablyDead reports whether gossip last saw the peer leave or fail.
// Unknown peers are presumed alive.
func (s *GossipService) IsProbablyDead(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dead[name]
}

// Stop leaves the cluster.
func (s *GossipService) Stop() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Gossip leave failed", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// gossipEvents implements memberlist.EventDelegate.
type gossipEvents struct {
	service *GossipService
}

func (e *gossipEvents) NotifyJoin(node *memberlist.Node) {
	s := e.service
	s.mu.Lock()
	delete(s.dead, node.Name)
	s.mu.Unlock()
	s.logger.Debug("Gossip: node joined", zap.String("node", node.Name))
}

func (e *gossipEvents) NotifyLeave(node *memberlist.Node) {
	s := e.service
	if node.Name == s.nodeName {
		return
	}
	s.mu.Lock()
	s.dead[node.Name] = true
	s.mu.Unlock()
	s.logger.Info("Gossip: node left or failed", zap.String("node", node.Name))
}

func (e *gossipEvents) NotifyUpdate(*memberlist.Node) {}

// gossipLogWriter routes memberlist's textual log output through zap.
type gossipLogWriter struct {
	logger *zap.Logger
}

func (w *gossipLogWriter) Write(p []byte) (int, error) {
	w.logger.Debug("memberlist", zap.ByteString("msg", p))
	return len(p), nil
}
