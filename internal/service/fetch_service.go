package service

import (
	"context"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mergetree-io/mergetree/internal/client"
	"github.com/mergetree-io/mergetree/internal/coord"
	apperrors "github.com/mergetree-io/mergetree/internal/errors"
	"github.com/mergetree-io/mergetree/internal/metrics"
	"github.com/mergetree-io/mergetree/internal/model"
	"github.com/mergetree-io/mergetree/internal/server"
	"github.com/mergetree-io/mergetree/internal/storage/parts"
)

// PeerLiveness supplies out-of-band peer-down hints. The gossip service
// implements it; a nil hint source means every peer is considered alive.
type PeerLiveness interface {
	IsProbablyDead(name string) bool
}

// FetchService downloads parts from peer replicas and installs them into the
// local catalog, registering them in the coordinator.
type FetchService struct {
	coordClient coord.Client
	paths       tablePaths
	catalog     *parts.Catalog
	partClient  *client.PartClient
	liveness    PeerLiveness
	metrics     *metrics.Metrics
	logger      *zap.Logger

	// structureLock is shared with the table: fetches hold it shared so a
	// schema change cannot interleave with a part install.
	structureLock *sync.RWMutex
}

// NewFetchService creates the fetcher.
func NewFetchService(coordClient coord.Client, tablePath, replicaName string, catalog *parts.Catalog, partClient *client.PartClient, liveness PeerLiveness, structureLock *sync.RWMutex, m *metrics.Metrics, logger *zap.Logger) *FetchService {
	return &FetchService{
		coordClient:   coordClient,
		paths:         newTablePaths(tablePath, replicaName),
		catalog:       catalog,
		partClient:    partClient,
		liveness:      liveness,
		structureLock: structureLock,
		metrics:       m,
		logger:        logger,
	}
}

// FindActiveReplicaHavingPart picks, uniformly at random, an active peer that
// registers the part. Peers the gossip layer suspects dead are tried last.
func (s *FetchService) FindActiveReplicaHavingPart(ctx context.Context, partName string) (string, error) {
	replicas, err := s.coordClient.Children(ctx, s.paths.replicas())
	if err != nil {
		return "", err
	}
	rand.Shuffle(len(replicas), func(i, j int) {
		replicas[i], replicas[j] = replicas[j], replicas[i]
	})
	if s.liveness != nil {
		var alive, suspect []string
		for _, r := range replicas {
			if s.liveness.IsProbablyDead(r) {
				suspect = append(suspect, r)
			} else {
				alive = append(alive, r)
			}
		}
		replicas = append(alive, suspect...)
	}

	for _, replica := range replicas {
		hasPart, err := s.coordClient.Exists(ctx, s.paths.part(replica, partName))
		if err != nil {
			return "", err
		}
		if !hasPart {
			continue
		}
		active, err := s.coordClient.Exists(ctx, s.paths.isActive(replica))
		if err != nil {
			return "", err
		}
		if active {
			return replica, nil
		}
	}
	return "", apperrors.Newf(apperrors.ErrCodeNoReplicaHasPart, "no active replica has part %s", partName)
}

// FetchPart downloads the part from the given peer, verifies its checksums,
// installs it and registers it in the coordinator, deregistering every part
// it supersedes in the same multi-op.
func (s *FetchService) FetchPart(ctx context.Context, partName, fromReplica string) (*model.Part, error) {
	s.logger.Debug("Fetching part",
		zap.String("part", partName), zap.String("replica", fromReplica))
	started := time.Now()

	s.structureLock.RLock()
	defer s.structureLock.RUnlock()

	host, port, err := s.resolveHost(ctx, fromReplica)
	if err != nil {
		return nil, err
	}

	endpoint := server.EndpointName(s.paths.replicaRoot(fromReplica))
	// A unique staging dir per attempt: a crashed fetch leaves debris for
	// the temp sweeper instead of colliding with the next attempt.
	tmpDir := s.catalog.TempFetchDir(partName + "." + uuid.NewString()[:8])
	if err := s.partClient.FetchPart(ctx, host, port, endpoint, partName, tmpDir); err != nil {
		s.metrics.FetchFailuresTotal.Inc()
		return nil, err
	}

	part, checksums, err := s.verifyStagedPart(tmpDir, partName)
	if err != nil {
		os.RemoveAll(tmpDir)
		s.metrics.FetchFailuresTotal.Inc()
		return nil, err
	}

	replaced, err := s.catalog.RenameTempPartAndReplace(tmpDir, part)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, err
	}

	ops := []coord.Op{
		coord.CreateOp{Path: s.paths.part(s.paths.replica, part.Name), Mode: coord.Persistent},
		coord.CreateOp{Path: s.paths.partChecksums(s.paths.replica, part.Name), Data: []byte(checksums.FormatText()), Mode: coord.Persistent},
	}
	for _, obsolete := range replaced {
		s.logger.Debug("Part rendered obsolete by fetch",
			zap.String("obsolete", obsolete.Name), zap.String("part", partName))
		s.metrics.ObsoletePartsTotal.Inc()
		ops = append(ops,
			coord.RemoveOp{Path: s.paths.partChecksums(s.paths.replica, obsolete.Name), Version: -1},
			coord.RemoveOp{Path: s.paths.part(s.paths.replica, obsolete.Name), Version: -1},
		)
	}
	if _, err := s.coordClient.Multi(ctx, ops...); err != nil {
		return nil, err
	}

	s.metrics.PartFetchesTotal.Inc()
	s.metrics.FetchDuration.Observe(time.Since(started).Seconds())
	s.logger.Debug("Fetched part", zap.String("part", partName))
	return part, nil
}

// verifyStagedPart checks a downloaded part directory against its own
// checksums file and loads the part model.
func (s *FetchService) verifyStagedPart(tmpDir, partName string) (*model.Part, model.Checksums, error) {
	declared, err := parts.ReadChecksums(tmpDir)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrCodeChecksumMismatch, "fetched part has no readable checksums", err)
	}
	actual, err := parts.ComputeChecksums(tmpDir)
	if err != nil {
		return nil, nil, err
	}
	if !declared.Equal(actual) {
		return nil, nil, apperrors.Newf(apperrors.ErrCodeChecksumMismatch, "checksum mismatch in fetched part %s", partName)
	}

	part, err := model.ParsePartName(partName)
	if err != nil {
		return nil, nil, err
	}
	rows, err := parts.ReadRowCount(tmpDir)
	if err != nil {
		return nil, nil, err
	}
	part.Rows = rows
	return part, declared, nil
}

// resolveHost parses the peer's host node ("host: H\nport: P\n").
func (s *FetchService) resolveHost(ctx context.Context, replica string) (string, int, error) {
	data, _, err := s.coordClient.Get(ctx, s.paths.host(replica))
	if err != nil {
		return "", 0, err
	}
	return parseHostPort(string(data))
}

func parseHostPort(data string) (string, int, error) {
	lines := strings.Split(data, "\n")
	if len(lines) < 2 || !strings.HasPrefix(lines[0], "host: ") || !strings.HasPrefix(lines[1], "port: ") {
		return "", 0, apperrors.Newf(apperrors.ErrCodeInternal, "malformed host node %q", data)
	}
	host := strings.TrimPrefix(lines[0], "host: ")
	port, err := parseInt(strings.TrimPrefix(lines[1], "port: "))
	if err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrCodeInternal, "malformed port in host node", err)
	}
	return host, int(port), nil
}

// FormatHostPort renders the host node contents.
func FormatHostPort(host string, port int) string {
	return "host: " + host + "\nport: " + formatInt(int64(port)) + "\n"
}
