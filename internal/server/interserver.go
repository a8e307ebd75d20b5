// Package server hosts the replica's HTTP surfaces: the inter-server part
// endpoint peers fetch from, and the metrics/health endpoint.
package server

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mergetree-io/mergetree/internal/storage/parts"
)

// EndpointPrefix names the inter-server endpoint of a replicated table.
const EndpointPrefix = "ReplicatedMergeTree:"

// EndpointName renders the endpoint name for a replica path.
func EndpointName(replicaPath string) string {
	return EndpointPrefix + replicaPath
}

// PartProvider serves the files of a local part. The catalog implements it.
type PartProvider interface {
	PartFiles(name string) ([]parts.PartFile, error)
}

// EndpointRegistry maps endpoint names to providers. It is the lookup-only
// back-reference from the transport to the storage: a table registers itself
// on startup and must unregister before shutting down, so the registry never
// keeps a dead storage alive.
type EndpointRegistry struct {
	mu        sync.RWMutex
	providers map[string]PartProvider
}

// NewEndpointRegistry creates an empty registry.
func NewEndpointRegistry() *EndpointRegistry {
	return &EndpointRegistry{providers: map[string]PartProvider{}}
}

// Register binds an endpoint name to a provider.
func (r *EndpointRegistry) Register(name string, p PartProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Unregister removes an endpoint.
func (r *EndpointRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
}

func (r *EndpointRegistry) lookup(name string) (PartProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// InterserverServer serves part downloads to peer replicas.
type InterserverServer struct {
	httpServer *http.Server
	registry   *EndpointRegistry
	logger     *zap.Logger
}

// NewInterserverServer builds the server listening on addr.
func NewInterserverServer(addr string, registry *EndpointRegistry, logger *zap.Logger) *InterserverServer {
	s := &InterserverServer{registry: registry, logger: logger}

	router := mux.NewRouter()
	router.HandleFunc("/interserver/part", s.partHandler).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start begins serving in the background. The returned channel yields the
// terminal serve error, if any.
func (s *InterserverServer) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Inter-server endpoint listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Stop shuts the server down.
func (s *InterserverServer) Stop() error {
	return s.httpServer.Close()
}

// partHandler streams a part: a file-count line, then per file a name line,
// a size line, and the raw bytes.
func (s *InterserverServer) partHandler(w http.ResponseWriter, req *http.Request) {
	endpoint := req.URL.Query().Get("endpoint")
	partName := req.URL.Query().Get("part")
	if endpoint == "" || partName == "" {
		http.Error(w, "endpoint and part are required", http.StatusBadRequest)
		return
	}

	provider, ok := s.registry.lookup(endpoint)
	if !ok {
		http.Error(w, "unknown endpoint", http.StatusNotFound)
		return
	}
	files, err := provider.PartFiles(partName)
	if err != nil {
		s.logger.Info("Refusing part request",
			zap.String("part", partName), zap.Error(err))
		http.Error(w, "part not available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%d\n", len(files))
	for _, file := range files {
		fmt.Fprintf(bw, "%s\n%d\n", file.Name, file.Size)
		if err := streamFile(bw, file.Path, file.Size); err != nil {
			// Stop writing: the unflushed remainder is dropped and the peer
			// receives a short stream, which its decoder rejects.
			s.logger.Error("Aborting part stream",
				zap.String("part", partName), zap.String("file", file.Name), zap.Error(err))
			return
		}
	}
	if err := bw.Flush(); err != nil {
		s.logger.Warn("Failed to flush part stream", zap.String("part", partName), zap.Error(err))
	}
}

func streamFile(w io.Writer, path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyN(w, f, size)
	return err
}
