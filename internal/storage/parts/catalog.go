// Package parts maintains the replica's local set of immutable data parts:
// one directory per part under the table's data dir, indexed in memory by
// block-number interval.
package parts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mergetree-io/mergetree/internal/model"
	"github.com/mergetree-io/mergetree/internal/util"
)

const (
	// DataFileName is the opaque columnar payload of a part. The column-wise
	// layout belongs to the storage layer below this one.
	DataFileName = "data.bin"
	// CountFileName holds the ASCII row count.
	CountFileName = "count.txt"
	// ChecksumsFileName holds the rendered model.Checksums of the part.
	ChecksumsFileName = "checksums.txt"

	tmpInsertPrefix = "tmp_insert_"
	tmpFetchPrefix  = "tmp_fetch_"
	tmpMergePrefix  = "tmp_merge_"
)

type retiredPart struct {
	part      *model.Part
	retiredAt time.Time
}

// Catalog is the in-memory index over the on-disk part directories. Active
// parts have pairwise disjoint intervals; parts superseded by a covering
// newcomer stay on disk until ClearOldParts ages them out.
type Catalog struct {
	dataDir          string
	oldPartsLifetime time.Duration
	logger           *zap.Logger

	mu      sync.RWMutex
	active  map[string]*model.Part
	retired map[string]retiredPart
}

// NewCatalog opens the data dir and loads every part directory found there.
// Temp and detached directories are skipped; directories with unparsable
// names are ignored with a warning.
func NewCatalog(dataDir string, oldPartsLifetime time.Duration, logger *zap.Logger) (*Catalog, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	c := &Catalog{
		dataDir:          dataDir,
		oldPartsLifetime: oldPartsLifetime,
		logger:           logger,
		active:           map[string]*model.Part{},
		retired:          map[string]retiredPart{},
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), "tmp_") || strings.HasPrefix(e.Name(), "ignored_") || strings.HasPrefix(e.Name(), "detached_") {
			continue
		}
		part, err := c.loadPart(e.Name())
		if err != nil {
			logger.Warn("Skipping unloadable part directory",
				zap.String("dir", e.Name()), zap.Error(err))
			continue
		}
		c.active[part.Name] = part
	}
	return c, nil
}

func (c *Catalog) loadPart(name string) (*model.Part, error) {
	part, err := model.ParsePartName(name)
	if err != nil {
		return nil, err
	}
	rows, err := readCount(filepath.Join(c.dataDir, name, CountFileName))
	if err != nil {
		return nil, err
	}
	part.Rows = rows
	return part, nil
}

func readCount(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var rows int64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &rows); err != nil {
		return 0, fmt.Errorf("malformed row count: %w", err)
	}
	return rows, nil
}

// DataDir returns the catalog's root directory.
func (c *Catalog) DataDir() string {
	return c.dataDir
}

// PartPath returns the directory of an active or retired part.
func (c *Catalog) PartPath(name string) string {
	return filepath.Join(c.dataDir, name)
}

// GetDataParts returns a snapshot of the active parts, ordered by interval.
func (c *Catalog) GetDataParts() []*model.Part {
	c.mu.RLock()
	defer c.mu.RUnlock()
	parts := make([]*model.Part, 0, len(c.active))
	for _, p := range c.active {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Left < parts[j].Left })
	return parts
}

// GetContainingPart returns the unique active part whose interval covers the
// named part, or nil. The argument needs only to be a well-formed part name;
// the part itself need not exist anywhere.
func (c *Catalog) GetContainingPart(name string) *model.Part {
	want, err := model.ParsePartName(name)
	if err != nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.active {
		if p.Contains(want) {
			return p
		}
	}
	return nil
}

// RenameTempPartAndReplace atomically installs the part staged in tmpDir
// (a single directory rename) and returns the active parts it supersedes,
// ordered by interval. A partial interval overlap with any active part is a
// consistency violation and fails the install.
func (c *Catalog) RenameTempPartAndReplace(tmpDir string, part *model.Part) ([]*model.Part, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var replaced []*model.Part
	for _, p := range c.active {
		switch {
		case part.Contains(p):
			replaced = append(replaced, p)
		case p.Contains(part):
			return nil, fmt.Errorf("part %s is already covered by %s", part.Name, p.Name)
		case p.Intersects(part):
			return nil, fmt.Errorf("part %s intersects existing part %s", part.Name, p.Name)
		}
	}

	if err := os.Rename(tmpDir, filepath.Join(c.dataDir, part.Name)); err != nil {
		return nil, fmt.Errorf("failed to install part %s: %w", part.Name, err)
	}

	now := time.Now()
	for _, p := range replaced {
		delete(c.active, p.Name)
		c.retired[p.Name] = retiredPart{part: p, retiredAt: now}
	}
	c.active[part.Name] = part

	sort.Slice(replaced, func(i, j int) bool { return replaced[i].Left < replaced[j].Left })
	return replaced, nil
}

// RenameAndDetachPart moves a part out of the working set into a quarantine
// directory named <prefix><part name>.
func (c *Catalog) RenameAndDetachPart(part *model.Part, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	src := filepath.Join(c.dataDir, part.Name)
	dst := filepath.Join(c.dataDir, prefix+part.Name)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to detach part %s: %w", part.Name, err)
	}
	delete(c.active, part.Name)
	return nil
}

// ClearOldParts physically deletes superseded parts older than the grace
// period. Returns the number of parts removed.
func (c *Catalog) ClearOldParts() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for name, rp := range c.retired {
		if time.Since(rp.retiredAt) < c.oldPartsLifetime {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.dataDir, name)); err != nil {
			c.logger.Warn("Failed to remove old part", zap.String("part", name), zap.Error(err))
			continue
		}
		delete(c.retired, name)
		removed++
		c.logger.Debug("Removed old part", zap.String("part", name))
	}
	return removed
}

// SweepTempDirs removes leftover tmp_* staging directories older than maxAge.
func (c *Catalog) SweepTempDirs(maxAge time.Duration) {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		c.logger.Warn("Failed to read data dir for temp sweep", zap.Error(err))
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "tmp_") {
			continue
		}
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.dataDir, e.Name())); err != nil {
			c.logger.Warn("Failed to remove stale temp dir", zap.String("dir", e.Name()), zap.Error(err))
			continue
		}
		c.logger.Info("Removed stale temp dir", zap.String("dir", e.Name()))
	}
}

// TempDirFor stages a directory name for a part being produced locally.
func (c *Catalog) TempDirFor(kind, name string) string {
	return filepath.Join(c.dataDir, kind+name)
}

// TempInsertDir, TempFetchDir and TempMergeDir name the staging directories
// for the three ways a part can appear.
func (c *Catalog) TempInsertDir(name string) string { return c.TempDirFor(tmpInsertPrefix, name) }
func (c *Catalog) TempFetchDir(name string) string  { return c.TempDirFor(tmpFetchPrefix, name) }
func (c *Catalog) TempMergeDir(name string) string  { return c.TempDirFor(tmpMergePrefix, name) }

// WritePartDir stages a complete part directory: payload, row count and the
// checksums file. Returns the part's checksums.
func WritePartDir(dir string, data []byte, rows int64) (model.Checksums, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, DataFileName), data, 0o644); err != nil {
		return nil, err
	}
	countData := []byte(fmt.Sprintf("%d\n", rows))
	if err := os.WriteFile(filepath.Join(dir, CountFileName), countData, 0o644); err != nil {
		return nil, err
	}
	checksums := model.Checksums{
		DataFileName:  {Size: int64(len(data)), CRC32: util.ComputeChecksum(data)},
		CountFileName: {Size: int64(len(countData)), CRC32: util.ComputeChecksum(countData)},
	}
	if err := os.WriteFile(filepath.Join(dir, ChecksumsFileName), []byte(checksums.FormatText()), 0o644); err != nil {
		return nil, err
	}
	return checksums, nil
}

// ComputeChecksums streams every payload file of a part directory. The
// checksums file itself is excluded, since it describes the others.
func ComputeChecksums(dir string) (model.Checksums, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	checksums := model.Checksums{}
	for _, e := range entries {
		if e.IsDir() || e.Name() == ChecksumsFileName {
			continue
		}
		crc, size, err := util.ChecksumFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		checksums[e.Name()] = model.FileChecksum{Size: size, CRC32: crc}
	}
	return checksums, nil
}

// ReadRowCount loads the row count of a staged part directory.
func ReadRowCount(dir string) (int64, error) {
	return readCount(filepath.Join(dir, CountFileName))
}

// ReadChecksums loads the checksums file of a part directory.
func ReadChecksums(dir string) (model.Checksums, error) {
	data, err := os.ReadFile(filepath.Join(dir, ChecksumsFileName))
	if err != nil {
		return nil, err
	}
	return model.ParseChecksums(string(data))
}

// PartFile is one streamable file of a part.
type PartFile struct {
	Name string
	Size int64
	Path string
}

// PartFiles lists the files of an active part for the inter-server endpoint,
// checksums file included so the receiver can verify the transfer.
func (c *Catalog) PartFiles(name string) ([]PartFile, error) {
	c.mu.RLock()
	_, ok := c.active[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("part %s is not in the working set", name)
	}
	dir := filepath.Join(c.dataDir, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []PartFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		files = append(files, PartFile{Name: e.Name(), Size: info.Size(), Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}
