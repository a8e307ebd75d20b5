// Package merger adapts the columnar part merger for the replication engine:
// it selects contiguous runs of parts to merge and produces the merged part
// under a pre-assigned name. The column-wise merge algorithm itself belongs
// to the storage layer; here the payloads are combined wholesale.
package merger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mergetree-io/mergetree/internal/model"
	"github.com/mergetree-io/mergetree/internal/storage/parts"
)

const (
	// maxPartsPerMerge bounds the width of one merge.
	maxPartsPerMerge = 10
	// minPartsForQuietMerge is the run length required by the first, patient
	// selection round; the second round merges any eligible pair.
	minPartsForQuietMerge = 3
)

// BigPartRowsGranularityProduct is the rows×granularity product above which a
// part counts as big; the unit is approximate uncompressed bytes.
const BigPartRowsGranularityProduct = 25 * 1024 * 1024

// CanMergeFunc decides whether two interval-adjacent parts may be merged.
type CanMergeFunc func(left, right *model.Part) bool

// Merger selects and performs merges over the local catalog.
type Merger struct {
	catalog          *parts.Catalog
	indexGranularity int
	logger           *zap.Logger
}

// New creates a merger over the catalog.
func New(catalog *parts.Catalog, indexGranularity int, logger *zap.Logger) *Merger {
	return &Merger{catalog: catalog, indexGranularity: indexGranularity, logger: logger}
}

// IsBigPart reports whether a part exceeds the big-merge threshold.
func (m *Merger) IsBigPart(p *model.Part) bool {
	return p.Rows*int64(m.indexGranularity) > BigPartRowsGranularityProduct
}

// SelectPartsToMerge picks the longest eligible contiguous run of parts.
// aggressive relaxes the minimum run length to two; onlySmall excludes big
// parts entirely (set while a big merge is already in flight). canMerge is
// consulted for every adjacent pair in a candidate run.
func (m *Merger) SelectPartsToMerge(aggressive, onlySmall bool, canMerge CanMergeFunc) ([]*model.Part, string, bool) {
	all := m.catalog.GetDataParts()

	minLen := minPartsForQuietMerge
	if aggressive {
		minLen = 2
	}

	var best []*model.Part
	var run []*model.Part
	flush := func() {
		if len(run) >= minLen && len(run) > len(best) {
			best = append([]*model.Part(nil), run...)
		}
		run = nil
	}

	for _, p := range all {
		if onlySmall && m.IsBigPart(p) {
			flush()
			continue
		}
		if len(run) > 0 {
			prev := run[len(run)-1]
			if len(run) == maxPartsPerMerge || !canMerge(prev, p) {
				flush()
				// p may still start a new run.
				if onlySmall && m.IsBigPart(p) {
					continue
				}
			}
		}
		run = append(run, p)
	}
	flush()

	if best == nil {
		return nil, "", false
	}
	return best, MergedName(best), true
}

// MergedName derives the result part name of a merge: the union interval at
// one level above the deepest input.
func MergedName(inputs []*model.Part) string {
	minDate := inputs[0].MinDate
	maxDate := inputs[0].MaxDate
	level := inputs[0].Level
	for _, p := range inputs[1:] {
		if p.MinDate < minDate {
			minDate = p.MinDate
		}
		if p.MaxDate > maxDate {
			maxDate = p.MaxDate
		}
		if p.Level > level {
			level = p.Level
		}
	}
	return model.FormatPartName(minDate, maxDate, inputs[0].Left, inputs[len(inputs)-1].Right, level+1)
}

// MergeParts combines the inputs into a new part staged in a temp directory
// and installs it through the catalog, returning the superseded parts.
func (m *Merger) MergeParts(inputs []*model.Part, newName string) (*model.Part, []*model.Part, error) {
	part, err := model.ParsePartName(newName)
	if err != nil {
		return nil, nil, err
	}

	var data []byte
	var rows int64
	for _, in := range inputs {
		payload, err := os.ReadFile(filepath.Join(m.catalog.PartPath(in.Name), parts.DataFileName))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read input part %s: %w", in.Name, err)
		}
		data = append(data, payload...)
		rows += in.Rows
	}
	part.Rows = rows

	tmpDir := m.catalog.TempMergeDir(newName)
	if _, err := parts.WritePartDir(tmpDir, data, rows); err != nil {
		os.RemoveAll(tmpDir)
		return nil, nil, fmt.Errorf("failed to stage merged part %s: %w", newName, err)
	}

	replaced, err := m.catalog.RenameTempPartAndReplace(tmpDir, part)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, nil, err
	}

	m.logger.Info("Merged parts",
		zap.Int("inputs", len(inputs)),
		zap.String("new_part", newName),
		zap.Int64("rows", rows))
	return part, replaced, nil
}
