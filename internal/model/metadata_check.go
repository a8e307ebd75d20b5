package model

import (
	"strings"

	apperrors "github.com/mergetree-io/mergetree/internal/errors"
)

// CheckAgainst verifies that the fingerprint stored in the coordinator
// matches this replica's schema byte-for-byte. Every divergence (header line,
// column name, column type or column count) is reported as an
// unknown-identifier error. Either way the replica must refuse to start.
func (m *Metadata) CheckAgainst(remote string) error {
	expected := m.FormatText()
	if remote == expected {
		return nil
	}

	expectedLines := strings.Split(expected, "\n")
	remoteLines := strings.Split(remote, "\n")

	columnsAt := -1
	for i, line := range expectedLines {
		if line == "columns:" {
			columnsAt = i
			break
		}
		if i >= len(remoteLines) || remoteLines[i] != line {
			got := "<missing>"
			if i < len(remoteLines) {
				got = remoteLines[i]
			}
			return apperrors.Newf(apperrors.ErrCodeUnknownIdentifier,
				"table metadata mismatch: expected %q, found %q", line, got)
		}
	}

	for i, col := range m.Columns {
		lineIdx := columnsAt + 1 + i
		if lineIdx >= len(remoteLines) || remoteLines[lineIdx] == "" {
			return apperrors.Newf(apperrors.ErrCodeUnknownIdentifier,
				"table metadata mismatch: column %s missing in coordinator", col.Name)
		}
		remoteCol, err := ParseColumnLine(remoteLines[lineIdx])
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeUnknownIdentifier,
				"table metadata mismatch: malformed column line", err)
		}
		if remoteCol.Name != col.Name {
			return apperrors.Newf(apperrors.ErrCodeUnknownIdentifier,
				"unexpected column name in coordinator: expected %s, found %s", col.Name, remoteCol.Name)
		}
		if remoteCol.Type != col.Type {
			return apperrors.Newf(apperrors.ErrCodeUnknownIdentifier,
				"column %s type mismatch: expected %s, found %s", col.Name, col.Type, remoteCol.Type)
		}
	}

	return apperrors.New(apperrors.ErrCodeUnknownIdentifier, "table metadata mismatch")
}
