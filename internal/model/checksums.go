package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FileChecksum holds the size and CRC32 of one file inside a part.
type FileChecksum struct {
	Size  int64
	CRC32 uint32
}

// Checksums maps file name to checksum for every file of a part. The textual
// rendering is stored under parts/<name>/checksums in the Coordinator and is
// compared after a fetch.
type Checksums map[string]FileChecksum

// FormatText renders the checksums blob, files sorted by name.
func (c Checksums) FormatText() string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("checksums format version: 1\n")
	for _, name := range names {
		fc := c[name]
		fmt.Fprintf(&b, "%s\t%d\t%d\n", name, fc.Size, fc.CRC32)
	}
	return b.String()
}

// ParseChecksums parses the blob produced by FormatText.
func ParseChecksums(s string) (Checksums, error) {
	lines := strings.Split(s, "\n")
	if len(lines) == 0 || lines[0] != "checksums format version: 1" {
		return nil, fmt.Errorf("unsupported checksums format")
	}
	c := Checksums{}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed checksums line %q", line)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed file size in %q", line)
		}
		crc, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed crc in %q", line)
		}
		c[fields[0]] = FileChecksum{Size: size, CRC32: uint32(crc)}
	}
	return c, nil
}

// Equal reports whether the two checksum sets match exactly.
func (c Checksums) Equal(other Checksums) bool {
	if len(c) != len(other) {
		return false
	}
	for name, fc := range c {
		if other[name] != fc {
			return false
		}
	}
	return true
}
