package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Part describes one immutable data part: a directory of columnar files
// covering the inclusive block-number interval [Left, Right].
type Part struct {
	Name    string
	MinDate string // YYYYMMDD
	MaxDate string
	Left    int64
	Right   int64
	Level   uint32

	// Rows is the number of rows in the part. Together with the table's
	// index granularity it approximates the uncompressed size.
	Rows int64
}

// FormatPartName builds the canonical part name
// "<min_date>_<max_date>_<left>_<right>_<level>".
func FormatPartName(minDate, maxDate string, left, right int64, level uint32) string {
	return fmt.Sprintf("%s_%s_%d_%d_%d", minDate, maxDate, left, right, level)
}

// ParsePartName parses a canonical part name. The returned Part has zero Rows;
// the caller fills it in from the on-disk data.
func ParsePartName(name string) (*Part, error) {
	fields := strings.Split(name, "_")
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid part name %q: expected 5 fields, got %d", name, len(fields))
	}
	if !isDate(fields[0]) || !isDate(fields[1]) {
		return nil, fmt.Errorf("invalid part name %q: bad date field", name)
	}
	left, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid part name %q: bad left block number", name)
	}
	right, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid part name %q: bad right block number", name)
	}
	level, err := strconv.ParseUint(fields[4], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid part name %q: bad level", name)
	}
	if left > right {
		return nil, fmt.Errorf("invalid part name %q: left > right", name)
	}
	return &Part{
		Name:    name,
		MinDate: fields[0],
		MaxDate: fields[1],
		Left:    left,
		Right:   right,
		Level:   uint32(level),
	}, nil
}

func isDate(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Contains reports whether p's interval includes all of o's interval.
func (p *Part) Contains(o *Part) bool {
	return p.Left <= o.Left && o.Right <= p.Right
}

// ContainsBlock reports whether the block number n falls inside p's interval.
func (p *Part) ContainsBlock(n int64) bool {
	return p.Left <= n && n <= p.Right
}

// Intersects reports whether the two intervals overlap.
func (p *Part) Intersects(o *Part) bool {
	return p.Left <= o.Right && o.Left <= p.Right
}
