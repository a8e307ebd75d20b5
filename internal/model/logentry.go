package model

import (
	"fmt"
	"strings"
)

// LogEntryType distinguishes the two replicated actions.
type LogEntryType int

const (
	GetPart LogEntryType = iota
	MergeParts
)

func (t LogEntryType) String() string {
	switch t {
	case GetPart:
		return "get"
	case MergeParts:
		return "merge"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// LogEntry is one record in a replica's log, replayed by every replica's
// queue. The textual wire format is fixed; see FormatText.
type LogEntry struct {
	Type          LogEntryType
	SourceReplica string
	NewPartName   string
	PartsToMerge  []string

	// ZNodeName is the name of the queue node holding this entry on the
	// replica that pulled it. Not serialized.
	ZNodeName string
}

// FormatText renders the entry in its wire format:
//
//	format version: 1
//	source replica: <name>
//	<get|merge>
//	<body>
func (e *LogEntry) FormatText() string {
	var b strings.Builder
	b.WriteString("format version: 1\n")
	b.WriteString("source replica: ")
	b.WriteString(e.SourceReplica)
	b.WriteString("\n")
	switch e.Type {
	case GetPart:
		b.WriteString("get\n")
		b.WriteString(e.NewPartName)
	case MergeParts:
		b.WriteString("merge\n")
		for _, name := range e.PartsToMerge {
			b.WriteString(name)
			b.WriteString("\n")
		}
		b.WriteString("into\n")
		b.WriteString(e.NewPartName)
	}
	b.WriteString("\n")
	return b.String()
}

// ParseLogEntry parses the wire format produced by FormatText.
func ParseLogEntry(s string) (*LogEntry, error) {
	lines := strings.Split(s, "\n")
	if len(lines) < 4 {
		return nil, fmt.Errorf("log entry too short")
	}
	if lines[0] != "format version: 1" {
		return nil, fmt.Errorf("unsupported log entry format: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "source replica: ") {
		return nil, fmt.Errorf("missing source replica line: %q", lines[1])
	}
	entry := &LogEntry{SourceReplica: strings.TrimPrefix(lines[1], "source replica: ")}

	// The record is newline-terminated, so the final split element is empty.
	if lines[len(lines)-1] != "" {
		return nil, fmt.Errorf("log entry is not newline-terminated")
	}
	body := lines[3 : len(lines)-1]

	switch lines[2] {
	case "get":
		entry.Type = GetPart
		if len(body) != 1 || body[0] == "" {
			return nil, fmt.Errorf("malformed get entry body")
		}
		entry.NewPartName = body[0]
	case "merge":
		entry.Type = MergeParts
		if len(body) < 2 {
			return nil, fmt.Errorf("malformed merge entry body")
		}
		into := -1
		for i, line := range body {
			if line == "into" {
				into = i
				break
			}
			entry.PartsToMerge = append(entry.PartsToMerge, line)
		}
		if into < 0 || into != len(body)-2 {
			return nil, fmt.Errorf("malformed merge entry body: missing into line")
		}
		entry.NewPartName = body[len(body)-1]
		if entry.NewPartName == "" || len(entry.PartsToMerge) == 0 {
			return nil, fmt.Errorf("malformed merge entry body")
		}
	default:
		return nil, fmt.Errorf("unknown log entry kind %q", lines[2])
	}
	return entry, nil
}
