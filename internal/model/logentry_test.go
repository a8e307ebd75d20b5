package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogEntryRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		entry *LogEntry
	}{
		{
			"get",
			&LogEntry{Type: GetPart, SourceReplica: "r1", NewPartName: "20240101_20240101_1_1_0"},
		},
		{
			"merge of two",
			&LogEntry{
				Type:          MergeParts,
				SourceReplica: "r2",
				NewPartName:   "20240101_20240101_1_2_1",
				PartsToMerge:  []string{"20240101_20240101_1_1_0", "20240101_20240101_2_2_0"},
			},
		},
		{
			"merge of many",
			&LogEntry{
				Type:          MergeParts,
				SourceReplica: "r1",
				NewPartName:   "20240101_20240103_1_5_2",
				PartsToMerge: []string{
					"20240101_20240101_1_1_0",
					"20240102_20240102_2_3_1",
					"20240103_20240103_4_5_1",
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseLogEntry(tt.entry.FormatText())
			require.NoError(t, err)
			assert.Equal(t, tt.entry, parsed)
		})
	}
}

func TestLogEntryWireFormat(t *testing.T) {
	get := &LogEntry{Type: GetPart, SourceReplica: "r1", NewPartName: "20240101_20240101_1_1_0"}
	assert.Equal(t, "format version: 1\nsource replica: r1\nget\n20240101_20240101_1_1_0\n", get.FormatText())

	merge := &LogEntry{
		Type:          MergeParts,
		SourceReplica: "r1",
		NewPartName:   "20240101_20240101_1_2_1",
		PartsToMerge:  []string{"20240101_20240101_1_1_0", "20240101_20240101_2_2_0"},
	}
	assert.Equal(t,
		"format version: 1\nsource replica: r1\nmerge\n"+
			"20240101_20240101_1_1_0\n20240101_20240101_2_2_0\ninto\n20240101_20240101_1_2_1\n",
		merge.FormatText())
}

func TestParseLogEntryMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"wrong version", "format version: 2\nsource replica: r1\nget\np\n"},
		{"missing source", "format version: 1\nget\np\n"},
		{"unknown kind", "format version: 1\nsource replica: r1\ndrop\np\n"},
		{"merge without into", "format version: 1\nsource replica: r1\nmerge\na\nb\n"},
		{"merge with trailing garbage", "format version: 1\nsource replica: r1\nmerge\na\ninto\nb\nc\n"},
		{"not newline terminated", "format version: 1\nsource replica: r1\nget\np"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLogEntry(tt.input)
			assert.Error(t, err)
		})
	}
}
