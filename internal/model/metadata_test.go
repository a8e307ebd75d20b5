package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mergetree-io/mergetree/internal/errors"
)

func testMetadata() *Metadata {
	return &Metadata{
		DateColumn:         "EventDate",
		SamplingExpression: "intHash32(UserID)",
		IndexGranularity:   8192,
		Mode:               0,
		SignColumn:         "",
		PrimaryKey:         "(CounterID, EventDate)",
		Columns: []Column{
			{Name: "EventDate", Type: "Date"},
			{Name: "CounterID", Type: "UInt32"},
			{Name: "UserID", Type: "UInt64"},
		},
	}
}

func TestMetadataFormatText(t *testing.T) {
	want := "metadata format version: 1\n" +
		"date column: EventDate\n" +
		"sampling expression: intHash32(UserID)\n" +
		"index granularity: 8192\n" +
		"mode: 0\n" +
		"sign column: \n" +
		"primary key: (CounterID, EventDate)\n" +
		"columns:\n" +
		"`EventDate` Date\n" +
		"`CounterID` UInt32\n" +
		"`UserID` UInt64\n"
	assert.Equal(t, want, testMetadata().FormatText())
}

func TestMetadataCheckAgainst(t *testing.T) {
	m := testMetadata()
	require.NoError(t, m.CheckAgainst(m.FormatText()))

	t.Run("column name mismatch", func(t *testing.T) {
		other := testMetadata()
		other.Columns[1].Name = "SiteID"
		err := m.CheckAgainst(other.FormatText())
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnknownIdentifier))
	})

	t.Run("granularity mismatch", func(t *testing.T) {
		other := testMetadata()
		other.IndexGranularity = 1024
		assert.Error(t, m.CheckAgainst(other.FormatText()))
	})

	t.Run("missing column", func(t *testing.T) {
		other := testMetadata()
		other.Columns = other.Columns[:2]
		assert.Error(t, m.CheckAgainst(other.FormatText()))
	})
}

func TestColumnLineQuoting(t *testing.T) {
	col := Column{Name: "weird`col\\name", Type: "String"}
	line := col.ColumnLine()
	parsed, err := ParseColumnLine(line)
	require.NoError(t, err)
	assert.Equal(t, col, parsed)
}

func TestChecksumsRoundTrip(t *testing.T) {
	c := Checksums{
		"data.bin":  {Size: 1024, CRC32: 0xDEADBEEF},
		"count.txt": {Size: 2, CRC32: 7},
	}
	parsed, err := ParseChecksums(c.FormatText())
	require.NoError(t, err)
	assert.True(t, c.Equal(parsed))

	parsed["data.bin"] = FileChecksum{Size: 1024, CRC32: 1}
	assert.False(t, c.Equal(parsed))

	_, err = ParseChecksums("bogus")
	assert.Error(t, err)
}
