package clean_test

import (
	"context"
	"testing"

	"github.com/kiranshivaraju/procmine/internal/clean"
	"github.com/kiranshivaraju/procmine/internal/eventlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dirtyTable() *eventlog.Table {
	return &eventlog.Table{
		Columns: []string{" Case  ID ", "Activity", "Timestamp", "resource"},
		Rows: [][]string{
			{" 1 ", " register ", "2024-01-01 09:00:00", "ann"},
			{"1", "register", "2024-01-01 09:00:00", "ann"},
			{"1", "check", "2024-01-01T10:00:00Z", "bob"},
			{"", "check", "2024-01-01 10:00:00", "bob"},
			{"2", "", "2024-01-01 10:00:00", "bob"},
			{"2", "register", "yesterday-ish", "ann"},
			{"2", "register", "2024-01-02 09:00:00", "ann"},
		},
	}
}

func TestSmartCleaner_Clean(t *testing.T) {
	in := dirtyTable()
	out, rep, err := clean.New().Clean(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []string{eventlog.CaseColumn, eventlog.ActivityColumn, eventlog.TimestampColumn, "resource"}, out.Columns)
	assert.Equal(t, [][]string{
		{"1", "register", "2024-01-01T09:00:00Z", "ann"},
		{"1", "check", "2024-01-01T10:00:00Z", "bob"},
		{"2", "register", "2024-01-02T09:00:00Z", "ann"},
	}, out.Rows)

	assert.Equal(t, 7, rep.RowsIn)
	assert.Equal(t, 3, rep.RowsOut)
	assert.Equal(t, 2, rep.DroppedIncomplete)
	assert.Equal(t, 1, rep.DroppedBadTimestamp)
	assert.Equal(t, 1, rep.DroppedDuplicates)
	assert.Len(t, rep.RenamedColumns, 3)
}

func TestSmartCleaner_DoesNotMutateInput(t *testing.T) {
	in := dirtyTable()
	_, _, err := clean.New().Clean(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, " Case  ID ", in.Columns[0])
	assert.Equal(t, " 1 ", in.Rows[0][0])
}

func TestSmartCleaner_Idempotent(t *testing.T) {
	c := clean.New()
	once, _, err := c.Clean(context.Background(), dirtyTable())
	require.NoError(t, err)

	twice, rep, err := c.Clean(context.Background(), once)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, rep.RowsIn, rep.RowsOut)
	assert.Empty(t, rep.RenamedColumns)
}

func TestSmartCleaner_WithoutTimestampColumn(t *testing.T) {
	in := &eventlog.Table{
		Columns: []string{"case", "activity"},
		Rows:    [][]string{{"1", "a"}, {"1", "b"}},
	}
	out, rep, err := clean.New().Clean(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())
	assert.Zero(t, rep.DroppedBadTimestamp)
}

func TestSmartCleaner_MissingActivityColumn(t *testing.T) {
	_, _, err := clean.New().Clean(context.Background(), &eventlog.Table{Columns: []string{"case"}})
	assert.ErrorIs(t, err, eventlog.ErrMissingColumn)
}
