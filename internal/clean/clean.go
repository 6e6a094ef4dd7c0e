// Package clean normalizes raw event logs before mining. A cleaning pass is
// a pure function of its input, so running it twice gives the same table.
package clean

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/kiranshivaraju/procmine/internal/eventlog"
	"github.com/samber/lo"
)

// Report describes what a cleaning pass changed.
type Report struct {
	RowsIn              int      `json:"rows_in"`
	RowsOut             int      `json:"rows_out"`
	DroppedIncomplete   int      `json:"dropped_incomplete"`
	DroppedBadTimestamp int      `json:"dropped_bad_timestamp"`
	DroppedDuplicates   int      `json:"dropped_duplicates"`
	RenamedColumns      []string `json:"renamed_columns,omitempty"`
}

// Cleaner is the cleaning stage of the pipeline.
type Cleaner interface {
	Clean(ctx context.Context, t *eventlog.Table) (*eventlog.Table, Report, error)
}

// SmartCleaner renames well-known columns to their XES names, trims cells,
// drops events without a case or activity, drops events whose timestamp
// cannot be parsed, rewrites timestamps as RFC 3339 UTC and removes exact
// duplicate events.
type SmartCleaner struct{}

func New() SmartCleaner { return SmartCleaner{} }

var spaces = regexp.MustCompile(`\s+`)

func (SmartCleaner) Clean(ctx context.Context, in *eventlog.Table) (*eventlog.Table, Report, error) {
	rep := Report{RowsIn: in.Len()}
	t := in.Clone()

	for i, c := range t.Columns {
		t.Columns[i] = spaces.ReplaceAllString(strings.TrimSpace(c), " ")
	}
	schema, err := t.ResolveSchema()
	if err != nil {
		return nil, rep, err
	}
	rename := func(idx int, to string) {
		if idx >= 0 && t.Columns[idx] != to {
			rep.RenamedColumns = append(rep.RenamedColumns, t.Columns[idx]+" -> "+to)
			t.Columns[idx] = to
		}
	}
	rename(schema.Case, eventlog.CaseColumn)
	rename(schema.Activity, eventlog.ActivityColumn)
	rename(schema.Timestamp, eventlog.TimestampColumn)

	rows := make([][]string, 0, len(t.Rows))
	for n, row := range t.Rows {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, rep, err
			}
		}
		if len(row) < len(t.Columns) {
			row = append(row, make([]string, len(t.Columns)-len(row))...)
		}
		for i := range row {
			row[i] = strings.TrimSpace(row[i])
		}
		if row[schema.Case] == "" || row[schema.Activity] == "" {
			rep.DroppedIncomplete++
			continue
		}
		if schema.Timestamp >= 0 {
			ts, ok := eventlog.ParseTimestamp(row[schema.Timestamp])
			if !ok {
				rep.DroppedBadTimestamp++
				continue
			}
			row[schema.Timestamp] = ts.Format(time.RFC3339Nano)
		}
		rows = append(rows, row)
	}

	unique := lo.UniqBy(rows, func(r []string) string { return strings.Join(r, "\x1f") })
	rep.DroppedDuplicates = len(rows) - len(unique)
	t.Rows = unique
	rep.RowsOut = t.Len()
	return t, rep, nil
}
