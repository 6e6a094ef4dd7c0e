package eventlog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Standard XES attribute names. CSV logs are mapped onto these when a
// recognised alias is present.
const (
	CaseColumn      = "case:concept:name"
	ActivityColumn  = "concept:name"
	TimestampColumn = "time:timestamp"
)

var (
	caseAliases      = []string{CaseColumn, "case_id", "caseid", "case"}
	activityAliases  = []string{ActivityColumn, "activity", "activity_name"}
	timestampAliases = []string{TimestampColumn, "timestamp", "time"}
)

// ErrMissingColumn is returned when a log has no case or activity column.
var ErrMissingColumn = errors.New("missing required column")

// Table is an event log in tabular form: one row per event.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Len returns the number of events.
func (t *Table) Len() int { return len(t.Rows) }

// Index returns the position of a column, or -1.
func (t *Table) Index(column string) int {
	for i, c := range t.Columns {
		if c == column {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	out := &Table{Columns: append([]string(nil), t.Columns...), Rows: make([][]string, len(t.Rows))}
	for i, r := range t.Rows {
		out.Rows[i] = append([]string(nil), r...)
	}
	return out
}

// Schema locates the case, activity and timestamp columns. Timestamp is
// -1 when the log has none.
type Schema struct {
	Case      int
	Activity  int
	Timestamp int
}

// ResolveSchema finds the standard columns, falling back to common aliases.
func (t *Table) ResolveSchema() (Schema, error) {
	s := Schema{
		Case:      t.findAlias(caseAliases),
		Activity:  t.findAlias(activityAliases),
		Timestamp: t.findAlias(timestampAliases),
	}
	if s.Case < 0 {
		return s, fmt.Errorf("%w: case id (one of %s)", ErrMissingColumn, strings.Join(caseAliases, ", "))
	}
	if s.Activity < 0 {
		return s, fmt.Errorf("%w: activity (one of %s)", ErrMissingColumn, strings.Join(activityAliases, ", "))
	}
	return s, nil
}

func (t *Table) findAlias(aliases []string) int {
	for _, alias := range aliases {
		for i, c := range t.Columns {
			if normalizeColumn(c) == alias {
				return i
			}
		}
	}
	return -1
}

// normalizeColumn lowercases a header and joins words with underscores, so
// "Case ID" and "case-id" both match "case_id".
func normalizeColumn(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	return strings.Join(strings.FieldsFunc(c, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '\t'
	}), "_")
}

// Event is one step of a trace.
type Event struct {
	Activity  string
	Timestamp time.Time
}

// Trace is the ordered events of one case.
type Trace struct {
	CaseID string
	Events []Event
}

// Activities returns the activity sequence of the trace.
func (tr Trace) Activities() []string {
	out := make([]string, len(tr.Events))
	for i, e := range tr.Events {
		out[i] = e.Activity
	}
	return out
}

// Traces groups the table by case. Cases keep the order of their first
// event; events within a case are ordered by timestamp when every event of
// the case has a parseable one, otherwise by row order.
func (t *Table) Traces() ([]Trace, error) {
	schema, err := t.ResolveSchema()
	if err != nil {
		return nil, err
	}

	type rowEvent struct {
		Event
		hasTime bool
	}
	order := []string{}
	byCase := map[string][]rowEvent{}
	for _, row := range t.Rows {
		caseID := cell(row, schema.Case)
		activity := cell(row, schema.Activity)
		if caseID == "" || activity == "" {
			continue
		}
		ev := rowEvent{Event: Event{Activity: activity}}
		if schema.Timestamp >= 0 {
			if ts, ok := ParseTimestamp(cell(row, schema.Timestamp)); ok {
				ev.Timestamp = ts
				ev.hasTime = true
			}
		}
		if _, seen := byCase[caseID]; !seen {
			order = append(order, caseID)
		}
		byCase[caseID] = append(byCase[caseID], ev)
	}

	traces := make([]Trace, 0, len(order))
	for _, caseID := range order {
		events := byCase[caseID]
		allTimed := true
		for _, e := range events {
			allTimed = allTimed && e.hasTime
		}
		if allTimed {
			sort.SliceStable(events, func(i, j int) bool {
				return events[i].Timestamp.Before(events[j].Timestamp)
			})
		}
		tr := Trace{CaseID: caseID, Events: make([]Event, len(events))}
		for i, e := range events {
			tr.Events[i] = e.Event
		}
		traces = append(traces, tr)
	}
	return traces, nil
}

// ParseTimestamp accepts the formats commonly found in event logs (ISO 8601,
// RFC 3339, "2006-01-02 15:04:05", US and EU dates, epoch seconds).
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	ts, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
