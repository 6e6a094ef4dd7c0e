package eventlog

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/samber/lo"
)

// XESLoader reads IEEE XES documents. Trace attributes become columns
// prefixed with "case:"; event attributes keep their key.
type XESLoader struct{}

var xesAttributeTypes = map[string]bool{
	"string": true, "date": true, "int": true, "float": true, "boolean": true, "id": true,
}

func (XESLoader) Load(ctx context.Context, r io.Reader) (*Table, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false

	var (
		stack     []string
		traceAttr map[string]string
		event     map[string]string
		events    []map[string]string
		columns   []string
		sawLog    bool
	)
	seenCol := map[string]bool{}
	addColumn := func(c string) {
		if !seenCol[c] {
			seenCol[c] = true
			columns = append(columns, c)
		}
	}
	parent := func() string {
		if len(stack) < 2 {
			return ""
		}
		return stack[len(stack)-2]
	}

	for n := 0; ; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xes: %w", err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			name := el.Name.Local
			stack = append(stack, name)
			switch {
			case name == "log" && len(stack) == 1:
				sawLog = true
			case name == "trace" && parent() == "log":
				traceAttr = map[string]string{}
			case name == "event" && parent() == "trace":
				event = map[string]string{}
			case xesAttributeTypes[name]:
				key, value := xesAttr(el)
				if key == "" {
					continue
				}
				switch parent() {
				case "trace":
					if traceAttr != nil {
						traceAttr["case:"+key] = value
					}
				case "event":
					if event != nil {
						event[key] = value
					}
				}
			}
		case xml.EndElement:
			name := el.Name.Local
			switch {
			case name == "event" && parent() == "trace" && event != nil:
				for k, v := range traceAttr {
					event[k] = v
				}
				events = append(events, event)
				event = nil
			case name == "trace" && parent() == "log":
				traceAttr = nil
			}
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if !sawLog {
		return nil, fmt.Errorf("xes: document has no <log> root")
	}

	addColumn(CaseColumn)
	addColumn(ActivityColumn)
	addColumn(TimestampColumn)
	for _, ev := range events {
		keys := lo.Keys(ev)
		sort.Strings(keys)
		for _, k := range keys {
			addColumn(k)
		}
	}

	t := &Table{Columns: columns, Rows: make([][]string, 0, len(events))}
	for _, ev := range events {
		row := make([]string, len(columns))
		for i, c := range columns {
			row[i] = ev[c]
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func xesAttr(el xml.StartElement) (string, string) {
	var key, value string
	for _, a := range el.Attr {
		switch a.Name.Local {
		case "key":
			key = a.Value
		case "value":
			value = a.Value
		}
	}
	return key, value
}
