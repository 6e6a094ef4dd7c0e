// Package eventlog loads uploaded event logs into a tabular form and
// groups them into traces.
package eventlog

import (
	"path/filepath"
	"strings"
)

// Format identifies an input file format.
type Format string

const (
	FormatCSV Format = "csv"
	FormatXES Format = "xes"
)

// Formats lists every supported format.
var Formats = []Format{FormatCSV, FormatXES}

// FormatFromFilename maps a file name to its format by extension.
func FormatFromFilename(name string) (Format, bool) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	return ParseFormat(ext)
}

// ParseFormat validates a stored format string.
func ParseFormat(s string) (Format, bool) {
	switch Format(strings.ToLower(s)) {
	case FormatCSV:
		return FormatCSV, true
	case FormatXES:
		return FormatXES, true
	}
	return "", false
}

// Extension returns the file extension including the dot.
func (f Format) Extension() string { return "." + string(f) }
