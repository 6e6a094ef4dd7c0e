package quota

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// CountCSVRows counts data rows (the header excluded) in r, stopping once
// limit+1 rows have been seen. The result is therefore exact up to limit+1,
// which is all CheckRowLimit needs. A non-positive limit counts everything.
func CountCSVRows(r io.Reader, limit int) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading csv header: %w", err)
	}

	rows := 0
	for limit <= 0 || rows <= limit {
		_, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, fmt.Errorf("reading csv row %d: %w", rows+1, err)
		}
		rows++
	}
	return rows, nil
}
