package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
)

// CodebookEntry maps one coded value of one variable to its human-readable
// label.
type CodebookEntry struct {
	Variable string
	Value    string
	Label    string
}

// CodebookEntries returns the accumulated codebook, sorted by variable name
// and then by value, numerically where both values parse as integers.
func (sc *Schema) CodebookEntries() []CodebookEntry {
	entries := make([]CodebookEntry, len(sc.codebook))
	copy(entries, sc.codebook)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Variable != entries[j].Variable {
			return entries[i].Variable < entries[j].Variable
		}
		return valueLess(entries[i].Value, entries[j].Value)
	})
	return entries
}

func valueLess(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

// CodebookCSV renders the value-to-label dictionary that accompanies a coded
// export. The same codebook is shipped with labeled exports too, so the two
// variants stay directly comparable.
func CodebookCSV(sc *Schema, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if opts.ExcelFormat {
		buf.WriteString(utf8BOM)
	}
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"variable", "value", "label"}); err != nil {
		return nil, fmt.Errorf("failed to write codebook header: %w", err)
	}
	for _, e := range sc.CodebookEntries() {
		if err := w.Write([]string{e.Variable, e.Value, collapseNewlines(e.Label)}); err != nil {
			return nil, fmt.Errorf("failed to write codebook entry for %s: %w", e.Variable, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush codebook CSV: %w", err)
	}
	return buf.Bytes(), nil
}
