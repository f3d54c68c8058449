package results

import (
	"bufio"
	"io"
	"strings"
)

// AbsentCell is how WriteGridText prints a missing value.
const AbsentCell = "--"

// WriteGridText writes g as tab-separated text: a DATE header followed by
// the fields, then one line per row.
func WriteGridText(w io.Writer, g *MonthlyGrid) error {
	bw := bufio.NewWriter(w)

	header := make([]string, 0, len(g.Fields)+1)
	header = append(header, "DATE")
	for _, f := range g.Fields {
		header = append(header, string(f))
	}
	if _, err := bw.WriteString(strings.Join(header, "\t") + "\n"); err != nil {
		return err
	}

	cells := make([]string, 0, len(g.Fields)+1)
	for _, row := range g.Rows {
		cells = append(cells[:0], string(row.Date))
		for _, f := range g.Fields {
			v := row.Get(f)
			if !v.Present() {
				cells = append(cells, AbsentCell)
				continue
			}
			cells = append(cells, v.String())
		}
		if _, err := bw.WriteString(strings.Join(cells, "\t") + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}
