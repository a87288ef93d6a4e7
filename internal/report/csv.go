package report

import (
	"bufio"
	"io"
	"strings"
	"time"
)

// Header is the fixed first line of every export.
var Header = []string{"Username", "Email", "Department", "Year", "Division", "Uniform Status", "Last Checked"}

// WriteCSV writes the bare header line and one line per row with every data
// field double-quoted.
func WriteCSV(w io.Writer, rows []Row) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(strings.Join(Header, ",") + "\r\n"); err != nil {
		return err
	}
	for _, r := range rows {
		if err := writeRecord(bw, r.record()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (r Row) record() []string {
	lastChecked := ""
	if r.LastChecked != nil {
		lastChecked = r.LastChecked.UTC().Format(time.RFC3339)
	}
	return []string{r.Username, r.Email, r.Department, r.Year, r.Division, r.Status, lastChecked}
}

func writeRecord(w *bufio.Writer, fields []string) error {
	for i, f := range fields {
		if i > 0 {
			if err := w.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(quote(f)); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}

func quote(field string) string {
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}
