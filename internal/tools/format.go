package tools

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tbourn/go-site-agent/internal/domain"
	"github.com/tbourn/go-site-agent/internal/repo"
)

// FormatRow renders a defect as one chat line. Empty location and supplier
// are omitted.
func FormatRow(d domain.Defect) string {
	parts := []string{"#" + strconv.Itoa(d.Seq)}
	if d.Location != "" {
		parts = append(parts, d.Location)
	}
	if d.Supplier != "" {
		parts = append(parts, d.Supplier)
	}
	parts = append(parts, d.Description, "["+d.Status+"]")
	return strings.Join(parts, " | ")
}

// Batches joins rows into messages of at most size rows each.
func Batches(defects []domain.Defect, size int) []string {
	if size <= 0 {
		size = 20
	}
	var out []string
	for i := 0; i < len(defects); i += size {
		end := min(i+size, len(defects))
		lines := make([]string, 0, end-i)
		for _, d := range defects[i:end] {
			lines = append(lines, FormatRow(d))
		}
		out = append(out, strings.Join(lines, "\n"))
	}
	return out
}

// ParseIDFilter parses "77-90" as an inclusive range or "5,7,12" as a set
// into f.
func ParseIDFilter(s string, f *repo.DefectFilter) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		from, err1 := strconv.Atoi(strings.TrimSpace(lo))
		to, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 != nil || err2 != nil || from < 1 || to < from {
			return fmt.Errorf("invalid id range %q", s)
		}
		f.SeqFrom, f.SeqTo = from, to
		return nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("invalid id %q", part)
		}
		f.Seqs = append(f.Seqs, n)
	}
	if len(f.Seqs) == 0 {
		return fmt.Errorf("invalid id filter %q", s)
	}
	return nil
}
