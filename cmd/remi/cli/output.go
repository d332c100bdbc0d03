package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Output formats.
const (
	formatJSON  = "json"
	formatTable = "table"
	formatPlain = "plain"
	formatMD    = "md"
)

func parseFormat(s string, allowed ...string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, a := range allowed {
		if s == a {
			return s, nil
		}
	}
	return "", usageErrorf(fmt.Errorf("invalid format %q (want %s)", s, strings.Join(allowed, "|")))
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// styles renders for one writer. Color is dropped when w is not a terminal.
type styles struct {
	header lipgloss.Style
	title  lipgloss.Style
	id     lipgloss.Style
	date   lipgloss.Style
	agent  lipgloss.Style
	count  lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		title:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		id:     r.NewStyle().Foreground(lipgloss.Color("240")),
		date:   r.NewStyle().Foreground(lipgloss.Color("243")),
		agent:  r.NewStyle().Foreground(lipgloss.Color("135")),
		count:  r.NewStyle().Foreground(lipgloss.Color("42")),
		ok:     r.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		warn:   r.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		bad:    r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
}

// table writes aligned columns. Cells may already be styled.
type table struct {
	tw *tabwriter.Writer
}

func newTable(w io.Writer, st styles, headers ...string) *table {
	t := &table{tw: tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)}
	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = st.header.Render(h)
	}
	t.row(cells...)
	return t
}

func (t *table) row(cells ...string) {
	fmt.Fprintln(t.tw, strings.Join(cells, "\t"))
}

func (t *table) flush() error { return t.tw.Flush() }

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// oneLine collapses whitespace and truncates s to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
