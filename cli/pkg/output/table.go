package output

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"vmgate/core/domain"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

// Table aligns rows into columns. Colour escapes are counted as width by
// tabwriter, so coloured cells belong in the last column.
type Table struct {
	w *tabwriter.Writer
}

func NewTable(out io.Writer, headers ...string) *Table {
	t := &Table{w: tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)}
	if len(headers) > 0 {
		t.Row(toAny(headers)...)
	}
	return t
}

func (t *Table) Row(cells ...any) {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = fmt.Sprint(c)
	}
	fmt.Fprintln(t.w, strings.Join(parts, "\t"))
}

func (t *Table) Flush() error {
	return t.w.Flush()
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// VMState colours a VM state by its category
func VMState(state domain.VMState) string {
	switch state.Category() {
	case domain.VMRunning:
		return green(string(state))
	case domain.VMStopped:
		return red(string(state))
	default:
		return yellow(string(state))
	}
}

// AgentStatus colours an agent liveness state
func AgentStatus(status domain.AgentStatus) string {
	if status == domain.AgentOnline {
		return green(string(status))
	}
	return red(string(status))
}

// Result renders a success flag as a coloured word
func Result(success bool) string {
	if success {
		return green("ok")
	}
	return red("failed")
}

// OrDash substitutes "-" for empty cells
func OrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
