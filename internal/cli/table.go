package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"mog/internal/provenance"
	"mog/internal/store"
)

// defaultFormat is table on a terminal and json otherwise.
func defaultFormat(w io.Writer) string {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "table"
	}
	return "json"
}

func writeTable(w io.Writer, v any) error {
	t := table.New().Border(lipgloss.NormalBorder())
	switch recs := v.(type) {
	case []store.Execution:
		t.Headers("ID", "TYPE", "NAME", "STATE", "EXIT", "UPDATED", "COMMAND")
		for _, e := range recs {
			exit := ""
			if code, ok := e.Properties[provenance.PropExitCode]; ok {
				exit = strconv.FormatInt(code.Int, 10)
			}
			t.Row(idText(e.ID), e.TypeName, e.Name, string(e.State), exit, stamp(e.UpdatedAt), e.Properties[provenance.PropCommand].String)
		}
	case []store.Context:
		t.Headers("ID", "TYPE", "NAME", "CREATED")
		for _, c := range recs {
			t.Row(idText(c.ID), c.TypeName, c.Name, stamp(c.CreatedAt))
		}
	case []store.Artifact:
		t.Headers("ID", "TYPE", "NAME", "URI", "CREATED")
		for _, a := range recs {
			t.Row(idText(a.ID), a.TypeName, a.Name, a.URI, stamp(a.CreatedAt))
		}
	case []store.Event:
		t.Headers("ID", "EXECUTION", "ARTIFACT", "TYPE", "TIME")
		for _, e := range recs {
			t.Row(idText(e.ID), idText(e.ExecutionID), idText(e.ArtifactID), string(e.Type), stamp(e.Time))
		}
	default:
		return fmt.Errorf("no table layout for %T", v)
	}
	_, err := fmt.Fprintln(w, t.String())
	return err
}

func idText(n int64) string { return strconv.FormatInt(n, 10) }

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(time.DateTime)
}
