package report

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/nao1215/onionhost/internal/database"
)

// MarkdownWriter outputs reports in Markdown format.
// This format is designed for documentation and sharing.
//
// Design decision: We use the nao1215/markdown library for fluent markdown
// generation, which gives us tables, GitHub alerts and mermaid charts
// without hand-escaping.
type MarkdownWriter struct {
	baseWriter
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{baseWriter: newBaseWriter(output)}
}

// WriteStatus outputs the bootstrap result.
func (w *MarkdownWriter) WriteStatus(status *Status) (int, error) {
	md := markdown.NewMarkdown(w.output)

	md.H1("Onion Service Status")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Onion address", "`" + status.PublicAddress + "`"},
			{"Socks port", "`" + status.SocksAddr + "`"},
			{"Control port", "`" + status.ControlAddr + "`"},
			{"Tor PID", strconv.Itoa(status.PID)},
			{"Data directory", "`" + orDash(status.DataDir) + "`"},
			{"Generated", status.GeneratedAt.Format("2006-01-02 15:04:05 MST")},
		},
	})
	md.PlainText("")

	md.H2("Bootstrap Steps")
	md.PlainText("")
	md.BulletList(status.Steps...)
	md.PlainText("")

	if status.Check != nil {
		w.writeCheck(md, status.Check)
	} else {
		md.Note("The SOCKS listener was not verified. Run `onionhost check` to test it.")
		md.PlainText("")
	}

	w.writeFooter(md)
	return len(md.String()), md.Build()
}

// WriteCheck outputs a proxy verification.
func (w *MarkdownWriter) WriteCheck(check *ProxyCheck) (int, error) {
	md := markdown.NewMarkdown(w.output)
	md.H1("Proxy Check")
	md.PlainText("")
	w.writeCheck(md, check)
	w.writeFooter(md)
	return len(md.String()), md.Build()
}

func (w *MarkdownWriter) writeCheck(md *markdown.Markdown, check *ProxyCheck) {
	md.H2("Proxy Verification")
	md.PlainText("")

	rows := [][]string{
		{"Socks port", "`" + check.SocksAddr + "`"},
		{"Proxy status", check.Status},
	}
	if check.FetchURL != "" {
		fetch := strconv.Itoa(check.FetchStatus) + " in " + check.FetchElapsed.Round(time.Millisecond).String()
		if check.FetchError != "" {
			fetch = "failed: " + check.FetchError
		}
		rows = append(rows, []string{"Fetch " + check.FetchURL, fetch})
	}
	md.Table(markdown.TableSet{Header: []string{"Check", "Result"}, Rows: rows})
	md.PlainText("")

	switch {
	case !check.OK:
		md.Cautionf("The listener at %s is not a usable Tor SOCKS proxy (%s).", check.SocksAddr, check.Status)
	case check.FetchError != "":
		md.Warningf("The proxy answered but the request through it failed: %s", check.FetchError)
	default:
		md.Tip("The SOCKS listener is a working Tor proxy.")
	}
	md.PlainText("")
}

// WriteHistory outputs a table of runs and their outcome distribution.
func (w *MarkdownWriter) WriteHistory(runs []*database.RunRecord) (int, error) {
	md := markdown.NewMarkdown(w.output)

	md.H1("Bootstrap History")
	md.PlainText("")

	if len(runs) == 0 {
		md.PlainText("No runs recorded.")
		md.PlainText("")
		w.writeFooter(md)
		return len(md.String()), md.Build()
	}

	rows := make([][]string, len(runs))
	counts := map[database.RunStatus]uint64{}
	for i, run := range runs {
		counts[run.Status()]++
		rows[i] = []string{
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			statusIcon(run.Status()) + " " + string(run.Status()),
			formatDuration(run),
			orDash(run.FailedStep),
			"`" + truncateString(orDash(run.OnionAddress), 62) + "`",
			truncateString(orDash(run.Error), 60),
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Started", "Status", "Duration", "Failed step", "Onion address", "Error"},
		Rows:   rows,
	})
	md.PlainText("")

	if len(counts) > 1 {
		chart := piechart.NewPieChart(
			io.Discard,
			piechart.WithTitle("Run Outcomes"),
			piechart.WithShowData(true),
		)
		for _, status := range []database.RunStatus{
			database.RunStatusSucceeded,
			database.RunStatusFailed,
			database.RunStatusRunning,
		} {
			if counts[status] > 0 {
				chart.LabelAndIntValue(capitalize(string(status)), counts[status])
			}
		}
		md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
		md.PlainText("")
	}

	if latest := runs[0]; latest.Status() == database.RunStatusFailed {
		md.Warningf("The latest run failed at step %q: %s", latest.FailedStep, latest.Error)
		md.PlainText("")
	}

	w.writeFooter(md)
	return len(md.String()), md.Build()
}

// writeFooter writes the report footer.
func (w *MarkdownWriter) writeFooter(md *markdown.Markdown) {
	md.HorizontalRule()
	md.PlainText("")
	md.PlainTextf("*Report generated by [onionhost](https://github.com/nao1215/onionhost)*")
}

func statusIcon(status database.RunStatus) string {
	switch status {
	case database.RunStatusSucceeded:
		return "✅"
	case database.RunStatusFailed:
		return "❌"
	default:
		return "⏳"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
