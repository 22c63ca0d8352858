package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nao1215/onionhost/internal/database"
)

// SimpleWriter outputs human-readable text.
//
// The first two lines of a status are always
//
//	Onion address: <address>:<port>
//	Socks port: <ip>:<port>
//
// so scripts can grep them; verbose mode adds the daemon details below.
type SimpleWriter struct {
	baseWriter

	// verbose enables additional detail in the output.
	verbose bool
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithVerbose enables verbose output with additional details.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{baseWriter: newBaseWriter(output)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WriteStatus outputs the bootstrap result.
func (w *SimpleWriter) WriteStatus(status *Status) (int, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Onion address: %s\n", status.PublicAddress)
	fmt.Fprintf(&sb, "Socks port: %s\n", status.SocksAddr)

	if w.verbose {
		fmt.Fprintf(&sb, "Control port: %s\n", status.ControlAddr)
		fmt.Fprintf(&sb, "Tor PID: %d\n", status.PID)
		fmt.Fprintf(&sb, "Data directory: %s\n", status.DataDir)
		fmt.Fprintf(&sb, "Steps: %s\n", strings.Join(status.Steps, " -> "))
	}
	if status.Check != nil {
		w.writeCheck(&sb, status.Check)
	}

	return w.output.Write([]byte(sb.String()))
}

// WriteCheck outputs a proxy verification.
func (w *SimpleWriter) WriteCheck(check *ProxyCheck) (int, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Socks port: %s\n", check.SocksAddr)
	w.writeCheck(&sb, check)
	return w.output.Write([]byte(sb.String()))
}

func (w *SimpleWriter) writeCheck(sb *strings.Builder, check *ProxyCheck) {
	fmt.Fprintf(sb, "Proxy: %s\n", check.Status)
	switch {
	case check.FetchError != "":
		fmt.Fprintf(sb, "Fetch: %s failed: %s\n", check.FetchURL, check.FetchError)
	case check.FetchURL != "":
		fmt.Fprintf(sb, "Fetch: %s -> %d in %s\n",
			check.FetchURL, check.FetchStatus, check.FetchElapsed.Round(time.Millisecond))
	}
}

// WriteHistory outputs one line per run.
func (w *SimpleWriter) WriteHistory(runs []*database.RunRecord) (int, error) {
	var sb strings.Builder

	if len(runs) == 0 {
		sb.WriteString("No runs recorded\n")
		return w.output.Write([]byte(sb.String()))
	}

	fmt.Fprintf(&sb, "%-20s  %-9s  %-10s  %-12s  %s\n", "STARTED", "STATUS", "DURATION", "FAILED STEP", "ONION ADDRESS")
	sb.WriteString(strings.Repeat("-", 110))
	sb.WriteString("\n")

	for _, run := range runs {
		fmt.Fprintf(&sb, "%-20s  %-9s  %-10s  %-12s  %s\n",
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.Status(),
			formatDuration(run),
			orDash(run.FailedStep),
			orDash(run.OnionAddress),
		)
		if w.verbose {
			fmt.Fprintf(&sb, "    id=%s socks=%s control=%s pid=%d\n",
				run.ID, orDash(run.SocksAddr), orDash(run.ControlAddr), run.PID)
			if run.Error != "" {
				fmt.Fprintf(&sb, "    error: %s\n", run.Error)
			}
		}
	}
	return w.output.Write([]byte(sb.String()))
}

// formatDuration renders a run's duration, or "-" while it is running.
func formatDuration(run *database.RunRecord) string {
	if run.FinishedAt.IsZero() {
		return "-"
	}
	return run.Duration().Round(time.Millisecond).String()
}
