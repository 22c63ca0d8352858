package report

import (
	"errors"
	"fmt"
	"io"

	"github.com/nao1215/onionhost/internal/database"
)

// Writer defines the interface for report output.
//
// Design decision: We use an interface to allow different output formats
// and destinations. The CLI picks one with --format and the same call
// sites serve all of them.
type Writer interface {
	// WriteStatus outputs the result of a bootstrap.
	WriteStatus(status *Status) (int, error)

	// WriteCheck outputs the result of a proxy verification.
	WriteCheck(check *ProxyCheck) (int, error)

	// WriteHistory outputs recorded runs, newest first.
	WriteHistory(runs []*database.RunRecord) (int, error)
}

// Format names an output format.
type Format string

const (
	// FormatText is the human-readable default.
	FormatText Format = "text"
	// FormatJSON is machine-readable output.
	FormatJSON Format = "json"
	// FormatMarkdown is Markdown output.
	FormatMarkdown Format = "markdown"
)

// Formats lists the supported formats.
func Formats() []Format {
	return []Format{FormatText, FormatJSON, FormatMarkdown}
}

// NewWriter returns the writer for format, or ErrUnknownFormat.
func NewWriter(format Format, output io.Writer, verbose bool) (Writer, error) {
	switch format {
	case FormatText, "":
		return NewSimpleWriter(output, WithVerbose(verbose)), nil
	case FormatJSON:
		return NewJSONWriter(output, WithPrettyPrint()), nil
	case FormatMarkdown:
		return NewMarkdownWriter(output), nil
	default:
		return nil, fmt.Errorf("%w %q (want text, json or markdown)", ErrUnknownFormat, format)
	}
}

// ErrUnknownFormat is returned by NewWriter for an unsupported format.
var ErrUnknownFormat = errors.New("unknown report format")

// MultiWriter writes to multiple Writers in turn and stops on the first error.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a Writer that writes to all provided Writers.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// WriteStatus outputs the status to all Writers.
func (m *MultiWriter) WriteStatus(status *Status) (int, error) {
	return m.each(func(w Writer) (int, error) { return w.WriteStatus(status) })
}

// WriteCheck outputs the check to all Writers.
func (m *MultiWriter) WriteCheck(check *ProxyCheck) (int, error) {
	return m.each(func(w Writer) (int, error) { return w.WriteCheck(check) })
}

// WriteHistory outputs the runs to all Writers.
func (m *MultiWriter) WriteHistory(runs []*database.RunRecord) (int, error) {
	return m.each(func(w Writer) (int, error) { return w.WriteHistory(runs) })
}

func (m *MultiWriter) each(write func(Writer) (int, error)) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := write(w)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// baseWriter provides common functionality for report writers.
type baseWriter struct {
	output io.Writer
}

// newBaseWriter creates a baseWriter with the given output destination.
func newBaseWriter(output io.Writer) baseWriter {
	return baseWriter{output: output}
}

// truncateString truncates a string to maxLen bytes with ellipsis.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// orDash returns "-" for an empty string.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
