package report

import (
	"encoding/json"
	"io"

	"github.com/nao1215/onionhost/internal/database"
)

// JSONWriter outputs reports in JSON format.
// This format is designed for tool integration and programmatic processing.
//
// Design decision: We use standard encoding/json rather than a third-party
// JSON library because the documents are small and no library in our
// dependency set adds anything for them.
type JSONWriter struct {
	baseWriter

	// indent enables pretty-printed JSON output.
	// When false, output is compact (no extra whitespace).
	indent bool

	// indentPrefix is the prefix for each line in indented output.
	indentPrefix string

	// indentString is the indentation string (typically "  " or "\t").
	indentString string
}

// JSONWriterOption configures a JSONWriter.
type JSONWriterOption func(*JSONWriter)

// WithIndent enables pretty-printed JSON output.
// The prefix is prepended to each line, and indent is used for each level.
func WithIndent(prefix, indent string) JSONWriterOption {
	return func(w *JSONWriter) {
		w.indent = true
		w.indentPrefix = prefix
		w.indentString = indent
	}
}

// WithPrettyPrint enables pretty-printed JSON with default indentation.
func WithPrettyPrint() JSONWriterOption {
	return WithIndent("", "  ")
}

// NewJSONWriter creates a JSONWriter that outputs to the given writer.
func NewJSONWriter(output io.Writer, opts ...JSONWriterOption) *JSONWriter {
	w := &JSONWriter{baseWriter: newBaseWriter(output)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WriteStatus outputs the status object.
func (w *JSONWriter) WriteStatus(status *Status) (int, error) {
	return w.writeJSON(status)
}

// WriteCheck outputs the check object.
func (w *JSONWriter) WriteCheck(check *ProxyCheck) (int, error) {
	return w.writeJSON(check)
}

// jsonRun is the JSON shape of a database.RunRecord.
type jsonRun struct {
	ID           string   `json:"id"`
	Status       string   `json:"status"`
	OnionAddress string   `json:"onion_address,omitempty"`
	SocksAddr    string   `json:"socks_addr,omitempty"`
	ControlAddr  string   `json:"control_addr,omitempty"`
	PID          int      `json:"pid,omitempty"`
	StartedAt    string   `json:"started_at"`
	FinishedAt   string   `json:"finished_at,omitempty"`
	FailedStep   string   `json:"failed_step,omitempty"`
	Error        string   `json:"error,omitempty"`
	Steps        []string `json:"steps"`
}

// WriteHistory outputs the runs as an array.
func (w *JSONWriter) WriteHistory(runs []*database.RunRecord) (int, error) {
	out := make([]jsonRun, 0, len(runs))
	for _, run := range runs {
		r := jsonRun{
			ID:           run.ID.String(),
			Status:       string(run.Status()),
			OnionAddress: run.OnionAddress,
			SocksAddr:    run.SocksAddr,
			ControlAddr:  run.ControlAddr,
			PID:          run.PID,
			StartedAt:    run.StartedAt.Format(timeFormatJSON),
			FailedStep:   run.FailedStep,
			Error:        run.Error,
			Steps:        run.Steps,
		}
		if !run.FinishedAt.IsZero() {
			r.FinishedAt = run.FinishedAt.Format(timeFormatJSON)
		}
		if r.Steps == nil {
			r.Steps = []string{}
		}
		out = append(out, r)
	}
	return w.writeJSON(out)
}

// timeFormatJSON is RFC 3339 with nanoseconds.
const timeFormatJSON = "2006-01-02T15:04:05.999999999Z07:00"

// writeJSON marshals the given value to JSON and writes it to the output.
func (w *JSONWriter) writeJSON(v any) (int, error) {
	var data []byte
	var err error

	if w.indent {
		data, err = json.MarshalIndent(v, w.indentPrefix, w.indentString)
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return 0, err
	}

	// Add trailing newline for better terminal output
	data = append(data, '\n')
	return w.output.Write(data)
}
