package control

import (
	"strconv"
	"strings"

	bine "github.com/cretz/bine/control"
)

// ReplyLine is one line of a control protocol reply.
//
// A command's full reply is a sequence of ReplyLines in which every line but
// the last is Continued. Data blocks ("250+key=" followed by a
// dot-terminated block) arrive as a single line whose Data holds the block
// after the "key=" prefix.
type ReplyLine struct {
	// StatusCode is the three digit status, e.g. 250 or 650.
	StatusCode int

	// Data is the text after the separator.
	Data string

	// Continued is true for every line except the reply's last.
	Continued bool
}

// String renders the line roughly as it appeared on the wire.
func (l ReplyLine) String() string {
	sep := " "
	if l.Continued {
		sep = "-"
	}
	return strconv.Itoa(l.StatusCode) + sep + l.Data
}

// replyLines flattens a parsed response into lines. The status code is
// shared by every line of a reply.
func replyLines(resp *bine.Response) []ReplyLine {
	code := 0
	if resp.Err != nil {
		code = resp.Err.Code
	}
	lines := make([]ReplyLine, 0, len(resp.Data)+1)
	for _, data := range resp.Data {
		lines = append(lines, ReplyLine{StatusCode: code, Data: data, Continued: true})
	}
	return append(lines, ReplyLine{StatusCode: code, Data: resp.Reply})
}

// blockValue strips the line break that separates a data block from its
// "key=" prefix, and the trailing one.
func blockValue(value string) string {
	value = strings.TrimPrefix(value, "\r\n")
	value = strings.TrimPrefix(value, "\n")
	return strings.TrimRight(value, "\r\n")
}

// unquote strips one pair of surrounding double quotes, if present.
func unquote(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		return value[1 : len(value)-1]
	}
	return value
}
