package control

import (
	"net/textproto"
	"strings"
	"testing"

	bine "github.com/cretz/bine/control"
)

func TestReplyLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp *bine.Response
		want []ReplyLine
	}{
		{
			name: "single line",
			resp: &bine.Response{Err: &textproto.Error{Code: 250, Msg: "OK"}, Reply: "OK"},
			want: []ReplyLine{{StatusCode: 250, Data: "OK"}},
		},
		{
			name: "mid lines",
			resp: &bine.Response{
				Err:   &textproto.Error{Code: 250, Msg: "OK"},
				Reply: "OK",
				Data:  []string{"ServiceID=abc", "PrivateKey=ED25519-V3:xyz"},
			},
			want: []ReplyLine{
				{StatusCode: 250, Data: "ServiceID=abc", Continued: true},
				{StatusCode: 250, Data: "PrivateKey=ED25519-V3:xyz", Continued: true},
				{StatusCode: 250, Data: "OK"},
			},
		},
		{
			name: "rejection",
			resp: &bine.Response{Err: &textproto.Error{Code: 552, Msg: `Unrecognized key "x"`}, Reply: `Unrecognized key "x"`},
			want: []ReplyLine{{StatusCode: 552, Data: `Unrecognized key "x"`}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := replyLines(tt.resp)
			if len(got) != len(tt.want) {
				t.Fatalf("replyLines() returned %d lines, want %d: %v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("line %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestReplyLineString(t *testing.T) {
	t.Parallel()

	if got := (ReplyLine{StatusCode: 250, Data: "version=1", Continued: true}).String(); got != "250-version=1" {
		t.Errorf("String() = %q", got)
	}
	if got := (ReplyLine{StatusCode: 250, Data: "OK"}).String(); got != "250 OK" {
		t.Errorf("String() = %q", got)
	}
}

func TestBlockValueAndUnquote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: `"127.0.0.1:9150"`, want: "127.0.0.1:9150"},
		{in: "\r\nabc\r\ndef\r\n", want: "abc\r\ndef"},
		{in: "\nabc", want: "abc"},
		{in: `"unterminated`, want: `"unterminated`},
	}
	for _, tt := range tests {
		if got := unquote(blockValue(tt.in)); got != tt.want {
			t.Errorf("unquote(blockValue(%q)) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReplyErrorMessage(t *testing.T) {
	t.Parallel()

	err := &ReplyError{Code: StatusBadAuthentication, Message: "Authentication failed"}
	if !strings.Contains(err.Error(), "515") {
		t.Errorf("Error() = %q, want status code", err.Error())
	}
}
