package smtpwire

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		line, verb, arg string
	}{
		{"EHLO there", "EHLO", "there"},
		{"ehlo there", "EHLO", "there"},
		{"NOOP", "NOOP", ""},
		{"MAIL FROM:<a@b>  ", "MAIL", "FROM:<a@b>"},
		{"", "", ""},
	}

	for _, c := range cases {
		verb, arg := SplitCommand(c.line)
		if verb != c.verb || arg != c.arg {
			t.Errorf("SplitCommand(%q) = (%q, %q), want (%q, %q)",
				c.line, verb, arg, c.verb, c.arg)
		}
	}
}

func TestReadLineTooLong(t *testing.T) {
	raw := bytes.Repeat([]byte("a"), 600)
	raw = append(raw, '\r', '\n')
	raw = append(raw, []byte("QUIT\r\n")...)

	lr := NewLineReader(bufio.NewReader(bytes.NewReader(raw)), 100)
	_, err := lr.ReadLine()
	if err != ErrLineTooLong {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}

	// Framing must recover: the next line should read cleanly.
	line, err := lr.ReadLine()
	if err != nil || line != "QUIT" {
		t.Fatalf("expected clean recovery, got %q, %v", line, err)
	}
}

func TestReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := WriteReply(w, 250, "first line", "second line", "SIZE 12345"); err != nil {
		t.Fatal(err)
	}

	lr := NewLineReader(bufio.NewReader(&buf), 4096)
	reply, err := ReadReply(lr)
	if err != nil {
		t.Fatal(err)
	}

	want := Reply{Code: 250, Lines: []string{"first line", "second line", "SIZE 12345"}}
	if diff := cmp.Diff(want, reply); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}
}

func TestReadReplyInconsistentCode(t *testing.T) {
	raw := "250-first\r\n251 second\r\n"
	lr := NewLineReader(bufio.NewReader(bytes.NewReader([]byte(raw))), 4096)
	_, err := ReadReply(lr)
	if err == nil {
		t.Fatal("expected an error for inconsistent codes")
	}
}

func TestReadReplyBadSeparator(t *testing.T) {
	raw := "250+bad separator\r\n"
	lr := NewLineReader(bufio.NewReader(bytes.NewReader([]byte(raw))), 4096)
	_, err := ReadReply(lr)
	if err == nil {
		t.Fatal("expected an error for invalid separator")
	}
}

func TestReadReplyNonDigitCode(t *testing.T) {
	raw := "abc bad code\r\n"
	lr := NewLineReader(bufio.NewReader(bytes.NewReader([]byte(raw))), 4096)
	_, err := ReadReply(lr)
	if err == nil {
		t.Fatal("expected an error for a non-digit code")
	}
}

func TestReadReplyEOFMidReply(t *testing.T) {
	raw := "250-first\r\n"
	lr := NewLineReader(bufio.NewReader(bytes.NewReader([]byte(raw))), 4096)
	_, err := ReadReply(lr)
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}
