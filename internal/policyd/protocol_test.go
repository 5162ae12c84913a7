package policyd

import (
	"bufio"
	"strings"
	"testing"
)

func TestParseRequestTerminatesOnBlankLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("sender=a@b\nrecipient=c@d\n\n"))
	values, err := ParseRequest(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if values["sender"] != "a@b" || values["recipient"] != "c@d" {
		t.Fatalf("unexpected values: %+v", values)
	}
}

func TestParseRequestTerminatesOnEOF(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("sender=a@b\nrecipient=c@d\n"))
	values, err := ParseRequest(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("unexpected values: %+v", values)
	}
}

func TestParseRequestMalformedLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("not-a-key-value-line\n\n"))
	if _, err := ParseRequest(r); err == nil {
		t.Fatal("expected an error for a malformed line")
	}
}

func TestParseRequestTruncatedMidLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("sender=a@b"))
	if _, err := ParseRequest(r); err == nil {
		t.Fatal("expected an error for a connection cut off mid-line")
	}
}

func TestFormatResponse(t *testing.T) {
	if got := FormatResponse(Verdict{Action: Dunno}); got != "action=dunno\n\n" {
		t.Fatalf("got %q", got)
	}
	if got := FormatResponse(Verdict{Action: Defer, Argument: "invalid sender or recipient address"}); got != "action=defer invalid sender or recipient address\n\n" {
		t.Fatalf("got %q", got)
	}
}

func TestStripAddress(t *testing.T) {
	cases := map[string]string{
		"<foo@example.com>":  "foo@example.com",
		"foo@example.com":    "foo@example.com",
		"rfc822:foo@bar.com": "foo@bar.com",
		"  <a@b>  ":          "a@b",
	}
	for in, want := range cases {
		if got := StripAddress(in); got != want {
			t.Errorf("StripAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractDomain(t *testing.T) {
	domain, err := ExtractDomain("foo@example.com")
	if err != nil || domain != "example.com" {
		t.Fatalf("got (%q, %v)", domain, err)
	}
	if _, err := ExtractDomain("no-at-sign"); err == nil {
		t.Fatal("expected error for address without '@'")
	}
	if _, err := ExtractDomain(""); err == nil {
		t.Fatal("expected error for empty address")
	}
}
