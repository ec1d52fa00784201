package algochat

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseGroupPrefix(t *testing.T) {
	tests := []struct {
		in    string
		index int
		total int
		body  string
		ok    bool
	}{
		{"[GRP:3/7]body", 3, 7, "body", true},
		{"[GRP:1/1]", 1, 1, "", true},
		{"plain text", 0, 0, "", false},
		{"[GRP:0/3]x", 0, 0, "", false},
		{"[GRP:4/3]x", 0, 0, "", false},
		{"[grp:1/2]x", 0, 0, "", false},
		{" [GRP:1/2]x", 0, 0, "", false},
	}
	for _, tt := range tests {
		got, ok := ParseGroupPrefix(tt.in)
		if ok != tt.ok {
			t.Errorf("ParseGroupPrefix(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && (got.Index != tt.index || got.Total != tt.total || got.Body != tt.body) {
			t.Errorf("ParseGroupPrefix(%q) = %+v", tt.in, got)
		}
	}
}

func TestSplitReassembleRoundTrip(t *testing.T) {
	texts := []string{
		"short",
		strings.Repeat("line one\nline two\n", 500),
		strings.Repeat("nospaceatall", 600),
		strings.Repeat("wörds with ümlauts ", 400),
		string(bytes.Repeat([]byte("x"), 100*1024)),
	}
	for _, text := range texts {
		chunks := SplitMessage(text, MaxGroupChunk)
		for i, c := range chunks {
			if len(c) > MaxGroupChunk {
				t.Fatalf("chunk %d is %d bytes", i, len(c))
			}
		}
		tagged := TagChunks(chunks)
		parsed := make(map[int]string, len(tagged))
		total := 0
		for _, tc := range tagged {
			g, ok := ParseGroupPrefix(tc)
			if !ok {
				t.Fatalf("tagged chunk did not parse: %q", tc[:20])
			}
			parsed[g.Index] = g.Body
			total = g.Total
		}
		got, ok := ReassembleGroup(parsed, total)
		if !ok || got != text {
			t.Fatalf("round trip failed for %d-byte text (ok=%v)", len(text), ok)
		}
	}
}

func TestSplitPrefersNewlineBoundaries(t *testing.T) {
	text := strings.Repeat("a", 500) + "\n" + strings.Repeat("b", 700)
	chunks := SplitMessage(text, 800)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Fatal("first chunk should end at the newline")
	}
	if strings.Join(chunks, "") != text {
		t.Fatal("concatenation must reproduce input")
	}
}

func TestSplitNeverBreaksRunes(t *testing.T) {
	text := strings.Repeat("é", 600) // 2 bytes each
	for _, c := range SplitMessage(text, 801) {
		if !strings.HasPrefix(text, c) && !strings.Contains(text, c) {
			t.Fatal("chunk is not a substring")
		}
		for _, r := range c {
			if r == '�' {
				t.Fatal("chunk split a rune")
			}
		}
	}
}

func TestReassembleRejectsGaps(t *testing.T) {
	if _, ok := ReassembleGroup(map[int]string{1: "a", 3: "c"}, 3); ok {
		t.Fatal("gap should not reassemble")
	}
	if _, ok := ReassembleGroup(map[int]string{1: "a", 2: "b"}, 3); ok {
		t.Fatal("short set should not reassemble")
	}
}

func TestTruncateBytes(t *testing.T) {
	if got := TruncateBytes("hello", 10); got != "hello" {
		t.Fatalf("got %q", got)
	}
	got := TruncateBytes(strings.Repeat("é", 10), 5)
	if len(got) != 4 { // 2-byte runes, can't end mid-rune
		t.Fatalf("len = %d", len(got))
	}
}

func TestPSKInviteURIRoundTrip(t *testing.T) {
	inv := PSKInvite{
		Address: "MAINADDR7777",
		PSK:     []byte{0x01, 0x02, 0xff, 0xfe},
		Label:   "my phone",
		Network: "testnet",
	}
	uri := inv.URI()
	if !strings.HasPrefix(uri, "algochat-psk://v1?") {
		t.Fatalf("uri = %q", uri)
	}
	got, err := ParsePSKURI(uri)
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != inv.Address || got.Label != inv.Label ||
		got.Network != inv.Network || !bytes.Equal(got.PSK, inv.PSK) {
		t.Fatalf("round trip = %+v", got)
	}
}

func TestParsePSKURIRejectsJunk(t *testing.T) {
	for _, s := range []string{"http://v1?addr=x&psk=AQ", "algochat-psk://v2?addr=x&psk=AQ", "algochat-psk://v1?addr=x"} {
		if _, err := ParsePSKURI(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
}

func TestParseApprovalResponse(t *testing.T) {
	tests := []struct {
		in       string
		shortID  string
		decision string
		ok       bool
	}{
		{"approve a1b2c3", "a1b2c3", "allow", true},
		{"DENY A1B2C3", "a1b2c3", "deny", true},
		{"a1b2c3 yes", "a1b2c3", "allow", true},
		{"no ffffff", "ffffff", "deny", true},
		{"approve", "", "", false},
		{"approve notanid", "", "", false},
		{"hello there", "", "", false},
	}
	for _, tt := range tests {
		id, decision, ok := parseApprovalResponse(tt.in)
		if ok != tt.ok || id != tt.shortID || (ok && decision != tt.decision) {
			t.Errorf("parseApprovalResponse(%q) = (%q, %q, %v)", tt.in, id, decision, ok)
		}
	}
}
