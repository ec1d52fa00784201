// Package algochat bridges the session system onto an append-only
// payment chain with encrypted notes: ingress dedup and group
// reassembly, slash commands, conversation routing, chunked egress
// under a daily fee budget, and PSK contact discovery.
package algochat

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Envelope byte limits. A note carries MaxPayload bytes of ciphertext;
// the authenticated tag eats TagSize of it. Group chunks additionally
// reserve room for the worst-case "[GRP:iii/NNN]" ASCII prefix.
const (
	MaxPayload        = 1024
	TagSize           = 16
	groupPrefixBudget = 13

	// MaxPlaintext is the largest plaintext a single envelope can carry.
	MaxPlaintext = MaxPayload - TagSize
	// MaxGroupChunk is the per-chunk plaintext budget inside a group.
	MaxGroupChunk = MaxPlaintext - groupPrefixBudget

	// fallbackLimit bounds the truncated single-transaction fallback.
	fallbackLimit = 850

	// pskChunkMax is the per-chunk budget on the pre-shared-key channel.
	pskChunkMax = 800
)

var groupPrefixRe = regexp.MustCompile(`^\[GRP:(\d+)/(\d+)\]`)

// GroupChunk is one parsed member of an atomic group message.
type GroupChunk struct {
	Index int // 1-based
	Total int
	Body  string
}

// ParseGroupPrefix strips and decodes a leading [GRP:i/N] tag. ok is
// false for plain (non-group) content.
func ParseGroupPrefix(content string) (GroupChunk, bool) {
	m := groupPrefixRe.FindStringSubmatch(content)
	if m == nil {
		return GroupChunk{}, false
	}
	index, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || index < 1 || total < 1 || index > total {
		return GroupChunk{}, false
	}
	return GroupChunk{Index: index, Total: total, Body: content[len(m[0]):]}, true
}

// TagChunks prefixes each chunk with its [GRP:i/N] tag in natural order.
func TagChunks(chunks []string) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = fmt.Sprintf("[GRP:%d/%d]", i+1, len(chunks)) + c
	}
	return out
}

// SplitMessage cuts text into chunks of at most budget bytes, breaking
// at newline boundaries where possible, then at spaces, then at rune
// boundaries. Concatenating the chunks reproduces the input exactly.
func SplitMessage(text string, budget int) []string {
	if budget <= 0 || len(text) <= budget {
		return []string{text}
	}
	var chunks []string
	rest := text
	for len(rest) > budget {
		cut := breakPoint(rest, budget)
		chunks = append(chunks, rest[:cut])
		rest = rest[cut:]
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// breakPoint picks the cut offset for the next chunk: the last newline
// within budget, else the last space, else the last rune boundary.
func breakPoint(s string, budget int) int {
	window := s[:budget]
	if i := strings.LastIndexByte(window, '\n'); i > 0 {
		return i + 1 // keep the newline with the leading chunk
	}
	if i := strings.LastIndexByte(window, ' '); i > 0 {
		return i + 1
	}
	cut := budget
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		cut = budget
	}
	return cut
}

// ReassembleGroup joins a complete chunk set in index order. ok is
// false unless indices 1..total are all present exactly.
func ReassembleGroup(chunks map[int]string, total int) (string, bool) {
	if total < 1 || len(chunks) != total {
		return "", false
	}
	var sb strings.Builder
	for i := 1; i <= total; i++ {
		body, present := chunks[i]
		if !present {
			return "", false
		}
		sb.WriteString(body)
	}
	return sb.String(), true
}

// TruncateBytes cuts s to at most max encoded bytes without splitting a
// rune.
func TruncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// PSKInvite is the out-of-band key-exchange payload.
type PSKInvite struct {
	Address string
	PSK     []byte
	Label   string
	Network string
}

const pskURIScheme = "algochat-psk"

// URI renders the exchange URI:
// algochat-psk://v1?addr={address}&psk={base64url}&label={urlenc}&network={network}
func (i PSKInvite) URI() string {
	q := url.Values{}
	q.Set("addr", i.Address)
	q.Set("psk", base64.RawURLEncoding.EncodeToString(i.PSK))
	if i.Label != "" {
		q.Set("label", i.Label)
	}
	q.Set("network", i.Network)
	return pskURIScheme + "://v1?" + q.Encode()
}

// ParsePSKURI decodes an exchange URI produced by URI.
func ParsePSKURI(s string) (PSKInvite, error) {
	u, err := url.Parse(s)
	if err != nil {
		return PSKInvite{}, fmt.Errorf("parse psk uri: %w", err)
	}
	if u.Scheme != pskURIScheme || u.Host != "v1" {
		return PSKInvite{}, fmt.Errorf("unsupported psk uri %q", s)
	}
	q := u.Query()
	psk, err := base64.RawURLEncoding.DecodeString(q.Get("psk"))
	if err != nil {
		return PSKInvite{}, fmt.Errorf("psk uri key: %w", err)
	}
	inv := PSKInvite{
		Address: q.Get("addr"),
		PSK:     psk,
		Label:   q.Get("label"),
		Network: q.Get("network"),
	}
	if inv.Address == "" || len(inv.PSK) == 0 {
		return PSKInvite{}, fmt.Errorf("psk uri missing addr or psk")
	}
	return inv, nil
}
