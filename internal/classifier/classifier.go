// Package classifier finds proxy URIs and subscription links in free text.
package classifier

import (
	"encoding/base64"
	"iter"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
)

type rule struct {
	protocol catalog.Protocol
	pattern  *regexp.Regexp
}

// tail matches the optional query and fragment that most URI forms carry.
const tail = `#?[^\s<>"]*`

// Scanned in this order. The leading \b keeps ss:// from firing inside
// vless:// and similar longer schemes.
var rules = []rule{
	{catalog.ProtocolSS, regexp.MustCompile(
		`(?i)\bss://[a-zA-Z0-9+/=]{20,}(?:#[^\s<>"]+)?|\bss://[^\s:@]+:[^\s:@]+@[^\s:@]+:[0-9]+(?:#[^\s<>"]+)?`)},
	{catalog.ProtocolSSR, regexp.MustCompile(`(?i)\bssr://[a-zA-Z0-9+/=_-]{50,}(?:#[^\s<>"]+)?`)},
	{catalog.ProtocolVMess, regexp.MustCompile(`(?i)\bvmess://[a-zA-Z0-9+/=]{100,}`)},
	{catalog.ProtocolVLESS, regexp.MustCompile(`(?i)\bvless://[a-f0-9-]+@[^\s:@]+:[0-9]+\?[^\s]+` + tail)},
	{catalog.ProtocolTrojan, regexp.MustCompile(`(?i)\btrojan://[a-zA-Z0-9+/=]+@[^\s:@]+:[0-9]+\?[^\s]+` + tail)},
	{catalog.ProtocolTUIC, regexp.MustCompile(`(?i)\btuic://[a-f0-9-]+:[^\s:@]+@[^\s:@]+:[0-9]+\?[^\s]+` + tail)},
	{catalog.ProtocolHysteria2, regexp.MustCompile(`(?i)\b(?:hysteria2|hy2)://[a-zA-Z0-9-]+@[^\s:@]+:[0-9]+\?[^\s]+` + tail)},
	{catalog.ProtocolHysteria, regexp.MustCompile(`(?i)\bhysteria://[^\s:@]+:[0-9]+\?[^\s]+` + tail)},
	{catalog.ProtocolWireGuard, regexp.MustCompile(
		`(?i)\bwireguard://[a-zA-Z0-9+/=]{50,}|\bwireguard://[^\s]+\?[^\s]+` + tail)},
	{catalog.ProtocolSSH, regexp.MustCompile(`(?i)\bssh://[^\s:@]+@[^\s:@]+:[0-9]+(?:#[^\s<>"]+)?`)},
	{catalog.ProtocolClashSub, regexp.MustCompile(`(?i)\bhttps?://[^\s<>"]+\.(?:yaml|yml)(?:\?[^\s<>"]+)?`)},
	{catalog.ProtocolSingBoxSub, regexp.MustCompile(`(?i)\bhttps?://[^\s<>"]+\.json(?:\?[^\s<>"]+)?`)},
}

const trailing = `)]},;.'"`

// minEncodedLen is the shortest whitespace-stripped document worth a
// base64 decode attempt; the same prefix length must be pure alphabet.
const minEncodedLen = 20

// Classify yields every candidate found in text: plain matches first, then
// matches from a single base64 decode of the whole document when it looks
// encoded. Each range over the returned sequence scans again.
func Classify(text string) iter.Seq[catalog.Candidate] {
	return func(yield func(catalog.Candidate) bool) {
		if !scan(text, yield) {
			return
		}
		if decoded, ok := decodeDocument(text); ok {
			scan(decoded, yield)
		}
	}
}

// Collect gathers the candidates of Classify into a slice.
func Collect(text string) []catalog.Candidate {
	return slices.Collect(Classify(text))
}

// scan reports false when the consumer stopped early.
func scan(text string, yield func(catalog.Candidate) bool) bool {
	for _, r := range rules {
		for _, loc := range r.pattern.FindAllStringIndex(text, -1) {
			url := strings.TrimRight(text[loc[0]:loc[1]], trailing)
			if url == "" {
				continue
			}
			if !yield(catalog.Candidate{URL: url, Protocol: r.protocol}) {
				return false
			}
		}
	}
	return true
}

func decodeDocument(text string) (string, bool) {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
	if len(compact) <= minEncodedLen {
		return "", false
	}
	for i := 0; i < minEncodedLen; i++ {
		if !isBase64Char(compact[i]) {
			return "", false
		}
	}
	raw, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(compact, "="))
		if err != nil {
			return "", false
		}
	}
	return strings.ToValidUTF8(string(raw), ""), true
}

func isBase64Char(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '+', c == '/', c == '=':
		return true
	}
	return false
}
