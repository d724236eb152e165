package scanner

import (
	"encoding/base64"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// zeroWidthRunes are characters attackers use to split or hide tokens from
// naive substring matching.
var zeroWidthRunes = []rune{
	'​', // zero width space
	'‌', // zero width non-joiner
	'‍', // zero width joiner
	'⁠', // word joiner
	'﻿', // zero width no-break space / BOM
}

// base64Pattern finds base64-looking substrings of at least 40 characters,
// the threshold named in spec.md §4.4's normalisation pass.
var base64Pattern = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)

// suspiciousKeywords is the small list checked against decoded base64
// payloads, per spec.md §4.4.
var suspiciousKeywords = []string{
	"ignore previous", "ignore all previous", "disregard the above",
	"system prompt", "you are now", "jailbreak", "rm -rf", "/etc/passwd",
	"curl ", "wget ", "base64 -d", "eval(", "exec(",
}

// Normalize applies the three-pass normalisation named in spec.md §4.4:
// Unicode NFKC composition (folds fullwidth forms to ASCII), zero-width
// character stripping, and a base64 decode-and-rescan pass appended to the
// output so downstream regex rules see both the original and any decoded
// hidden payload.
func Normalize(s string) string {
	composed := norm.NFKC.String(s)
	stripped := stripZeroWidth(composed)
	return stripped + " " + decodeSuspiciousBase64(stripped)
}

func stripZeroWidth(s string) string {
	return strings.Map(func(r rune) rune {
		for _, zw := range zeroWidthRunes {
			if r == zw {
				return -1
			}
		}
		if unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, s)
}

// decodeSuspiciousBase64 decodes base64 substrings >=40 chars and, when the
// decoded bytes are printable and contain a suspicious keyword, appends the
// decoded text so the heuristic rules below can match it directly.
func decodeSuspiciousBase64(s string) string {
	var found []string
	for _, candidate := range base64Pattern.FindAllString(s, -1) {
		decoded, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			continue
		}
		if !isPrintable(decoded) {
			continue
		}
		text := string(decoded)
		lower := strings.ToLower(text)
		for _, kw := range suspiciousKeywords {
			if strings.Contains(lower, kw) {
				found = append(found, text)
				break
			}
		}
	}
	return strings.Join(found, " ")
}

func isPrintable(b []byte) bool {
	for _, r := range string(b) {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return len(b) > 0
}
