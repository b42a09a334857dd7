package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TruncationMarker separates the retained prefix and suffix of truncated text.
const TruncationMarker = "\n\n[...truncated...]\n\n"

// NormalizeText collapses whitespace and lowercases content to stabilise hash
// comparisons across fetches that only differ in formatting.
func NormalizeText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	fields := strings.Fields(s)
	return strings.ToLower(strings.Join(fields, " "))
}

// ContentHash computes the SHA-256 fingerprint of the normalised content.
func ContentHash(content string) string {
	norm := NormalizeText(content)
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// InsertedLines computes the line-level delta between two texts, returning
// only lines present in new that are not accounted for in old, concatenated
// in order. Identical inputs, pure deletions, and reorderings all yield "".
func InsertedLines(oldText, newText string) string {
	if newText == "" {
		return ""
	}
	oldLines := splitLines(oldText)
	counts := make(map[string]int, len(oldLines))
	for _, l := range oldLines {
		counts[l]++
	}

	var inserted []string
	for _, l := range splitLines(newText) {
		if counts[l] > 0 {
			counts[l]--
			continue
		}
		if strings.TrimSpace(l) == "" {
			continue
		}
		inserted = append(inserted, l)
	}
	return strings.Join(inserted, "\n")
}

// TruncateMiddle caps s at max characters, keeping a 70% prefix and a 30%
// suffix around an explicit truncation marker so both the earliest and the
// latest content survive. Limits are counted in runes so multi-byte text
// never splits mid-character.
func TruncateMiddle(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	head := string(runes[:max*7/10])
	tail := string(runes[len(runes)-max*3/10:])
	return strings.TrimRight(head, " \n") + TruncationMarker + strings.TrimLeft(tail, " \n")
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(s, "\n")
}
