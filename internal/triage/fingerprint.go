// Package triage deduplicates raw candidates into scored, ranked findings.
package triage

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	hexAddrPattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	bigNumPattern  = regexp.MustCompile(`\b\d{4,}\b`)
)

// NormalizeSignal canonicalizes a raw crash signal: trimmed, lowercased,
// whitespace collapsed, memory addresses and large decimals scrubbed so
// that ASLR and counter noise cannot split one bug into many findings.
func NormalizeSignal(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	lowered = hexAddrPattern.ReplaceAllString(lowered, "addr")
	lowered = bigNumPattern.ReplaceAllString(lowered, "num")
	return strings.Join(strings.Fields(lowered), " ")
}

// Fingerprint digests target identity plus the normalized signal. Equal
// fingerprints mean the same finding; the digest doubles as the score
// cache key.
func Fingerprint(targetID, signal string) string {
	key := normalizeKeyPart(targetID) + "|" + NormalizeSignal(signal)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

func normalizeKeyPart(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimSpace(v)), " "))
}
