// SPDX-License-Identifier: AGPL-3.0-or-later
// Package anonymizer implements in-place substitution of email addresses
// in message bytes, grounded on rsendmail-core's anonymizer.rs: the same
// regular expression, the same "first sighting draws a fresh 8-character
// alphanumeric local part, subsequent sightings reuse it" rule, and the
// same "return unchanged if the input doesn't decode as UTF-8" fallback.
//
// Each worker that enables anonymisation owns its own Anonymizer — the
// map is never shared across workers (spec.md §4.1's accepted trade-off).
package anonymizer

import (
	"crypto/rand"
	"regexp"
	"unicode/utf8"
)

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

const localPartAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const localPartLen = 8

// Anonymizer rewrites email addresses found in message bytes to a stable,
// freshly-drawn alias under targetDomain. Not safe for concurrent use —
// callers must give each worker its own instance.
type Anonymizer struct {
	targetDomain string
	mapping      map[string]string
}

// New returns an Anonymizer that aliases discovered addresses to
// <random>@targetDomain.
func New(targetDomain string) *Anonymizer {
	return &Anonymizer{
		targetDomain: targetDomain,
		mapping:      make(map[string]string),
	}
}

// AnonymizeText replaces every email address match in text with its
// stable alias, drawing a fresh alias on first sighting.
func (a *Anonymizer) AnonymizeText(text string) string {
	return emailPattern.ReplaceAllStringFunc(text, a.aliasFor)
}

// AnonymizeBytes anonymises content if it decodes as UTF-8; otherwise it
// is returned unchanged, matching rsendmail-core's anonymize_binary.
func (a *Anonymizer) AnonymizeBytes(content []byte) []byte {
	if !utf8.Valid(content) {
		return content
	}
	return []byte(a.AnonymizeText(string(content)))
}

func (a *Anonymizer) aliasFor(email string) string {
	if alias, ok := a.mapping[email]; ok {
		return alias
	}

	alias := randomLocalPart() + "@" + a.targetDomain
	a.mapping[email] = alias
	// An alias maps to itself, so anonymising already-anonymised text is a
	// no-op.
	a.mapping[alias] = alias
	return alias
}

func randomLocalPart() string {
	buf := make([]byte, localPartLen)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on a real OS never fails; degrade to a fixed
		// placeholder rather than panicking mid-send.
		return "anonymiz"
	}

	out := make([]byte, localPartLen)
	for i, b := range buf {
		out[i] = localPartAlphabet[int(b)%len(localPartAlphabet)]
	}
	return string(out)
}
