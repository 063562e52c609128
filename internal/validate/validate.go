// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package validate

import (
	"strings"
	"unicode"
)

// =============================================================================
// POLICY
// =============================================================================

// Policy holds the tunable thresholds for response validation. The defaults
// mirror observed failure shapes; callers with terse domains (yes/no bots)
// should lower MinLength rather than skip validation.
type Policy struct {
	// MinLength rejects responses shorter than this many characters.
	MinLength int

	// MidSentenceMinLength is the length above which a single-line response
	// without terminal punctuation is treated as truncated.
	MidSentenceMinLength int

	// OverlapMinResponseLength bounds the lexical-overlap check: responses
	// at or above this length are never rejected for low overlap.
	OverlapMinResponseLength int

	// KeywordMinLength is the minimum length of a user-message word that
	// counts as a substantive keyword for the overlap check.
	KeywordMinLength int
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:                10,
		MidSentenceMinLength:     20,
		OverlapMinResponseLength: 120,
		KeywordMinLength:         5,
	}
}

// errorPhrases are lowercase prefixes and fragments that mark a response as
// the provider apologizing instead of answering.
var errorPhrases = []string{
	"error",
	"an error occurred",
	"internal server error",
	"unable to process",
	"i cannot process",
	"request failed",
	"service unavailable",
}

// terminalRunes end a complete sentence.
const terminalRunes = ".!?\"')]}`…。！？"

// =============================================================================
// VALIDATOR
// =============================================================================

// Validator decides whether a completed response text is worth showing.
type Validator struct {
	policy Policy
}

// New creates a validator with the given policy.
func New(policy Policy) *Validator {
	if policy.MinLength <= 0 {
		policy = DefaultPolicy()
	}
	return &Validator{policy: policy}
}

// Validate reports whether responseText is an acceptable answer to
// userMessage. It never errors; a rejected response simply returns false and
// lets the caller degrade to the backup key or a failsafe reply.
func (v *Validator) Validate(responseText, userMessage string) bool {
	text := strings.TrimSpace(responseText)

	if len(text) < v.policy.MinLength {
		return false
	}

	lower := strings.ToLower(text)
	for _, phrase := range errorPhrases {
		if strings.HasPrefix(lower, phrase) {
			return false
		}
	}
	if strings.HasPrefix(lower, "sorry") && strings.Contains(lower, "error") {
		return false
	}

	if v.looksTruncated(text) {
		return false
	}

	if !v.overlaps(lower, userMessage) {
		return false
	}

	return true
}

// looksTruncated flags single-line responses that run past the mid-sentence
// threshold without ever reaching terminal punctuation.
func (v *Validator) looksTruncated(text string) bool {
	if len(text) <= v.policy.MidSentenceMinLength {
		return false
	}
	if strings.Contains(text, "\n") {
		return false
	}
	runes := []rune(text)
	last := runes[len(runes)-1]
	return !strings.ContainsRune(terminalRunes, last)
}

// overlaps checks that a short response shares at least one substantive
// keyword with the user's message. Long responses pass unconditionally; a
// question with no substantive keywords cannot constrain the answer.
func (v *Validator) overlaps(lowerResponse, userMessage string) bool {
	if len(lowerResponse) >= v.policy.OverlapMinResponseLength {
		return true
	}

	keywords := substantiveKeywords(userMessage, v.policy.KeywordMinLength)
	if len(keywords) == 0 {
		return true
	}

	for _, kw := range keywords {
		if strings.Contains(lowerResponse, kw) {
			return true
		}
	}

	// Short answers like "Yes, we do." carry no keywords but are still
	// legitimate. Only reject when the response is both short and looks
	// like boilerplate rather than a direct reply.
	return len(keywords) < 3
}

// substantiveKeywords extracts lowercase words of at least minLen letters
// from the user message.
func substantiveKeywords(msg string, minLen int) []string {
	fields := strings.FieldsFunc(strings.ToLower(msg), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	var out []string
	for _, f := range fields {
		if len(f) >= minLen {
			out = append(out, f)
		}
	}
	return out
}
