// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sanitize cleans user-supplied text before it reaches an LLM prompt.
//
// The rules are deliberately conservative: transcriptions are clinical
// records, so the sanitizer must never reorder or paraphrase. It only trims,
// strips control characters, collapses runaway whitespace, and neutralises a
// small set of prompt-injection phrasings.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength caps sanitized input. A consultation transcription is
// typically 2-3k tokens; anything past 50k characters is either abuse or a
// client bug.
const DefaultMaxLength = 50_000

var (
	controlChars  = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	spacesAndTabs = regexp.MustCompile(`[ \t]+`)
	newlineRuns   = regexp.MustCompile(`\n{4,}`)

	// Basic prompt-injection phrasings. Matches are replaced, not removed,
	// so the surrounding clinical text keeps its shape.
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|above)\s+instructions?`),
		regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|above)`),
		regexp.MustCompile(`(?i)forget\s+(everything|all)`),
		regexp.MustCompile(`(?i)you\s+are\s+now\s+a`),
		regexp.MustCompile(`(?i)new\s+instructions?:`),
		regexp.MustCompile(`(?i)system\s*:\s*`),
	}
)

// Text sanitizes input with the default length cap.
func Text(input string) string {
	return TextN(input, DefaultMaxLength)
}

// TextN sanitizes input, truncating to maxLength characters first.
//
// Returns the empty string when nothing usable remains; callers treat that
// as input/empty.
func TextN(input string, maxLength int) string {
	if input == "" {
		return ""
	}

	if maxLength > 0 && len(input) > maxLength {
		// Cut on a rune boundary; accented French text must not end in a
		// split multi-byte character.
		cut := maxLength
		for cut > 0 && !utf8.RuneStart(input[cut]) {
			cut--
		}
		input = input[:cut]
	}

	input = controlChars.ReplaceAllString(input, "")

	for _, pattern := range injectionPatterns {
		input = pattern.ReplaceAllString(input, "[FILTERED]")
	}

	input = spacesAndTabs.ReplaceAllString(input, " ")
	input = newlineRuns.ReplaceAllString(input, "\n\n\n")

	return strings.TrimSpace(input)
}
