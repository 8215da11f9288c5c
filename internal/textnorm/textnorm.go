// Package textnorm provides the text cleaning and normalization primitives
// shared by the transcription manager, the turn state machine, and the
// conversation orchestrator.
//
// Two distinct operations are exposed:
//
//   - [Clean] prepares a raw accumulated transcript for dispatch: it collapses
//     whitespace, fixes punctuation spacing, and removes consecutive duplicate
//     tokens (STT providers frequently repeat a stutter word across partial
//     revisions).
//   - [Normalize] reduces text to a canonical comparison form (lowercase,
//     diacritics stripped, punctuation removed) used for dedup checks and the
//     content-growth heuristic. Normalized text is never shown to a user.
//
// All functions are pure and safe for concurrent use.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks removes combining marks after NFD decomposition, turning
// "ça" into "ca" and "déjà" into "deja".
var stripMarks = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Clean prepares a raw transcript for dispatch and display.
//
// It collapses runs of whitespace into single spaces, removes space before
// terminal punctuation ("word ." → "word."), ensures a space after sentence
// punctuation, and collapses immediately repeated tokens case-insensitively
// ("the the cat" → "the cat"). Leading and trailing whitespace is trimmed.
func Clean(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}

	// Collapse consecutive duplicate tokens. Comparison ignores case but the
	// first occurrence's casing is preserved.
	out := fields[:1]
	for _, f := range fields[1:] {
		if strings.EqualFold(f, out[len(out)-1]) {
			continue
		}
		out = append(out, f)
	}

	joined := strings.Join(out, " ")
	return fixPunctuationSpacing(joined)
}

// Normalize reduces s to its canonical comparison form: lowercase, diacritics
// stripped, punctuation removed, whitespace collapsed. Two utterances that
// normalize equal are treated as the same content by the dedup logic.
func Normalize(s string) string {
	stripped, _, err := transform.String(stripMarks, s)
	if err != nil {
		// Transform failures only occur on invalid UTF-8; fall back to the
		// original bytes rather than dropping content.
		stripped = s
	}

	var b strings.Builder
	b.Grow(len(stripped))
	for _, r := range stripped {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
		// Punctuation and symbols are dropped entirely.
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokens returns the normalized word tokens of s. A convenience for callers
// that compare utterances word-by-word (queue dedup, content growth).
func Tokens(s string) []string {
	n := Normalize(s)
	if n == "" {
		return nil
	}
	return strings.Split(n, " ")
}

// LastWord returns the final token of s lowercased with surrounding
// punctuation trimmed, or "" when s contains no words. Used by the
// completeness check to detect sentence-continuation fragments.
func LastWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	w := strings.ToLower(fields[len(fields)-1])
	return strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// fixPunctuationSpacing removes whitespace before terminal punctuation and
// guarantees a single space after it when more text follows.
func fixPunctuationSpacing(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == ' ' && i+1 < len(runes) && isTerminalPunct(runes[i+1]) {
			// Drop the space; the punctuation rune is written on the next pass.
			continue
		}
		b.WriteRune(r)
		if isTerminalPunct(r) && i+1 < len(runes) && runes[i+1] != ' ' && !isTerminalPunct(runes[i+1]) {
			b.WriteRune(' ')
		}
	}
	return b.String()
}

// isTerminalPunct reports whether r ends a sentence or clause.
func isTerminalPunct(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ';', ':':
		return true
	}
	return false
}
