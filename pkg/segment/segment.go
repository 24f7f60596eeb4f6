// Package segment turns a growing generation buffer into speakable units.
//
// The splitter is greedy and latency-biased: it returns at most one segment
// per call, taking the first acceptable boundary instead of searching for the
// best one, so the caller can hand the segment to synthesis immediately.
package segment

import (
	"strings"
	"unicode/utf8"
)

// Options bounds segment sizes. Indices and lengths are in runes, not bytes;
// the buffers are predominantly CJK text.
type Options struct {
	MinLen int
	MaxLen int
}

func (o Options) withDefaults() Options {
	if o.MinLen <= 0 {
		o.MinLen = 4
	}
	if o.MaxLen <= 0 {
		o.MaxLen = 25
	}
	return o
}

// Split scans text[lastIdx:] for the next speakable segment. It is a pure
// function: the same inputs always produce the same outputs, and the returned
// index never moves backwards.
//
// Boundary search order, first match wins:
//  1. sentence-ending punctuation, when quick mode is on or the tail is
//     shorter than twice MaxLen, and the trimmed segment reaches MinLen;
//  2. clause punctuation (comma, semicolon, colon), same length floor;
//  3. a forced cut of exactly MaxLen runes when no punctuation qualifies.
//
// Residual text left when the upstream stream ends is the caller's concern
// (it is flushed as a final, possibly short, segment).
func Split(text []rune, lastIdx int, quick bool, opts Options) ([]string, int) {
	opts = opts.withDefaults()
	if lastIdx < 0 {
		lastIdx = 0
	}
	if lastIdx >= len(text) {
		return nil, lastIdx
	}
	tail := text[lastIdx:]

	if quick || len(tail) < 2*opts.MaxLen {
		if seg, pos := firstBoundary(tail, isPrimaryTerminator, opts.MinLen); pos >= 0 {
			return []string{seg}, lastIdx + pos + 1
		}
	}

	if len(tail) >= opts.MinLen {
		if seg, pos := firstBoundary(tail, isSecondaryTerminator, opts.MinLen); pos >= 0 {
			return []string{seg}, lastIdx + pos + 1
		}
	}

	if len(tail) >= opts.MaxLen {
		end := lastIdx + opts.MaxLen
		return []string{string(text[lastIdx:end])}, end
	}

	return nil, lastIdx
}

// isPrimaryTerminator reports sentence-ending punctuation in both the CJK and
// Latin sets.
func isPrimaryTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '.', '!', '?':
		return true
	}
	return false
}

// isSecondaryTerminator reports clause punctuation used for quick splits.
func isSecondaryTerminator(r rune) bool {
	switch r {
	case '，', '、', '；', ';', '：', ':', ',':
		return true
	}
	return false
}

// firstBoundary scans tail for terminator runes and returns the trimmed
// segment and position of the first one whose segment reaches minLen. A
// terminator too close to the start does not end the search: a short leading
// clause is carried along until a later boundary qualifies.
func firstBoundary(tail []rune, fn func(rune) bool, minLen int) (string, int) {
	for i, r := range tail {
		if !fn(r) {
			continue
		}
		seg := strings.TrimSpace(string(tail[:i+1]))
		if utf8.RuneCountInString(seg) >= minLen {
			return seg, i
		}
	}
	return "", -1
}
