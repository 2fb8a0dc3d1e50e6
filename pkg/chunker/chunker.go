// Package chunker splits long replies into chat-sized segments at line boundaries.
//
// The newline at each split point is the separator between two segments, so
// strings.Join(Segments(text, n), "\n") always reproduces text byte for byte.
package chunker

import (
	"iter"
	"strings"
	"unicode/utf16"
)

// DefaultMaxLength leaves headroom under Telegram's 4096 character cap.
const DefaultMaxLength = 4000

// Length measures s in UTF-16 code units, the unit Telegram counts message length in.
func Length(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// Chunk returns a lazy sequence of segments of text. Every segment is at most maxLen long,
// except a segment made of a single line that is itself longer than maxLen; lines are never
// split. A text that fits in maxLen yields exactly one segment. The sequence can be ranged
// over any number of times.
func Chunk(text string, maxLen int) iter.Seq[string] {
	if maxLen < 1 {
		maxLen = 1
	}
	return func(yield func(string) bool) {
		segStart, segEnd, segLen := 0, 0, 0
		open := false

		pos := 0
		for {
			lineEnd := len(text)
			next := -1
			if i := strings.IndexByte(text[pos:], '\n'); i >= 0 {
				lineEnd = pos + i
				next = lineEnd + 1
			}
			lineLen := Length(text[pos:lineEnd])

			switch {
			case !open:
				segStart, segEnd, segLen, open = pos, lineEnd, lineLen, true
			case segLen+1+lineLen > maxLen:
				if !yield(text[segStart:segEnd]) {
					return
				}
				segStart, segEnd, segLen = pos, lineEnd, lineLen
			default:
				segEnd = lineEnd
				segLen += 1 + lineLen
			}

			if next < 0 {
				break
			}
			pos = next
		}
		yield(text[segStart:segEnd])
	}
}

// Segments collects Chunk into a slice.
func Segments(text string, maxLen int) []string {
	var out []string
	for s := range Chunk(text, maxLen) {
		out = append(out, s)
	}
	return out
}
