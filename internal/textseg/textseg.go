// Package textseg splits document text into bounded-size segments and
// provides the language-sensitive length measurement used throughout the
// pipeline.
package textseg

import "strings"

// Length measures text the way the pipeline budgets it: the count of CJK
// ideographs when any are present, otherwise the count of Latin letters.
// Punctuation, digits and whitespace never count toward a segment's size.
func Length(text string) int {
	cjk := 0
	latin := 0
	for _, r := range text {
		switch {
		case isCJK(r):
			cjk++
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			latin++
		}
	}
	if cjk > 0 {
		return cjk
	}
	return latin
}

func isCJK(r rune) bool {
	return r >= 0x4E00 && r <= 0x9FFF
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '。', '！', '？', '；', '!', '?', ';':
		return true
	}
	return false
}

// Split divides text into ordered, non-empty segments of at most maxSize
// measured characters. Paragraphs (newline-separated) are kept whole when
// they fit; oversized paragraphs are split on sentence-terminal punctuation,
// accumulating consecutive sentences until the cap would be exceeded. A
// single sentence longer than maxSize is emitted whole: the cap is
// best-effort, not absolute. Split is deterministic and has no side effects.
func Split(text string, maxSize int) []string {
	var segments []string
	for _, para := range strings.Split(text, "\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if Length(para) <= maxSize {
			segments = append(segments, para)
			continue
		}
		segments = append(segments, splitParagraph(para, maxSize)...)
	}
	return segments
}

// splitParagraph breaks one oversized paragraph on sentence boundaries,
// re-accumulating fragments into a running buffer.
func splitParagraph(para string, maxSize int) []string {
	var segments []string
	flush := func(buf string) {
		if buf = strings.TrimSpace(buf); buf != "" {
			segments = append(segments, buf)
		}
	}
	var current strings.Builder
	for _, sentence := range sentences(para) {
		if current.Len() > 0 && Length(current.String()+sentence) > maxSize {
			flush(current.String())
			current.Reset()
		}
		current.WriteString(sentence)
	}
	flush(current.String())
	return segments
}

// sentences splits a paragraph after each sentence-terminal rune, keeping
// the terminator attached to its sentence.
func sentences(para string) []string {
	var parts []string
	var b strings.Builder
	for _, r := range para {
		b.WriteRune(r)
		if isSentenceEnd(r) {
			parts = append(parts, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}
