// Package chunker splits narration text into pieces that fit a backend's
// per-request character ceiling.
//
// Packing is greedy: whole sentences first, then words inside a sentence that
// is too long on its own, then hard cuts inside a word that is too long on its
// own. Every chunk is a contiguous slice of the input; only the whitespace
// that separated two chunks is dropped. Lengths are counted in runes.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Report describes how a text was split.
type Report struct {
	Chunks []string
	// OversizedSentences counts sentences that had to be packed word by word.
	OversizedSentences int
	// HardCuts counts cuts made inside a single word. A non-zero value means
	// the output is degraded: a word will be spoken across two requests.
	HardCuts int
}

// Degraded reports whether any word was cut.
func (r Report) Degraded() bool { return r.HardCuts > 0 }

// Split returns the ordered chunks of text, each at most maxChars runes.
// Empty or whitespace-only text yields no chunks. A non-positive maxChars
// disables splitting.
func Split(text string, maxChars int) []string {
	return SplitWithReport(text, maxChars).Chunks
}

// SplitWithReport is Split with packing statistics.
func SplitWithReport(text string, maxChars int) Report {
	if strings.TrimSpace(text) == "" {
		return Report{}
	}
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return Report{Chunks: []string{text}}
	}

	p := newPacker(text, maxChars)
	var report Report
	for _, sentence := range p.sentences() {
		if sentence.len() <= maxChars {
			p.add(sentence)
			continue
		}
		report.OversizedSentences++
		p.flush()
		for _, word := range p.words(sentence) {
			for word.len() > maxChars {
				p.add(span{start: word.start, end: word.start + maxChars})
				word.start += maxChars
				report.HardCuts++
			}
			p.add(word)
		}
		p.flush()
	}
	p.flush()
	report.Chunks = p.chunks
	return report
}

// span is a half-open range of rune indexes into the packer's text.
type span struct {
	start, end int
}

func (s span) len() int { return s.end - s.start }

type packer struct {
	text    string
	runes   []rune
	offsets []int // byte offset of each rune, plus len(text)
	max     int

	cur    span
	active bool
	chunks []string
}

func newPacker(text string, maxChars int) *packer {
	p := &packer{text: text, max: maxChars}
	p.runes = make([]rune, 0, len(text))
	p.offsets = make([]int, 0, len(text)+1)
	for i, r := range text {
		p.runes = append(p.runes, r)
		p.offsets = append(p.offsets, i)
	}
	p.offsets = append(p.offsets, len(text))
	return p
}

// add extends the open chunk with u when the result still fits, otherwise it
// closes the open chunk and starts a new one at u. u itself must fit.
func (p *packer) add(u span) {
	if p.active && u.end-p.cur.start <= p.max {
		p.cur.end = u.end
		return
	}
	p.flush()
	p.cur = u
	p.active = true
}

func (p *packer) flush() {
	if !p.active {
		return
	}
	p.chunks = append(p.chunks, p.text[p.offsets[p.cur.start]:p.offsets[p.cur.end]])
	p.active = false
}

// sentences returns sentence spans with surrounding whitespace excluded. A
// sentence ends at '.', '?' or '!' (optionally followed by more terminators
// or closing quotes and brackets) when the next rune is whitespace.
func (p *packer) sentences() []span {
	var out []span
	n := len(p.runes)
	i := 0
	for i < n {
		for i < n && unicode.IsSpace(p.runes[i]) {
			i++
		}
		if i >= n {
			break
		}
		start := i
		for i < n {
			r := p.runes[i]
			i++
			if !isTerminator(r) {
				continue
			}
			j := i
			for j < n && (isTerminator(p.runes[j]) || isCloser(p.runes[j])) {
				j++
			}
			if j >= n || unicode.IsSpace(p.runes[j]) {
				i = j
				break
			}
		}
		end := i
		for end > start && unicode.IsSpace(p.runes[end-1]) {
			end--
		}
		out = append(out, span{start: start, end: end})
	}
	return out
}

// words returns the whitespace-separated word spans inside s.
func (p *packer) words(s span) []span {
	var out []span
	i := s.start
	for i < s.end {
		for i < s.end && unicode.IsSpace(p.runes[i]) {
			i++
		}
		if i >= s.end {
			break
		}
		start := i
		for i < s.end && !unicode.IsSpace(p.runes[i]) {
			i++
		}
		out = append(out, span{start: start, end: i})
	}
	return out
}

func isTerminator(r rune) bool {
	return r == '.' || r == '?' || r == '!'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '»':
		return true
	}
	return false
}
