// Package reply turns agent output, which is often markdown, into text fit to
// be spoken by a text-to-speech voice or sent as an SMS.
package reply

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const ellipsis = "..."

type mode int

const (
	modeSpeech mode = iota
	modeSMS
)

// ForSpeech strips markdown, folds typography to plain ASCII punctuation,
// drops emoji and code blocks, flattens everything to one line and truncates
// to maxChars runes (maxChars <= 0 means no limit).
func ForSpeech(s string, maxChars int) string {
	out := fold(strip(s, modeSpeech))
	out = strings.Join(strings.Fields(out), " ")
	return truncate(out, maxChars)
}

// ForSMS is ForSpeech for text messages: line structure, code blocks and
// bare links survive.
func ForSMS(s string, maxChars int) string {
	out := fold(strip(s, modeSMS))
	out = collapseLines(out)
	return truncate(out, maxChars)
}

type writer struct {
	mode    mode
	b       strings.Builder
	pending bool
}

func (w *writer) write(p []byte) {
	if len(p) == 0 {
		return
	}
	if w.pending && w.b.Len() > 0 {
		w.separate()
	}
	w.pending = false
	w.b.Write(p)
}

func (w *writer) separate() {
	if w.mode == modeSMS {
		w.b.WriteByte('\n')
		return
	}
	cur := strings.TrimRightFunc(w.b.String(), unicode.IsSpace)
	if r, _ := utf8.DecodeLastRuneInString(cur); unicode.IsLetter(r) || unicode.IsDigit(r) {
		w.b.WriteByte('.')
	}
	w.b.WriteByte(' ')
}

func strip(s string, m mode) string {
	src := []byte(s)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))
	w := &writer{mode: m}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch v := n.(type) {
		case *ast.Text:
			if entering {
				w.write(v.Segment.Value(src))
				if v.HardLineBreak() && m == modeSMS {
					w.write([]byte("\n"))
				} else if v.SoftLineBreak() || v.HardLineBreak() {
					w.write([]byte(" "))
				}
			}
		case *ast.String:
			if entering {
				w.write(v.Value)
			}
		case *ast.AutoLink:
			if entering && m == modeSMS {
				w.write(v.URL(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Image, *ast.RawHTML, *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering && m == modeSMS {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					w.write(seg.Value(src))
				}
				w.pending = true
			}
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			if entering && m == modeSMS {
				w.write([]byte("- "))
			}
			if !entering {
				w.pending = true
			}
		default:
			if !entering && n.Type() == ast.TypeBlock {
				w.pending = true
			}
		}
		return ast.WalkContinue, nil
	})
	return w.b.String()
}

// folder returns a fresh chain on every call: a chain buffers between its
// stages and must not be shared across goroutines.
func folder() transform.Transformer {
	return transform.Chain(
		norm.NFKC,
		runes.Map(asciiPunct),
		runes.Remove(runes.Predicate(isPictographic)),
	)
}

func fold(s string) string {
	out, _, err := transform.String(folder(), s)
	if err != nil {
		return s
	}
	return out
}

func asciiPunct(r rune) rune {
	switch r {
	case '‘', '’', '‚', '‛', '′':
		return '\''
	case '“', '”', '„', '‟', '″':
		return '"'
	case '‐', '‑', '‒', '–', '—', '―', '−':
		return '-'
	case '•', '·':
		return ' '
	}
	return r
}

func isPictographic(r rune) bool {
	if r < utf8.RuneSelf || r == '°' {
		return false
	}
	switch r {
	case '\u200d', '\ufe0e', '\ufe0f', '\u20e3':
		return true
	}
	return unicode.Is(unicode.So, r) || unicode.Is(unicode.Sk, r) || unicode.Is(unicode.Cs, r)
}

func collapseLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// truncate cuts s to at most max runes. A cut that can end on a sentence
// boundary in the second half of the budget does so; otherwise it ends on a
// word boundary and is marked with an ellipsis.
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return string([]rune(s)[:max])
	}
	budget := max - len(ellipsis)
	cut := string([]rune(s)[:budget])

	if i := lastSentenceEnd(cut); i >= len(cut)/2 {
		return cut[:i+1]
	}
	if i := strings.LastIndexAny(cut, " \n"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \n,;:-") + ellipsis
}

func lastSentenceEnd(s string) int {
	best := -1
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			if s[i+1] == ' ' || s[i+1] == '\n' {
				best = i
			}
		}
	}
	if n := len(s); n > 0 && strings.ContainsRune(".!?", rune(s[n-1])) {
		best = n - 1
	}
	return best
}
