package sanitizer

import (
	"bytes"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"

	"shuttuflix-go/pkg/rules"
)

// At-rules whose blocks contain further rules.
var nestedAtRules = map[string]bool{
	"media": true, "supports": true, "layer": true, "container": true, "document": true, "scope": true,
}

type cssToken struct {
	tt         css.TokenType
	start, end int
}

// sanitizeCSS drops rules whose selectors are ad vocabulary and imports of
// blocked stylesheets. Kept text is copied byte for byte.
func (s *Sanitizer) sanitizeCSS(src []byte, rw *rewriter) []byte {
	toks := lexCSS(src)
	var buf bytes.Buffer
	buf.Grow(len(src))
	s.cssBlock(src, toks, 0, len(toks), rw, &buf)
	return buf.Bytes()
}

// lexCSS returns every token of src, trivia included, with byte offsets.
func lexCSS(src []byte) []cssToken {
	l := css.NewLexer(parse.NewInputBytes(scratch(src)))
	var toks []cssToken
	pos := 0
	for {
		tt, text := l.Next()
		if tt == css.ErrorToken {
			break
		}
		toks = append(toks, cssToken{tt: tt, start: pos, end: pos + len(text)})
		pos += len(text)
	}
	if pos < len(src) {
		// Whatever the lexer stopped on is kept verbatim.
		toks = append(toks, cssToken{tt: css.DelimToken, start: pos, end: len(src)})
	}
	return toks
}

func cssTrivia(tt css.TokenType) bool {
	switch tt {
	case css.WhitespaceToken, css.CommentToken, css.CDOToken, css.CDCToken:
		return true
	}
	return false
}

// cssBlock processes the rule list in toks[i:end] and writes the result.
func (s *Sanitizer) cssBlock(src []byte, toks []cssToken, i, end int, rw *rewriter, buf *bytes.Buffer) {
	for i < end {
		t := toks[i]
		if cssTrivia(t.tt) || t.tt == css.RightBraceToken {
			// Trivia and stray closers are copied as is.
			buf.Write(src[t.start:t.end])
			i++
			continue
		}

		term := scanPrelude(toks, i, end)
		if term == end || toks[term].tt != css.LeftBraceToken {
			// Statement at-rule, or unterminated trailing text.
			stop := term
			if term < end && toks[term].tt == css.SemicolonToken {
				stop++
			}
			if !s.blockedImport(src, toks[i:stop], rw) {
				buf.Write(src[t.start:toks[stop-1].end])
			}
			i = stop
			continue
		}

		closer := matchCSSBrace(toks, term, end)
		blockEnd := end
		if closer < end {
			blockEnd = closer + 1
		}
		ruleEnd := toks[blockEnd-1].end

		if t.tt == css.AtKeywordToken {
			name := strings.ToLower(string(src[t.start+1 : t.end]))
			if nestedAtRules[name] {
				buf.Write(src[t.start:toks[term].end])
				s.cssBlock(src, toks, term+1, closer, rw, buf)
				if closer < end {
					buf.Write(src[toks[closer].start:toks[closer].end])
				}
			} else {
				buf.Write(src[t.start:ruleEnd])
			}
			i = blockEnd
			continue
		}

		prelude := string(src[t.start:toks[term].start])
		kept := s.keptSelectors(prelude, selectorSpans(toks, i, term, t.start))
		switch {
		case kept == "":
			// Whole rule removed.
		case kept == prelude:
			buf.Write(src[t.start:ruleEnd])
		default:
			buf.WriteString(kept)
			buf.Write(src[toks[term].start:ruleEnd])
		}
		i = blockEnd
	}
}

// scanPrelude returns the index of the '{' or ';' ending the prelude that
// starts at toks[i], or of a '}' closing the enclosing block, or end.
func scanPrelude(toks []cssToken, i, end int) int {
	depth := 0
	for j := i; j < end; j++ {
		switch toks[j].tt {
		case css.LeftParenthesisToken, css.LeftBracketToken, css.FunctionToken:
			depth++
		case css.RightParenthesisToken, css.RightBracketToken:
			depth--
		case css.LeftBraceToken, css.RightBraceToken:
			return j
		case css.SemicolonToken:
			if depth <= 0 {
				return j
			}
		}
	}
	return end
}

// matchCSSBrace returns the index of the '}' closing toks[open], or end.
func matchCSSBrace(toks []cssToken, open, end int) int {
	depth := 0
	for j := open; j < end; j++ {
		switch toks[j].tt {
		case css.LeftBraceToken:
			depth++
		case css.RightBraceToken:
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return end
}

// selectorSpans splits the prelude toks[i:term] on commas outside brackets
// and parens. Offsets are relative to base.
func selectorSpans(toks []cssToken, i, term, base int) []span {
	var parts []span
	depth, start := 0, toks[i].start
	for j := i; j < term; j++ {
		switch toks[j].tt {
		case css.LeftParenthesisToken, css.LeftBracketToken, css.FunctionToken:
			depth++
		case css.RightParenthesisToken, css.RightBracketToken:
			depth--
		case css.CommaToken:
			if depth == 0 {
				parts = append(parts, span{start - base, toks[j].start - base})
				start = toks[j].end
			}
		}
	}
	return append(parts, span{start - base, toks[term].start - base})
}

// keptSelectors returns the prelude with ad selectors removed from its
// comma-separated list, the prelude itself when none match, or "" when all do.
func (s *Sanitizer) keptSelectors(prelude string, parts []span) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		sel := prelude[p.start:p.end]
		if !s.m.Classify(sel, rules.CSSRule) {
			kept = append(kept, strings.TrimSpace(sel))
		}
	}
	switch len(kept) {
	case len(parts):
		return prelude
	case 0:
		return ""
	}
	return strings.Join(kept, ", ") + " "
}

// blockedImport reports whether stmt is an @import of a blocked stylesheet.
func (s *Sanitizer) blockedImport(src []byte, stmt []cssToken, rw *rewriter) bool {
	if len(stmt) == 0 || stmt[0].tt != css.AtKeywordToken ||
		!strings.EqualFold(string(src[stmt[0].start:stmt[0].end]), "@import") {
		return false
	}
	for _, t := range stmt[1:] {
		switch {
		case t.tt == css.URLToken || t.tt == css.StringToken:
			return s.m.IsBlocked(rw.target(importTarget(src[t.start:t.end])))
		case !cssTrivia(t.tt):
			return false
		}
	}
	return false
}

// importTarget strips url( ) and quotes from an import reference.
func importTarget(ref []byte) string {
	v := string(ref)
	if len(v) > 4 && strings.EqualFold(v[:4], "url(") {
		v = strings.TrimSuffix(v[4:], ")")
	}
	return strings.Trim(strings.TrimSpace(v), `"'`)
}
