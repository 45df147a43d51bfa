package sanitizer

import (
	"bytes"
	"io"
	"strings"
	"unicode"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"

	"shuttuflix-go/pkg/rules"
)

// Scripts are lexed, not re-printed: the output is the input byte for byte
// except for removed statements. Only complete statements that begin at a
// statement boundary (start of input, after ';', '{' or '}', or after a line
// break that ends the previous statement) are removed:
//   - var/let/const with a single ad-vocabulary declarator
//   - function declarations with an ad-vocabulary name
//   - call statements whose callee chain names ad vocabulary
//   - click listener registrations whose arguments reference ad vocabulary
//
// A result that no longer parses while the input did is thrown away.

type jsToken struct {
	tt         js.TokenType
	start, end int
	// nl is set when a line break separates the token from the previous one.
	nl bool
}

func (t jsToken) text(src []byte) string { return string(src[t.start:t.end]) }

type span struct{ start, end int }

func (s *Sanitizer) sanitizeJS(src []byte) []byte {
	toks, ok := lexJS(src)
	if !ok {
		return bytes.Clone(src)
	}

	var cut []span
	for i := 0; i < len(toks); i++ {
		if !atStatementStart(toks, i) {
			continue
		}
		if end, ok := s.removableStatement(src, toks, i); ok {
			cut = append(cut, span{toks[i].start, toks[end].end})
			i = end
		}
	}
	if len(cut) == 0 {
		return bytes.Clone(src)
	}

	var buf bytes.Buffer
	buf.Grow(len(src))
	prev := 0
	for _, c := range cut {
		buf.Write(src[prev:c.start])
		prev = c.end
	}
	buf.Write(src[prev:])

	if parsesAsJS(src) && !parsesAsJS(buf.Bytes()) {
		return bytes.Clone(src)
	}
	return buf.Bytes()
}

// lexJS returns the significant tokens of src with their byte offsets.
// ok is false when src does not lex.
func lexJS(src []byte) ([]jsToken, bool) {
	l := js.NewLexer(parse.NewInputBytes(scratch(src)))

	var toks []jsToken
	pos, nl := 0, false
	for {
		tt, text := l.Next()
		start := pos
		pos += len(text)

		switch tt {
		case js.ErrorToken:
			return toks, l.Err() == io.EOF
		case js.WhitespaceToken, js.CommentToken:
			continue
		case js.LineTerminatorToken, js.CommentLineTerminatorToken:
			nl = true
			continue
		case js.DivToken, js.DivEqToken:
			if regexAllowed(toks) {
				rt, re := l.RegExp()
				if rt == js.ErrorToken {
					return toks, false
				}
				tt = rt
				pos = start + len(re)
			}
		}
		toks = append(toks, jsToken{tt: tt, start: start, end: pos, nl: nl})
		nl = false
	}
}

func parsesAsJS(src []byte) bool {
	_, err := js.Parse(parse.NewInputBytes(scratch(src)), js.Options{})
	return err == nil
}

// scratch copies src with one spare byte; the input reader may write a NUL
// terminator past the end.
func scratch(src []byte) []byte {
	buf := make([]byte, len(src), len(src)+1)
	copy(buf, src)
	return buf
}

// regexAllowed reports whether a '/' after toks starts a regular expression
// rather than a division.
func regexAllowed(toks []jsToken) bool {
	if len(toks) == 0 {
		return true
	}
	return !endsOperand(toks[len(toks)-1].tt)
}

// endsOperand reports whether tt can be the last token of an expression.
func endsOperand(tt js.TokenType) bool {
	switch tt {
	case js.CloseParenToken, js.CloseBracketToken, js.IncrToken, js.DecrToken,
		js.StringToken, js.TemplateToken, js.TemplateEndToken, js.RegExpToken, js.PrivateIdentifierToken,
		js.ThisToken, js.SuperToken, js.NullToken, js.TrueToken, js.FalseToken:
		return true
	}
	return js.IsIdentifier(tt) || js.IsNumeric(tt)
}

// endsLine reports whether a line break after tt can end a statement.
func endsLine(tt js.TokenType) bool {
	switch tt {
	case js.CloseBraceToken, js.ReturnToken, js.BreakToken, js.ContinueToken:
		return true
	}
	return endsOperand(tt)
}

// continuesLine reports whether tt at the start of a line carries on the
// expression from the line before.
func continuesLine(tt js.TokenType) bool {
	switch tt {
	case js.OpenParenToken, js.OpenBracketToken, js.DotToken, js.OptChainToken, js.CommaToken,
		js.QuestionToken, js.ColonToken, js.ArrowToken, js.TemplateToken, js.TemplateStartToken,
		js.InToken, js.InstanceofToken:
		return true
	case js.NotToken, js.BitNotToken, js.IncrToken, js.DecrToken:
		return false
	}
	return js.IsOperator(tt)
}

// asiBreak reports whether a statement ends between toks[j-1] and toks[j].
func asiBreak(toks []jsToken, j int) bool {
	return toks[j].nl && endsLine(toks[j-1].tt) && !continuesLine(toks[j].tt)
}

func atStatementStart(toks []jsToken, i int) bool {
	if i == 0 {
		return true
	}
	switch toks[i-1].tt {
	case js.SemicolonToken, js.OpenBraceToken, js.CloseBraceToken:
		return true
	}
	return asiBreak(toks, i)
}

// statementEnd returns the index of the last token of a statement whose
// expression ends at toks[j]: the ';' after it, or j itself when '}', end
// of input or a line break follows.
func statementEnd(toks []jsToken, j int) (int, bool) {
	switch {
	case j+1 == len(toks):
		return j, true
	case toks[j+1].tt == js.SemicolonToken:
		return j + 1, true
	case toks[j+1].tt == js.CloseBraceToken, asiBreak(toks, j+1):
		return j, true
	}
	return 0, false
}

// removableStatement returns the index of the last token of an ad statement
// starting at toks[i].
func (s *Sanitizer) removableStatement(src []byte, toks []jsToken, i int) (int, bool) {
	switch tt := toks[i].tt; {
	case tt == js.VarToken || tt == js.LetToken || tt == js.ConstToken:
		return s.declaration(src, toks, i)
	case tt == js.FunctionToken:
		return s.functionDeclaration(src, toks, i)
	case js.IsIdentifier(tt):
		return s.callStatement(src, toks, i)
	}
	return 0, false
}

func (s *Sanitizer) adIdent(src []byte, t jsToken) bool {
	return js.IsIdentifierName(t.tt) && s.m.Classify(identWords(t.text(src)), rules.FunctionCall)
}

// identWords lowercases an identifier and separates its camelCase humps
// with '_', so "loadAdsNow" and "load_ads_now" classify alike.
func identWords(name string) string {
	rs := []rune(strings.TrimLeft(name, "_$"))
	var b strings.Builder
	b.Grow(len(rs) + 4)
	for i, r := range rs {
		if i > 0 && unicode.IsUpper(r) {
			prev := rs[i-1]
			nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// declaration matches `var name;` and `var name = ...` with a single
// declarator, ended by ';', a line break or the enclosing '}'.
func (s *Sanitizer) declaration(src []byte, toks []jsToken, i int) (int, bool) {
	if i+1 >= len(toks) || !s.adIdent(src, toks[i+1]) {
		return 0, false
	}
	if i+2 == len(toks) || toks[i+2].tt != js.EqToken {
		return statementEnd(toks, i+1)
	}

	depth := 0
	for j := i + 3; j < len(toks); j++ {
		if depth == 0 && j > i+3 && asiBreak(toks, j) {
			return j - 1, true
		}
		switch toks[j].tt {
		case js.OpenParenToken, js.OpenBracketToken, js.OpenBraceToken, js.TemplateStartToken:
			depth++
		case js.CloseParenToken, js.CloseBracketToken, js.CloseBraceToken, js.TemplateEndToken:
			if depth == 0 {
				if toks[j].tt == js.CloseBraceToken && j > i+3 {
					return j - 1, true
				}
				return 0, false
			}
			depth--
		case js.CommaToken:
			if depth == 0 {
				return 0, false
			}
		case js.SemicolonToken:
			if depth == 0 {
				return j, true
			}
		}
	}
	if depth == 0 && len(toks) > i+3 {
		return len(toks) - 1, true
	}
	return 0, false
}

// functionDeclaration matches `function name(...) {...}`.
func (s *Sanitizer) functionDeclaration(src []byte, toks []jsToken, i int) (int, bool) {
	if i+2 >= len(toks) || !s.adIdent(src, toks[i+1]) || toks[i+2].tt != js.OpenParenToken {
		return 0, false
	}
	closeParen, ok := matching(toks, i+2)
	if !ok || closeParen+1 >= len(toks) || toks[closeParen+1].tt != js.OpenBraceToken {
		return 0, false
	}
	return matching(toks, closeParen+1)
}

// callStatement matches `a.b.c(...)` as a whole statement.
func (s *Sanitizer) callStatement(src []byte, toks []jsToken, i int) (int, bool) {
	j := i
	chain := []jsToken{toks[j]}
	for j+2 < len(toks) && (toks[j+1].tt == js.DotToken || toks[j+1].tt == js.OptChainToken) && js.IsIdentifierName(toks[j+2].tt) {
		j += 2
		chain = append(chain, toks[j])
	}
	if j+1 >= len(toks) || toks[j+1].tt != js.OpenParenToken {
		return 0, false
	}
	closeParen, ok := matching(toks, j+1)
	if !ok {
		return 0, false
	}
	end, ok := statementEnd(toks, closeParen)
	if !ok {
		return 0, false
	}

	if chain[len(chain)-1].text(src) == "addEventListener" {
		return end, s.adClickListener(src, toks, j+1, closeParen)
	}
	for _, c := range chain {
		if s.adIdent(src, c) {
			return end, true
		}
	}
	return 0, false
}

// adClickListener checks `('click', handler)` arguments between the parens.
func (s *Sanitizer) adClickListener(src []byte, toks []jsToken, lparen, rparen int) bool {
	if lparen+1 >= rparen {
		return false
	}
	first := toks[lparen+1]
	if first.tt != js.StringToken {
		return false
	}
	name := first.text(src)
	if len(name) < 2 || name[1:len(name)-1] != "click" {
		return false
	}
	args := string(src[first.end:toks[rparen].start])
	return s.m.Classify(args, rules.EventHandler)
}

// matching returns the index of the bracket closing toks[open].
func matching(toks []jsToken, open int) (int, bool) {
	depth := 0
	for j := open; j < len(toks); j++ {
		switch toks[j].tt {
		case js.OpenParenToken, js.OpenBracketToken, js.OpenBraceToken, js.TemplateStartToken:
			depth++
		case js.CloseParenToken, js.CloseBracketToken, js.CloseBraceToken, js.TemplateEndToken:
			depth--
			if depth == 0 {
				return j, true
			}
		}
	}
	return 0, false
}
