package compiler

import (
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: scanner for lox source
// ---------------------------------------------------------------------------

// Lexer tokenizes lox source code. It implements TokenSource.
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      rune // current character
	line    int  // current line (1-based)
	col     int  // current column (1-based)
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{
		input: input,
		line:  1,
	}
	l.readChar()
	return l
}

// readChar advances to the next character, tracking line and column.
func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.col = 0
	}
	if l.readPos >= len(l.input) {
		l.ch = 0 // EOF
		l.pos = l.readPos
		l.col++
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
	l.col++
}

// peekChar returns the next character without consuming it.
func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

func (l *Lexer) atEOF() bool {
	return l.pos >= len(l.input)
}

// position returns the current position.
func (l *Lexer) position() Position {
	return Position{
		Offset: l.pos,
		Line:   l.line,
		Column: l.col,
	}
}

func (l *Lexer) token(typ TokenType, pos Position) Token {
	return Token{Type: typ, Lexeme: l.input[pos.Offset:l.pos], Pos: pos}
}

func (l *Lexer) errorToken(msg string, pos Position) Token {
	return Token{Type: TokenError, Lexeme: msg, Pos: pos}
}

// twoChar consumes the current character and, if the next one is '=',
// that too.
func (l *Lexer) twoChar(pos Position, single, double TokenType) Token {
	l.readChar()
	if l.ch == '=' {
		l.readChar()
		return l.token(double, pos)
	}
	return l.token(single, pos)
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	if tok, ok := l.skipWhitespaceAndComments(); !ok {
		return tok
	}

	pos := l.position()
	if l.atEOF() {
		return Token{Type: TokenEOF, Pos: pos}
	}

	switch ch := l.ch; {
	case ch == '(':
		l.readChar()
		return l.token(TokenLeftParen, pos)
	case ch == ')':
		l.readChar()
		return l.token(TokenRightParen, pos)
	case ch == '{':
		l.readChar()
		return l.token(TokenLeftBrace, pos)
	case ch == '}':
		l.readChar()
		return l.token(TokenRightBrace, pos)
	case ch == ',':
		l.readChar()
		return l.token(TokenComma, pos)
	case ch == '.':
		l.readChar()
		return l.token(TokenDot, pos)
	case ch == '-':
		l.readChar()
		return l.token(TokenMinus, pos)
	case ch == '+':
		l.readChar()
		return l.token(TokenPlus, pos)
	case ch == ';':
		l.readChar()
		return l.token(TokenSemicolon, pos)
	case ch == '/':
		l.readChar()
		return l.token(TokenSlash, pos)
	case ch == '*':
		l.readChar()
		return l.token(TokenStar, pos)
	case ch == '!':
		return l.twoChar(pos, TokenBang, TokenBangEqual)
	case ch == '=':
		return l.twoChar(pos, TokenEqual, TokenEqualEqual)
	case ch == '<':
		return l.twoChar(pos, TokenLess, TokenLessEqual)
	case ch == '>':
		return l.twoChar(pos, TokenGreater, TokenGreaterEqual)
	case ch == '"' || ch == '\'':
		return l.readString(pos, ch)
	case isDigit(ch):
		return l.readNumber(pos)
	case isAlpha(ch):
		return l.readIdentifier(pos)
	default:
		l.readChar()
		return l.errorToken("Unexpected character.", pos)
	}
}

// skipWhitespaceAndComments skips whitespace, line comments and block
// comments. It returns false with an error token for an unterminated
// block comment.
func (l *Lexer) skipWhitespaceAndComments() (Token, bool) {
	for {
		switch {
		case l.ch == ' ' || l.ch == '\t' || l.ch == '\r' || l.ch == '\n':
			l.readChar()

		case l.ch == '/' && l.peekChar() == '/':
			for l.ch != '\n' && !l.atEOF() {
				l.readChar()
			}

		case l.ch == '/' && l.peekChar() == '*':
			pos := l.position()
			l.readChar() // consume /
			l.readChar() // consume *
			for !(l.ch == '*' && l.peekChar() == '/') {
				if l.atEOF() {
					return l.errorToken("Unterminated block comment.", pos), false
				}
				l.readChar()
			}
			l.readChar() // consume *
			l.readChar() // consume /

		default:
			return Token{}, true
		}
	}
}

// readString reads a string literal delimited by quote. Strings may span
// lines and have no escape sequences.
func (l *Lexer) readString(pos Position, quote rune) Token {
	l.readChar() // consume opening quote
	for l.ch != quote {
		if l.atEOF() {
			return l.errorToken("Unterminated string.", pos)
		}
		l.readChar()
	}
	l.readChar() // consume closing quote
	return l.token(TokenString, pos)
}

// readNumber reads a number literal: digits with an optional fraction.
// A number running straight into a letter is rejected.
func (l *Lexer) readNumber(pos Position) Token {
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar() // consume .
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if isAlpha(l.ch) {
		for isAlpha(l.ch) || isDigit(l.ch) {
			l.readChar()
		}
		return l.errorToken("Invalid number.", pos)
	}
	return l.token(TokenNumber, pos)
}

// readIdentifier reads an identifier or reserved word.
func (l *Lexer) readIdentifier(pos Position) Token {
	for isAlpha(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	tok := l.token(TokenIdentifier, pos)
	if typ, ok := reservedWords[tok.Lexeme]; ok {
		tok.Type = typ
	}
	return tok
}

// Helper functions

func isAlpha(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

// Tokenize returns all tokens from the input, stopping after EOF.
// Error tokens are included; scanning continues past them.
func Tokenize(input string) []Token {
	l := NewLexer(input)
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF {
			break
		}
	}
	return tokens
}
