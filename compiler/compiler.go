package compiler

import (
	"errors"
	"strconv"

	"github.com/chazu/loxvm/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Compiler: single-pass Pratt compiler from tokens to bytecode
// ---------------------------------------------------------------------------

// Precedence levels, lowest to highest.
type precedence int

const (
	precNone       precedence = iota
	precAssignment            // =
	precOr                    // or
	precAnd                   // and
	precEquality              // == !=
	precComparison            // < > <= >=
	precTerm                  // + -
	precFactor                // * /
	precUnary                 // ! -
	precCall                  // ()
	precPrimary
)

type parseFn func(c *Compiler, canAssign bool)

type parseRule struct {
	prefix     parseFn
	infix      parseFn
	precedence precedence
}

// rule returns the parse rule for a token type. A switch rather than a
// table keeps the parse functions free of an initialization cycle.
func rule(t TokenType) parseRule {
	switch t {
	case TokenLeftParen:
		return parseRule{(*Compiler).grouping, (*Compiler).call, precCall}
	case TokenMinus:
		return parseRule{(*Compiler).unary, (*Compiler).binary, precTerm}
	case TokenPlus:
		return parseRule{nil, (*Compiler).binary, precTerm}
	case TokenSlash, TokenStar:
		return parseRule{nil, (*Compiler).binary, precFactor}
	case TokenBang:
		return parseRule{(*Compiler).unary, nil, precNone}
	case TokenBangEqual, TokenEqualEqual:
		return parseRule{nil, (*Compiler).binary, precEquality}
	case TokenGreater, TokenGreaterEqual, TokenLess, TokenLessEqual:
		return parseRule{nil, (*Compiler).binary, precComparison}
	case TokenIdentifier:
		return parseRule{(*Compiler).variable, nil, precNone}
	case TokenString:
		return parseRule{(*Compiler).str, nil, precNone}
	case TokenNumber:
		return parseRule{(*Compiler).number, nil, precNone}
	case TokenAnd:
		return parseRule{nil, (*Compiler).and, precAnd}
	case TokenOr:
		return parseRule{nil, (*Compiler).or, precOr}
	case TokenFalse, TokenTrue, TokenNil:
		return parseRule{(*Compiler).literal, nil, precNone}
	case TokenThis, TokenSuper:
		return parseRule{(*Compiler).reserved, nil, precNone}
	}
	return parseRule{}
}

// Compiler turns a token stream into a top-level Function. A Compiler is
// used for one compilation.
type Compiler struct {
	src       TokenSource
	current   Token
	previous  Token
	frame     *frame
	errors    ErrorList
	panicMode bool
}

// Compile compiles a whole program. On failure the error is an ErrorList
// holding every error found; no function is returned.
func Compile(src TokenSource) (*bytecode.Function, error) {
	c := &Compiler{src: src}
	c.frame = newFrame(nil, kindScript, "")

	c.advance()
	for !c.match(TokenEOF) {
		c.declaration()
	}
	fn, _ := c.endFunction()

	if len(c.errors) > 0 {
		return nil, c.errors
	}
	return fn, nil
}

// CompileString scans and compiles source.
func CompileString(source string) (*bytecode.Function, error) {
	return Compile(NewLexer(source))
}

// ---------------------------------------------------------------------------
// Token handling and error reporting
// ---------------------------------------------------------------------------

func (c *Compiler) advance() {
	c.previous = c.current
	for {
		c.current = c.src.NextToken()
		if c.current.Type != TokenError {
			break
		}
		c.errorAtCurrent(c.current.Lexeme)
	}
}

func (c *Compiler) check(t TokenType) bool {
	return c.current.Type == t
}

func (c *Compiler) match(t TokenType) bool {
	if !c.check(t) {
		return false
	}
	c.advance()
	return true
}

func (c *Compiler) consume(t TokenType, msg string) {
	if c.check(t) {
		c.advance()
		return
	}
	c.errorAtCurrent(msg)
}

func (c *Compiler) errorAtCurrent(msg string) { c.errorAt(c.current, msg) }
func (c *Compiler) error(msg string) { c.errorAt(c.previous, msg) }

// errorAt records an error unless one is already being recovered from.
func (c *Compiler) errorAt(tok Token, msg string) {
	if c.panicMode {
		return
	}
	c.panicMode = true

	var where string
	switch tok.Type {
	case TokenEOF:
		where = "at end"
	case TokenError:
		// scanner errors carry no lexeme
	default:
		where = "at '" + tok.Lexeme + "'"
	}
	c.errors = append(c.errors, &Error{
		Line:    tok.Pos.Line,
		Column:  tok.Pos.Column,
		Where:   where,
		Message: msg,
	})
}

// synchronize skips tokens until a likely statement boundary.
func (c *Compiler) synchronize() {
	c.panicMode = false
	for c.current.Type != TokenEOF {
		if c.previous.Type == TokenSemicolon {
			return
		}
		switch c.current.Type {
		case TokenClass, TokenFun, TokenVar, TokenFor, TokenIf,
			TokenWhile, TokenPrint, TokenReturn:
			return
		}
		c.advance()
	}
}

// ---------------------------------------------------------------------------
// Emission helpers
// ---------------------------------------------------------------------------

func (c *Compiler) chunk() *bytecode.Chunk {
	return c.frame.function.Chunk
}

func (c *Compiler) emit(op bytecode.Opcode) {
	c.chunk().Emit(op, c.previous.Pos.Line)
}

func (c *Compiler) emitOperand(op bytecode.Opcode, operand byte) {
	c.chunk().EmitWithOperand(op, c.previous.Pos.Line, operand)
}

func (c *Compiler) emitReturn() {
	c.emit(bytecode.OpNil)
	c.emit(bytecode.OpReturn)
}

func (c *Compiler) makeConstant(v bytecode.Value) uint16 {
	idx, err := c.chunk().AddConstant(v)
	if err != nil {
		c.error("Too many constants in one chunk.")
		return 0
	}
	return idx
}

func (c *Compiler) emitConstant(v bytecode.Value) {
	c.chunk().EmitUint16(bytecode.OpConstant, c.previous.Pos.Line, c.makeConstant(v))
}

func (c *Compiler) identifierConstant(name Token) uint16 {
	return c.makeConstant(bytecode.Str(name.Lexeme))
}

func (c *Compiler) emitJump(op bytecode.Opcode) int {
	return c.chunk().EmitJump(op, c.previous.Pos.Line)
}

func (c *Compiler) patchJump(offset int) {
	if err := c.chunk().PatchJump(offset); err != nil {
		c.error("Too much code to jump over.")
	}
}

func (c *Compiler) emitLoop(loopStart int) {
	if err := c.chunk().EmitLoop(loopStart, c.previous.Pos.Line); err != nil {
		c.error("Loop body too large.")
	}
}

// ---------------------------------------------------------------------------
// Functions and scopes
// ---------------------------------------------------------------------------

// endFunction finishes the current frame and returns its function along
// with the capture descriptors the enclosing OpClosure must carry.
func (c *Compiler) endFunction() (*bytecode.Function, []UpvalueDescriptor) {
	c.emitReturn()
	f := c.frame
	f.function.UpvalueCount = len(f.upvalues)
	c.frame = f.enclosing
	return f.function, f.upvalues
}

func (c *Compiler) beginScope() {
	c.frame.scopeDepth++
}

// endScope discards the scope's locals, closing the captured ones.
func (c *Compiler) endScope() {
	f := c.frame
	f.scopeDepth--
	for len(f.locals) > 0 && f.locals[len(f.locals)-1].depth > f.scopeDepth {
		if f.locals[len(f.locals)-1].captured {
			c.emit(bytecode.OpCloseUpvalue)
		} else {
			c.emit(bytecode.OpPop)
		}
		f.locals = f.locals[:len(f.locals)-1]
	}
}

// function compiles a parameter list and body into a new Function and
// emits the OpClosure that creates it at runtime.
func (c *Compiler) function(kind functionKind) {
	c.frame = newFrame(c.frame, kind, c.previous.Lexeme)
	c.beginScope()

	c.consume(TokenLeftParen, "Expect '(' after function name.")
	if !c.check(TokenRightParen) {
		for {
			c.frame.function.Arity++
			if c.frame.function.Arity > bytecode.MaxArgs {
				c.errorAtCurrent("Can't have more than 255 parameters.")
			}
			param := c.parseVariable("Expect parameter name.")
			c.defineVariable(param)
			if !c.match(TokenComma) {
				break
			}
		}
	}
	c.consume(TokenRightParen, "Expect ')' after parameters.")
	c.consume(TokenLeftBrace, "Expect '{' before function body.")
	c.block()

	fn, upvalues := c.endFunction()
	idx := c.makeConstant(bytecode.FromObject(fn))
	operands := make([]byte, 0, 2+2*len(upvalues))
	operands = append(operands, byte(idx>>8), byte(idx))
	for _, uv := range upvalues {
		isLocal := byte(0)
		if uv.IsLocal {
			isLocal = 1
		}
		operands = append(operands, isLocal, uv.Index)
	}
	c.chunk().EmitWithOperand(bytecode.OpClosure, c.previous.Pos.Line, operands...)
}

// ---------------------------------------------------------------------------
// Variables
// ---------------------------------------------------------------------------

// parseVariable consumes a variable name. Inside a scope it declares a
// local and returns 0; at top level it returns the global's name constant.
func (c *Compiler) parseVariable(msg string) uint16 {
	c.consume(TokenIdentifier, msg)
	if c.frame.scopeDepth == 0 {
		return c.identifierConstant(c.previous)
	}
	if err := c.frame.declare(c.previous.Lexeme); err != nil {
		c.error(err.Error())
	}
	return 0
}

func (c *Compiler) defineVariable(global uint16) {
	if c.frame.scopeDepth > 0 {
		c.frame.markInitialized()
		return
	}
	c.chunk().EmitUint16(bytecode.OpDefineGlobal, c.previous.Pos.Line, global)
}

// namedVariable emits a read of name, or a write when followed by '='.
// Locals resolve first, then captures from enclosing functions; anything
// else is a late-bound global.
func (c *Compiler) namedVariable(name Token, canAssign bool) {
	var getOp, setOp bytecode.Opcode
	var operand []byte

	slot, err := c.frame.resolveLocal(name.Lexeme)
	if err != nil {
		c.error(err.Error())
	}
	if slot >= 0 {
		getOp, setOp = bytecode.OpGetLocal, bytecode.OpSetLocal
		operand = []byte{byte(slot)}
	} else if idx, err := c.frame.resolveUpvalue(name.Lexeme); err != nil || idx >= 0 {
		if err != nil {
			c.error(err.Error())
			idx = 0
		}
		getOp, setOp = bytecode.OpGetUpvalue, bytecode.OpSetUpvalue
		operand = []byte{byte(idx)}
	} else {
		getOp, setOp = bytecode.OpGetGlobal, bytecode.OpSetGlobal
		k := c.identifierConstant(name)
		operand = []byte{byte(k >> 8), byte(k)}
	}

	op := getOp
	if canAssign && c.match(TokenEqual) {
		c.expression()
		op = setOp
	}
	c.chunk().EmitWithOperand(op, c.previous.Pos.Line, operand...)
}

// ---------------------------------------------------------------------------
// Declarations and statements
// ---------------------------------------------------------------------------

func (c *Compiler) declaration() {
	switch {
	case c.match(TokenFun):
		c.funDeclaration()
	case c.match(TokenVar):
		c.varDeclaration()
	case c.match(TokenClass):
		c.error("Classes are not supported.")
	default:
		c.statement()
	}
	if c.panicMode {
		c.synchronize()
	}
}

func (c *Compiler) funDeclaration() {
	global := c.parseVariable("Expect function name.")
	// A function may refer to itself recursively.
	c.frame.markInitialized()
	c.function(kindFunction)
	c.defineVariable(global)
}

func (c *Compiler) varDeclaration() {
	global := c.parseVariable("Expect variable name.")
	if c.match(TokenEqual) {
		c.expression()
	} else {
		c.emit(bytecode.OpNil)
	}
	c.consume(TokenSemicolon, "Expect ';' after variable declaration.")
	c.defineVariable(global)
}

func (c *Compiler) statement() {
	switch {
	case c.match(TokenPrint):
		c.printStatement()
	case c.match(TokenIf):
		c.ifStatement()
	case c.match(TokenReturn):
		c.returnStatement()
	case c.match(TokenWhile):
		c.whileStatement()
	case c.match(TokenFor):
		c.forStatement()
	case c.match(TokenLeftBrace):
		c.beginScope()
		c.block()
		c.endScope()
	default:
		c.expressionStatement()
	}
}

func (c *Compiler) block() {
	for !c.check(TokenRightBrace) && !c.check(TokenEOF) {
		c.declaration()
	}
	c.consume(TokenRightBrace, "Expect '}' after block.")
}

func (c *Compiler) printStatement() {
	c.expression()
	c.consume(TokenSemicolon, "Expect ';' after value.")
	c.emit(bytecode.OpPrint)
}

func (c *Compiler) expressionStatement() {
	c.expression()
	c.consume(TokenSemicolon, "Expect ';' after expression.")
	c.emit(bytecode.OpPop)
}

func (c *Compiler) returnStatement() {
	if c.frame.kind == kindScript {
		c.error("Can't return from top-level code.")
	}
	if c.match(TokenSemicolon) {
		c.emitReturn()
		return
	}
	c.expression()
	c.consume(TokenSemicolon, "Expect ';' after return value.")
	c.emit(bytecode.OpReturn)
}

func (c *Compiler) ifStatement() {
	c.consume(TokenLeftParen, "Expect '(' after 'if'.")
	c.expression()
	c.consume(TokenRightParen, "Expect ')' after condition.")

	thenJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emit(bytecode.OpPop)
	c.statement()

	elseJump := c.emitJump(bytecode.OpJump)
	c.patchJump(thenJump)
	c.emit(bytecode.OpPop)

	if c.match(TokenElse) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *Compiler) whileStatement() {
	loopStart := c.chunk().CurrentOffset()
	c.consume(TokenLeftParen, "Expect '(' after 'while'.")
	c.expression()
	c.consume(TokenRightParen, "Expect ')' after condition.")

	exitJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emit(bytecode.OpPop)
	c.statement()
	c.emitLoop(loopStart)

	c.patchJump(exitJump)
	c.emit(bytecode.OpPop)
}

func (c *Compiler) forStatement() {
	c.beginScope()
	c.consume(TokenLeftParen, "Expect '(' after 'for'.")
	switch {
	case c.match(TokenSemicolon):
		// no initializer
	case c.match(TokenVar):
		c.varDeclaration()
	default:
		c.expressionStatement()
	}

	loopStart := c.chunk().CurrentOffset()
	exitJump := -1
	if !c.match(TokenSemicolon) {
		c.expression()
		c.consume(TokenSemicolon, "Expect ';' after loop condition.")
		exitJump = c.emitJump(bytecode.OpJumpIfFalse)
		c.emit(bytecode.OpPop)
	}

	if !c.match(TokenRightParen) {
		bodyJump := c.emitJump(bytecode.OpJump)
		incrementStart := c.chunk().CurrentOffset()
		c.expression()
		c.emit(bytecode.OpPop)
		c.consume(TokenRightParen, "Expect ')' after for clauses.")

		c.emitLoop(loopStart)
		loopStart = incrementStart
		c.patchJump(bodyJump)
	}

	c.statement()
	c.emitLoop(loopStart)

	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emit(bytecode.OpPop)
	}
	c.endScope()
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (c *Compiler) expression() {
	c.parsePrecedence(precAssignment)
}

func (c *Compiler) parsePrecedence(prec precedence) {
	c.advance()
	prefix := rule(c.previous.Type).prefix
	if prefix == nil {
		c.error("Expect expression.")
		return
	}

	canAssign := prec <= precAssignment
	prefix(c, canAssign)

	for prec <= rule(c.current.Type).precedence {
		c.advance()
		rule(c.previous.Type).infix(c, canAssign)
	}

	if canAssign && c.match(TokenEqual) {
		c.error("Invalid assignment target.")
	}
}

func (c *Compiler) grouping(bool) {
	c.expression()
	c.consume(TokenRightParen, "Expect ')' after expression.")
}

func (c *Compiler) number(bool) {
	n, err := strconv.ParseFloat(c.previous.Lexeme, 64)
	if err != nil {
		c.error("Invalid number.")
		return
	}
	c.emitConstant(bytecode.Number(n))
}

// str emits a string literal, stripping its quotes.
func (c *Compiler) str(bool) {
	lex := c.previous.Lexeme
	c.emitConstant(bytecode.Str(lex[1 : len(lex)-1]))
}

func (c *Compiler) literal(bool) {
	switch c.previous.Type {
	case TokenFalse:
		c.emit(bytecode.OpFalse)
	case TokenTrue:
		c.emit(bytecode.OpTrue)
	case TokenNil:
		c.emit(bytecode.OpNil)
	}
}

func (c *Compiler) reserved(bool) {
	c.error("Classes are not supported.")
}

func (c *Compiler) variable(canAssign bool) {
	c.namedVariable(c.previous, canAssign)
}

func (c *Compiler) unary(bool) {
	op := c.previous.Type
	c.parsePrecedence(precUnary)
	switch op {
	case TokenBang:
		c.emit(bytecode.OpNot)
	case TokenMinus:
		c.emit(bytecode.OpNegate)
	}
}

func (c *Compiler) binary(bool) {
	op := c.previous.Type
	c.parsePrecedence(rule(op).precedence + 1)

	switch op {
	case TokenBangEqual:
		c.emit(bytecode.OpEqual)
		c.emit(bytecode.OpNot)
	case TokenEqualEqual:
		c.emit(bytecode.OpEqual)
	case TokenGreater:
		c.emit(bytecode.OpGreater)
	case TokenGreaterEqual:
		c.emit(bytecode.OpLess)
		c.emit(bytecode.OpNot)
	case TokenLess:
		c.emit(bytecode.OpLess)
	case TokenLessEqual:
		c.emit(bytecode.OpGreater)
		c.emit(bytecode.OpNot)
	case TokenPlus:
		c.emit(bytecode.OpAdd)
	case TokenMinus:
		c.emit(bytecode.OpSubtract)
	case TokenStar:
		c.emit(bytecode.OpMultiply)
	case TokenSlash:
		c.emit(bytecode.OpDivide)
	}
}

func (c *Compiler) call(bool) {
	argc := c.argumentList()
	c.emitOperand(bytecode.OpCall, argc)
}

func (c *Compiler) argumentList() byte {
	argc := 0
	if !c.check(TokenRightParen) {
		for {
			c.expression()
			if argc == bytecode.MaxArgs {
				c.error("Can't have more than 255 arguments.")
			}
			argc++
			if !c.match(TokenComma) {
				break
			}
		}
	}
	c.consume(TokenRightParen, "Expect ')' after arguments.")
	return byte(argc)
}

// and short-circuits: a falsey left operand is the result.
func (c *Compiler) and(bool) {
	endJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emit(bytecode.OpPop)
	c.parsePrecedence(precAnd)
	c.patchJump(endJump)
}

// or short-circuits: a truthy left operand is the result.
func (c *Compiler) or(bool) {
	elseJump := c.emitJump(bytecode.OpJumpIfFalse)
	endJump := c.emitJump(bytecode.OpJump)

	c.patchJump(elseJump)
	c.emit(bytecode.OpPop)

	c.parsePrecedence(precOr)
	c.patchJump(endJump)
}

// IsCompileError reports whether err came from compilation.
func IsCompileError(err error) bool {
	var list ErrorList
	var single *Error
	return errors.As(err, &list) || errors.As(err, &single)
}
