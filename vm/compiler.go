package vm

import (
	"fmt"
	"math"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/josharian/intern"
	"github.com/rami3l/golox/debug"
	e "github.com/rami3l/golox/errors"
	"github.com/rami3l/golox/utils"
	"github.com/sirupsen/logrus"
)

// Parser is the whole single-pass compilation session: scanner cursor,
// the chain of function frames (*Compiler), and the chain of enclosing
// classes (*ClassCompiler). A fresh Parser is created per Compile call, so
// nothing here is process-global and two compilations never interfere.
type Parser struct {
	*Scanner
	*Compiler
	class *ClassCompiler
	prev  Token
	curr  Token

	errors *multierror.Error
	// Whether the parser is trying to sync, i.e. in the error recovery process.
	panicMode bool
}

func NewParser() *Parser { return &Parser{} }

// FunType tags what kind of body a Compiler frame is compiling, which
// changes slot 0's binding and what an implicit/bare `return` emits.
type FunType int

//go:generate stringer -type=FunType
const (
	FScript FunType = iota
	FFun
	FMethod
	FInit
)

// Compiler is one compile-time call frame: its locals, its upvalue
// descriptors, its lexical scope depth, and (while inside a loop body) the
// loop's re-test offset and pending `break` jump holes. Frames form a
// singly-linked stack through enclosing; loop state lives here rather than
// on Parser precisely so a nested function body doesn't inherit its
// enclosing loop's break/continue target.
type Compiler struct {
	enclosing *Compiler
	fun       VFun
	funType   FunType
	locals    []Local
	upvalues  []Upvalue
	depth     int

	loopStart    *int
	loopEndHoles []int
}

func NewCompiler(enclosing *Compiler, funType FunType) *Compiler {
	// Slot 0 is reserved: the bound `this` for methods/initializers/the
	// script frame, or an empty-name placeholder (the callee itself) for
	// plain functions.
	slot0 := Token{Type: TIdent}
	if funType != FFun {
		slot0 = syntheticToken("this")
	}
	return &Compiler{
		enclosing: enclosing,
		fun:       NewVFun(),
		funType:   funType,
		locals:    []Local{{name: slot0, depth: 0}},
	}
}

// wrapCompiler replaces the Compiler with a new one enclosing the current one.
func (p *Parser) wrapCompiler(funType FunType) {
	res := NewCompiler(p.Compiler, funType)
	if funType != FScript {
		funName := intern.String(p.prev.String())
		res.fun.name = &funName
	}
	p.Compiler = res
}

const Uninit = -1

func (p *Parser) addLocal(name Token) {
	if len(p.locals) >= math.MaxUint8+1 {
		p.Error("too many local variables in function")
		return
	}
	p.locals = append(p.locals, Local{name, Uninit, false})
}

type Local struct {
	name       Token
	depth      int
	isCaptured bool
}

type Upvalue struct {
	index   byte
	isLocal bool
}

// ClassCompiler chains enclosing classes so `this`/`super` can be validated
// without any runtime dispatch: it answers exactly "are we in a class?" and
// "does that class have a superclass?".
type ClassCompiler struct {
	enclosing     *ClassCompiler
	name          Token
	hasSuperclass bool
}

func syntheticToken(name string) Token { return Token{Type: TIdent, Runes: []rune(name)} }

/* Single-pass compilation */

func (p *Parser) emitConst(val Value) { p.emitBytes(byte(OpConst), p.mkConst(val)) }

func (p *Parser) mkConst(val Value) byte {
	const_ := p.currChunk().AddConst(val)
	if const_ > math.MaxUint8 {
		p.Error("too many consts in one chunk")
		return 0
	}
	return byte(const_)
}

func (p *Parser) num(_canAssign bool) {
	val, err := strconv.ParseFloat(p.prev.String(), 64)
	p.errors = multierror.Append(p.errors, err)
	p.emitConst(VNum(val))
}

func (p *Parser) grouping(_canAssign bool) {
	p.expr()
	p.consume(TRParen, "expect ')' after expression")
}

func (p *Parser) lit(_canAssign bool) {
	switch p.prev.Type {
	case TFalse:
		p.emitBytes(byte(OpFalse))
	case TNil:
		p.emitBytes(byte(OpNil))
	case TTrue:
		p.emitBytes(byte(OpTrue))
	default:
		panic(e.Unreachable)
	}
}

func (p *Parser) str(_canAssign bool) {
	runes := p.prev.Runes
	// COPY the lexeme inside the quotes as a string.
	unquoted := string(runes[1 : len(runes)-1])
	p.emitConst(NewVStr(unquoted))
}

func (p *Parser) var_(canAssign bool) { p.namedVar(p.prev, canAssign) }

func (p *Parser) this_(_canAssign bool) {
	if p.class == nil {
		p.Error("can't use 'this' outside of a class")
		return
	}
	p.var_(false)
}

func (p *Parser) super_(_canAssign bool) {
	switch {
	case p.class == nil:
		p.Error("can't use 'super' outside of a class")
	case !p.class.hasSuperclass:
		p.Error("can't use 'super' in a class with no superclass")
	}

	p.consume(TDot, "expect '.' after 'super'")
	p.consume(TIdent, "expect superclass method name")
	nameConst := p.identConst(&p.prev)

	p.namedVar(syntheticToken("this"), false)
	if p.match(TLParen) {
		argCount := p.argList()
		p.namedVar(syntheticToken("super"), false)
		p.emitBytes(byte(OpSuperInvoke), nameConst, byte(argCount))
		return
	}
	p.namedVar(syntheticToken("super"), false)
	p.emitBytes(byte(OpGetSuper), nameConst)
}

func (p *Parser) namedVar(name Token, canAssign bool) {
	var (
		arg      byte
		get, set OpCode
	)
	switch slot := p.resolveLocal(p.Compiler, name); {
	case slot != Uninit:
		arg, get, set = byte(slot), OpGetLocal, OpSetLocal
	default:
		if upval := p.resolveUpvalue(p.Compiler, name); upval != Uninit {
			arg, get, set = byte(upval), OpGetUpvalue, OpSetUpvalue
		} else {
			arg, get, set = p.identConst(&name), OpGetGlobal, OpSetGlobal
		}
	}

	switch {
	case canAssign && p.match(TEqual):
		p.expr()
		p.emitBytes(byte(set), arg)
	default:
		p.emitBytes(byte(get), arg)
	}
}

func (p *Parser) unary(_canAssign bool) {
	op := p.prev.Type

	// Compile the RHS.
	p.parsePrec(PrecUnary)

	// Emit the operator instruction.
	switch op {
	case TBang:
		p.emitBytes(byte(OpNot))
	case TMinus:
		p.emitBytes(byte(OpNeg))
	default:
		panic(e.Unreachable)
	}
}

func (p *Parser) binary(_canAssign bool) {
	op := p.prev.Type
	rule := parseRules[op]

	// Compile the RHS.
	p.parsePrec(rule.Prec + 1)

	// Emit the operator instruction.
	switch op {
	case TBangEqual:
		p.emitBytes(byte(OpEqual), byte(OpNot))
	case TEqualEqual:
		p.emitBytes(byte(OpEqual))
	case TGreater:
		p.emitBytes(byte(OpGreater))
	case TGreaterEqual:
		p.emitBytes(byte(OpLess), byte(OpNot))
	case TLess:
		p.emitBytes(byte(OpLess))
	case TLessEqual:
		p.emitBytes(byte(OpGreater), byte(OpNot))
	case TPlus:
		p.emitBytes(byte(OpAdd))
	case TMinus:
		p.emitBytes(byte(OpSub))
	case TStar:
		p.emitBytes(byte(OpMul))
	case TSlash:
		p.emitBytes(byte(OpDiv))
	default:
		panic(e.Unreachable)
	}
}

func (p *Parser) and(_canAssign bool) {
	// If the LHS is falsey, then `LHS and RHS == false`.
	// So we skip the RHS and leave the LHS as the result.
	endJump := p.emitJump(OpJumpUnless)
	// If the LHS is truthy, then `LHS and RHS == RHS`.
	// So we pop out the LHS.
	p.emitBytes(byte(OpPop))
	p.parsePrec(PrecAnd)
	p.patchJump(endJump)
}

func (p *Parser) or(_canAssign bool) {
	// If the LHS is truthy, then `LHS or RHS == true`.
	// So we skip the RHS and leave the LHS as the result.
	elseJump := p.emitJump(OpJumpUnless) // <-- else
	endJump := p.emitJump(OpJump)        // <-- then
	// If the LHS is falsey, then `LHS or RHS == RHS`.
	// So we pop out the LHS.
	p.patchJump(elseJump) // --> else
	p.emitBytes(byte(OpPop))
	p.parsePrec(PrecOr)
	p.patchJump(endJump) // --> then
}

func (p *Parser) call(_canAssign bool) {
	argCount := p.argList()
	p.emitBytes(byte(OpCall), byte(argCount))
}

func (p *Parser) dot(canAssign bool) {
	p.consume(TIdent, "expect property name after '.'")
	nameConst := p.identConst(&p.prev)

	switch {
	case canAssign && p.match(TEqual):
		p.expr()
		p.emitBytes(byte(OpSetProperty), nameConst)
	case p.match(TLParen):
		argCount := p.argList()
		p.emitBytes(byte(OpInvoke), nameConst, byte(argCount))
	default:
		p.emitBytes(byte(OpGetProperty), nameConst)
	}
}

func (p *Parser) argList() (argCount int) {
	if !p.check(TRParen) {
		for {
			p.expr()
			if argCount++; argCount > math.MaxUint8 {
				p.Error("too many arguments")
			}
			if !p.match(TComma) {
				break
			}
		}
	}
	p.consume(TRParen, "expect ')' after arguments")
	return
}

func (p *Parser) expr() { p.parsePrec(PrecAssign) }

func (p *Parser) exprStmt() {
	p.expr()
	p.consume(TSemi, "expect ';' after value")
	p.emitBytes(byte(OpPop))
}

func (p *Parser) printStmt() {
	p.expr()
	p.consume(TSemi, "expect ';' after value")
	p.emitBytes(byte(OpPrint))
}

func (p *Parser) block() {
	for !p.check(TRBrace) && !p.check(TEOF) {
		p.decl()
	}
	p.consume(TRBrace, "expect '}' after block")
}

func (p *Parser) ifStmt() {
	p.consume(TLParen, "expect '(' after 'if'")
	p.expr()
	p.consume(TRParen, "expect ')' after condition")

	thenJump := p.emitJump(OpJumpUnless) // <-- `else` branch stops.
	p.emitBytes(byte(OpPop))             // Drop the predicate before the `then` statement.
	p.stmt()

	elseJump := p.emitJump(OpJump) // <-- `then` branch stops.
	p.patchJump(thenJump)          // --> `else` branch continues.

	p.emitBytes(byte(OpPop)) // Drop the predicate before the `else` statement.
	if p.match(TElse) {
		p.stmt()
	}
	p.patchJump(elseJump) // --> `then` branch continues.
}

func (p *Parser) whileStmt() {
	p.beginLoop()
	p.consume(TLParen, "expect '(' after 'while'")
	p.expr()
	p.consume(TRParen, "expect ')' after condition")

	exitJump := p.emitJump(OpJumpUnless)
	p.emitBytes(byte(OpPop)) // Pop the condition.
	p.stmt()
	p.emitLoop(*p.loopStart)
	p.endLoop()

	p.patchJump(exitJump) // Pop the condition.
	p.emitBytes(byte(OpPop))
}

func (p *Parser) forStmt() {
	// for (init; cond; incr) body
	p.beginScope()
	defer p.endScope()

	// init
	p.consume(TLParen, "expect '(' after 'for'")
	switch {
	case p.match(TSemi):
		// Noop.
	case p.match(TVar):
		p.varDecl()
	default:
		p.exprStmt()
	}

	// cond
	start := p.beginLoop()
	exitJump := (*int)(nil)
	if !p.match(TSemi) {
		p.expr()
		p.consume(TSemi, "expect ';' after loop condition")
		exitJump1 := p.emitJump(OpJumpUnless) // <-- !!cond == false
		exitJump = &exitJump1
		p.emitBytes(byte(OpPop)) // Pop the condition.
	}

	// incr
	if !p.match(TRParen) {
		bodyJump := p.emitJump(OpJump) // <-- body
		p.beginLoop()                  // <-- incr
		// Parse an exprStmt sans the trailing ';'.
		p.expr()
		p.emitBytes(byte(OpPop)) // Pure side effect.

		p.consume(TRParen, "expect ')' after for clauses")

		p.emitLoop(start)     // --> incr, towards the next iteration
		p.patchJump(bodyJump) // --> body
	}

	// body
	p.stmt()
	p.emitLoop(*p.loopStart) // --> towards incr (if exists, otherwise next iteration)

	if exitJump != nil {
		p.patchJump(*exitJump)   // --> !!cond == false
		p.emitBytes(byte(OpPop)) // Pop the condition.
	}
	p.endLoop()
}

func (p *Parser) breakStmt() {
	p.consume(TSemi, "expect ';' after 'break'")
	hole := p.emitJump(OpJump)
	p.loopEndHoles = append(p.loopEndHoles, hole)
}

func (p *Parser) continueStmt() {
	p.consume(TSemi, "expect ';' after 'continue'")
	p.emitLoop(*p.loopStart)
}

func (p *Parser) returnStmt() {
	if p.match(TSemi) {
		p.emitReturn()
		return
	}
	if p.funType == FInit {
		p.Error("can't return a value from an initializer")
	}
	p.expr()
	p.consume(TSemi, "expect ';' after return value")
	p.emitBytes(byte(OpReturn))
}

func (p *Parser) stmt() {
	switch {
	case p.match(TBreak):
		if !p.isInLoop() {
			p.Error("expect 'break' in a loop")
			return
		}
		p.breakStmt()
	case p.match(TContinue):
		if !p.isInLoop() {
			p.Error("expect 'continue' in a loop")
			return
		}
		p.continueStmt()
	case p.match(TPrint):
		p.printStmt()
	case p.match(TFor):
		outerStart, outerHoles := p.loopStart, p.loopEndHoles
		p.loopEndHoles = nil
		p.forStmt()
		p.loopStart, p.loopEndHoles = outerStart, outerHoles
	case p.match(TIf):
		p.ifStmt()
	case p.match(TReturn):
		if p.funType == FScript {
			p.Error("can't return from top-level code")
			return
		}
		p.returnStmt()
	case p.match(TWhile):
		outerStart, outerHoles := p.loopStart, p.loopEndHoles
		p.loopEndHoles = nil
		p.whileStmt()
		p.loopStart, p.loopEndHoles = outerStart, outerHoles
	case p.match(TLBrace):
		p.beginScope()
		p.block()
		p.endScope()
	default:
		p.exprStmt()
	}
}

func (p *Parser) fun_(funType FunType) {
	p.wrapCompiler(funType)
	p.beginScope()

	p.consume(TLParen, "expect '(' after function name")
	if !p.check(TRParen) {
		for {
			if p.fun.arity++; p.fun.arity > math.MaxUint8 {
				p.ErrorAtCurr("too many parameters")
			}
			param := p.parseVar("expect parameter name")
			p.defVar(param)
			if !p.match(TComma) {
				break
			}
		}
	}
	p.consume(TRParen, "expect ')' after parameters")
	p.consume(TLBrace, "expect '{' before function body")
	p.block()

	// Because we end Compiler completely when we reach the end of the function body,
	// there’s no need to close the lingering outermost scope.
	fun, upvalues := p.endCompiler()
	p.emitBytes(byte(OpClosure), p.mkConst(fun))
	for _, uv := range upvalues {
		p.emitBytes(utils.BoolToInt[byte](uv.isLocal), uv.index)
	}
}

func (p *Parser) funDecl() {
	global := p.parseVar("expect function name")
	validName := p.checkPrev(TIdent)

	// A local function is marked initialized before its body is compiled,
	// which allows recursion (globals need no marking).
	p.markInit()
	p.fun_(FFun)

	if validName {
		p.defVar(global)
	}
}

func (p *Parser) method() {
	p.consume(TIdent, "expect method name")
	nameConst := p.identConst(&p.prev)

	funType := FMethod
	if p.prev.String() == "init" {
		funType = FInit
	}
	p.fun_(funType)
	p.emitBytes(byte(OpMethod), nameConst)
}

func (p *Parser) classDecl() {
	p.consume(TIdent, "expect class name")
	className := p.prev
	nameConst := p.identConst(&className)
	p.declVar()

	p.emitBytes(byte(OpClass), nameConst)
	p.defVar(&nameConst)

	class := &ClassCompiler{enclosing: p.class, name: className}
	p.class = class

	if p.match(TLess) {
		p.consume(TIdent, "expect superclass name")
		p.var_(false) // Look up the superclass by name and push it.

		if className.Eq(p.prev) {
			p.Error("a class can't inherit from itself")
		}

		// The pushed superclass value becomes a synthetic "super" local,
		// scoped to this class body so nested classes in the same scope
		// don't collide over the name.
		p.beginScope()
		p.addLocal(syntheticToken("super"))
		p.defVar(nil)

		p.namedVar(className, false) // Load the subclass doing the inheriting.
		p.emitBytes(byte(OpInherit))
		class.hasSuperclass = true
	}

	p.namedVar(className, false) // Load the class for method binding.
	p.consume(TLBrace, "expect '{' before class body")
	for !p.check(TRBrace) && !p.check(TEOF) {
		p.method()
	}
	p.consume(TRBrace, "expect '}' after class body")
	p.emitBytes(byte(OpPop))

	if class.hasSuperclass {
		p.endScope()
	}
	p.class = class.enclosing
}

func (p *Parser) varDecl() {
	global := p.parseVar("expect variable name")
	validName := p.checkPrev(TIdent)
	switch {
	case p.match(TEqual):
		p.expr()
	default:
		p.emitBytes(byte(OpNil))
	}
	p.consume(TSemi, "expect ';' after variable declaration")
	if validName {
		p.defVar(global)
	}
}

func (p *Parser) decl() {
	switch {
	case p.match(TClass):
		p.classDecl()
	case p.match(TFun):
		p.funDecl()
	case p.match(TVar):
		p.varDecl()
	default:
		p.stmt()
	}
	if p.panicMode {
		p.sync()
	}
}

type ParseFn = func(p *Parser, canAssign bool)

type ParseRule struct {
	Prefix, Infix ParseFn
	Prec
}

var parseRules []ParseRule

func init() {
	parseRules = []ParseRule{
		TLParen:       {(*Parser).grouping, (*Parser).call, PrecCall},
		TDot:          {nil, (*Parser).dot, PrecCall},
		TMinus:        {(*Parser).unary, (*Parser).binary, PrecTerm},
		TPlus:         {nil, (*Parser).binary, PrecTerm},
		TSlash:        {nil, (*Parser).binary, PrecFactor},
		TStar:         {nil, (*Parser).binary, PrecFactor},
		TBang:         {(*Parser).unary, nil, PrecNone},
		TBangEqual:    {nil, (*Parser).binary, PrecEqual},
		TEqualEqual:   {nil, (*Parser).binary, PrecEqual},
		TGreater:      {nil, (*Parser).binary, PrecComp},
		TGreaterEqual: {nil, (*Parser).binary, PrecComp},
		TLess:         {nil, (*Parser).binary, PrecComp},
		TLessEqual:    {nil, (*Parser).binary, PrecComp},
		TIdent:        {(*Parser).var_, nil, PrecNone},
		TStr:          {(*Parser).str, nil, PrecNone},
		TNum:          {(*Parser).num, nil, PrecNone},
		TAnd:          {nil, (*Parser).and, PrecAnd},
		TFalse:        {(*Parser).lit, nil, PrecNone},
		TNil:          {(*Parser).lit, nil, PrecNone},
		TOr:           {nil, (*Parser).or, PrecOr},
		TSuper:        {(*Parser).super_, nil, PrecNone},
		TThis:         {(*Parser).this_, nil, PrecNone},
		TTrue:         {(*Parser).lit, nil, PrecNone},
		TEOF:          {},
	}
}

func (p *Parser) parsePrec(prec Prec) {
	p.advance()

	// Parse LHS.
	prefix := parseRules[p.prev.Type].Prefix
	if prefix == nil {
		p.Error("expect expression")
		return
	}
	canAssign := prec <= PrecAssign
	prefix(p, canAssign)

	// Parse RHS if there's one maintaining rule.Prec >= prec.
	for {
		rule := parseRules[p.curr.Type]
		if rule.Prec < prec {
			break
		}
		p.advance()
		if rule.Infix == nil {
			panic(e.Unreachable)
		}
		rule.Infix(p, canAssign)
	}

	if canAssign && p.match(TEqual) {
		p.Error("invalid assignment target")
		p.advance()
	}
}

/* Parsing helpers */

func (p *Parser) check(ty TokenType) bool     { return p.curr.Type == ty }
func (p *Parser) checkPrev(ty TokenType) bool { return p.prev.Type == ty }

func (p *Parser) advance() {
	p.prev = p.curr
	for {
		// Skip until the first non-TErr token.
		if p.curr = p.ScanToken(); !p.check(TErr) {
			break
		}
		p.ErrorAtCurr(p.curr.String())
	}
}

func (p *Parser) match(ty TokenType) (matched bool) {
	if !p.check(ty) {
		return false
	}
	p.advance()
	return true
}

func (p *Parser) consume(ty TokenType, errorMsg string) *Token {
	if !p.check(ty) {
		p.ErrorAtCurr(errorMsg)
		return nil
	}
	p.advance()
	return &p.prev
}

/* Compiling helpers */

// Compile implements the compiler's one external entry point: it returns the
// top-level script function on success, or an accumulated error if anything
// failed. When isREPL is set and the input doesn't parse as a declaration
// list (e.g. a bare `2 + 2` with no trailing `;`), it retries compiling the
// same source as a single expression whose value becomes the script's return
// value — this is what lets a REPL echo expression results.
func (p *Parser) Compile(src string, isREPL bool) (res VFun, err error) {
	res, err = p.compileDecls(src)
	if isREPL && err != nil {
		declsErr := err
		p.errors = nil
		res, err = p.compileExpr(src)
		if err != nil {
			err = fmt.Errorf("%w\ncaused by:\n%s", declsErr, err)
		}
	}
	return
}

func (p *Parser) compileDecls(src string) (res VFun, err error) {
	p.beginSession(src)
	for !p.match(TEOF) {
		p.decl()
	}
	fun, _ := p.endCompiler()
	return fun, p.errors.ErrorOrNil()
}

// compileExpr parses src as a single expression (no trailing `;` required)
// and returns it directly instead of emitting the usual implicit nil return.
func (p *Parser) compileExpr(src string) (res VFun, err error) {
	p.beginSession(src)
	p.expr()
	p.emitBytes(byte(OpReturn))
	res = p.fun
	p.dumpChunk()
	p.Compiler = p.Compiler.enclosing
	return res, p.errors.ErrorOrNil()
}

func (p *Parser) beginSession(src string) {
	p.wrapCompiler(FScript)
	p.Scanner = NewScanner(src)
	p.advance()
}

func (p *Parser) currChunk() *Chunk { return p.fun.chunk }

func (p *Parser) emitBytes(bs ...byte) {
	for _, b := range bs {
		p.currChunk().Write(b, p.prev.Line)
	}
}

func (p *Parser) emitReturn() {
	if p.funType == FInit {
		p.emitBytes(byte(OpGetLocal), 0)
	} else {
		p.emitBytes(byte(OpNil))
	}
	p.emitBytes(byte(OpReturn))
}

func (p *Parser) endCompiler() (fun VFun, upvalues []Upvalue) {
	p.emitReturn()
	fun, upvalues = p.fun, p.upvalues
	p.dumpChunk()
	p.Compiler = p.Compiler.enclosing
	return
}

func (p *Parser) dumpChunk() {
	if debug.DEBUG {
		logrus.Debugln(p.currChunk().Disassemble(p.fun.Name()))
	}
}

func (p *Parser) identConst(name *Token) byte { return p.mkConst(NewVStr(name.String())) }

func (p *Parser) markInit() {
	if p.depth == 0 {
		return
	}
	p.locals[len(p.locals)-1].depth = p.depth
}

func (p *Parser) defVar(global *byte) {
	if global == nil || p.depth > 0 {
		// Local vars. Mark it as initialized.
		p.markInit()
		return
	}
	p.emitBytes(byte(OpDefGlobal), *global)
}

func (p *Parser) parseVar(errorMsg string) *byte {
	target := p.consume(TIdent, errorMsg)
	if target == nil {
		p.advance()
		return nil // Early return if the assignee is not valid.
	}
	p.declVar()
	if p.depth > 0 {
		return nil // Local vars are not resolved using `identConst`, but stay on the stack.
	}
	res := p.identConst(target)
	return &res
}

func (p *Parser) declVar() {
	if p.depth == 0 {
		return
	}
	name := p.prev
	// Search for the latest variable declaration of the same name.
	for i := len(p.locals) - 1; i >= 0; i-- {
		local := p.locals[i]
		if local.depth != Uninit && local.depth < p.depth {
			break // Variable shadowing in a deeper scope is allowed.
		}
		if name.Eq(local.name) {
			p.Error("already a variable with this name in this scope")
		}
	}
	p.addLocal(name)
}

func (p *Parser) beginLoop() (start int) {
	start = len(p.currChunk().code)
	p.loopStart = utils.Box(start)
	return
}

func (p *Parser) endLoop() {
	for _, hole := range p.loopEndHoles {
		p.patchJump(hole)
	}
	p.loopStart = nil
	p.loopEndHoles = p.loopEndHoles[:0]
}

func (p *Parser) isInLoop() bool { return p.loopStart != nil }
func (p *Parser) beginScope()    { p.depth++ }

func (p *Parser) endScope() {
	debug.Assertf(p.depth > 0, "endScope called at the top level")
	p.depth--
	for len(p.locals) > 0 && p.locals[len(p.locals)-1].depth > p.depth {
		if p.locals[len(p.locals)-1].isCaptured {
			p.emitBytes(byte(OpCloseUpvalue))
		} else {
			p.emitBytes(byte(OpPop))
		}
		p.locals = p.locals[:len(p.locals)-1]
	}
}

// resolveLocal searches comp's own locals top-down for name, erroring if the
// match is mid-initialization (`var a = a;`).
func (p *Parser) resolveLocal(comp *Compiler, name Token) (slot int) {
	for i := len(comp.locals) - 1; i >= 0; i-- {
		local := comp.locals[i]
		if name.Eq(local.name) {
			if local.depth == Uninit {
				p.Error("can't read local variable in its own initializer")
			}
			return i
		}
	}
	return Uninit
}

// resolveUpvalue recursively walks the frame chain: a local hit in the
// immediately enclosing frame is captured directly (and that local is
// flagged isCaptured so endScope emits CLOSE_UPVALUE for it); a hit further
// out is threaded through as a chain of upvalue-of-upvalue descriptors, one
// per frame in between.
func (p *Parser) resolveUpvalue(comp *Compiler, name Token) int {
	if comp.enclosing == nil {
		return Uninit
	}
	if local := p.resolveLocal(comp.enclosing, name); local != Uninit {
		comp.enclosing.locals[local].isCaptured = true
		return p.addUpvalue(comp, byte(local), true)
	}
	if upvalue := p.resolveUpvalue(comp.enclosing, name); upvalue != Uninit {
		return p.addUpvalue(comp, byte(upvalue), false)
	}
	return Uninit
}

func (p *Parser) addUpvalue(comp *Compiler, index byte, isLocal bool) int {
	for i, uv := range comp.upvalues {
		if uv.index == index && uv.isLocal == isLocal {
			return i
		}
	}
	if len(comp.upvalues) >= math.MaxUint8+1 {
		p.Error("too many closure variables in function")
		return 0
	}
	comp.upvalues = append(comp.upvalues, Upvalue{index, isLocal})
	comp.fun.upvalueCount = len(comp.upvalues)
	return len(comp.upvalues) - 1
}

func (p *Parser) emitJump(inst OpCode) (offset int) {
	p.emitBytes(byte(inst), 0xff, 0xff)
	return len(p.currChunk().code) - 2
}

func (p *Parser) patchJump(offset int) {
	code := p.currChunk().code
	// A jump uses 2 bytes to encode the offset, so
	// -2 to adjust for the bytecode for the jump offset itself:
	// [OpJump] [0xff@offset] [0xff@(offset+1)] [GOAL@(offset+2)] ... [CURR@(len-1)]
	jump := len(code) - (offset + 2) // The bytes to jump over.
	if jump > math.MaxUint16 {
		p.Error("too much code to jump over")
		return
	}
	code[offset], code[offset+1] = byte(jump>>8&0xff), byte(jump&0xff)
}

func (p *Parser) emitLoop(start int) {
	p.emitBytes(byte(OpLoop))
	code := p.currChunk().code
	// [start] ... [OpLoop@(len-1)] [backJump] [backJump] [CURR@(len+2)]
	backJump := len(code) + 2 - start // The bytes to jump backwards over.
	if backJump > math.MaxUint16 {
		p.Error("loop body too large")
		return
	}
	p.emitBytes(byte(backJump>>8&0xff), byte(backJump&0xff))
}

// MarkRoots implements the compiler's GC-root export contract: it walks the
// frame chain from the innermost Compiler outward, handing each frame's
// in-progress function object to mark. An embedder with its own allocator
// calls this before anything that might collect while compilation is still
// in flight (e.g. while interning a long-lived identifier string).
func (p *Parser) MarkRoots(mark func(Value)) {
	for c := p.Compiler; c != nil; c = c.enclosing {
		mark(c.fun)
	}
}

/* Precedence */

//go:generate stringer -type=Prec
type Prec int

const (
	PrecNone   Prec = iota
	PrecAssign      // =
	PrecOr          // or
	PrecAnd         // and
	PrecEqual       // == !=
	PrecComp        // < > <= >=
	PrecTerm        // + -
	PrecFactor      // * /
	PrecUnary       // ! -
	PrecCall        // . ()
	PrecPrimary
)

/* Error handling */

func (p *Parser) sync() {
	p.panicMode = false
	for !p.check(TEOF) && !p.checkPrev(TSemi) {
		switch p.curr.Type {
		case TClass, TFun, TVar, TFor, TIf, TWhile, TPrint, TReturn:
			return
		default:
			p.advance()
		}
	}
}

func (p *Parser) ErrorAt(tk Token, reason string) {
	// Don't collect error when we're syncing.
	if p.panicMode {
		return
	}
	p.panicMode = true

	var tkStr string
	switch tk.Type {
	case TEOF:
		tkStr = "EOF"
	case TIdent:
		tkStr = fmt.Sprintf("identifier `%v`", tk)
	default:
		tkStr = fmt.Sprintf("`%v`", tk)
	}
	reason1 := fmt.Sprintf("at %s, %s", tkStr, reason)
	err := &e.CompilationError{Line: tk.Line, Reason: reason1}

	if debug.DEBUG {
		logrus.Debugln(p.currChunk().Disassemble("ErrorAt"))
		logrus.Debugln(err)
	}

	p.errors = multierror.Append(p.errors, err)
}

func (p *Parser) Error(reason string)       { p.ErrorAt(p.prev, reason) }
func (p *Parser) ErrorAtCurr(reason string) { p.ErrorAt(p.curr, reason) }
func (p *Parser) HadError() bool            { return p.errors.ErrorOrNil() != nil }
