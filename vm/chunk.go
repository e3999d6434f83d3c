package vm

import "fmt"

//go:generate stringer -type=OpCode
type OpCode byte

const (
	OpReturn OpCode = iota
	OpConst
	OpNil
	OpTrue
	OpFalse
	OpPop
	OpGetLocal
	OpSetLocal
	OpGetUpvalue
	OpSetUpvalue
	OpGetGlobal
	OpDefGlobal
	OpSetGlobal
	OpGetProperty
	OpSetProperty
	OpGetSuper
	OpEqual
	OpGreater
	OpLess
	OpNot
	OpNeg
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpPrint
	OpJump
	OpJumpUnless
	OpLoop
	OpCall
	OpInvoke
	OpSuperInvoke
	OpClosure
	OpCloseUpvalue
	OpClass
	OpInherit
	OpMethod
)

// byteOperandOps take a single constant-pool-index or local/upvalue-slot operand.
var byteOperandOps = map[OpCode]bool{
	OpConst:       true,
	OpGetLocal:    true,
	OpSetLocal:    true,
	OpGetUpvalue:  true,
	OpSetUpvalue:  true,
	OpGetGlobal:   true,
	OpDefGlobal:   true,
	OpSetGlobal:   true,
	OpGetProperty: true,
	OpSetProperty: true,
	OpGetSuper:    true,
	OpClass:       true,
	OpMethod:      true,
}

// jumpOps take a 2-byte big-endian offset operand.
var jumpOps = map[OpCode]bool{
	OpJump:       true,
	OpJumpUnless: true,
	OpLoop:       true,
}

// invokeOps take a constant-pool-index operand followed by an arg count byte.
var invokeOps = map[OpCode]bool{
	OpInvoke:      true,
	OpSuperInvoke: true,
}

type Chunk struct {
	code []byte
	// Contract: len(lines) == len(code)
	lines  []int
	consts []Value
}

func NewChunk() *Chunk { return &Chunk{} }

func (c *Chunk) Write(b byte, line int) {
	c.code = append(c.code, b)
	c.lines = append(c.lines, line)
}

func (c *Chunk) AddConst(const_ Value) (idx int) {
	idx = len(c.consts)
	c.consts = append(c.consts, const_)
	return
}

func (c *Chunk) DisassembleInst(offset int) (res string, newOffset int) {
	sprintf := func(format string, a ...any) { res += fmt.Sprintf(format, a...) }

	sprintf("%04d ", offset)
	if offset > 0 && c.lines[offset] == c.lines[offset-1] {
		sprintf("   | ")
	} else {
		sprintf("%4d ", c.lines[offset])
	}

	inst := OpCode(c.code[offset])
	switch {
	case inst == OpCall:
		argc := c.code[offset+1]
		sprintf("%-16s %4d", inst, argc)
		return res, offset + 2

	case invokeOps[inst]:
		const_ := c.code[offset+1]
		argc := c.code[offset+2]
		sprintf("%-16s %4d '%s' (%d args)", inst, const_, c.consts[const_], argc)
		return res, offset + 3

	case inst == OpClosure:
		const_ := c.code[offset+1]
		sprintf("%-16s %4d '%s'", inst, const_, c.consts[const_])
		newOffset = offset + 2
		if fun, ok := c.consts[const_].(VFun); ok {
			for i := 0; i < fun.upvalueCount; i++ {
				isLocal := c.code[newOffset]
				index := c.code[newOffset+1]
				kind := "upvalue"
				if isLocal != 0 {
					kind = "local"
				}
				sprintf("\n%04d    |                     %s %d", newOffset, kind, index)
				newOffset += 2
			}
		}
		return res, newOffset

	case jumpOps[inst]:
		hi, lo := c.code[offset+1], c.code[offset+2]
		jump := int(hi)<<8 | int(lo)
		sign := 1
		if inst == OpLoop {
			sign = -1
		}
		sprintf("%-16s %4d -> %d", inst, offset, offset+3+sign*jump)
		return res, offset + 3

	case byteOperandOps[inst]:
		const_ := c.code[offset+1]
		extra := ""
		if int(const_) < len(c.consts) {
			extra = fmt.Sprintf(" '%s'", c.consts[const_])
		}
		sprintf("%-16s %4d%s", inst, const_, extra)
		return res, offset + 2

	default:
		sprintf("%s", inst)
		return res, offset + 1
	}
}

func (c *Chunk) Disassemble(name string) (res string) {
	res = fmt.Sprintf("== %s ==\n", name)
	for i := 0; i < len(c.code); {
		var delta string
		delta, i = c.DisassembleInst(i)
		res += delta + "\n"
	}
	return res
}
