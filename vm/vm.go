package vm

import (
	"fmt"
	"io"
	"time"

	"github.com/chzyer/readline"
	"github.com/rami3l/golox/debug"
	e "github.com/rami3l/golox/errors"
	"github.com/rami3l/golox/utils"
	"github.com/sirupsen/logrus"
)

const framesMax = 2048

// CallFrame is one live invocation: the closure it's executing, its
// instruction cursor into that closure's chunk, and the index into the VM's
// shared stack where its locals begin (slot 0 is always the callee itself,
// or the bound receiver for a method/initializer).
type CallFrame struct {
	closure *VClosure
	ip      int
	base    int
}

func (f *CallFrame) chunk() *Chunk { return f.closure.fun.chunk }

func (f *CallFrame) readByte() (res byte) {
	res = f.chunk().code[f.ip]
	f.ip++
	return
}

func (f *CallFrame) readShort() int {
	hi, lo := f.readByte(), f.readByte()
	return int(hi)<<8 | int(lo)
}

func (f *CallFrame) readConst() Value { return f.chunk().consts[f.readByte()] }

// VM is a single-threaded bytecode interpreter: a call-frame stack, a value
// stack shared by every frame, the global variable table, and the head of
// the linked list of still-open upvalues (sorted by descending stack index,
// clox-style, so capture/close can early-exit without scanning the tail).
type VM struct {
	frames       []CallFrame
	stack        []Value
	globals      map[string]Value
	openUpvalues *VUpvalue
}

func NewVM() *VM {
	vm := &VM{globals: map[string]Value{}}
	vm.defineNative("clock", func(_ []Value) (Value, error) {
		return VNum(float64(time.Now().UnixNano()) / 1e9), nil
	})
	return vm
}

func (vm *VM) defineNative(name string, fn func(args []Value) (Value, error)) {
	vm.globals[name] = &VNative{name: name, fn: fn}
}

func (vm *VM) push(v Value) { vm.stack = append(vm.stack, v) }

func (vm *VM) pop() (last Value) {
	len_ := len(vm.stack)
	debug.Assertf(len_ > 0, "pop from an empty stack")
	vm.stack, last = vm.stack[:len_-1], vm.stack[len_-1]
	return
}

func (vm *VM) peek(distance int) Value { return vm.stack[len(vm.stack)-1-distance] }

// REPL reads lines with github.com/chzyer/readline and echoes each
// expression's value, relying on Interpret's isREPL fallback to compile a
// bare expression as well as a full declaration list.
func (vm *VM) REPL() error {
	rl, err := readline.New(">> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		switch err {
		case nil:
			// Continue below.
		case io.EOF, readline.ErrInterrupt:
			return nil
		default:
			return err
		}

		val, err := vm.Interpret(line, true)
		if err != nil {
			logrus.Errorln(err)
			continue
		}
		fmt.Printf("%s\n", val)
	}
}

// Interpret compiles src and runs it to completion, returning the value of
// its (possibly implicit, REPL-only) trailing expression.
func (vm *VM) Interpret(src string, isREPL bool) (Value, error) {
	parser := NewParser()
	fun, err := parser.Compile(src, isREPL)
	if err != nil {
		return VNil{}, err
	}

	closure := NewVClosure(fun)
	vm.push(closure)
	if err := vm.call(closure, 0); err != nil {
		vm.stack, vm.frames = nil, nil
		return VNil{}, err
	}

	val, err := vm.run()
	if err != nil {
		vm.stack, vm.frames = nil, nil
	}
	return val, err
}

func (vm *VM) callValue(callee Value, argCount int) error {
	switch c := callee.(type) {
	case *VClosure:
		return vm.call(c, argCount)

	case *VNative:
		args := vm.stack[len(vm.stack)-argCount:]
		res, err := c.fn(args)
		if err != nil {
			return err
		}
		vm.stack = vm.stack[:len(vm.stack)-argCount-1]
		vm.push(res)
		return nil

	case *VClass:
		vm.stack[len(vm.stack)-argCount-1] = NewVInstance(c)
		if init, ok := c.methods["init"]; ok {
			return vm.call(init, argCount)
		}
		if argCount != 0 {
			return vm.runtimeErrorf("expected 0 arguments but got %d", argCount)
		}
		return nil

	case *VBoundMethod:
		vm.stack[len(vm.stack)-argCount-1] = c.receiver
		return vm.call(c.method, argCount)

	default:
		return vm.runtimeErrorf("can only call functions and classes")
	}
}

func (vm *VM) call(closure *VClosure, argCount int) error {
	if argCount != closure.fun.arity {
		return vm.runtimeErrorf("expected %d arguments but got %d", closure.fun.arity, argCount)
	}
	if len(vm.frames) >= framesMax {
		return vm.runtimeErrorf("stack overflow")
	}
	base := len(vm.stack) - argCount - 1
	vm.frames = append(vm.frames, CallFrame{closure: closure, base: base})
	return nil
}

func (vm *VM) invoke(name string, argCount int) error {
	instance, ok := vm.peek(argCount).(*VInstance)
	if !ok {
		return vm.runtimeErrorf("only instances have methods")
	}
	if val, ok := instance.fields[name]; ok {
		vm.stack[len(vm.stack)-argCount-1] = val
		return vm.callValue(val, argCount)
	}
	return vm.invokeFromClass(instance.class, name, argCount)
}

func (vm *VM) invokeFromClass(class *VClass, name string, argCount int) error {
	method, ok := class.methods[name]
	if !ok {
		return vm.runtimeErrorf("undefined property '%s'", name)
	}
	return vm.call(method, argCount)
}

// captureUpvalue returns the (possibly pre-existing) open upvalue for the
// given absolute stack index, inserting a fresh one into the
// descending-by-index list if none is found.
func (vm *VM) captureUpvalue(index int) *VUpvalue {
	var prev *VUpvalue
	curr := vm.openUpvalues
	for curr != nil && curr.index > index {
		prev, curr = curr, curr.next
	}
	if curr != nil && curr.index == index {
		return curr
	}

	created := NewVUpvalue(&vm.stack, index)
	created.next = curr
	if prev == nil {
		vm.openUpvalues = created
	} else {
		prev.next = created
	}
	return created
}

// closeUpvalues closes every open upvalue referencing a stack slot at or
// above last, copying its value out of the stack before that slot is
// dropped.
func (vm *VM) closeUpvalues(last int) {
	for vm.openUpvalues != nil && vm.openUpvalues.index >= last {
		uv := vm.openUpvalues
		uv.close()
		vm.openUpvalues = uv.next
	}
}

func (vm *VM) run() (Value, error) {
	for {
		frame := &vm.frames[len(vm.frames)-1]

		if debug.DEBUG {
			logrus.Debugln(vm.stackTrace())
			instDump, _ := frame.chunk().DisassembleInst(frame.ip)
			logrus.Debugln(instDump)
		}

		switch inst := OpCode(frame.readByte()); inst {
		case OpConst:
			vm.push(frame.readConst())
		case OpNil:
			vm.push(VNil{})
		case OpTrue:
			vm.push(VBool(true))
		case OpFalse:
			vm.push(VBool(false))
		case OpPop:
			vm.pop()

		case OpGetLocal:
			vm.push(vm.stack[frame.base+int(frame.readByte())])
		case OpSetLocal:
			vm.stack[frame.base+int(frame.readByte())] = vm.peek(0)

		case OpGetGlobal:
			name := string(frame.readConst().(VStr))
			val, ok := vm.globals[name]
			if !ok {
				return VNil{}, vm.runtimeErrorf("undefined variable '%s'", name)
			}
			vm.push(val)
		case OpDefGlobal:
			name := string(frame.readConst().(VStr))
			vm.globals[name] = vm.pop()
		case OpSetGlobal:
			name := string(frame.readConst().(VStr))
			if _, ok := vm.globals[name]; !ok {
				return VNil{}, vm.runtimeErrorf("undefined variable '%s'", name)
			}
			vm.globals[name] = vm.peek(0)

		case OpGetUpvalue:
			vm.push(frame.closure.upvalues[frame.readByte()].get())
		case OpSetUpvalue:
			frame.closure.upvalues[frame.readByte()].set(vm.peek(0))

		case OpGetProperty:
			name := string(frame.readConst().(VStr))
			instance, ok := vm.peek(0).(*VInstance)
			if !ok {
				return VNil{}, vm.runtimeErrorf("only instances have properties")
			}
			if val, ok := instance.fields[name]; ok {
				vm.pop()
				vm.push(val)
			} else if method, ok := instance.class.methods[name]; ok {
				vm.pop()
				vm.push(NewVBoundMethod(instance, method))
			} else {
				return VNil{}, vm.runtimeErrorf("undefined property '%s'", name)
			}
		case OpSetProperty:
			name := string(frame.readConst().(VStr))
			instance, ok := vm.peek(1).(*VInstance)
			if !ok {
				return VNil{}, vm.runtimeErrorf("only instances have fields")
			}
			val := vm.pop()
			instance.fields[name] = val
			vm.pop()
			vm.push(val)
		case OpGetSuper:
			name := string(frame.readConst().(VStr))
			superclass := vm.pop().(*VClass)
			method, ok := superclass.methods[name]
			if !ok {
				return VNil{}, vm.runtimeErrorf("undefined property '%s'", name)
			}
			receiver := vm.pop()
			vm.push(NewVBoundMethod(receiver, method))

		case OpEqual:
			rhs, lhs := vm.pop(), vm.pop()
			vm.push(VEq(lhs, rhs))
		case OpGreater:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VGreater(lhs, rhs)
			if !ok {
				return VNil{}, vm.runtimeErrorf("operands must be numbers")
			}
			vm.push(res)
		case OpLess:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VLess(lhs, rhs)
			if !ok {
				return VNil{}, vm.runtimeErrorf("operands must be numbers")
			}
			vm.push(res)
		case OpNot:
			vm.push(!VTruthy(vm.pop()))
		case OpNeg:
			res, ok := VNeg(vm.pop())
			if !ok {
				return VNil{}, vm.runtimeErrorf("operand must be a number")
			}
			vm.push(res)
		case OpAdd:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VAdd(lhs, rhs)
			if !ok {
				return VNil{}, vm.runtimeErrorf("operands must be two numbers or two strings")
			}
			vm.push(res)
		case OpSub:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VSub(lhs, rhs)
			if !ok {
				return VNil{}, vm.runtimeErrorf("operands must be numbers")
			}
			vm.push(res)
		case OpMul:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VMul(lhs, rhs)
			if !ok {
				return VNil{}, vm.runtimeErrorf("operands must be numbers")
			}
			vm.push(res)
		case OpDiv:
			rhs, lhs := vm.pop(), vm.pop()
			res, ok := VDiv(lhs, rhs)
			if !ok {
				return VNil{}, vm.runtimeErrorf("operands must be numbers")
			}
			vm.push(res)

		case OpPrint:
			fmt.Printf("%s\n", vm.pop())

		case OpJump:
			offset := frame.readShort()
			frame.ip += offset
		case OpJumpUnless:
			offset := frame.readShort()
			if !bool(VTruthy(vm.peek(0))) {
				frame.ip += offset
			}
		case OpLoop:
			offset := frame.readShort()
			frame.ip -= offset

		case OpCall:
			argCount := int(frame.readByte())
			if err := vm.callValue(vm.peek(argCount), argCount); err != nil {
				return VNil{}, err
			}
		case OpInvoke:
			name := string(frame.readConst().(VStr))
			argCount := int(frame.readByte())
			if err := vm.invoke(name, argCount); err != nil {
				return VNil{}, err
			}
		case OpSuperInvoke:
			name := string(frame.readConst().(VStr))
			argCount := int(frame.readByte())
			superclass := vm.pop().(*VClass)
			if err := vm.invokeFromClass(superclass, name, argCount); err != nil {
				return VNil{}, err
			}

		case OpClosure:
			fun := frame.readConst().(VFun)
			closure := NewVClosure(fun)
			for i := 0; i < fun.upvalueCount; i++ {
				isLocal := utils.IntToBool(frame.readByte())
				index := int(frame.readByte())
				if isLocal {
					closure.upvalues[i] = vm.captureUpvalue(frame.base + index)
				} else {
					closure.upvalues[i] = frame.closure.upvalues[index]
				}
			}
			vm.push(closure)
		case OpCloseUpvalue:
			vm.closeUpvalues(len(vm.stack) - 1)
			vm.pop()

		case OpClass:
			vm.push(NewVClass(string(frame.readConst().(VStr))))
		case OpInherit:
			superclass, ok := vm.peek(1).(*VClass)
			if !ok {
				return VNil{}, vm.runtimeErrorf("superclass must be a class")
			}
			subclass := vm.peek(0).(*VClass)
			for name, method := range superclass.methods {
				subclass.methods[name] = method
			}
			vm.pop() // The subclass's temporary copy; the superclass stays as the "super" local.
		case OpMethod:
			name := string(frame.readConst().(VStr))
			method := vm.pop().(*VClosure)
			class := vm.peek(0).(*VClass)
			class.methods[name] = method

		case OpReturn:
			result := vm.pop()
			base := frame.base
			vm.closeUpvalues(base)
			vm.frames = vm.frames[:len(vm.frames)-1]
			vm.stack = vm.stack[:base]
			if len(vm.frames) == 0 {
				return result, nil
			}
			vm.push(result)

		default:
			return VNil{}, vm.runtimeErrorf("unknown instruction '%d'", inst)
		}
	}
}

func (vm *VM) runtimeErrorf(format string, args ...any) error {
	frame := &vm.frames[len(vm.frames)-1]
	line := frame.chunk().lines[frame.ip-1]
	return &e.RuntimeError{Line: line, Reason: fmt.Sprintf(format, args...)}
}

func (vm *VM) stackTrace() string {
	res := "          "
	for _, slot := range vm.stack {
		res += fmt.Sprintf("[ %s ]", slot)
	}
	return res
}
