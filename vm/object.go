package vm

import "fmt"

// VFun is a compile-time-produced function object: arity, the upvalue count
// its closures must allocate, and the chunk the compiler emitted into it.
// It is published into a constant pool by the compiler and wrapped in a
// VClosure before the VM ever calls it.
type VFun struct {
	name         *string
	arity        int
	upvalueCount int
	chunk        *Chunk
}

func NewVFun() VFun { return VFun{chunk: NewChunk()} }

func (VFun) isValue() {}

func (f VFun) Name() string {
	if f.name == nil {
		return "<script>"
	}
	return *f.name
}

func (f VFun) String() string {
	if f.name == nil {
		return "<script>"
	}
	return fmt.Sprintf("<fn %s>", *f.name)
}

// VClosure pairs a VFun with the upvalues it captured at closure-creation
// time. This is the value every CALL/INVOKE actually dispatches to.
type VClosure struct {
	fun      VFun
	upvalues []*VUpvalue
}

func NewVClosure(fun VFun) *VClosure {
	return &VClosure{fun: fun, upvalues: make([]*VUpvalue, fun.upvalueCount)}
}

func (*VClosure) isValue()         {}
func (c *VClosure) String() string { return c.fun.String() }

// VUpvalue is a runtime cell referencing a captured variable. While open, it
// indexes into the VM's own growable stack via a pointer to the slice header
// (stable across the stack's internal reallocation on append) rather than a
// pointer straight into a slot, since that slot's backing array can move.
// CLOSE_UPVALUE copies the value out and flips it closed so the stack frame
// owning that slot can be popped safely.
type VUpvalue struct {
	stack    *[]Value
	index    int
	closed   Value
	isClosed bool
	next     *VUpvalue
}

func NewVUpvalue(stack *[]Value, index int) *VUpvalue {
	return &VUpvalue{stack: stack, index: index}
}

func (*VUpvalue) isValue() {}

func (u *VUpvalue) get() Value {
	if u.isClosed {
		return u.closed
	}
	return (*u.stack)[u.index]
}

func (u *VUpvalue) set(v Value) {
	if u.isClosed {
		u.closed = v
		return
	}
	(*u.stack)[u.index] = v
}

func (u *VUpvalue) close() {
	u.closed = (*u.stack)[u.index]
	u.isClosed = true
	u.stack = nil
}

// VNative is a host-provided function exposed as a Lox global.
type VNative struct {
	name string
	fn   func(args []Value) (Value, error)
}

func (*VNative) isValue()         {}
func (n *VNative) String() string { return fmt.Sprintf("<native fn %s>", n.name) }

// VClass is a runtime class: its own compiled methods plus whatever it
// inherited at INHERIT time (copied in, clox-style, so method lookup stays a
// flat map probe instead of walking a superclass chain at call time).
type VClass struct {
	name    string
	methods map[string]*VClosure
}

func NewVClass(name string) *VClass {
	return &VClass{name: name, methods: make(map[string]*VClosure)}
}

func (*VClass) isValue()         {}
func (c *VClass) String() string { return fmt.Sprintf("<class %s>", c.name) }

// VInstance is a heap object of a VClass with its own field table.
type VInstance struct {
	class  *VClass
	fields map[string]Value
}

func NewVInstance(class *VClass) *VInstance {
	return &VInstance{class: class, fields: make(map[string]Value)}
}

func (*VInstance) isValue()         {}
func (i *VInstance) String() string { return fmt.Sprintf("<instanceof %s>", i.class.name) }

// VBoundMethod pairs a receiver instance with one of its class's closures,
// produced whenever a method is read off an instance without being invoked
// in the same expression (`var s = obj.method;`).
type VBoundMethod struct {
	receiver Value
	method   *VClosure
}

func NewVBoundMethod(receiver Value, method *VClosure) *VBoundMethod {
	return &VBoundMethod{receiver: receiver, method: method}
}

func (*VBoundMethod) isValue()         {}
func (b *VBoundMethod) String() string { return b.method.String() }
