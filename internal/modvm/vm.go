package modvm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/axrxvm/aos/internal/capctx"
	"github.com/axrxvm/aos/internal/log"
)

// Bounds from spec.md §3/§4.7.
const (
	DataStackSize = 256
	LocalsSize    = 64
	CallStackSize = 32
)

// Status is the VM's run state.
type Status uint8

const (
	StatusRunning Status = iota
	StatusHalted
	StatusError
	StatusBreakpoint
)

// Error codes, negative per the kernel-wide ABI convention.
const (
	ErrNone      = 0
	ErrDiv0      = -1
	ErrStack     = -2
	ErrOpcode    = -3
	ErrCall      = -4
	ErrAPI       = -5
	ErrAddr      = -6
)

var errHalt = errors.New("modvm: halted")

// MemoryWindow bounds the addresses a module's load/store opcodes may
// touch. [NewInstance] sets it to the data+bss region only; the code
// section is not addressable by load/store.
type MemoryWindow struct {
	Lo, Hi uint32 // [Lo, Hi), byte addresses.
}

func (w MemoryWindow) contains(addr uint32, size uint32) bool {
	return addr >= w.Lo && uint64(addr)+uint64(size) <= uint64(w.Hi)
}

// APIFunc is one entry of the module's capability-checked API table,
// invoked by call_api.
type APIFunc struct {
	Capability capctx.Capability
	Fn         func(vm *Instance) error
}

// frame is one call-stack entry: the return PC and the frame pointer to
// restore on return.
type frame struct {
	returnPC int
	fp       int
}

// Instance is one VM module's execution state, per spec.md §3's
// ModuleVMInstance.
type Instance struct {
	Code []byte
	Data []byte // Flat data+bss region addressed by load/store opcodes.

	stack  [DataStackSize]int32
	sp     int
	locals [LocalsSize]int32
	calls  [CallStackSize]frame
	csp    int

	pc     int
	status Status
	errno  int
	lastRet int32

	window MemoryWindow
	api    []APIFunc
	ctx    *capctx.Context
	args   []int32

	log *log.Logger
}

// NewInstance creates a VM instance ready to execute code, with data
// addressable in [0, len(data)) and the given capability API table.
func NewInstance(code, data []byte, api []APIFunc, ctx *capctx.Context) *Instance {
	return &Instance{
		Code:   code,
		Data:   data,
		window: MemoryWindow{Lo: 0, Hi: uint32(len(data))},
		api:    api,
		ctx:    ctx,
		log:    log.Component("MODVM"),
	}
}

// BindContext attaches a capability context to an instance created before
// the context was available, e.g. because the context's owning PCB did
// not exist until the module's task was created. Must be called before
// the first call_api opcode executes.
func (vm *Instance) BindContext(ctx *capctx.Context) {
	vm.ctx = ctx
}

// Status returns the instance's current run status.
func (vm *Instance) Status() Status { return vm.status }

// Errno returns the last error code set (zero if none).
func (vm *Instance) Errno() int { return vm.errno }

// LastReturn returns the instance's last return value (set by ret).
func (vm *Instance) LastReturn() int32 { return vm.lastRet }

// SetArgs sets the argument words readable by push_arg.
func (vm *Instance) SetArgs(args []int32) { vm.args = args }

func (vm *Instance) fail(code int) error {
	vm.status = StatusError
	vm.errno = code

	return fmt.Errorf("modvm: %w: code=%d pc=%d", errHalt, code, vm.pc)
}

func (vm *Instance) push(v int32) error {
	if vm.sp >= DataStackSize {
		return vm.fail(ErrStack)
	}

	vm.stack[vm.sp] = v
	vm.sp++

	return nil
}

func (vm *Instance) pop() (int32, error) {
	if vm.sp <= 0 {
		return 0, vm.fail(ErrStack)
	}

	vm.sp--

	return vm.stack[vm.sp], nil
}

func (vm *Instance) fetch32() (int32, error) {
	if vm.pc+4 > len(vm.Code) {
		return 0, vm.fail(ErrOpcode)
	}

	v := int32(binary.LittleEndian.Uint32(vm.Code[vm.pc:]))
	vm.pc += 4

	return v, nil
}

func (vm *Instance) fetch16() (uint16, error) {
	if vm.pc+2 > len(vm.Code) {
		return 0, vm.fail(ErrOpcode)
	}

	v := binary.LittleEndian.Uint16(vm.Code[vm.pc:])
	vm.pc += 2

	return v, nil
}

// Run executes instructions until the VM halts, errors, or hits a
// breakpoint, and returns the instance's final status.
func (vm *Instance) Run() Status {
	for vm.status == StatusRunning {
		vm.Step()
	}

	return vm.status
}

// RunFrom resumes execution at pc rather than wherever the program counter
// currently sits, used to invoke a specific entry point such as init(ctx)
// or cleanup(ctx) instead of running from the top of the code section.
func (vm *Instance) RunFrom(pc int) Status {
	vm.pc = pc
	vm.status = StatusRunning

	return vm.Run()
}

// Step executes a single instruction. Callers that need breakpoint-level
// single-stepping (a future KRM/debugger integration) call this directly
// instead of Run.
func (vm *Instance) Step() {
	if vm.status != StatusRunning {
		return
	}

	if vm.pc < 0 || vm.pc >= len(vm.Code) {
		vm.fail(ErrOpcode)
		return
	}

	op := Opcode(vm.Code[vm.pc])
	vm.pc++

	if err := vm.execute(op); err != nil {
		return
	}
}

func (vm *Instance) execute(op Opcode) error {
	switch op {
	case OpPushImm:
		v, err := vm.fetch32()
		if err != nil {
			return err
		}

		return vm.push(v)

	case OpPushStr:
		v, err := vm.fetch16()
		if err != nil {
			return err
		}

		return vm.push(int32(v))

	case OpPushArg:
		idx, err := vm.fetch16()
		if err != nil {
			return err
		}

		if int(idx) >= len(vm.args) {
			return vm.fail(ErrStack)
		}

		return vm.push(vm.args[idx])

	case OpPop:
		_, err := vm.pop()
		return err

	case OpDup:
		if vm.sp <= 0 {
			return vm.fail(ErrStack)
		}

		return vm.push(vm.stack[vm.sp-1])

	case OpSwap:
		if vm.sp < 2 {
			return vm.fail(ErrStack)
		}

		vm.stack[vm.sp-1], vm.stack[vm.sp-2] = vm.stack[vm.sp-2], vm.stack[vm.sp-1]

		return nil

	case OpLoadLocal:
		idx, err := vm.fetch16()
		if err != nil {
			return err
		}

		if int(idx) >= LocalsSize {
			return vm.fail(ErrStack)
		}

		return vm.push(vm.locals[idx])

	case OpStoreLocal:
		idx, err := vm.fetch16()
		if err != nil {
			return err
		}

		v, err := vm.pop()
		if err != nil {
			return err
		}

		if int(idx) >= LocalsSize {
			return vm.fail(ErrStack)
		}

		vm.locals[idx] = v

		return nil

	case OpLoadGlobal, OpStoreGlobal:
		return vm.execMemWord(op)

	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		return vm.execArith(op)

	case OpNeg:
		v, err := vm.pop()
		if err != nil {
			return err
		}

		return vm.push(-v)

	case OpInc:
		v, err := vm.pop()
		if err != nil {
			return err
		}

		return vm.push(v + 1)

	case OpDec:
		v, err := vm.pop()
		if err != nil {
			return err
		}

		return vm.push(v - 1)

	case OpAnd, OpOr, OpXor, OpShl, OpShr:
		return vm.execBitwise(op)

	case OpNot:
		v, err := vm.pop()
		if err != nil {
			return err
		}

		return vm.push(^v)

	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return vm.execCompare(op)

	case OpJmp, OpJz, OpJnz:
		return vm.execJump(op)

	case OpCall:
		return vm.execCall()

	case OpCallAPI:
		return vm.execCallAPI()

	case OpRet:
		return vm.execRet()

	case OpLoad8, OpLoad16, OpLoad32, OpStore8, OpStore16, OpStore32:
		return vm.execMemAccess(op)

	case OpSyscall:
		return nil // Syscall marshalling is owned by the kernel's trap bridge, not the VM core.

	case OpBreakpoint:
		vm.status = StatusBreakpoint
		return errHalt

	case OpHalt:
		vm.status = StatusHalted
		return errHalt

	default:
		return vm.fail(ErrOpcode)
	}
}

func (vm *Instance) execArith(op Opcode) error {
	b, err := vm.pop()
	if err != nil {
		return err
	}

	a, err := vm.pop()
	if err != nil {
		return err
	}

	switch op {
	case OpAdd:
		return vm.push(a + b)
	case OpSub:
		return vm.push(a - b)
	case OpMul:
		return vm.push(a * b)
	case OpDiv:
		if b == 0 {
			return vm.fail(ErrDiv0)
		}

		return vm.push(a / b)
	case OpMod:
		if b == 0 {
			return vm.fail(ErrDiv0)
		}

		return vm.push(a % b)
	}

	return vm.fail(ErrOpcode)
}

func (vm *Instance) execBitwise(op Opcode) error {
	b, err := vm.pop()
	if err != nil {
		return err
	}

	a, err := vm.pop()
	if err != nil {
		return err
	}

	switch op {
	case OpAnd:
		return vm.push(a & b)
	case OpOr:
		return vm.push(a | b)
	case OpXor:
		return vm.push(a ^ b)
	case OpShl:
		return vm.push(a << uint32(b))
	case OpShr:
		return vm.push(a >> uint32(b))
	}

	return vm.fail(ErrOpcode)
}

func (vm *Instance) execCompare(op Opcode) error {
	b, err := vm.pop()
	if err != nil {
		return err
	}

	a, err := vm.pop()
	if err != nil {
		return err
	}

	var result bool

	switch op {
	case OpEq:
		result = a == b
	case OpNe:
		result = a != b
	case OpLt:
		result = a < b
	case OpLe:
		result = a <= b
	case OpGt:
		result = a > b
	case OpGe:
		result = a >= b
	}

	if result {
		return vm.push(1)
	}

	return vm.push(0)
}

func (vm *Instance) execJump(op Opcode) error {
	target, err := vm.fetch32()
	if err != nil {
		return err
	}

	switch op {
	case OpJmp:
		vm.pc = int(target)
		return nil

	case OpJz, OpJnz:
		cond, err := vm.pop()
		if err != nil {
			return err
		}

		if (op == OpJz && cond == 0) || (op == OpJnz && cond != 0) {
			vm.pc = int(target)
		}

		return nil
	}

	return vm.fail(ErrOpcode)
}

func (vm *Instance) execCall() error {
	target, err := vm.fetch32()
	if err != nil {
		return err
	}

	if vm.csp >= CallStackSize {
		return vm.fail(ErrCall)
	}

	vm.calls[vm.csp] = frame{returnPC: vm.pc, fp: vm.sp}
	vm.csp++
	vm.pc = int(target)

	return nil
}

func (vm *Instance) execRet() error {
	v, err := vm.pop()
	if err != nil {
		return err
	}

	if vm.csp <= 0 {
		return vm.fail(ErrCall)
	}

	vm.csp--
	f := vm.calls[vm.csp]
	vm.pc = f.returnPC
	vm.lastRet = v

	return nil
}

// execCallAPI pops an API index, checks the module's capability against
// the entry's required bit, and invokes it. Per spec.md §4.7, a missing
// capability halts the module with ErrAPI rather than failing the single
// call.
func (vm *Instance) execCallAPI() error {
	idxVal, err := vm.pop()
	if err != nil {
		return err
	}

	idx := int(idxVal)
	if idx < 0 || idx >= len(vm.api) {
		return vm.fail(ErrAPI)
	}

	entry := vm.api[idx]

	var granted capctx.Capability
	if vm.ctx != nil {
		granted = vm.ctx.Granted
	}

	if granted&entry.Capability != entry.Capability {
		return vm.fail(ErrAPI)
	}

	if err := entry.Fn(vm); err != nil {
		return vm.fail(ErrAPI)
	}

	return nil
}

// execMemWord implements load_global/store_global, treated as 32-bit
// word access at a fixed global-variable index rather than a byte
// address.
func (vm *Instance) execMemWord(op Opcode) error {
	idx, err := vm.fetch16()
	if err != nil {
		return err
	}

	addr := uint32(idx) * 4

	switch op {
	case OpLoadGlobal:
		v, err := vm.readWindow(addr, 4)
		if err != nil {
			return err
		}

		return vm.push(int32(v))

	case OpStoreGlobal:
		v, err := vm.pop()
		if err != nil {
			return err
		}

		return vm.writeWindow(addr, 4, uint32(v))
	}

	return vm.fail(ErrOpcode)
}

// execMemAccess implements the absolute-address byte/halfword/word
// load/store opcodes, validating every address against the module's
// declared memory window per spec.md §4.7.
func (vm *Instance) execMemAccess(op Opcode) error {
	addrVal, err := vm.fetch32()
	if err != nil {
		return err
	}

	addr := uint32(addrVal)

	switch op {
	case OpLoad8:
		v, err := vm.readWindow(addr, 1)
		if err != nil {
			return err
		}

		return vm.push(int32(v))

	case OpLoad16:
		v, err := vm.readWindow(addr, 2)
		if err != nil {
			return err
		}

		return vm.push(int32(v))

	case OpLoad32:
		v, err := vm.readWindow(addr, 4)
		if err != nil {
			return err
		}

		return vm.push(int32(v))

	case OpStore8:
		v, err := vm.pop()
		if err != nil {
			return err
		}

		return vm.writeWindow(addr, 1, uint32(v))

	case OpStore16:
		v, err := vm.pop()
		if err != nil {
			return err
		}

		return vm.writeWindow(addr, 2, uint32(v))

	case OpStore32:
		v, err := vm.pop()
		if err != nil {
			return err
		}

		return vm.writeWindow(addr, 4, uint32(v))
	}

	return vm.fail(ErrOpcode)
}

func (vm *Instance) readWindow(addr uint32, size uint32) (uint32, error) {
	if !vm.window.contains(addr, size) {
		return 0, vm.fail(ErrAddr)
	}

	switch size {
	case 1:
		return uint32(vm.Data[addr]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(vm.Data[addr:])), nil
	default:
		return binary.LittleEndian.Uint32(vm.Data[addr:]), nil
	}
}

func (vm *Instance) writeWindow(addr uint32, size uint32, v uint32) error {
	if !vm.window.contains(addr, size) {
		return vm.fail(ErrAddr)
	}

	switch size {
	case 1:
		vm.Data[addr] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(vm.Data[addr:], uint16(v))
	default:
		binary.LittleEndian.PutUint32(vm.Data[addr:], v)
	}

	return nil
}
