// Package sched implements a small cooperative kernel thread scheduler:
// a fixed thread table, round-robin selection, and a callee-saved-register
// context switch. Grounded line-for-line on original_source's
// core/scheduler.c; kernel/cpu.Context/ContextSwitch already mirror its
// arch/x86/context.c counterpart.
package sched

import (
	"reflect"
	"unsafe"

	"github.com/lioen-dev/kiwiOS/kernel"
	"github.com/lioen-dev/kiwiOS/kernel/cpu"
	"github.com/lioen-dev/kiwiOS/kernel/mem"
	"github.com/lioen-dev/kiwiOS/kernel/mem/heap"
)

// MaxThreads bounds the fixed thread table, matching original_source's
// MAX_THREADS.
const MaxThreads = 16

// DefaultStackPages is the kernel stack size (in pages) used when Create is
// called with a zero stackSize, matching original_source's
// DEFAULT_STACK_PAGES.
const DefaultStackPages = mem.Size(4)

// State is a thread's position in its lifecycle.
type State uint8

const (
	StateUnused State = iota
	StateReady
	StateRunning
	StateBlocked
	StateDead
)

// EntryFunc is a thread's top-level function.
type EntryFunc func(arg unsafe.Pointer)

// Thread is one slot in the fixed thread table.
type Thread struct {
	ID       int
	Name     string
	Priority int
	State    State

	context cpu.Context

	stackBase uintptr
	stackSize mem.Size

	entry EntryFunc
	arg   unsafe.Pointer
}

var (
	threads             [MaxThreads]Thread
	current             *Thread
	threadCount         int
	rescheduleRequested bool
)

var (
	errNoThreadSlots  = &kernel.Error{Module: "sched", Message: "no available thread slots", Kind: kernel.KindOutOfMemory}
	errStackAllocFail = &kernel.Error{Module: "sched", Message: "failed to allocate kernel stack", Kind: kernel.KindOutOfMemory}
)

// Hardware/allocator touchpoints are kept behind swappable vars so Create,
// Yield and OnTick can be exercised on the host, following the
// mapFn/reserveRegionFn idiom used throughout kernel/mem/pmm and
// kernel/trap.
var (
	contextSwitchFn      = cpu.ContextSwitch
	enableInterruptsFn   = cpu.EnableInterrupts
	disableInterruptsFn  = cpu.DisableInterrupts
	kmallocFn            = heap.Kmalloc
	threadTrampolineAddr = func() uintptr { return reflect.ValueOf(threadTrampoline).Pointer() }
	logf                 func(format string, args ...interface{})
)

func log(format string, args ...interface{}) {
	if logf != nil {
		logf(format, args...)
	}
}

// allocateThreadSlot returns the first UNUSED or DEAD slot in the thread
// table, or nil if all MaxThreads slots are occupied.
func allocateThreadSlot() *Thread {
	for i := range threads {
		if threads[i].State == StateUnused || threads[i].State == StateDead {
			threads[i] = Thread{ID: i, State: StateReady}
			return &threads[i]
		}
	}
	return nil
}

// nextRunnable picks the next READY thread after current in round-robin
// order, wrapping around the fixed table.
func nextRunnable() *Thread {
	if threadCount <= 1 {
		return current
	}

	start := 0
	if current != nil {
		start = (current.ID + 1) % MaxThreads
	}
	for i := 0; i < MaxThreads; i++ {
		idx := (start + i) % MaxThreads
		if threads[idx].State == StateReady {
			return &threads[idx]
		}
	}
	return current
}

// Init seeds the thread table with a bootstrap thread representing the
// calling context (kmain's own stack) and marks it RUNNING.
func Init() {
	threads = [MaxThreads]Thread{}
	current = &threads[0]
	current.ID = 0
	current.Name = "bootstrap"
	current.State = StateRunning
	threadCount = 1

	log("[sched] scheduler initialized with bootstrap thread\n")
}

// Current returns the thread currently executing.
func Current() *Thread {
	return current
}

// Create allocates a new kernel stack, seeds it so the first context switch
// into this thread lands on the trampoline, and marks it READY. A zero
// stackSize defaults to DefaultStackPages.
func Create(name string, entry EntryFunc, arg unsafe.Pointer, stackSize mem.Size, priority int) (*Thread, *kernel.Error) {
	t := allocateThreadSlot()
	if t == nil {
		log("[sched] no available thread slots\n")
		return nil, errNoThreadSlots
	}

	pages := (stackSize + mem.PageSize - 1) / mem.PageSize
	if pages == 0 {
		pages = DefaultStackPages
	}
	t.stackSize = pages * mem.PageSize

	stackBase, err := kmallocFn(t.stackSize)
	if err != nil {
		log("[sched] failed to allocate kernel stack\n")
		t.State = StateUnused
		return nil, errStackAllocFail
	}
	t.stackBase = stackBase

	stackTop := (stackBase + uintptr(t.stackSize)) &^ 0xF

	// Place the trampoline as the first return address so the restoring
	// `ret` in ContextSwitch's assembly lands there on this thread's
	// first run.
	stackTop -= 8
	*(*uintptr)(unsafe.Pointer(stackTop)) = threadTrampolineAddr()

	t.context = cpu.Context{RSP: uint64(stackTop)}
	if name == "" {
		name = "thread"
	}
	t.Name = name
	t.entry = entry
	t.arg = arg
	t.Priority = priority
	t.State = StateReady

	threadCount++
	log("[sched] thread '%s' created on slot %d\n", t.Name, t.ID)
	return t, nil
}

// OnTick is registered against kernel/trap's timer vector. It never runs
// the scheduler itself — interrupt context has no business calling Yield
// directly — it just flags that a reschedule is due next time a thread
// calls Yield.
func OnTick() {
	rescheduleRequested = true
}

// Yield switches to the next runnable thread if one is ready, or if a
// timer tick has requested a reschedule since the last Yield.
func Yield() {
	if current == nil {
		return
	}

	disableInterruptsFn()

	next := nextRunnable()
	requested := rescheduleRequested
	rescheduleRequested = false

	if next == nil || (!requested && next == current) {
		enableInterruptsFn()
		return
	}

	prev := current
	if prev.State == StateRunning {
		prev.State = StateReady
	}
	next.State = StateRunning
	current = next

	enableInterruptsFn()
	contextSwitchFn(&prev.context, &next.context)
}

// threadTrampoline runs on a freshly created thread's very first
// scheduling; it is never called directly from Go, only reached via the
// return address ContextSwitch's assembly restores from the stack Create
// built.
func threadTrampoline() {
	self := current
	if self != nil && self.entry != nil {
		self.entry(self.arg)
	}
	if self != nil {
		self.State = StateDead
	}

	Yield()

	// Should never return; halt safely if it does.
	for {
		cpu.Halt()
	}
}
