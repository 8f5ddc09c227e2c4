// Package proc implements tasks and their lifecycle: creation by
// clone, the task table, signals, the exit path, and the per-task
// saved user context. Scheduling lives in sched.go and the syscall
// surface in syscall.go.
package proc

import "sync"
import "sync/atomic"
import "time"

import "defs"
import "fd"
import "hashtable"
import "ksync"
import "mem"
import "vm"

/// Taskstate_t is a task's position in its state machine:
/// Runnable -> Running -> (Sleeping|Stopped|Runnable) -> ... -> Finished,
/// with Sleeping -> Woken -> Runnable on wakeup.
type Taskstate_t int32

const (
	TASK_RUNNABLE Taskstate_t = iota
	TASK_RUNNING
	TASK_SLEEPING
	TASK_WOKEN
	TASK_STOPPED
	TASK_FINISHED
)

func (ts Taskstate_t) String() string {
	switch ts {
	case TASK_RUNNABLE:
		return "R"
	case TASK_RUNNING:
		return "O"
	case TASK_SLEEPING:
		return "S"
	case TASK_WOKEN:
		return "W"
	case TASK_STOPPED:
		return "T"
	case TASK_FINISHED:
		return "Z"
	}
	return "?"
}

/// Comm_t is a task's command name, NUL padded.
type Comm_t [16]uint8

/// Mkcomm truncates name to 15 bytes and NUL-terminates it.
func Mkcomm(name string) Comm_t {
	var c Comm_t
	n := len(name)
	if n > 15 {
		n = 15
	}
	copy(c[:], name[:n])
	return c
}

func (c Comm_t) String() string {
	n := 0
	for n < len(c) && c[n] != 0 {
		n++
	}
	return string(c[:n])
}

/// SCHED_WEIGHT_BASE keeps every task's scheduling weight strictly
/// positive: weight = max(1, priority + SCHED_WEIGHT_BASE).
const SCHED_WEIGHT_BASE = 1024

/// PRIO_IDLE is the idle task's priority.
const PRIO_IDLE int8 = -128

/// Userctx_t is the saved userspace register file. The architectural
/// wrapper fills it on kernel entry and restores it on return.
type Userctx_t struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

/// Sysargs returns the syscall number and arguments from the saved
/// context.
func (c *Userctx_t) Sysargs() (int, [6]uintptr) {
	var a [6]uintptr
	for i := 0; i < 6; i++ {
		a[i] = uintptr(c.Regs[i])
	}
	return int(c.Regs[8]), a
}

/// Setret stores a syscall result where userspace will see it.
func (c *Userctx_t) Setret(v int) {
	c.Regs[0] = uint64(v)
}

/// Sigact_t is a registered signal disposition.
type Sigact_t struct {
	Handler uintptr
}

/// Task_t is the kernel's owning handle on one thread of execution.
type Task_t struct {
	Tid  defs.Tid_t
	Tgid defs.Tgid_t

	lk       sync.Mutex
	comm     Comm_t
	state    Taskstate_t
	priority int8

	Vm    *vm.Vm_t
	Fdtab *fd.Fdtable_t
	Creds Creds_t

	ctx Userctx_t

	sigmask    defs.Sigset_t
	sigpending defs.Sigset_t
	sigacts    map[defs.Sig_t]Sigact_t
	// closed-over channel poked on every raise; interruptable awaits
	// select on it
	sigch chan struct{}

	// EEVDF bookkeeping, guarded by the owning run queue
	vruntime  uint64
	veligible uint64
	vdeadline uint64
	lastrun   time.Time
	lastcpu   int32
	onrq      bool

	// scheduler wakeup
	waker *ksync.Waker_t

	robustlist  uintptr
	childtidptr uintptr

	parent    *Task_t
	childwait *ksync.Condvar_t[[]defs.Childstate_t]

	exitstatus int32
	exited     int32
}

/// Creds_t is a task's credentials.
type Creds_t struct {
	Uid uint32
	Gid uint32
}

var tidctr int32

func mktid() defs.Tid_t {
	return defs.Tid_t(atomic.AddInt32(&tidctr, 1))
}

/// Tasklist maps task descriptors to tasks.
var Tasklist = hashtable.MkHash[uint64, *Task_t](1024)

/// Find_task looks a task up by descriptor.
func Find_task(d defs.Taskdesc_t) (*Task_t, bool) {
	return Tasklist.Get(uint64(d))
}

/// Mktask builds a task in the Runnable state and registers it.
func Mktask(tgid defs.Tgid_t, comm string, prio int8, tvm *vm.Vm_t) *Task_t {
	t := &Task_t{
		Tid:       mktid(),
		Tgid:      tgid,
		comm:      Mkcomm(comm),
		state:     TASK_RUNNABLE,
		priority:  prio,
		Vm:        tvm,
		Fdtab:     &fd.Fdtable_t{},
		sigacts:   make(map[defs.Sig_t]Sigact_t),
		sigch:     make(chan struct{}, 1),
		waker:     ksync.Mkwaker(),
		childwait: ksync.Mkcondvar([]defs.Childstate_t(nil)),
		lastcpu:   -1,
	}
	Tasklist.Set(uint64(t.Descriptor()), t)
	return t
}

/// Descriptor packs this task's identity.
func (t *Task_t) Descriptor() defs.Taskdesc_t {
	return defs.Mktaskdesc(t.Tgid, t.Tid)
}

/// Comm returns the command name.
func (t *Task_t) Comm() string {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.comm.String()
}

/// Set_comm renames the task.
func (t *Task_t) Set_comm(name string) {
	t.lk.Lock()
	t.comm = Mkcomm(name)
	t.lk.Unlock()
}

/// State returns the task's current state.
func (t *Task_t) State() Taskstate_t {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.state
}

func (t *Task_t) setstate(ns Taskstate_t) {
	t.lk.Lock()
	t.state = ns
	t.lk.Unlock()
}

/// Priority returns the task's static priority.
func (t *Task_t) Priority() int8 {
	return t.priority
}

/// Weight computes the EEVDF weight: max(1, priority + 1024).
func (t *Task_t) Weight() uint32 {
	w := int32(t.priority) + SCHED_WEIGHT_BASE
	if w <= 0 {
		return 1
	}
	return uint32(w)
}

/// Is_idle reports whether this is a per-CPU idle task.
func (t *Task_t) Is_idle() bool {
	return t.Tgid == defs.TGID_IDLE
}

/// Ctx returns a pointer to the saved user context. Only the CPU that
/// owns the task while it is in-kernel may touch it.
func (t *Task_t) Ctx() *Userctx_t {
	return &t.ctx
}

/// Raise marks a signal pending and pokes every interruptable await
/// the task is blocked in.
func (t *Task_t) Raise(s defs.Sig_t) {
	t.lk.Lock()
	t.sigpending.Set(s)
	t.lk.Unlock()
	select {
	case t.sigch <- struct{}{}:
	default:
	}
	t.waker.Wake()
}

/// Sigchan returns the channel interruptable awaits select on.
func (t *Task_t) Sigchan() <-chan struct{} {
	return t.sigch
}

/// Sigpending reports whether any unblocked signal is pending.
func (t *Task_t) Sigpending() bool {
	t.lk.Lock()
	defer t.lk.Unlock()
	return !(t.sigpending &^ t.sigmask).Empty()
}

// takes the lowest pending unblocked signal, clearing it.
func (t *Task_t) sigtake() (defs.Sig_t, bool) {
	t.lk.Lock()
	defer t.lk.Unlock()
	p := t.sigpending &^ t.sigmask
	for s := defs.Sig_t(1); s <= 64; s++ {
		if p.Has(s) {
			t.sigpending.Clear(s)
			return s, true
		}
	}
	return 0, false
}

/// Sigaction registers a handler for s and returns the old one.
func (t *Task_t) Sigaction(s defs.Sig_t, act Sigact_t) Sigact_t {
	t.lk.Lock()
	defer t.lk.Unlock()
	old := t.sigacts[s]
	t.sigacts[s] = act
	return old
}

/// Set_child_tid records the clear-on-exit tid pointer.
func (t *Task_t) Set_child_tid(ptr uintptr) {
	t.lk.Lock()
	t.childtidptr = ptr
	t.lk.Unlock()
}

/// Set_robust_list records the robust futex list head.
func (t *Task_t) Set_robust_list(ptr uintptr) {
	t.lk.Lock()
	t.robustlist = ptr
	t.lk.Unlock()
}

/// Clone creates a new process whose address space is a CoW copy of
/// t's and whose descriptor table is duplicated.
func (t *Task_t) Clone(phys *mem.Physmem_t, comm string) (*Task_t, defs.Err_t) {
	nas, err := vm.Mkaspace(phys)
	if err != 0 {
		return nil, err
	}
	nvm := vm.Mkvm(nas, phys)
	if err := t.Vm.Fork_cow(nvm); err != 0 {
		nvm.Uvmfree()
		return nil, err
	}
	nft, err := t.Fdtab.Copy_table()
	if err != 0 {
		nvm.Uvmfree()
		return nil, err
	}
	nt := Mktask(defs.Tgid_t(mktid()), comm, t.priority, nvm)
	nt.Fdtab = nft
	nt.parent = t
	nt.ctx = t.ctx
	return nt, 0
}

/// Exit_group finishes the task: futex wake-on-exit, descriptor
/// close, VM teardown, and parent notification with a Childstate_t.
func (t *Task_t) Exit_group(status int) {
	if !atomic.CompareAndSwapInt32(&t.exited, 0, 1) {
		return
	}
	atomic.StoreInt32(&t.exitstatus, int32(status))

	t.lk.Lock()
	ctp := t.childtidptr
	t.lk.Unlock()
	if ctp != 0 {
		// clear the tid and wake any futex waiter, as pthread_join
		// expects
		if t.Vm.Userwriten(ctp, 4, 0) == 0 {
			Futex_wake(ctp, 1)
		}
	}

	t.Fdtab.Close_all()
	t.Vm.Uvmfree()
	t.setstate(TASK_FINISHED)

	if t.parent != nil {
		cs := defs.Childstate_t{Tgid: t.Tgid, Status: status, Exited: true}
		t.parent.childwait.Update(func(q *[]defs.Childstate_t) ksync.Wakeup_t {
			*q = append(*q, cs)
			return ksync.WAKE_ONE
		})
		t.parent.Raise(defs.SIGCHLD)
	}
	Tasklist.Del(uint64(t.Descriptor()))
	t.waker.Wake()
}

/// Wait_child blocks until one of t's children changes state.
func (t *Task_t) Wait_child() (defs.Childstate_t, defs.Err_t) {
	var cs defs.Childstate_t
	err := t.childwait.Wait_until_interruptable(t.sigch,
		func(q *[]defs.Childstate_t) bool {
			if len(*q) == 0 {
				return false
			}
			cs = (*q)[0]
			*q = (*q)[1:]
			return true
		})
	return cs, err
}
