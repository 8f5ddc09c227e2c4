package proc

import "sync"
import "unsafe"

import "defs"
import "fd"
import "kbuf"
import "mem"
import "util"
import "vm"

// The syscall path: the architectural wrapper saves user registers
// into the task's Userctx_t and hands the task here. Dispatch spawns
// the handler as kernel work; the result lands back in the context
// and the userspace-return dispatcher restores it, delivering any
// pending signals first.

/// Syshandler_t executes one syscall. The return value is the
/// userspace result: non-negative on success, a negative errno
/// otherwise.
type Syshandler_t func(s *Sched_t, c *Cpu_t, t *Task_t, a [6]uintptr) int

/// Systab maps syscall numbers to handlers. The numbers mirror the
/// common Linux assignments; that is a policy of this table, not of
/// the core.
var Systab = map[int]Syshandler_t{
	defs.SYS_READ:       sys_read,
	defs.SYS_WRITE:      sys_write,
	defs.SYS_CLOSE:      sys_close,
	defs.SYS_MMAP:       sys_mmap,
	defs.SYS_PIPE:       sys_pipe,
	defs.SYS_MPROTECT:   sys_mprotect,
	defs.SYS_MUNMAP:     sys_munmap,
	defs.SYS_BRK:        sys_brk,
	defs.SYS_SCHEDYIELD: sys_sched_yield,
	defs.SYS_GETPID:     sys_getpid,
	defs.SYS_EXITGROUP:  sys_exit_group,
}

/// Handle_syscall_wrapper is the entry from the architectural
/// exception path. It spawns the handler as kernel work; when the
/// handler returns, the result is stored in the user context and the
/// task resumes in userspace.
func (s *Sched_t) Handle_syscall_wrapper(c *Cpu_t, t *Task_t) {
	s.Spawn_on(c.Id, func() {
		s.handle_syscall(c, t)
		s.Return_to_user(c, t)
	})
}

func (s *Sched_t) handle_syscall(c *Cpu_t, t *Task_t) {
	nr, args := t.Ctx().Sysargs()
	h, ok := Systab[nr]
	var ret int
	if !ok {
		ret = int(-defs.ENOSYS)
	} else {
		ret = h(s, c, t, args)
	}
	t.Ctx().Setret(ret)
}

/// Sigframe_t is the state pushed onto the user stack while a signal
/// handler runs; sigreturn restores it.
type Sigframe_t struct {
	Ctx Userctx_t
	Sig uint64
}

func frame2bytes(f *Sigframe_t) []uint8 {
	return (*[unsafe.Sizeof(Sigframe_t{})]uint8)(unsafe.Pointer(f))[:]
}

/// Return_to_user performs the final steps before restoring the user
/// register file: honour a pending preemption, then redirect to a
/// signal handler when a signal is pending.
func (s *Sched_t) Return_to_user(c *Cpu_t, t *Task_t) {
	if c.Preempt_pending() {
		s.Sched_yield(c)
	}
	if !t.Sigpending() {
		return
	}
	sig, ok := t.sigtake()
	if !ok {
		return
	}
	t.lk.Lock()
	act := t.sigacts[sig]
	t.lk.Unlock()
	if act.Handler == 0 {
		switch sig {
		case defs.SIGCHLD, defs.SIGCONT:
			// default ignore
			return
		case defs.SIGSTOP:
			t.setstate(TASK_STOPPED)
			return
		}
		// default terminate
		t.Exit_group(128 + int(sig))
		return
	}
	// build the signal frame on the user stack and rewrite the entry
	// point; sigreturn undoes this
	frame := Sigframe_t{Ctx: *t.Ctx(), Sig: uint64(sig)}
	sp := uintptr(t.Ctx().Sp)
	sp -= unsafe.Sizeof(Sigframe_t{})
	sp &^= 15 // keep the stack 16-byte aligned
	if err := t.Vm.K2user(frame2bytes(&frame), sp); err != 0 {
		// an unwritable stack is fatal
		t.Exit_group(128 + int(defs.SIGSEGV))
		return
	}
	ctx := t.Ctx()
	ctx.Sp = uint64(sp)
	ctx.Pc = uint64(act.Handler)
	ctx.Regs[0] = uint64(sig)
	// x30 carries the sigreturn trampoline in a full system; the
	// frame address is what sigreturn needs
	ctx.Regs[30] = uint64(sp)
}

/// Sigreturn restores the context saved by signal delivery. framep
/// points at the Sigframe_t on the user stack.
func (s *Sched_t) Sigreturn(t *Task_t, framep uintptr) defs.Err_t {
	var frame Sigframe_t
	if err := t.Vm.User2k(frame2bytes(&frame), framep); err != 0 {
		return err
	}
	*t.Ctx() = frame.Ctx
	return 0
}

/// Pgfault is the synchronous page-fault entry for a user access. A
/// failed resolution raises SIGSEGV; kernel-side OOM during a fault
/// is not recoverable for the user and is delivered the same way.
func (s *Sched_t) Pgfault(t *Task_t, va uintptr, acc vm.Access_t) {
	if err := t.Vm.Handle_fault(va, acc); err != 0 {
		t.Raise(defs.SIGSEGV)
	}
}

func sys_getpid(_ *Sched_t, _ *Cpu_t, t *Task_t, _ [6]uintptr) int {
	return int(t.Tgid)
}

func sys_sched_yield(s *Sched_t, c *Cpu_t, _ *Task_t, _ [6]uintptr) int {
	s.Sched_yield(c)
	return 0
}

func sys_exit_group(_ *Sched_t, _ *Cpu_t, t *Task_t, a [6]uintptr) int {
	t.Exit_group(int(a[0]))
	return 0
}

// mmap prot/flag bits, userspace ABI
const (
	PROT_READ  = 0x1
	PROT_WRITE = 0x2
	PROT_EXEC  = 0x4

	MAP_FIXED_F = 0x10
	MAP_ANON_F  = 0x20
)

func prot2perms(prot int) vm.Vmaperm_t {
	return vm.Vmaperm_t{
		R: prot&PROT_READ != 0,
		W: prot&PROT_WRITE != 0,
		X: prot&PROT_EXEC != 0,
	}
}

func sys_mmap(_ *Sched_t, _ *Cpu_t, t *Task_t, a [6]uintptr) int {
	addr, size := a[0], int(a[1])
	prot, flags := int(a[2]), int(a[3])
	fdn, foff := int(a[4]), int(a[5])

	size = util.Roundup(size, mem.PGSIZE)
	if size <= 0 {
		return int(-defs.EINVAL)
	}
	var req vm.Mmapreq_t
	switch {
	case flags&MAP_FIXED_F != 0:
		req = vm.Fixedreq(addr, true)
	case addr != 0:
		req = vm.Hintreq(addr)
	default:
		req = vm.Anyreq()
	}
	var ret uintptr
	var err defs.Err_t
	if flags&MAP_ANON_F != 0 {
		ret, err = t.Vm.Mmap(req, size, prot2perms(prot), vm.VANON, nil, 0)
	} else {
		f := t.Fdtab.Get(fdn)
		if f == nil {
			return int(-defs.EBADF)
		}
		ret, err = t.Vm.Mmap(req, size, prot2perms(prot), vm.VFILE, f.Fops, foff)
	}
	if err != 0 {
		return int(err)
	}
	return int(ret)
}

func sys_munmap(_ *Sched_t, _ *Cpu_t, t *Task_t, a [6]uintptr) int {
	return int(t.Vm.Munmap(a[0], int(a[1])))
}

func sys_mprotect(_ *Sched_t, _ *Cpu_t, t *Task_t, a [6]uintptr) int {
	return int(t.Vm.Mprotect(a[0], int(a[1]), prot2perms(int(a[2]))))
}

// per-task program break, lazily initialised at USERMIN + 256MiB
var brklk sync.Mutex
var brks = map[defs.Tid_t][2]uintptr{}

func sys_brk(_ *Sched_t, _ *Cpu_t, t *Task_t, a [6]uintptr) int {
	newbrk := a[0]
	brklk.Lock()
	b, ok := brks[t.Tid]
	if !ok {
		b = [2]uintptr{vm.USERMIN + 0x10000000, vm.USERMIN + 0x10000000}
		brks[t.Tid] = b
	}
	brklk.Unlock()
	base, cur := b[0], b[1]
	if newbrk == 0 {
		return int(cur)
	}
	if newbrk < base {
		return int(-defs.EINVAL)
	}
	oldtop := util.Roundup(cur, uintptr(mem.PGSIZE))
	newtop := util.Roundup(newbrk, uintptr(mem.PGSIZE))
	if newtop > oldtop {
		_, err := t.Vm.Mmap(vm.Fixedreq(oldtop, false), int(newtop-oldtop),
			vm.Rw(), vm.VANON, nil, 0)
		if err != 0 {
			return int(err)
		}
	} else if newtop < oldtop {
		if err := t.Vm.Munmap(newtop, int(oldtop-newtop)); err != 0 {
			return int(err)
		}
	}
	brklk.Lock()
	brks[t.Tid] = [2]uintptr{base, newbrk}
	brklk.Unlock()
	return int(newbrk)
}

func sys_read(_ *Sched_t, _ *Cpu_t, t *Task_t, a [6]uintptr) int {
	fdn, uva, n := int(a[0]), a[1], int(a[2])
	f := t.Fdtab.Get(fdn)
	if f == nil || f.Perms&0x1 == 0 {
		return int(-defs.EBADF)
	}
	if n < 0 {
		return int(-defs.EINVAL)
	}
	buf := make([]uint8, util.Min(n, 1<<16))
	did, err := f.Fops.Read_at(buf, 0)
	if err != 0 {
		return int(err)
	}
	if err := t.Vm.K2user(buf[:did], uva); err != 0 {
		return int(err)
	}
	return did
}

func sys_write(_ *Sched_t, _ *Cpu_t, t *Task_t, a [6]uintptr) int {
	fdn, uva, n := int(a[0]), a[1], int(a[2])
	f := t.Fdtab.Get(fdn)
	if f == nil || f.Perms&0x2 == 0 {
		return int(-defs.EBADF)
	}
	if n < 0 {
		return int(-defs.EINVAL)
	}
	buf := make([]uint8, util.Min(n, 1<<16))
	if err := t.Vm.User2k(buf, uva); err != 0 {
		return int(err)
	}
	did, err := f.Fops.Write_at(buf, 0)
	if err != 0 {
		return int(err)
	}
	return did
}

func sys_close(_ *Sched_t, _ *Cpu_t, t *Task_t, a [6]uintptr) int {
	return int(t.Fdtab.Close(int(a[0])))
}

func sys_pipe(_ *Sched_t, _ *Cpu_t, t *Task_t, a [6]uintptr) int {
	rend, wend := kbuf.Mkpipe(mem.Global_page_alloc())
	rfd := t.Fdtab.Insert(&fd.Fd_t{Fops: rend, Perms: fd.FD_READ})
	wfd := t.Fdtab.Insert(&fd.Fd_t{Fops: wend, Perms: fd.FD_WRITE})
	if err := t.Vm.Userwriten(a[0], 4, rfd); err != 0 {
		t.Fdtab.Close(rfd)
		t.Fdtab.Close(wfd)
		return int(err)
	}
	if err := t.Vm.Userwriten(a[0]+4, 4, wfd); err != 0 {
		t.Fdtab.Close(rfd)
		t.Fdtab.Close(wfd)
		return int(err)
	}
	return 0
}
