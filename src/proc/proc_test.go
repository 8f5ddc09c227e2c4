package proc

import "sync"
import "testing"
import "time"

import "defs"
import "ksync"
import "mem"
import "vm"

var initonce sync.Once

func tphys(t *testing.T) *mem.Physmem_t {
	initonce.Do(func() {
		mem.Phys_init(1 << 13)
	})
	return mem.Physmem
}

func mkvmtask(t *testing.T, comm string, prio int8) *Task_t {
	phys := tphys(t)
	as, err := vm.Mkaspace(phys)
	if err != 0 {
		t.Fatalf("mkaspace: %v", err)
	}
	return Mktask(defs.Tgid_t(mktid()), comm, prio, vm.Mkvm(as, phys))
}

func TestCommTruncates(t *testing.T) {
	c := Mkcomm("a-very-long-command-name")
	if len(c.String()) != 15 {
		t.Fatalf("comm %q", c.String())
	}
	if Mkcomm("sh").String() != "sh" {
		t.Fatalf("short comm mangled")
	}
}

func TestDescriptorRoundtrip(t *testing.T) {
	d := defs.Mktaskdesc(5, 9)
	if d.Tgid() != 5 || d.Tid() != 9 {
		t.Fatalf("descriptor %v/%v", d.Tgid(), d.Tid())
	}
}

func TestWeightClamps(t *testing.T) {
	tk := &Task_t{priority: 0}
	if tk.Weight() != 1024 {
		t.Fatalf("default weight %v", tk.Weight())
	}
	tk.priority = PRIO_IDLE
	if tk.Weight() != 1024-128 {
		t.Fatalf("idle weight %v", tk.Weight())
	}
	tk.priority = 100
	if tk.Weight() != 1124 {
		t.Fatalf("boosted weight %v", tk.Weight())
	}
}

func TestEevdfPickByDeadline(t *testing.T) {
	var rq Runq_t
	lo := &Task_t{Tgid: 99, priority: 0, comm: Mkcomm("lo")}
	hi := &Task_t{Tgid: 99, priority: 100, comm: Mkcomm("hi")}
	rq.Enqueue(lo)
	rq.Enqueue(hi)
	// both are eligible at the same instant; the heavier task's
	// deadline lands sooner
	if got := rq.Pick(); got != hi {
		t.Fatalf("picked %v first", got.comm.String())
	}
	if got := rq.Pick(); got != lo {
		t.Fatalf("low-weight task lost")
	}
	if rq.Pick() != nil {
		t.Fatalf("empty queue yields a task")
	}
}

func TestEevdfEligibilityGates(t *testing.T) {
	var rq Runq_t
	a := &Task_t{Tgid: 99, comm: Mkcomm("a")}
	b := &Task_t{Tgid: 99, comm: Mkcomm("b")}
	rq.Enqueue(a)
	// a ran for a long while; requeueing pushes its eligibility out
	rq.Charge(a, 50*time.Millisecond)
	rq.remove2(a)
	a.vruntime += vdelta(uint64(100*time.Millisecond), a.Weight())
	rq.Requeue(a)
	rq.Enqueue(b)
	// b is eligible now; a only becomes eligible in the future
	if got := rq.Pick(); got != b {
		t.Fatalf("ineligible task picked")
	}
	// alone in the queue, a forces virtual time forward
	if got := rq.Pick(); got != a {
		t.Fatalf("queue stuck with ineligible task")
	}
}

// test helper: drop a task regardless of queue position
func (rq *Runq_t) remove2(t *Task_t) {
	rq.lk.Lock()
	defer rq.lk.Unlock()
	rq.remove(t)
}

func TestIdleAlwaysLoses(t *testing.T) {
	var rq Runq_t
	idle := &Task_t{Tgid: defs.TGID_IDLE, priority: PRIO_IDLE, comm: Mkcomm("idle")}
	task := &Task_t{Tgid: 99, comm: Mkcomm("work")}
	rq.Enqueue(idle)
	rq.Enqueue(task)
	if got := rq.Pick(); got != task {
		t.Fatalf("idle beat a runnable task")
	}
	if got := rq.Pick(); got != idle {
		t.Fatalf("idle vanished")
	}
}

func TestWakeSetsPreempt(t *testing.T) {
	s := Mksched(1)
	defer s.Shutdown()
	c := s.Cpus[0]

	running := &Task_t{Tgid: 99, comm: Mkcomm("cur"), waker: ksync.Mkwaker()}
	c.Rq.Enqueue(running)
	if c.Rq.Pick() != running {
		t.Fatalf("pick")
	}
	s.Context_switch(c, running)
	if running.State() != TASK_RUNNING {
		t.Fatalf("switch did not run the task")
	}
	// a woken high-priority task preempts the current one
	hot := &Task_t{Tgid: 99, priority: 100, comm: Mkcomm("hot"),
		waker: ksync.Mkwaker(), lastcpu: 0}
	hot.setstate(TASK_SLEEPING)
	s.Wake(hot)
	if hot.State() != TASK_RUNNABLE {
		t.Fatalf("wake left state %v", hot.State())
	}
	if !c.Preempt_pending() {
		t.Fatalf("wake did not flag preemption")
	}
	// the flag is one-shot
	if c.Preempt_pending() {
		t.Fatalf("preempt flag not cleared")
	}
}

func TestKernelWorkRuns(t *testing.T) {
	s := Mksched(2)
	done := make(chan int, 10)
	for i := 0; i < 10; i++ {
		i := i
		s.Spawn_kernel_work(func() {
			done <- i
		})
	}
	seen := 0
	for seen < 10 {
		<-done
		seen++
	}
	s.Shutdown()
}

func TestExitNotifiesParent(t *testing.T) {
	parent := mkvmtask(t, "parent", 0)
	child := mkvmtask(t, "child", 0)
	child.parent = parent

	go child.Exit_group(3)
	cs, err := parent.Wait_child()
	if err != 0 {
		t.Fatalf("wait: %v", err)
	}
	if cs.Tgid != child.Tgid || cs.Status != 3 || !cs.Exited {
		t.Fatalf("child state %v", cs)
	}
	if child.State() != TASK_FINISHED {
		t.Fatalf("exited child in state %v", child.State())
	}
	if !parent.Sigpending() {
		t.Fatalf("no SIGCHLD")
	}
	if _, ok := Find_task(child.Descriptor()); ok {
		t.Fatalf("finished task still listed")
	}
	parent.Exit_group(0)
}

func TestCloneCowAndExitBalance(t *testing.T) {
	phys := tphys(t)
	start := phys.Free_pages()
	parent := mkvmtask(t, "p", 0)

	addr, err := parent.Vm.Mmap(vm.Anyreq(), 2*mem.PGSIZE, vm.Rw(), vm.VANON, nil, 0)
	if err != 0 {
		t.Fatalf("mmap: %v", err)
	}
	if err := parent.Vm.Userwriten(addr, 8, 0x1234); err != 0 {
		t.Fatalf("store: %v", err)
	}
	child, err := parent.Clone(phys, "c")
	if err != 0 {
		t.Fatalf("clone: %v", err)
	}
	v, err := child.Vm.Userreadn(addr, 8)
	if err != 0 || v != 0x1234 {
		t.Fatalf("child reads %#x, %v", v, err)
	}
	// the child diverges privately
	if err := child.Vm.Userwriten(addr, 8, 0x5678); err != 0 {
		t.Fatalf("child store: %v", err)
	}
	pv, _ := parent.Vm.Userreadn(addr, 8)
	if pv != 0x1234 {
		t.Fatalf("parent sees child write: %#x", pv)
	}
	child.Exit_group(0)
	if err := parent.Vm.Munmap(addr, 2*mem.PGSIZE); err != 0 {
		t.Fatalf("munmap: %v", err)
	}
	parent.Exit_group(0)
	if got := phys.Free_pages(); got != start {
		t.Fatalf("free pages %v, started with %v", got, start)
	}
}

func TestSyscallDispatch(t *testing.T) {
	s := Mksched(1)
	defer s.Shutdown()
	c := s.Cpus[0]
	tk := mkvmtask(t, "sys", 0)
	s.Context_switch(c, tk)

	ctx := tk.Ctx()
	ctx.Regs[8] = defs.SYS_GETPID
	s.handle_syscall(c, tk)
	if int(ctx.Regs[0]) != int(tk.Tgid) {
		t.Fatalf("getpid returned %v", int(ctx.Regs[0]))
	}

	// an unknown number yields -ENOSYS
	ctx.Regs[8] = 9999
	s.handle_syscall(c, tk)
	if int(int64(ctx.Regs[0])) != int(-defs.ENOSYS) {
		t.Fatalf("bad syscall returned %v", int(int64(ctx.Regs[0])))
	}

	// mmap + write through the demand pager + munmap
	ctx.Regs[8] = defs.SYS_MMAP
	ctx.Regs[0] = 0
	ctx.Regs[1] = uint64(2 * mem.PGSIZE)
	ctx.Regs[2] = PROT_READ | PROT_WRITE
	ctx.Regs[3] = MAP_ANON_F
	s.handle_syscall(c, tk)
	addr := uintptr(ctx.Regs[0])
	if int64(ctx.Regs[0]) < 0 || addr == 0 {
		t.Fatalf("mmap returned %v", int64(ctx.Regs[0]))
	}
	if err := tk.Vm.Userwriten(addr, 8, 7); err != 0 {
		t.Fatalf("store: %v", err)
	}
	ctx.Regs[8] = defs.SYS_MUNMAP
	ctx.Regs[0] = uint64(addr)
	ctx.Regs[1] = uint64(2 * mem.PGSIZE)
	s.handle_syscall(c, tk)
	if int64(ctx.Regs[0]) != 0 {
		t.Fatalf("munmap returned %v", int64(ctx.Regs[0]))
	}
}

func TestSignalDeliveryDefaultFatal(t *testing.T) {
	s := Mksched(1)
	defer s.Shutdown()
	c := s.Cpus[0]
	tk := mkvmtask(t, "sig", 0)
	tk.Raise(defs.SIGTERM)
	s.Return_to_user(c, tk)
	if tk.State() != TASK_FINISHED {
		t.Fatalf("fatal signal left state %v", tk.State())
	}
}

func TestSignalHandlerFrame(t *testing.T) {
	s := Mksched(1)
	defer s.Shutdown()
	c := s.Cpus[0]
	tk := mkvmtask(t, "hdl", 0)
	// give the task a stack
	stack, err := tk.Vm.Mmap(vm.Anyreq(), 4*mem.PGSIZE, vm.Rw(), vm.VANON, nil, 0)
	if err != 0 {
		t.Fatalf("mmap: %v", err)
	}
	ctx := tk.Ctx()
	ctx.Sp = uint64(stack + 4*uintptr(mem.PGSIZE))
	ctx.Pc = 0x400000
	tk.Sigaction(defs.SIGTERM, Sigact_t{Handler: 0x500000})

	tk.Raise(defs.SIGTERM)
	s.Return_to_user(c, tk)
	if ctx.Pc != 0x500000 {
		t.Fatalf("entry not rewritten: %#x", ctx.Pc)
	}
	if defs.Sig_t(ctx.Regs[0]) != defs.SIGTERM {
		t.Fatalf("handler arg %v", ctx.Regs[0])
	}
	// sigreturn restores the interrupted context
	if err := s.Sigreturn(tk, uintptr(ctx.Regs[30])); err != 0 {
		t.Fatalf("sigreturn: %v", err)
	}
	if ctx.Pc != 0x400000 || ctx.Sp != uint64(stack+4*uintptr(mem.PGSIZE)) {
		t.Fatalf("context not restored: pc %#x", ctx.Pc)
	}
	tk.Exit_group(0)
}

func TestFutexWakeWait(t *testing.T) {
	tk := mkvmtask(t, "fut", 0)
	addr, err := tk.Vm.Mmap(vm.Anyreq(), mem.PGSIZE, vm.Rw(), vm.VANON, nil, 0)
	if err != 0 {
		t.Fatalf("mmap: %v", err)
	}
	if err := tk.Vm.Userwriten(addr, 4, 1); err != 0 {
		t.Fatalf("store: %v", err)
	}
	// value mismatch returns immediately
	if err := Futex_wait(tk, addr, 2); err != -defs.EAGAIN {
		t.Fatalf("mismatched wait: %v", err)
	}
	done := make(chan defs.Err_t)
	go func() {
		done <- Futex_wait(tk, addr, 1)
	}()
	time.Sleep(5 * time.Millisecond)
	if n := Futex_wake(addr, 1); n == 0 {
		t.Fatalf("no waiters woken")
	}
	if err := <-done; err != 0 {
		t.Fatalf("wait: %v", err)
	}
	tk.Exit_group(0)
}

func TestPgfaultRaisesSegv(t *testing.T) {
	s := Mksched(1)
	defer s.Shutdown()
	tk := mkvmtask(t, "segv", 0)
	s.Pgfault(tk, 0xdead000, vm.ACC_WRITE)
	if !tk.Sigpending() {
		t.Fatalf("bad access raised nothing")
	}
	tk.Exit_group(0)
}
