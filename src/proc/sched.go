package proc

import "fmt"
import "sync"
import "sync/atomic"
import "time"

import "ksync"

// The scheduler is EEVDF-flavoured: each task carries a virtual
// runtime, an eligibility time, and a virtual deadline, all scaled by
// its weight. Selection picks the earliest virtual deadline among
// tasks whose eligibility has arrived. Kernel work runs on the
// per-CPU executors; a blocked ksync primitive is a suspension point.

/// SCHED_SLICE is the nominal slice granted to a freshly eligible
/// task, in nanoseconds of virtual time before weighting.
const SCHED_SLICE = 4 * 1000 * 1000

// vdelta converts elapsed wall time to virtual time for a weight.
func vdelta(elapsed uint64, weight uint32) uint64 {
	return elapsed * SCHED_WEIGHT_BASE / uint64(weight)
}

/// Runq_t is one CPU's queue of runnable tasks.
type Runq_t struct {
	lk    sync.Mutex
	tasks []*Task_t
	nowv  uint64
}

/// Nowv returns the queue's current virtual time.
func (rq *Runq_t) Nowv() uint64 {
	rq.lk.Lock()
	defer rq.lk.Unlock()
	return rq.nowv
}

/// Len returns the number of queued tasks.
func (rq *Runq_t) Len() int {
	rq.lk.Lock()
	defer rq.lk.Unlock()
	return len(rq.tasks)
}

/// Enqueue places a freshly runnable task: it becomes eligible now,
/// with a deadline one weighted slice out.
func (rq *Runq_t) Enqueue(t *Task_t) {
	rq.lk.Lock()
	defer rq.lk.Unlock()
	if t.onrq {
		panic("task already queued")
	}
	t.veligible = rq.nowv
	t.vdeadline = t.veligible + vdelta(SCHED_SLICE, t.Weight())
	t.onrq = true
	rq.tasks = append(rq.tasks, t)
}

/// Requeue reinserts a task that yielded or was preempted, pushing
/// its eligibility to its accumulated runtime.
func (rq *Runq_t) Requeue(t *Task_t) {
	rq.lk.Lock()
	defer rq.lk.Unlock()
	if t.onrq {
		panic("task already queued")
	}
	if t.vruntime > rq.nowv {
		t.veligible = t.vruntime
	} else {
		t.veligible = rq.nowv
	}
	t.vdeadline = t.veligible + vdelta(SCHED_SLICE, t.Weight())
	t.onrq = true
	rq.tasks = append(rq.tasks, t)
}

func (rq *Runq_t) remove(t *Task_t) {
	for i, o := range rq.tasks {
		if o == t {
			rq.tasks = append(rq.tasks[:i], rq.tasks[i+1:]...)
			t.onrq = false
			return
		}
	}
	panic("task not queued")
}

/// Pick removes and returns the runnable task with the earliest
/// virtual deadline among those whose eligibility has arrived. When
/// every queued task is still ineligible, virtual time jumps forward
/// to the earliest eligibility. Idle tasks lose to anything else.
func (rq *Runq_t) Pick() *Task_t {
	rq.lk.Lock()
	defer rq.lk.Unlock()
	if len(rq.tasks) == 0 {
		return nil
	}
	best := rq.pick1()
	if best == nil {
		// nothing eligible: advance to the earliest eligibility
		min := rq.tasks[0].veligible
		for _, t := range rq.tasks[1:] {
			if t.veligible < min {
				min = t.veligible
			}
		}
		rq.nowv = min
		best = rq.pick1()
	}
	rq.remove(best)
	return best
}

// lock held. returns the eligible task with the earliest deadline.
func (rq *Runq_t) pick1() *Task_t {
	var best *Task_t
	for _, t := range rq.tasks {
		if t.veligible > rq.nowv {
			continue
		}
		if best == nil || better(t, best) {
			best = t
		}
	}
	return best
}

func better(a, b *Task_t) bool {
	// the idle task runs only when nothing else can
	if a.Is_idle() != b.Is_idle() {
		return b.Is_idle()
	}
	return a.vdeadline < b.vdeadline
}

/// Charge accounts elapsed wall time to t and advances virtual time.
func (rq *Runq_t) Charge(t *Task_t, elapsed time.Duration) {
	rq.lk.Lock()
	defer rq.lk.Unlock()
	d := vdelta(uint64(elapsed), t.Weight())
	t.vruntime += d
	rq.nowv += d
}

/// Preempts reports whether a queued task should preempt cur.
func (rq *Runq_t) Preempts(cur *Task_t) bool {
	rq.lk.Lock()
	defer rq.lk.Unlock()
	for _, t := range rq.tasks {
		if t.veligible <= rq.nowv && better(t, cur) {
			return true
		}
	}
	return false
}

/// Cpu_t is one logical CPU: its run queue, its current task, its
/// preempt flag, and its kernel-work executor.
type Cpu_t struct {
	Id      int
	Rq      Runq_t
	preempt int32

	curlk sync.Mutex
	cur   *Task_t

	worktx *ksync.Sender_t[func()]
	workrx *ksync.Receiver_t[func()]
}

/// Current returns the task this CPU is running, possibly nil.
func (c *Cpu_t) Current() *Task_t {
	c.curlk.Lock()
	defer c.curlk.Unlock()
	return c.cur
}

/// Preempt_pending reports and clears the preempt flag.
func (c *Cpu_t) Preempt_pending() bool {
	return atomic.SwapInt32(&c.preempt, 0) != 0
}

/// Set_preempt asks the CPU's kernel work to yield at the next safe
/// suspension or on return-to-user.
func (c *Cpu_t) Set_preempt() {
	atomic.StoreInt32(&c.preempt, 1)
}

/// Sched_t is the set of CPUs.
type Sched_t struct {
	Cpus []*Cpu_t
	wg   sync.WaitGroup
	rr   uint32
}

/// Mksched starts ncpu executors.
func Mksched(ncpu int) *Sched_t {
	if ncpu <= 0 {
		panic("no cpus")
	}
	s := &Sched_t{}
	for i := 0; i < ncpu; i++ {
		c := &Cpu_t{Id: i}
		c.worktx, c.workrx = ksync.Mkchannel[func()]()
		s.Cpus = append(s.Cpus, c)
		s.wg.Add(1)
		go s.executor(c)
	}
	fmt.Printf("sched: %v cpus\n", ncpu)
	return s
}

// the per-CPU cooperative executor: kernel work items run to
// completion or until they block in a ksync primitive.
func (s *Sched_t) executor(c *Cpu_t) {
	defer s.wg.Done()
	for {
		w, ok := c.workrx.Recv()
		if !ok {
			return
		}
		w()
	}
}

/// Spawn_kernel_work queues f on some CPU's executor.
func (s *Sched_t) Spawn_kernel_work(f func()) {
	n := atomic.AddUint32(&s.rr, 1)
	c := s.Cpus[int(n)%len(s.Cpus)]
	c.worktx.Send(f)
}

/// Spawn_on queues f on a specific CPU.
func (s *Sched_t) Spawn_on(cpu int, f func()) {
	s.Cpus[cpu].worktx.Send(f)
}

/// Shutdown stops the executors after the queued work drains.
func (s *Sched_t) Shutdown() {
	for _, c := range s.Cpus {
		c.worktx.Close()
	}
	s.wg.Wait()
}

/// Context_switch makes t the CPU's current task and marks it
/// Running. The previous task, if any, must already have been
/// requeued or put to sleep.
func (s *Sched_t) Context_switch(c *Cpu_t, t *Task_t) {
	c.curlk.Lock()
	c.cur = t
	c.curlk.Unlock()
	if t != nil {
		t.setstate(TASK_RUNNING)
		t.lastrun = time.Now()
		atomic.StoreInt32(&t.lastcpu, int32(c.Id))
	}
}

/// Sched_yield charges the current task, requeues it, and switches to
/// the best candidate.
func (s *Sched_t) Sched_yield(c *Cpu_t) {
	cur := c.Current()
	if cur != nil {
		c.Rq.Charge(cur, time.Since(cur.lastrun))
		cur.setstate(TASK_RUNNABLE)
		c.Rq.Requeue(cur)
	}
	next := c.Rq.Pick()
	s.Context_switch(c, next)
}

/// Sleep_current blocks the CPU's current task on its waker.
func (s *Sched_t) Sleep_current(c *Cpu_t) {
	cur := c.Current()
	if cur == nil {
		panic("no current task")
	}
	c.Rq.Charge(cur, time.Since(cur.lastrun))
	cur.setstate(TASK_SLEEPING)
	s.Context_switch(c, c.Rq.Pick())
	cur.waker.Wait()
	if cur.State() == TASK_SLEEPING {
		cur.setstate(TASK_WOKEN)
	}
}

/// Wake makes t runnable on the CPU it last ran on and signals its
/// waker. Anything t observed before the wake is visible to its next
/// run.
func (s *Sched_t) Wake(t *Task_t) {
	if t.State() == TASK_FINISHED {
		return
	}
	t.setstate(TASK_RUNNABLE)
	cpu := atomic.LoadInt32(&t.lastcpu)
	if cpu < 0 || int(cpu) >= len(s.Cpus) {
		cpu = 0
	}
	c := s.Cpus[cpu]
	c.Rq.Enqueue(t)
	if cur := c.Current(); cur != nil && c.Rq.Preempts(cur) {
		c.Set_preempt()
	}
	t.waker.Wake()
}

/// Sched_tick drives preemption: it charges the running task and
/// raises the preempt flag when a queued task now has a better claim.
func (s *Sched_t) Sched_tick(c *Cpu_t) {
	cur := c.Current()
	if cur == nil {
		return
	}
	c.Rq.Charge(cur, time.Since(cur.lastrun))
	cur.lastrun = time.Now()
	if c.Rq.Preempts(cur) {
		c.Set_preempt()
	}
}
