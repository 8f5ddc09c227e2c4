// Package ksync provides the cooperative wait/wake primitives used
// across the kernel: wakers and waker sets, a FIFO-fair blocking
// mutex, a read-write lock, a condition variable owning its protected
// value, and an MPSC channel. Kernel work runs on goroutines; a
// blocked primitive is the rendition of a suspended future, and a
// waker may be signalled from any context, including interrupts.
package ksync

import "sync"
import "sync/atomic"

import "defs"

var wakerids uint64

/// Waker_t wakes one blocked kernel work item. Wakes coalesce: many
/// wakes before the sleeper runs count as one.
type Waker_t struct {
	id uint64
	ch chan struct{}
}

/// Mkwaker returns a fresh waker.
func Mkwaker() *Waker_t {
	return &Waker_t{
		id: atomic.AddUint64(&wakerids, 1),
		ch: make(chan struct{}, 1),
	}
}

/// Wake signals the waker. It never blocks and is safe from any
/// goroutine. A wake that observes the waker slot guarantees the
/// sleeper runs at least once afterwards.
func (w *Waker_t) Wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

/// Wait blocks until the waker is signalled.
func (w *Waker_t) Wait() {
	<-w.ch
}

/// Wait_interruptable blocks until the waker is signalled or sig
/// fires, returning -EINTR in the latter case.
func (w *Waker_t) Wait_interruptable(sig <-chan struct{}) defs.Err_t {
	if sig == nil {
		<-w.ch
		return 0
	}
	select {
	case <-w.ch:
		return 0
	case <-sig:
		return -defs.EINTR
	}
}

/// Wakerset_t is an ordered set of wakers, deduplicated by identity.
/// The caller's lock guards it.
type Wakerset_t struct {
	waiters []*Waker_t
}

/// Register adds w unless it is already present.
func (ws *Wakerset_t) Register(w *Waker_t) {
	for _, o := range ws.waiters {
		if o.id == w.id {
			return
		}
	}
	ws.waiters = append(ws.waiters, w)
}

/// Unregister drops w from the set if present.
func (ws *Wakerset_t) Unregister(w *Waker_t) {
	for i, o := range ws.waiters {
		if o.id == w.id {
			ws.waiters = append(ws.waiters[:i], ws.waiters[i+1:]...)
			return
		}
	}
}

/// Wake_one wakes the oldest registered waker.
func (ws *Wakerset_t) Wake_one() {
	if len(ws.waiters) == 0 {
		return
	}
	w := ws.waiters[0]
	ws.waiters = ws.waiters[1:]
	w.Wake()
}

/// Wake_all wakes every registered waker.
func (ws *Wakerset_t) Wake_all() {
	for _, w := range ws.waiters {
		w.Wake()
	}
	ws.waiters = nil
}

/// Len returns the number of registered wakers.
func (ws *Wakerset_t) Len() int {
	return len(ws.waiters)
}

/// Mutex_t is a blocking mutex with FIFO handoff: Unlock passes
/// ownership directly to the oldest waiter, so waiters acquire in
/// arrival order. The embedded spinlock is never held across a wait.
type Mutex_t struct {
	lk      sync.Mutex
	locked  bool
	waiters []*Waker_t
}

/// Lock acquires the mutex, blocking in FIFO order while it is held.
func (m *Mutex_t) Lock() {
	m.lk.Lock()
	if !m.locked {
		m.locked = true
		m.lk.Unlock()
		return
	}
	w := Mkwaker()
	m.waiters = append(m.waiters, w)
	m.lk.Unlock()
	// ownership is handed over by Unlock; no re-check needed
	w.Wait()
}

/// Lock_interruptable is Lock, but abandons the wait with -EINTR when
/// sig fires first.
func (m *Mutex_t) Lock_interruptable(sig <-chan struct{}) defs.Err_t {
	m.lk.Lock()
	if !m.locked {
		m.locked = true
		m.lk.Unlock()
		return 0
	}
	w := Mkwaker()
	m.waiters = append(m.waiters, w)
	m.lk.Unlock()
	if err := w.Wait_interruptable(sig); err == 0 {
		return 0
	}
	// the signal won. if Unlock already handed us the lock, the wake
	// raced the interrupt: pass ownership on instead of leaking it.
	m.lk.Lock()
	for i, o := range m.waiters {
		if o == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.lk.Unlock()
			return -defs.EINTR
		}
	}
	m.lk.Unlock()
	m.Unlock()
	return -defs.EINTR
}

/// Try_lock acquires the mutex only if it is free.
func (m *Mutex_t) Try_lock() bool {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

/// Unlock releases the mutex, waking the oldest waiter with ownership.
func (m *Mutex_t) Unlock() {
	m.lk.Lock()
	if !m.locked {
		panic("unlock of unlocked mutex")
	}
	if len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.lk.Unlock()
		// locked stays true: the waiter now owns the mutex
		w.Wake()
		return
	}
	m.locked = false
	m.lk.Unlock()
}

/// Rwlock_t is a blocking read-write lock: a reader counter under a
/// spinlock plus a writer mutex. The first reader acquires the writer
/// lock and the last reader releases it.
type Rwlock_t struct {
	rlk   sync.Mutex
	nread int
	wl    Mutex_t
}

/// Rlock acquires the lock for reading.
func (rw *Rwlock_t) Rlock() {
	rw.rlk.Lock()
	rw.nread++
	first := rw.nread == 1
	rw.rlk.Unlock()
	if first {
		rw.wl.Lock()
	}
}

/// Runlock releases a read acquisition.
func (rw *Rwlock_t) Runlock() {
	rw.rlk.Lock()
	rw.nread--
	last := rw.nread == 0
	if rw.nread < 0 {
		panic("runlock underflow")
	}
	rw.rlk.Unlock()
	if last {
		rw.wl.Unlock()
	}
}

/// Wlock acquires the lock exclusively.
func (rw *Rwlock_t) Wlock() {
	rw.wl.Lock()
}

/// Wunlock releases an exclusive acquisition.
func (rw *Rwlock_t) Wunlock() {
	rw.wl.Unlock()
}

/// Wakeup_t tells a condvar's Update how many waiters to wake.
type Wakeup_t int

const (
	WAKE_NONE Wakeup_t = iota
	WAKE_ONE
	WAKE_ALL
)

/// Condvar_t owns a protected value and wakes registered waiters
/// according to the Wakeup_t its mutator returns.
type Condvar_t[T any] struct {
	lk      sync.Mutex
	val     T
	waiters Wakerset_t
}

/// Mkcondvar builds a condvar owning v.
func Mkcondvar[T any](v T) *Condvar_t[T] {
	return &Condvar_t[T]{val: v}
}

/// Update runs f over the protected value and performs the wakeup f
/// asks for. Wakes happen outside the spinlock.
func (cv *Condvar_t[T]) Update(f func(*T) Wakeup_t) {
	cv.lk.Lock()
	var towake []*Waker_t
	switch f(&cv.val) {
	case WAKE_NONE:
	case WAKE_ONE:
		if cv.waiters.Len() > 0 {
			towake = append(towake, cv.waiters.waiters[0])
			cv.waiters.waiters = cv.waiters.waiters[1:]
		}
	case WAKE_ALL:
		towake = cv.waiters.waiters
		cv.waiters.waiters = nil
	}
	cv.lk.Unlock()
	for _, w := range towake {
		w.Wake()
	}
}

/// Wait_until blocks until pred, run under the lock, returns true.
/// pred may mutate the value (to consume what it was waiting for).
func (cv *Condvar_t[T]) Wait_until(pred func(*T) bool) {
	for {
		cv.lk.Lock()
		if pred(&cv.val) {
			cv.lk.Unlock()
			return
		}
		w := Mkwaker()
		cv.waiters.Register(w)
		cv.lk.Unlock()
		w.Wait()
	}
}

/// Wait_until_interruptable is Wait_until with signal interruption.
func (cv *Condvar_t[T]) Wait_until_interruptable(sig <-chan struct{}, pred func(*T) bool) defs.Err_t {
	for {
		cv.lk.Lock()
		if pred(&cv.val) {
			cv.lk.Unlock()
			return 0
		}
		w := Mkwaker()
		cv.waiters.Register(w)
		cv.lk.Unlock()
		if err := w.Wait_interruptable(sig); err != 0 {
			// the signal may have raced a wake that made the
			// predicate true; completing wins over interruption
			cv.lk.Lock()
			cv.waiters.Unregister(w)
			done := pred(&cv.val)
			cv.lk.Unlock()
			if done {
				return 0
			}
			return err
		}
	}
}
