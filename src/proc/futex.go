package proc

import "defs"
import "hashtable"
import "ksync"

// Futexes hash the user address to a wait queue. The table is shared
// by every process; keys are absolute user addresses, which is enough
// for process-private futexes.

type futexq_t struct {
	waiters int
}

var futextab = hashtable.MkHash[uintptr, *ksync.Condvar_t[futexq_t]](256)

func futexget(uaddr uintptr) *ksync.Condvar_t[futexq_t] {
	if cv, ok := futextab.Get(uaddr); ok {
		return cv
	}
	cv := ksync.Mkcondvar(futexq_t{})
	if old, inserted := futextab.Set(uaddr, cv); !inserted {
		return old
	}
	return cv
}

/// Futex_wait blocks t until a wake on uaddr, unless the word no
/// longer holds val. The wait is interruptable.
func Futex_wait(t *Task_t, uaddr uintptr, val int) defs.Err_t {
	cur, err := t.Vm.Userreadn(uaddr, 4)
	if err != 0 {
		return err
	}
	if cur != val {
		return -defs.EAGAIN
	}
	cv := futexget(uaddr)
	gen := 0
	cv.Update(func(q *futexq_t) ksync.Wakeup_t {
		gen = q.waiters
		return ksync.WAKE_NONE
	})
	return cv.Wait_until_interruptable(t.sigch, func(q *futexq_t) bool {
		return q.waiters != gen
	})
}

/// Futex_wake wakes the oldest waiter on uaddr when n is 1 and every
/// waiter otherwise. It returns 0 when uaddr has never been waited on
/// and n otherwise; the result is not a count of the tasks woken.
func Futex_wake(uaddr uintptr, n int) int {
	cv, ok := futextab.Get(uaddr)
	if !ok {
		return 0
	}
	woke := 0
	cv.Update(func(q *futexq_t) ksync.Wakeup_t {
		q.waiters++
		if n == 1 {
			woke = 1
			return ksync.WAKE_ONE
		}
		woke = n
		return ksync.WAKE_ALL
	})
	return woke
}
