package ksync

import "defs"

// An asynchronous multi-producer, single-consumer channel built on the
// condvar. Senders carry a refcount; dropping the last sender wakes
// the receiver with a closed channel. If the receiver is dropped,
// further sends discard their payload silently.

type mpscstate_t[T any] struct {
	data     []T
	senders  int
	recvgone bool
}

/// Sender_t is the producing half of an MPSC channel.
type Sender_t[T any] struct {
	inner *Condvar_t[mpscstate_t[T]]
}

/// Receiver_t is the single consuming half of an MPSC channel.
type Receiver_t[T any] struct {
	inner *Condvar_t[mpscstate_t[T]]
}

/// Mkchannel creates an MPSC channel and returns its two halves.
func Mkchannel[T any]() (*Sender_t[T], *Receiver_t[T]) {
	cv := Mkcondvar(mpscstate_t[T]{senders: 1})
	return &Sender_t[T]{inner: cv}, &Receiver_t[T]{inner: cv}
}

/// Send enqueues v and wakes the receiver. The value is dropped when
/// the receiver is gone.
func (tx *Sender_t[T]) Send(v T) {
	tx.inner.Update(func(st *mpscstate_t[T]) Wakeup_t {
		if st.recvgone {
			return WAKE_NONE
		}
		st.data = append(st.data, v)
		return WAKE_ONE
	})
}

/// Clone returns another sending handle.
func (tx *Sender_t[T]) Clone() *Sender_t[T] {
	tx.inner.Update(func(st *mpscstate_t[T]) Wakeup_t {
		st.senders++
		return WAKE_NONE
	})
	return &Sender_t[T]{inner: tx.inner}
}

/// Close drops this sending handle. The last close wakes the receiver
/// so it can observe the closed channel.
func (tx *Sender_t[T]) Close() {
	tx.inner.Update(func(st *mpscstate_t[T]) Wakeup_t {
		st.senders--
		if st.senders < 0 {
			panic("sender double close")
		}
		if st.senders == 0 {
			// only one task should be waiting, but wake all as a
			// safeguard
			return WAKE_ALL
		}
		return WAKE_NONE
	})
}

/// Recv blocks for the next value. The second return is false once
/// every sender has closed and the queue is drained.
func (rx *Receiver_t[T]) Recv() (T, bool) {
	var ret T
	ok := false
	rx.inner.Wait_until(func(st *mpscstate_t[T]) bool {
		if len(st.data) > 0 {
			ret = st.data[0]
			st.data = st.data[1:]
			ok = true
			return true
		}
		return st.senders == 0
	})
	return ret, ok
}

/// Recv_interruptable is Recv, abandoned with -EINTR when sig fires.
func (rx *Receiver_t[T]) Recv_interruptable(sig <-chan struct{}) (T, bool, defs.Err_t) {
	var ret T
	ok := false
	err := rx.inner.Wait_until_interruptable(sig, func(st *mpscstate_t[T]) bool {
		if len(st.data) > 0 {
			ret = st.data[0]
			st.data = st.data[1:]
			ok = true
			return true
		}
		return st.senders == 0
	})
	return ret, ok, err
}

/// Close drops the receiver: queued values are discarded and future
/// sends are silently dropped.
func (rx *Receiver_t[T]) Close() {
	rx.inner.Update(func(st *mpscstate_t[T]) Wakeup_t {
		st.data = nil
		st.recvgone = true
		return WAKE_NONE
	})
}
