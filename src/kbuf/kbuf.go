// Package kbuf implements a page-backed circular kernel buffer with a
// single reader and a single writer, separate read/write waiter sets,
// and a zero-copy splice between two buffers.
package kbuf

import "sync"
import "unsafe"

import "defs"
import "ksync"
import "mem"
import "util"

/// Kbuf_t is a waitable ring buffer whose storage is one refcounted
/// physical page, allocated lazily on first use.
type Kbuf_t struct {
	lk    sync.Mutex
	mem   mem.Page_i
	buf   []uint8
	p_pg  mem.Pa_t
	bufsz int
	head  int
	tail  int
	eof   bool
	rwait ksync.Wakerset_t
	wwait ksync.Wakerset_t
}

/// Kb_set_eof marks the buffer shut down: drained reads return 0 and
/// writes fail. Everyone waiting is woken.
func (kb *Kbuf_t) Kb_set_eof() {
	kb.lk.Lock()
	kb.eof = true
	kb.rwait.Wake_all()
	kb.wwait.Wake_all()
	kb.lk.Unlock()
}

/// Kb_init prepares a buffer of sz bytes backed by m. The page is
/// allocated lazily; it is easier to handle an error at the time of
/// read or write than during initialization.
func (kb *Kbuf_t) Kb_init(sz int, m mem.Page_i) {
	bufmax := mem.PGSIZE
	if sz <= 0 || sz > bufmax {
		panic("bad kbuf size")
	}
	kb.mem = m
	kb.bufsz = sz
	kb.head, kb.tail = 0, 0
}

/// Kb_release drops the reference to the backing page and wakes
/// everyone still waiting.
func (kb *Kbuf_t) Kb_release() {
	kb.lk.Lock()
	if kb.buf != nil {
		kb.mem.Refdown(kb.p_pg)
		kb.p_pg = 0
		kb.buf = nil
	}
	kb.head, kb.tail = 0, 0
	kb.rwait.Wake_all()
	kb.wwait.Wake_all()
	kb.lk.Unlock()
}

// allocates the backing page. called with the lock held.
func (kb *Kbuf_t) ensure() defs.Err_t {
	if kb.buf != nil {
		return 0
	}
	if kb.bufsz == 0 {
		panic("not initted")
	}
	pg, p_pg, ok := kb.mem.Refpg_new_nozero()
	if !ok {
		return -defs.ENOMEM
	}
	kb.p_pg = p_pg
	kb.buf = pg[:kb.bufsz]
	return 0
}

func (kb *Kbuf_t) used() int {
	return kb.head - kb.tail
}

func (kb *Kbuf_t) left() int {
	return kb.bufsz - kb.used()
}

/// Used returns the number of buffered bytes.
func (kb *Kbuf_t) Used() int {
	kb.lk.Lock()
	defer kb.lk.Unlock()
	return kb.used()
}

/// Left returns the remaining capacity in bytes.
func (kb *Kbuf_t) Left() int {
	kb.lk.Lock()
	defer kb.lk.Unlock()
	return kb.left()
}

// occupied bytes as up to two slices, capped at n. lock held.
func (kb *Kbuf_t) rslices(n int) ([]uint8, []uint8) {
	c := util.Min(n, kb.used())
	if c == 0 {
		return nil, nil
	}
	ti := kb.tail % kb.bufsz
	r1 := kb.buf[ti:util.Min(kb.bufsz, ti+c)]
	r2 := kb.buf[:c-len(r1)]
	return r1, r2
}

// vacant bytes as up to two slices, capped at n. lock held.
func (kb *Kbuf_t) wslices(n int) ([]uint8, []uint8) {
	c := util.Min(n, kb.left())
	if c == 0 {
		return nil, nil
	}
	hi := kb.head % kb.bufsz
	r1 := kb.buf[hi:util.Min(kb.bufsz, hi+c)]
	r2 := kb.buf[:c-len(r1)]
	return r1, r2
}

// copies src into the ring. lock held.
func (kb *Kbuf_t) push(src []uint8) int {
	w1, w2 := kb.wslices(len(src))
	c := copy(w1, src)
	c += copy(w2, src[c:])
	kb.head += c
	return c
}

// copies out of the ring into dst. lock held.
func (kb *Kbuf_t) pop(dst []uint8) int {
	r1, r2 := kb.rslices(len(dst))
	c := copy(dst, r1)
	c += copy(dst[c:], r2)
	kb.tail += c
	return c
}

/// Try_push writes as much of src as fits and returns the count.
func (kb *Kbuf_t) Try_push(src []uint8) (int, defs.Err_t) {
	kb.lk.Lock()
	defer kb.lk.Unlock()
	if err := kb.ensure(); err != 0 {
		return 0, err
	}
	c := kb.push(src)
	if c > 0 {
		kb.rwait.Wake_one()
	}
	return c, 0
}

/// Try_pop reads up to len(dst) bytes and returns the count.
func (kb *Kbuf_t) Try_pop(dst []uint8) (int, defs.Err_t) {
	kb.lk.Lock()
	defer kb.lk.Unlock()
	if err := kb.ensure(); err != 0 {
		return 0, err
	}
	c := kb.pop(dst)
	if c > 0 {
		kb.wwait.Wake_one()
	}
	return c, 0
}

/// Push_slice writes at least one byte of src, waiting for space, and
/// returns the number written. sig interrupts the wait.
func (kb *Kbuf_t) Push_slice(src []uint8, sig <-chan struct{}) (int, defs.Err_t) {
	if len(src) == 0 {
		return 0, 0
	}
	for {
		kb.lk.Lock()
		if kb.eof {
			kb.lk.Unlock()
			return 0, -defs.EPIPE
		}
		if err := kb.ensure(); err != 0 {
			kb.lk.Unlock()
			return 0, err
		}
		c := kb.push(src)
		if c > 0 {
			// a partial write means other pending writers may also
			// make progress
			if kb.left() > 0 {
				kb.wwait.Wake_one()
			}
			kb.rwait.Wake_one()
			kb.lk.Unlock()
			return c, 0
		}
		w := ksync.Mkwaker()
		kb.wwait.Register(w)
		kb.lk.Unlock()
		if err := w.Wait_interruptable(sig); err != 0 {
			kb.lk.Lock()
			kb.wwait.Unregister(w)
			kb.lk.Unlock()
			return 0, err
		}
	}
}

/// Pop_slice reads at least one byte into dst, waiting for data, and
/// returns the number read. sig interrupts the wait.
func (kb *Kbuf_t) Pop_slice(dst []uint8, sig <-chan struct{}) (int, defs.Err_t) {
	if len(dst) == 0 {
		return 0, 0
	}
	for {
		kb.lk.Lock()
		if kb.eof && kb.buf == nil {
			kb.lk.Unlock()
			return 0, 0
		}
		if err := kb.ensure(); err != 0 {
			kb.lk.Unlock()
			return 0, err
		}
		c := kb.pop(dst)
		if c > 0 {
			kb.wwait.Wake_one()
			kb.lk.Unlock()
			return c, 0
		}
		if kb.eof {
			kb.lk.Unlock()
			return 0, 0
		}
		w := ksync.Mkwaker()
		kb.rwait.Register(w)
		kb.lk.Unlock()
		if err := w.Wait_interruptable(sig); err != 0 {
			kb.lk.Lock()
			kb.rwait.Unregister(w)
			kb.lk.Unlock()
			return 0, err
		}
	}
}

// locks a and b in ascending address order so two concurrent splices
// can never deadlock AB/BA.
func lock2(a, b *Kbuf_t) {
	if uintptr(unsafe.Pointer(a)) < uintptr(unsafe.Pointer(b)) {
		a.lk.Lock()
		b.lk.Lock()
	} else {
		b.lk.Lock()
		a.lk.Lock()
	}
}

func unlock2(a, b *Kbuf_t) {
	a.lk.Unlock()
	b.lk.Unlock()
}

/// Try_splice_from moves up to count bytes from src into kb without an
/// intermediate copy and returns the number moved. Splicing a buffer
/// to itself moves nothing.
func (kb *Kbuf_t) Try_splice_from(src *Kbuf_t, count int) (int, defs.Err_t) {
	if count == 0 || kb == src {
		return 0, 0
	}
	lock2(kb, src)
	defer unlock2(kb, src)
	if err := kb.ensure(); err != 0 {
		return 0, err
	}
	if err := src.ensure(); err != 0 {
		return 0, err
	}
	c := util.Min(count, util.Min(src.used(), kb.left()))
	if c == 0 {
		return 0, 0
	}
	s1, s2 := src.rslices(c)
	d1, d2 := kb.wslices(c)
	// the source or destination may wrap; copy slice pairs in order
	moved := 0
	for _, s := range [][]uint8{s1, s2} {
		for len(s) > 0 {
			var n int
			if len(d1) > 0 {
				n = copy(d1, s)
				d1 = d1[n:]
			} else {
				n = copy(d2, s)
				d2 = d2[n:]
			}
			if n == 0 {
				panic("splice accounting")
			}
			s = s[n:]
			moved += n
		}
	}
	if moved != c {
		panic("splice accounting")
	}
	src.tail += moved
	kb.head += moved
	// a reader may be waiting on kb, a writer on src
	kb.rwait.Wake_one()
	src.wwait.Wake_one()
	return moved, 0
}

/// Splice_from moves min(count, src occupied, kb vacant) bytes,
/// waiting until at least one byte can move. Splicing a buffer to
/// itself returns 0 immediately.
func (kb *Kbuf_t) Splice_from(src *Kbuf_t, count int, sig <-chan struct{}) (int, defs.Err_t) {
	if count == 0 || kb == src {
		return 0, 0
	}
	for {
		c, err := kb.Try_splice_from(src, count)
		if err != 0 || c > 0 {
			return c, err
		}
		w := ksync.Mkwaker()
		lock2(kb, src)
		if src.used() == 0 {
			src.rwait.Register(w)
		}
		if kb.left() == 0 {
			kb.wwait.Register(w)
		}
		moveable := src.used() > 0 && kb.left() > 0
		if moveable {
			// the state changed while unlocked; retry without
			// leaving a stale registration behind
			src.rwait.Unregister(w)
			kb.wwait.Unregister(w)
			unlock2(kb, src)
			continue
		}
		unlock2(kb, src)
		if err := w.Wait_interruptable(sig); err != 0 {
			lock2(kb, src)
			src.rwait.Unregister(w)
			kb.wwait.Unregister(w)
			unlock2(kb, src)
			return 0, err
		}
	}
}
