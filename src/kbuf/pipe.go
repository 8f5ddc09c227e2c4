package kbuf

import "sync"
import "sync/atomic"

import "defs"
import "fdops"
import "mem"

// A kernel pipe: two descriptor ends over one page-backed ring. The
// ring's waiter sets carry the blocking; the pipe only tracks end
// refcounts so close semantics come out right (EOF for readers once
// every writer is gone, EPIPE for writers once every reader is gone).

var pipeids int64

/// Kpipe_t is the shared state behind a pipe's two ends.
type Kpipe_t struct {
	lk      sync.Mutex
	kb      Kbuf_t
	id      int
	readers int
	writers int
}

/// Pipeend_t is one end of a pipe; it implements fdops.Fdops_i so it
/// can sit in a descriptor table.
type Pipeend_t struct {
	p       *Kpipe_t
	writend bool
}

/// Mkpipe builds a pipe over m and returns its read and write ends.
func Mkpipe(m mem.Page_i) (*Pipeend_t, *Pipeend_t) {
	p := &Kpipe_t{
		id:      int(atomic.AddInt64(&pipeids, 1)),
		readers: 1,
		writers: 1,
	}
	p.kb.Kb_init(mem.PGSIZE, m)
	return &Pipeend_t{p: p}, &Pipeend_t{p: p, writend: true}
}

func (pe *Pipeend_t) Read_at(dst []uint8, _ int) (int, defs.Err_t) {
	if pe.writend {
		return 0, -defs.EBADF
	}
	// pipes have no offsets; reads drain the ring in order
	return pe.p.kb.Pop_slice(dst, nil)
}

func (pe *Pipeend_t) Write_at(src []uint8, _ int) (int, defs.Err_t) {
	if !pe.writend {
		return 0, -defs.EBADF
	}
	pe.p.lk.Lock()
	dead := pe.p.readers == 0
	pe.p.lk.Unlock()
	if dead {
		return 0, -defs.EPIPE
	}
	return pe.p.kb.Push_slice(src, nil)
}

func (pe *Pipeend_t) Reopen() defs.Err_t {
	pe.p.lk.Lock()
	if pe.writend {
		pe.p.writers++
	} else {
		pe.p.readers++
	}
	pe.p.lk.Unlock()
	return 0
}

func (pe *Pipeend_t) Close() defs.Err_t {
	p := pe.p
	p.lk.Lock()
	if pe.writend {
		p.writers--
	} else {
		p.readers--
	}
	lastw := pe.writend && p.writers == 0
	lastr := !pe.writend && p.readers == 0
	gone := p.readers == 0 && p.writers == 0
	p.lk.Unlock()
	if lastw || lastr {
		// drained readers now see EOF; blocked writers see EPIPE
		p.kb.Kb_set_eof()
	}
	if gone {
		p.kb.Kb_release()
	}
	return 0
}

func (pe *Pipeend_t) Inode() int {
	return pe.p.id
}

// both ends satisfy the file-operations boundary
var _ fdops.Fdops_i = (*Pipeend_t)(nil)
