package slab

import "sync"
import "sync/atomic"
import "unsafe"

import "mem"
import "util"

/// MAGSZ is the magazine depth of one per-CPU cache line.
const MAGSZ = 16

// one magazine of objects of a single size class
type cacheline_t struct {
	ptrs []unsafe.Pointer
}

func (cl *cacheline_t) pop() (unsafe.Pointer, bool) {
	n := len(cl.ptrs)
	if n == 0 {
		return nil, false
	}
	p := cl.ptrs[n-1]
	cl.ptrs = cl.ptrs[:n-1]
	return p, true
}

func (cl *cacheline_t) push(p unsafe.Pointer) bool {
	if len(cl.ptrs) == MAGSZ {
		return false
	}
	cl.ptrs = append(cl.ptrs, p)
	return true
}

// refills the magazine to half depth from the class's cached slabs.
// the class lock is held by the caller.
func (cl *cacheline_t) fill_from(sc *Sizeclass_t) {
	for len(cl.ptrs) < MAGSZ>>1 {
		p, ok := sc.tryalloc()
		if !ok {
			return
		}
		cl.ptrs = append(cl.ptrs, p)
	}
}

// drains half the magazine back into the class to relieve global
// pressure. the class lock is held by the caller.
func (cl *cacheline_t) drain_into(sc *Sizeclass_t) {
	for len(cl.ptrs) > MAGSZ>>1 {
		n := len(cl.ptrs)
		p := cl.ptrs[n-1]
		cl.ptrs = cl.ptrs[:n-1]
		sc.free1(p)
	}
}

/// Cache_t is one CPU's set of magazines, fronting the global size
/// classes.
type Cache_t struct {
	lk    sync.Mutex
	lines [mem.SLABMAXSHIFT + 1]cacheline_t
}

/// Purge_into drains every magazine back into the slab allocator.
func (c *Cache_t) Purge_into(sa *Slaballoc_t) {
	c.lk.Lock()
	defer c.lk.Unlock()
	for k := uint(1); k <= mem.SLABMAXSHIFT; k++ {
		cl := &c.lines[k]
		sc := sa.Class(k)
		sc.Lock()
		for len(cl.ptrs) > 0 {
			n := len(cl.ptrs)
			sc.free1(cl.ptrs[n-1])
			cl.ptrs = cl.ptrs[:n-1]
		}
		sc.Unlock()
	}
}

/// Kheap_t is the global kernel heap: slab-backed for layouts within
/// the slab ceiling, buddy-backed for oversize layouts. It implements
/// the kernel's global allocator surface: Alloc(size, align) and
/// Free(ptr, size, align).
type Kheap_t struct {
	sa     *Slaballoc_t
	phys   *mem.Physmem_t
	tr     mem.Translator_i
	caches []*Cache_t
	hint   uint32
	/// Cpuhint picks the cache a caller uses. The hosted runtime has
	/// no CPU pinning, so the default stripes callers over the
	/// caches.
	Cpuhint func() int
}

/// Mkkheap builds a heap with ncache magazine caches.
func Mkkheap(phys *mem.Physmem_t, tr mem.Translator_i, ncache int) *Kheap_t {
	if ncache <= 0 {
		panic("no caches")
	}
	kh := &Kheap_t{
		sa:   Mkslaballoc(phys, tr),
		phys: phys,
		tr:   tr,
	}
	for i := 0; i < ncache; i++ {
		kh.caches = append(kh.caches, &Cache_t{})
	}
	kh.Cpuhint = func() int {
		return int(atomic.AddUint32(&kh.hint, 1)) % len(kh.caches)
	}
	return kh
}

/// Slaballoc returns the underlying size-class managers.
func (kh *Kheap_t) Slaballoc() *Slaballoc_t {
	return kh.sa
}

// order of the buddy run backing an oversize layout.
func hugeorder(size, align int) uint {
	n := util.Max(size, align)
	pages := (n + mem.PGSIZE - 1) / mem.PGSIZE
	return util.Log2up(pages)
}

/// Alloc returns size bytes aligned to align, or nil when physical
/// memory is exhausted.
func (kh *Kheap_t) Alloc(size, align int) unsafe.Pointer {
	shift, ok := Classshift(size, align)
	if !ok {
		// too big for slabs; take frames directly
		a, ok := kh.phys.Alloc_frames(hugeorder(size, align))
		if !ok {
			return nil
		}
		return kh.tr.Va(a.Pa())
	}
	c := kh.caches[kh.Cpuhint()]
	c.lk.Lock()
	defer c.lk.Unlock()
	cl := &c.lines[shift]
	if p, ok := cl.pop(); ok {
		return p
	}
	sc := kh.sa.Class(shift)
	sc.Lock()
	defer sc.Unlock()
	p, ok := sc.tryalloc()
	if !ok {
		// slow path: the class takes a fresh run
		f, pa, aok := kh.phys.Alloc_slab()
		if !aok {
			return nil
		}
		sl := f.Slab()
		sl.Slab_init(pa, shift, kh.tr)
		p, _ = sl.Alloc_object(kh.tr)
		if sl.Slabstate() == mem.SLAB_PARTIAL {
			kh.phys.Frame_link(&sc.partial, f)
		}
	}
	// top the magazine up from the (maybe freshly filled) class
	cl.fill_from(sc)
	return p
}

/// Free releases an allocation made with the same layout. A layout
/// mismatch against the owning slab panics.
func (kh *Kheap_t) Free(p unsafe.Pointer, size, align int) {
	if p == nil {
		panic("free of nil")
	}
	shift, ok := Classshift(size, align)
	if !ok {
		// reclaim the exact buddy region
		kh.phys.Refdown(kh.tr.Pa(p))
		return
	}
	c := kh.caches[kh.Cpuhint()]
	c.lk.Lock()
	defer c.lk.Unlock()
	cl := &c.lines[shift]
	if cl.push(p) {
		return
	}
	// the magazine is full; give this object and half the magazine
	// back to the class
	sc := kh.sa.Class(shift)
	sc.Lock()
	defer sc.Unlock()
	sc.free1(p)
	cl.drain_into(sc)
}

/// Purge drains every cache and every class's free slabs back to the
/// frame allocator. Diagnostic; the allocator suite uses it to check
/// balance.
func (kh *Kheap_t) Purge() {
	for _, c := range kh.caches {
		c.Purge_into(kh.sa)
	}
	kh.sa.Reap_all()
}
