// Package slab carves buddy-allocated 4-page runs into power-of-two
// object size classes. Each class keeps a partial list and a free
// list of slab frames; full slabs float unlinked, referenced only by
// the frame metadata, and are re-linked when an object comes back.
package slab

import "sync"
import "unsafe"

import "mem"
import "util"

/// MAX_FREE_SLABS caps a class's cached free slabs; past it, half are
/// batch-returned to the frame allocator.
const MAX_FREE_SLABS = 32

/// Sizeclass_t manages every slab of one object size.
type Sizeclass_t struct {
	sync.Mutex
	objshift uint
	partial  mem.Flist_t
	free     mem.Flist_t
	phys     *mem.Physmem_t
	tr       mem.Translator_i
}

func mksizeclass(objshift uint, phys *mem.Physmem_t, tr mem.Translator_i) *Sizeclass_t {
	return &Sizeclass_t{
		objshift: objshift,
		partial:  mem.MkFlist(),
		free:     mem.MkFlist(),
		phys:     phys,
		tr:       tr,
	}
}

/// Objshift returns the class's object shift.
func (sc *Sizeclass_t) Objshift() uint {
	return sc.objshift
}

// pops an object from the partial then free lists. does not allocate
// physical memory. lock held.
func (sc *Sizeclass_t) tryalloc() (unsafe.Pointer, bool) {
	if f := sc.phys.Frame_pop(&sc.partial); f != nil {
		sl := f.Slab()
		p, ok := sl.Alloc_object(sc.tr)
		if !ok {
			// XXXPANIC
			panic("empty slab on partial list")
		}
		if sl.Slabstate() == mem.SLAB_PARTIAL {
			sc.phys.Frame_link(&sc.partial, f)
		}
		return p, true
	}
	if f := sc.phys.Frame_pop(&sc.free); f != nil {
		sl := f.Slab()
		p, ok := sl.Alloc_object(sc.tr)
		if !ok {
			panic("empty slab on free list")
		}
		if sl.Slabstate() == mem.SLAB_PARTIAL {
			sc.phys.Frame_link(&sc.partial, f)
		}
		return p, true
	}
	return nil, false
}

/// Try_alloc serves an object from cached slabs only.
func (sc *Sizeclass_t) Try_alloc() (unsafe.Pointer, bool) {
	sc.Lock()
	defer sc.Unlock()
	return sc.tryalloc()
}

/// Alloc serves an object, taking a fresh 4-page run from the frame
/// allocator when no cached slab has room. It returns false on OOM.
func (sc *Sizeclass_t) Alloc() (unsafe.Pointer, bool) {
	sc.Lock()
	defer sc.Unlock()
	if p, ok := sc.tryalloc(); ok {
		return p, true
	}
	f, pa, ok := sc.phys.Alloc_slab()
	if !ok {
		return nil, false
	}
	sl := f.Slab()
	sl.Slab_init(pa, sc.objshift, sc.tr)
	p, ok := sl.Alloc_object(sc.tr)
	if !ok {
		panic("fresh slab is empty")
	}
	if sl.Slabstate() == mem.SLAB_PARTIAL {
		sc.phys.Frame_link(&sc.partial, f)
	}
	return p, true
}

/// Free returns an object to its slab. Freeing with the wrong size
/// class is a bug and panics.
func (sc *Sizeclass_t) Free(p unsafe.Pointer) {
	sc.Lock()
	defer sc.Unlock()
	sc.free1(p)
}

// lock held.
func (sc *Sizeclass_t) free1(p unsafe.Pointer) {
	f := sc.phys.Frame_head(sc.tr.Pa(p))
	sl := f.Slab()
	if sl.Objshift() != sc.objshift {
		panic("slab: layout mismatch on free")
	}
	sl.Put_object(p, sc.tr)
	switch sl.Slabstate() {
	case mem.SLAB_FREE:
		if sc.free.Len() == MAX_FREE_SLABS {
			// batch-return half to relieve memory pressure
			for i := 0; i < MAX_FREE_SLABS>>1; i++ {
				ff := sc.phys.Frame_pop(&sc.free)
				if ff == nil {
					panic("should have free slabs")
				}
				sc.phys.Free_slab(ff)
			}
		}
		if f.Linked() {
			// a linked frame must be on the partial list
			sc.phys.Frame_unlink(&sc.partial, f)
		}
		sc.phys.Frame_link(&sc.free, f)
	case mem.SLAB_PARTIAL:
		if !f.Linked() {
			// the slab was full and floating; bring it back
			sc.phys.Frame_link(&sc.partial, f)
		}
	case mem.SLAB_FULL:
		panic("just freed an object")
	}
}

/// Reap returns every cached free slab to the frame allocator. The
/// partial list is untouched.
func (sc *Sizeclass_t) Reap() {
	sc.Lock()
	defer sc.Unlock()
	for {
		f := sc.phys.Frame_pop(&sc.free)
		if f == nil {
			return
		}
		sc.phys.Free_slab(f)
	}
}

/// Npartial returns the partial list length, for diagnostics.
func (sc *Sizeclass_t) Npartial() int {
	sc.Lock()
	defer sc.Unlock()
	return sc.partial.Len()
}

/// Slaballoc_t is the set of size classes, one per object shift in
/// [1, SLABMAXSHIFT].
type Slaballoc_t struct {
	classes [mem.SLABMAXSHIFT + 1]*Sizeclass_t
}

/// Mkslaballoc builds the per-class managers over phys.
func Mkslaballoc(phys *mem.Physmem_t, tr mem.Translator_i) *Slaballoc_t {
	sa := &Slaballoc_t{}
	for k := uint(1); k <= mem.SLABMAXSHIFT; k++ {
		sa.classes[k] = mksizeclass(k, phys, tr)
	}
	return sa
}

/// Classshift returns the size-class shift serving a layout, or false
/// when the layout is too large for slabs. Alignment is honoured by
/// sizing up: objects are naturally aligned to their size.
func Classshift(size, align int) (uint, bool) {
	if size <= 0 || !util.Ispow2(align) {
		panic("bad layout")
	}
	n := util.Max(size, align)
	shift := util.Log2up(n)
	if shift > mem.SLABMAXSHIFT {
		return 0, false
	}
	// the in-place free list needs a uint16 per object
	if shift == 0 {
		shift = 1
	}
	return shift, true
}

/// Class returns the manager for an object shift.
func (sa *Slaballoc_t) Class(shift uint) *Sizeclass_t {
	if shift < 1 || shift > mem.SLABMAXSHIFT {
		panic("bad size class")
	}
	return sa.classes[shift]
}

/// Reap_all returns every class's cached free slabs to the frame
/// allocator.
func (sa *Slaballoc_t) Reap_all() {
	for k := uint(1); k <= mem.SLABMAXSHIFT; k++ {
		sa.classes[k].Reap()
	}
}
