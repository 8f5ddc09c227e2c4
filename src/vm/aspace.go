package vm

import "sync/atomic"

import "defs"
import "mem"
import "pmap"

/// Pageinfo_t is the result of a translation: the backing frame and
/// the live permissions.
type Pageinfo_t struct {
	Pfn   mem.Pfn_t
	Perms pmap.Perms_t
}

/// Addrspace_i is the per-process binding of mappings to the
/// architectural page tables. The memory map drives it; the real
/// implementation is Aspace_t, and tests may substitute a recorder.
type Addrspace_i interface {
	Activate()
	Deactivate()
	/// Map_page installs a single page mapping. The mapping takes
	/// over the caller's reference on the frame.
	Map_page(pa mem.Pa_t, va uintptr, perms pmap.Perms_t) defs.Err_t
	/// Unmap clears one page's mapping and returns its frame.
	Unmap(va uintptr) (mem.Pa_t, defs.Err_t)
	/// Remap points va at a new frame and returns the old one.
	Remap(va uintptr, newpa mem.Pa_t, perms pmap.Perms_t) (mem.Pa_t, defs.Err_t)
	/// Protect_range rewrites the permissions of every live page in
	/// the region. No-access permission encodes the swapped state.
	Protect_range(r pmap.Region_t, perms pmap.Perms_t) defs.Err_t
	/// Unmap_range clears every live page in the region and returns
	/// the frames that backed it.
	Unmap_range(r pmap.Region_t) ([]mem.Pa_t, defs.Err_t)
	/// Translate reads the live mapping of va.
	Translate(va uintptr) (Pageinfo_t, bool)
	/// Pte reads the raw leaf descriptor of va.
	Pte(va uintptr) (pmap.Pte_t, bool)
	/// Protect_and_clone_region shares every live page of the region
	/// into other at the new permissions, bumping frame refcounts and
	/// downgrading the source to match.
	Protect_and_clone_region(r pmap.Region_t, other Addrspace_i, perms pmap.Perms_t) defs.Err_t
	/// Uvmfree tears the whole address space down, returning every
	/// payload and table frame to the allocator.
	Uvmfree()
}

/// Tlbinval_t counts broadcast invalidations. The hosted rendition has
/// no translation hardware; a bare-metal port broadcasts to the CPU
/// set that loaded this address space. Counters are atomic: the
/// invalidator takes no kernel lock.
type Tlbinval_t struct {
	Nva  uint64
	Nall uint64
}

func (ti *Tlbinval_t) Inv_va(va uintptr) {
	atomic.AddUint64(&ti.Nva, 1)
}

func (ti *Tlbinval_t) Inv_all() {
	atomic.AddUint64(&ti.Nall, 1)
}

/// Aspace_t wraps the root (L0) table of one process. Operations are
/// implemented on the pmap engine with a context bound to the frame
/// allocator and this address space's invalidator.
type Aspace_t struct {
	root   mem.Pa_t
	phys   *mem.Physmem_t
	inv    Tlbinval_t
	ctx    pmap.Mapctx_t
	active bool
}

/// Mkaspace allocates an empty address space.
func Mkaspace(phys *mem.Physmem_t) (*Aspace_t, defs.Err_t) {
	as := &Aspace_t{phys: phys}
	as.ctx = pmap.Mapctx_t{
		Alloc:  pmap.Framealloc_t{Phys: phys},
		Mapper: pmap.Dmapper_t{Phys: phys},
		Inv:    &as.inv,
	}
	_, root, ok := phys.Refpg_new()
	if !ok {
		return nil, -defs.ENOMEM
	}
	as.root = root
	return as, 0
}

/// Root returns the physical address of the L0 table.
func (as *Aspace_t) Root() mem.Pa_t {
	return as.root
}

/// Tlbcounts returns the numbers of page and full invalidations this
/// address space has broadcast.
func (as *Aspace_t) Tlbcounts() (uint64, uint64) {
	return atomic.LoadUint64(&as.inv.Nva), atomic.LoadUint64(&as.inv.Nall)
}

/// Activate makes this the current address space. The hosted kernel
/// only records the fact; hardware would load the root into its
/// translation base register.
func (as *Aspace_t) Activate() {
	as.active = true
}

/// Deactivate records that this is no longer the current address
/// space; walks through it are not affected.
func (as *Aspace_t) Deactivate() {
	as.active = false
}

func maperr2errno(e pmap.Maperr_t) defs.Err_t {
	switch e {
	case pmap.ME_OK:
		return 0
	case pmap.ME_NOMEM:
		return -defs.ENOMEM
	case pmap.ME_EXISTS:
		return -defs.EEXIST
	case pmap.ME_NOTALIGNED, pmap.ME_NOTL3:
		return -defs.EINVAL
	case pmap.ME_NOTMAPPED:
		return -defs.EFAULT
	}
	return -defs.EINVAL
}

func (as *Aspace_t) Map_page(pa mem.Pa_t, va uintptr, perms pmap.Perms_t) defs.Err_t {
	err := pmap.Map_range(as.root, pmap.Mapattr_t{
		Phys:  pa,
		Virt:  pmap.Mkregion(va, mem.PGSIZE),
		Perms: perms,
	}, &as.ctx)
	return maperr2errno(err)
}

func (as *Aspace_t) Unmap(va uintptr) (mem.Pa_t, defs.Err_t) {
	var old mem.Pa_t
	found := false
	err := pmap.Walk_and_modify(as.root, pmap.Mkregion(va&^uintptr(mem.PGOFFSET), mem.PGSIZE),
		&as.ctx, func(_ uintptr, pte pmap.Pte_t) pmap.Pte_t {
			old = pte.Pa()
			found = true
			return pmap.Pte_invalid()
		})
	if err != pmap.ME_OK {
		return 0, maperr2errno(err)
	}
	if !found {
		return 0, -defs.EFAULT
	}
	return old, 0
}

func (as *Aspace_t) Remap(va uintptr, newpa mem.Pa_t, perms pmap.Perms_t) (mem.Pa_t, defs.Err_t) {
	var old mem.Pa_t
	found := false
	err := pmap.Walk_and_modify(as.root, pmap.Mkregion(va&^uintptr(mem.PGOFFSET), mem.PGSIZE),
		&as.ctx, func(_ uintptr, pte pmap.Pte_t) pmap.Pte_t {
			old = pte.Pa()
			found = true
			return pmap.Mkpte(newpa, perms)
		})
	if err != pmap.ME_OK {
		return 0, maperr2errno(err)
	}
	if !found {
		return 0, -defs.EFAULT
	}
	return old, 0
}

func (as *Aspace_t) Protect_range(r pmap.Region_t, perms pmap.Perms_t) defs.Err_t {
	err := pmap.Walk_and_modify(as.root, r, &as.ctx,
		func(_ uintptr, pte pmap.Pte_t) pmap.Pte_t {
			if perms.None() {
				// no access at all is the swapped encoding
				return pte.Mark_swapped()
			}
			p := perms
			// the CoW marker is sticky across protects: the frame is
			// still shared no matter what the new permissions claim,
			// and only the fault handler may upgrade it
			if pte.Perms().Cow {
				if p.W {
					p = p.Into_cow()
				} else {
					p.Cow = true
				}
			}
			return pte.Set_perms(p)
		})
	return maperr2errno(err)
}

func (as *Aspace_t) Unmap_range(r pmap.Region_t) ([]mem.Pa_t, defs.Err_t) {
	var claimed []mem.Pa_t
	err := pmap.Walk_and_modify(as.root, r, &as.ctx,
		func(_ uintptr, pte pmap.Pte_t) pmap.Pte_t {
			claimed = append(claimed, pte.Pa())
			return pmap.Pte_invalid()
		})
	if err != pmap.ME_OK {
		return nil, maperr2errno(err)
	}
	return claimed, 0
}

func (as *Aspace_t) Pte(va uintptr) (pmap.Pte_t, bool) {
	return pmap.Get_pte(as.root, va, as.ctx.Mapper)
}

func (as *Aspace_t) Translate(va uintptr) (Pageinfo_t, bool) {
	pte, ok := as.Pte(va)
	if !ok {
		return Pageinfo_t{}, false
	}
	return Pageinfo_t{Pfn: pte.Pa().Pfn(), Perms: pte.Perms()}, true
}

func (as *Aspace_t) Protect_and_clone_region(r pmap.Region_t, other Addrspace_i, perms pmap.Perms_t) defs.Err_t {
	oas, ok := other.(*Aspace_t)
	if !ok {
		panic("cloning into foreign address space")
	}
	err := pmap.Walk_and_modify(as.root, r, &as.ctx,
		func(va uintptr, pte pmap.Pte_t) pmap.Pte_t {
			// take the child's reference on the shared frame
			as.phys.Alloc_from_region(pte.Pa())
			merr := pmap.Map_range(oas.root, pmap.Mapattr_t{
				Phys:  pte.Pa(),
				Virt:  pmap.Mkregion(va, mem.PGSIZE),
				Perms: perms,
			}, &oas.ctx)
			if merr != pmap.ME_OK {
				panic("clone map failed")
			}
			return pte.Set_perms(perms)
		})
	return maperr2errno(err)
}

/// Uvmfree releases all user mappings and page tables. Every PA the
/// tear-down hands back loses one reference; unreferenced frames
/// return to the free pool.
func (as *Aspace_t) Uvmfree() {
	pmap.Tear_down(as.root, &as.ctx, func(pa mem.Pa_t) {
		as.phys.Refdown(pa)
	})
	as.root = 0
}
