package pmap

import "unsafe"

import "mem"

/// Mapattr_t describes a contiguous mapping request: successive frames
/// starting at Phys are installed over the pages of Virt.
type Mapattr_t struct {
	Phys  mem.Pa_t
	Virt  Region_t
	Perms Perms_t
}

// readdesc reads the descriptor for va at the given level of the
// table at tpa. A single mapper lease covers the read.
func readdesc(ctx *Mapctx_t, tpa mem.Pa_t, level int, va uintptr) Pte_t {
	var pte Pte_t
	ctx.Mapper.With_ptab(tpa, func(pt *Ptab_t) {
		pte = pt[ptidx(level, va)]
	})
	return pte
}

func writedesc(ctx *Mapctx_t, tpa mem.Pa_t, level int, va uintptr, pte Pte_t) {
	ctx.Mapper.With_ptab(tpa, func(pt *Ptab_t) {
		pt[ptidx(level, va)] = pte
	})
}

// ensure returns the child table of va at the given level, allocating
// and installing it when the slot is invalid. A valid non-table
// descriptor (a block mapping) cannot be descended through.
func ensure(ctx *Mapctx_t, tpa mem.Pa_t, level int, va uintptr) (mem.Pa_t, Maperr_t) {
	pte := readdesc(ctx, tpa, level, va)
	if pte.Valid() {
		if !pte.Table() {
			return 0, ME_NOTL3
		}
		return pte.Pa(), ME_OK
	}
	child, ok := ctx.Alloc.Alloc_ptab()
	if !ok {
		return 0, ME_NOMEM
	}
	writedesc(ctx, tpa, level, va, mktable(child))
	return child, ME_OK
}

/// Map_range installs L3 descriptors for every page of attrs.Virt,
/// mapped to successive frames starting at attrs.Phys, allocating the
/// intermediate tables as needed. It fails with ME_NOTALIGNED when an
/// endpoint is unaligned, ME_EXISTS when a live L3 mapping is in the
/// way, and ME_NOMEM when the table allocator fails. On error the
/// caller owns the partial extent and must unmap it; the operation is
/// restartable at the granularity of unmapped pages.
func Map_range(root mem.Pa_t, attrs Mapattr_t, ctx *Mapctx_t) Maperr_t {
	if !attrs.Virt.Aligned() || attrs.Phys&mem.PGOFFSET != 0 {
		return ME_NOTALIGNED
	}
	pa := attrs.Phys
	for va := attrs.Virt.Start; va < attrs.Virt.End; va += uintptr(mem.PGSIZE) {
		tpa := root
		for level := 0; level < 3; level++ {
			child, err := ensure(ctx, tpa, level, va)
			if err != ME_OK {
				return err
			}
			tpa = child
		}
		if readdesc(ctx, tpa, 3, va).Valid() {
			return ME_EXISTS
		}
		writedesc(ctx, tpa, 3, va, Mkpte(pa, attrs.Perms))
		ctx.Inv.Inv_va(va)
		pa += mem.Pa_t(mem.PGSIZE)
	}
	return ME_OK
}

/// Modifier_t rewrites one live L3 descriptor. Returning the invalid
/// descriptor unmaps the page.
type Modifier_t func(va uintptr, pte Pte_t) Pte_t

/// Walk_and_modify descends the hierarchy over region and applies
/// modifier to every valid L3 descriptor, storing the result back and
/// invalidating the page's translation. Missing sub-tables are
/// permitted (sparse regions); the modifier is never invoked for
/// invalid entries. A block mapping anywhere inside region fails with
/// ME_NOTL3 before anything is modified beneath it.
func Walk_and_modify(root mem.Pa_t, region Region_t, ctx *Mapctx_t, modifier Modifier_t) Maperr_t {
	if !region.Aligned() {
		return ME_NOTALIGNED
	}
	if region.Size() == 0 {
		return ME_OK
	}
	return walklevel(root, 0, region, ctx, modifier)
}

func walklevel(tpa mem.Pa_t, level int, region Region_t, ctx *Mapctx_t, modifier Modifier_t) Maperr_t {
	if level == 3 {
		for va := region.Start; va < region.End; va += uintptr(mem.PGSIZE) {
			pte := readdesc(ctx, tpa, 3, va)
			if !pte.Valid() {
				continue
			}
			// the mapper lease is released while the modifier runs;
			// modifiers may re-enter the engine on another table.
			npte := modifier(va, pte)
			writedesc(ctx, tpa, 3, va, npte)
			ctx.Inv.Inv_va(va)
		}
		return ME_OK
	}

	coverage := uintptr(1) << shift(level)
	// base VA of this table's slot 0
	tbase := region.Start &^ (coverage*DESCRIPTORS - 1)
	starti := ptidx(level, region.Start)
	endi := ptidx(level, region.End-1)
	for idx := starti; idx <= endi; idx++ {
		entryva := tbase + uintptr(idx)*coverage
		pte := readdesc(ctx, tpa, level, entryva)
		if !pte.Valid() {
			// permit sparse mappings
			continue
		}
		if !pte.Table() {
			return ME_NOTL3
		}
		sub, ok := Region_t{Start: entryva, End: entryva + coverage}.Intersect(region)
		if !ok {
			// XXXPANIC
			panic("child does not overlap parent")
		}
		if err := walklevel(pte.Pa(), level+1, sub, ctx, modifier); err != ME_OK {
			return err
		}
	}
	return ME_OK
}

/// Get_pte reads the live L3 descriptor mapping va, or returns false
/// when the page is unmapped. The walk modifies nothing, so a null
/// invalidator is used.
func Get_pte(root mem.Pa_t, va uintptr, mapper Ptmapper_i) (Pte_t, bool) {
	ctx := &Mapctx_t{Mapper: mapper, Inv: Nulltlb_t{}}
	var ret Pte_t
	found := false
	va &^= uintptr(mem.PGOFFSET)
	err := Walk_and_modify(root, Mkregion(va, mem.PGSIZE), ctx,
		func(_ uintptr, pte Pte_t) Pte_t {
			ret = pte
			found = true
			return pte
		})
	if err != ME_OK {
		return 0, false
	}
	return ret, found
}

/// Deallocator_t receives every physical address released by a
/// tear-down: payload frames, then child tables, then the root.
type Deallocator_t func(pa mem.Pa_t)

/// Tear_down walks the address space post-order, handing every mapped
/// payload frame and every table frame to the deallocator, the root
/// last. Iteration is cursor-based so the mapper's scoped access is
/// re-acquired for each step; it never holds a lease across a
/// recursion. Invalid entries are skipped, as are block mappings,
/// which the engine does not own.
func Tear_down(root mem.Pa_t, ctx *Mapctx_t, dealloc Deallocator_t) {
	teardownlevel(root, 0, ctx, dealloc)
	dealloc(root)
}

func teardownlevel(tpa mem.Pa_t, level int, ctx *Mapctx_t, dealloc Deallocator_t) {
	if level == 3 {
		ctx.Mapper.With_ptab(tpa, func(pt *Ptab_t) {
			for i := 0; i < DESCRIPTORS; i++ {
				if pt[i].Valid() {
					dealloc(pt[i].Pa())
				}
			}
		})
		return
	}
	cursor := 0
	for {
		found := -1
		var child mem.Pa_t
		ctx.Mapper.With_ptab(tpa, func(pt *Ptab_t) {
			for i := cursor; i < DESCRIPTORS; i++ {
				if pt[i].Valid() && pt[i].Table() {
					found = i
					child = pt[i].Pa()
					return
				}
			}
		})
		if found < 0 {
			return
		}
		teardownlevel(child, level+1, ctx, dealloc)
		dealloc(child)
		cursor = found + 1
	}
}

/// Framealloc_t allocates page-table frames from the physical
/// allocator. Tables are single zeroed pages.
type Framealloc_t struct {
	Phys *mem.Physmem_t
}

func (fa Framealloc_t) Alloc_ptab() (mem.Pa_t, bool) {
	_, pa, ok := fa.Phys.Refpg_new()
	return pa, ok
}

/// Dmapper_t accesses page-table frames through the direct map.
type Dmapper_t struct {
	Phys *mem.Physmem_t
}

func (dm Dmapper_t) With_ptab(pa mem.Pa_t, f func(*Ptab_t)) {
	f((*Ptab_t)(unsafe.Pointer(dm.Phys.Dmap(pa))))
}
