// Package vm models a process's virtual memory: an ordered set of
// non-overlapping VMAs, the mmap family of operations over them, and
// the demand-paging fault handler with copy-on-write. Page-table
// side-effects go through the process address space (Addrspace_i).
package vm

import "sort"
import "sync"

import "defs"
import "fdops"
import "mem"
import "pmap"
import "util"

/// MMAP_BASE is the top-down watermark for Any placement.
const MMAP_BASE uintptr = 0x7f8000000000

/// USERMIN is the lowest user virtual address.
const USERMIN uintptr = 0x10000

/// Mmapwhere_t selects the placement policy of an mmap request.
type Mmapwhere_t int

const (
	/// MAP_ANY places the mapping in the highest free gap at or below
	/// MMAP_BASE.
	MAP_ANY Mmapwhere_t = iota
	/// MAP_HINT uses the given address if that exact region is free,
	/// and falls back to MAP_ANY otherwise.
	MAP_HINT
	/// MAP_FIXED maps at exactly the given address.
	MAP_FIXED
)

/// Mmapreq_t is an mmap placement request.
type Mmapreq_t struct {
	Where Mmapwhere_t
	Addr  uintptr
	/// Permit_overlap lets a fixed request clobber existing areas.
	Permit_overlap bool
}

/// Anyreq requests Any placement.
func Anyreq() Mmapreq_t {
	return Mmapreq_t{Where: MAP_ANY}
}

/// Hintreq suggests an address.
func Hintreq(addr uintptr) Mmapreq_t {
	return Mmapreq_t{Where: MAP_HINT, Addr: addr}
}

/// Fixedreq demands an address.
func Fixedreq(addr uintptr, overlap bool) Mmapreq_t {
	return Mmapreq_t{Where: MAP_FIXED, Addr: addr, Permit_overlap: overlap}
}

/// Access_t is the kind of memory access that faulted.
type Access_t int

const (
	ACC_READ Access_t = iota
	ACC_WRITE
	ACC_EXEC
)

/// Vm_t is a process memory map: the VMA list plus the architectural
/// address space. The mutex protects both.
type Vm_t struct {
	sync.Mutex
	vmas []*Vma_t
	As   Addrspace_i
	phys *mem.Physmem_t

	pgfltaken bool
}

/// Mkvm binds a memory map to an address space.
func Mkvm(as Addrspace_i, phys *mem.Physmem_t) *Vm_t {
	return &Vm_t{As: as, phys: phys}
}

/// Lock_pmap acquires the map mutex and marks that a page fault is
/// being handled.
func (m *Vm_t) Lock_pmap() {
	m.Lock()
	m.pgfltaken = true
}

/// Unlock_pmap releases the map mutex.
func (m *Vm_t) Unlock_pmap() {
	m.pgfltaken = false
	m.Unlock()
}

/// Lockassert_pmap panics if the map mutex is not held.
func (m *Vm_t) Lockassert_pmap() {
	if !m.pgfltaken {
		panic("pgfl lock must be held")
	}
}

/// Len returns the number of VMAs.
func (m *Vm_t) Len() int {
	m.Lock()
	defer m.Unlock()
	return len(m.vmas)
}

// index of the first vma whose End is above va. lock held.
func (m *Vm_t) search(va uintptr) int {
	return sort.Search(len(m.vmas), func(i int) bool {
		return m.vmas[i].End > va
	})
}

func (m *Vm_t) find(va uintptr) *Vma_t {
	i := m.search(va)
	if i < len(m.vmas) && m.vmas[i].Start <= va {
		return m.vmas[i]
	}
	return nil
}

/// Find_vma returns the VMA containing va, or nil.
func (m *Vm_t) Find_vma(va uintptr) *Vma_t {
	m.Lock()
	defer m.Unlock()
	return m.find(va)
}

// reports whether [start, start+size) intersects no vma. lock held.
func (m *Vm_t) isfree(start uintptr, size int) bool {
	i := m.search(start)
	return i == len(m.vmas) || m.vmas[i].Start >= start+uintptr(size)
}

// finds the highest free gap at or below MMAP_BASE that fits size.
// lock held.
func (m *Vm_t) findany(size int) (uintptr, bool) {
	gapend := MMAP_BASE
	for i := len(m.vmas) - 1; i >= 0; i-- {
		v := m.vmas[i]
		if v.Start >= gapend {
			continue
		}
		if v.End <= gapend && gapend-v.End >= uintptr(size) {
			return gapend - uintptr(size), true
		}
		gapend = v.Start
	}
	if gapend >= USERMIN+uintptr(size) {
		return gapend - uintptr(size), true
	}
	return 0, false
}

func (m *Vm_t) insat(i int, v *Vma_t) {
	m.vmas = append(m.vmas, nil)
	copy(m.vmas[i+1:], m.vmas[i:])
	m.vmas[i] = v
}

func (m *Vm_t) remat(i int) {
	m.vmas = append(m.vmas[:i], m.vmas[i+1:]...)
}

// fuses vmas[i] with vmas[i+1] when the merge policy allows. lock
// held.
func (m *Vm_t) tryfuse(i int) bool {
	if i < 0 || i+1 >= len(m.vmas) {
		return false
	}
	a, b := m.vmas[i], m.vmas[i+1]
	if !a.mergeable(b) {
		return false
	}
	a.End = b.End
	if a.Mtype == VFILE {
		a.File.Flen += b.File.Flen
		b.release()
	}
	m.remat(i + 1)
	return true
}

// inserts v in address order and merges with both neighbours. lock
// held.
func (m *Vm_t) insert_and_merge(v *Vma_t) {
	i := m.search(v.Start)
	if i < len(m.vmas) && m.vmas[i].Start < v.End {
		panic("overlapping vma insert")
	}
	m.insat(i, v)
	m.tryfuse(i)
	m.tryfuse(i - 1)
}

/// Insert_and_merge adds a prebuilt VMA to the map.
func (m *Vm_t) Insert_and_merge(v *Vma_t) {
	m.Lock()
	defer m.Unlock()
	m.insert_and_merge(v)
}

// makes a hole exactly equal to r: overlapping areas are split or
// trimmed, and only the overlapping sub-ranges generate page-table
// side-effects appropriate to the incoming kind. lock held.
func (m *Vm_t) clobber(r pmap.Region_t, mt Mtype_t, pteperms pmap.Perms_t) defs.Err_t {
	for i := 0; i < len(m.vmas); {
		v := m.vmas[i]
		if v.End <= r.Start || v.Start >= r.End {
			i++
			continue
		}
		o, _ := v.Region().Intersect(r)
		if mt == VANON {
			// the incoming area inherits whatever frames are live;
			// their permissions must match it
			if err := m.As.Protect_range(o, pteperms); err != 0 {
				return err
			}
		} else {
			// a file area must fault its own contents in
			pas, err := m.As.Unmap_range(o)
			if err != 0 {
				return err
			}
			for _, pa := range pas {
				m.phys.Refdown(pa)
			}
		}
		switch {
		case v.Start >= o.Start && v.End <= o.End:
			v.release()
			m.remat(i)
		case v.Start < o.Start && v.End > o.End:
			hi := v.split(o.Start)
			hi.trim_front(o.End)
			m.insat(i+1, hi)
			i += 2
		case v.Start < o.Start:
			v.trim_back(o.Start)
			i++
		default:
			v.trim_front(o.End)
			i++
		}
	}
	return 0
}

/// Mmap creates a new mapping of size bytes. For VFILE, the map takes
/// its own reference on fops. It returns the placed address.
func (m *Vm_t) Mmap(req Mmapreq_t, size int, perms Vmaperm_t, mt Mtype_t,
	fops fdops.Fdops_i, foff int) (uintptr, defs.Err_t) {
	if size <= 0 || size%mem.PGSIZE != 0 {
		return 0, -defs.EINVAL
	}
	m.Lock()
	defer m.Unlock()

	var at uintptr
	switch req.Where {
	case MAP_ANY:
		a, ok := m.findany(size)
		if !ok {
			return 0, -defs.ENOMEM
		}
		at = a
	case MAP_HINT:
		if req.Addr&uintptr(mem.PGOFFSET) == 0 && req.Addr >= USERMIN &&
			m.isfree(req.Addr, size) {
			at = req.Addr
		} else {
			// the hint is only a suggestion
			a, ok := m.findany(size)
			if !ok {
				return 0, -defs.ENOMEM
			}
			at = a
		}
	case MAP_FIXED:
		if req.Addr&uintptr(mem.PGOFFSET) != 0 || req.Addr < USERMIN {
			return 0, -defs.EINVAL
		}
		at = req.Addr
		if !m.isfree(at, size) {
			if !req.Permit_overlap {
				return 0, -defs.EEXIST
			}
			r := pmap.Mkregion(at, size)
			if err := m.clobber(r, mt, perms.Pte()); err != 0 {
				return 0, err
			}
		}
	default:
		panic("bad mmap request")
	}

	var nv *Vma_t
	if mt == VFILE {
		if fops == nil {
			return 0, -defs.EINVAL
		}
		if err := fops.Reopen(); err != 0 {
			return 0, err
		}
		nv = Mkvma_file(at, size, perms, fops, foff)
	} else {
		nv = Mkvma_anon(at, size, perms)
	}
	m.insert_and_merge(nv)
	return at, 0
}

/// Munmap removes every mapping in [start, start+size), clearing the
/// page tables and releasing the frames that were resident.
func (m *Vm_t) Munmap(start uintptr, size int) defs.Err_t {
	if (start|uintptr(size))&uintptr(mem.PGOFFSET) != 0 || size <= 0 {
		return -defs.EINVAL
	}
	m.Lock()
	defer m.Unlock()

	r := pmap.Mkregion(start, size)
	for i := 0; i < len(m.vmas); {
		v := m.vmas[i]
		if v.End <= r.Start || v.Start >= r.End {
			i++
			continue
		}
		o, _ := v.Region().Intersect(r)
		pas, err := m.As.Unmap_range(o)
		if err != 0 {
			return err
		}
		for _, pa := range pas {
			m.phys.Refdown(pa)
		}
		switch {
		case v.Start >= o.Start && v.End <= o.End:
			v.release()
			m.remat(i)
		case v.Start < o.Start && v.End > o.End:
			// a hole in the middle splits the area in two
			hi := v.split(o.Start)
			hi.trim_front(o.End)
			m.insat(i+1, hi)
			i += 2
		case v.Start < o.Start:
			v.trim_back(o.Start)
			i++
		default:
			v.trim_front(o.End)
			i++
		}
	}
	return 0
}

/// Mprotect changes the permissions of every mapping in the region,
/// splitting areas so the operated sub-range is exact and re-merging
/// neighbours afterwards.
func (m *Vm_t) Mprotect(start uintptr, size int, perms Vmaperm_t) defs.Err_t {
	if (start|uintptr(size))&uintptr(mem.PGOFFSET) != 0 || size <= 0 {
		return -defs.EINVAL
	}
	m.Lock()
	defer m.Unlock()

	r := pmap.Mkregion(start, size)
	for i := 0; i < len(m.vmas); i++ {
		v := m.vmas[i]
		if v.End <= r.Start || v.Start >= r.End {
			continue
		}
		o, _ := v.Region().Intersect(r)
		if v.Perms == perms {
			continue
		}
		if v.Start < o.Start {
			hi := v.split(o.Start)
			m.insat(i+1, hi)
			continue
		}
		if v.End > o.End {
			hi := v.split(o.End)
			m.insat(i+1, hi)
		}
		v.Perms = perms
		if err := m.As.Protect_range(o, perms.Pte()); err != 0 {
			return err
		}
	}
	// restoring the original permissions may rejoin a prior split
	for i := 0; i < len(m.vmas)-1; {
		if !m.tryfuse(i) {
			i++
		}
	}
	return 0
}

/// Handle_fault resolves an MMU fault at va. An error means the
/// access was bad and the caller delivers SIGSEGV.
func (m *Vm_t) Handle_fault(va uintptr, acc Access_t) defs.Err_t {
	m.Lock_pmap()
	defer m.Unlock_pmap()
	return m.fault_inner(va, acc)
}

func (m *Vm_t) fault_inner(va uintptr, acc Access_t) defs.Err_t {
	m.Lockassert_pmap()
	vmi := m.find(va)
	if vmi == nil {
		return -defs.EFAULT
	}
	switch acc {
	case ACC_WRITE:
		if !vmi.Perms.W {
			return -defs.EFAULT
		}
	case ACC_EXEC:
		if !vmi.Perms.X {
			return -defs.EFAULT
		}
	case ACC_READ:
		if !vmi.Perms.R {
			return -defs.EFAULT
		}
	}
	va &^= uintptr(mem.PGOFFSET)

	if pte, ok := m.As.Pte(va); ok {
		p := pte.Perms()
		if acc != ACC_WRITE {
			if pte.Swapped() {
				return -defs.EFAULT
			}
			// two threads simultaneously faulted on the same page
			return 0
		}
		if p.W {
			return 0
		}
		if !p.Cow {
			return -defs.EFAULT
		}
		pa := pte.Pa()
		if m.phys.Refcnt(pa) == 1 && pa != mem.P_zeropg {
			// this mapping is the page's only user: claim it, skip
			// the copy, and mark it writable
			_, err := m.As.Remap(va, pa, p.From_cow())
			return err
		}
		npg, npa, ok := m.phys.Refpg_new_nozero()
		if !ok {
			return -defs.ENOMEM
		}
		*npg = *m.phys.Dmap(pa)
		old, err := m.As.Remap(va, npa, p.From_cow())
		if err != 0 {
			m.phys.Refdown(npa)
			return err
		}
		m.phys.Refdown(old)
		return 0
	}

	// nothing mapped yet: demand fill
	switch vmi.Mtype {
	case VANON:
		if acc == ACC_WRITE {
			_, pa, ok := m.phys.Refpg_new()
			if !ok {
				return -defs.ENOMEM
			}
			err := m.As.Map_page(pa, va, vmi.Perms.Pte())
			if err != 0 {
				m.phys.Refdown(pa)
			}
			return err
		}
		// reads share the pinned zero page; a writable area gets it
		// CoW so the first store makes a private copy
		perms := vmi.Perms.Pte()
		if perms.W {
			perms = perms.Into_cow()
		}
		m.phys.Refup(mem.P_zeropg)
		err := m.As.Map_page(mem.P_zeropg, va, perms)
		if err != 0 {
			m.phys.Refdown(mem.P_zeropg)
		}
		return err
	case VFILE:
		pg, pa, ok := m.phys.Refpg_new()
		if !ok {
			return -defs.ENOMEM
		}
		off := vmi.File.Foff + int(va-vmi.Start)
		if _, err := vmi.File.Fops.Read_at(pg[:], off); err != 0 {
			m.phys.Refdown(pa)
			return err
		}
		// the frame is a private copy of the file; a read fault maps
		// it CoW, a write fault may keep it writable outright
		perms := vmi.Perms.Pte()
		if perms.W && acc != ACC_WRITE {
			perms = perms.Into_cow()
		}
		err := m.As.Map_page(pa, va, perms)
		if err != 0 {
			m.phys.Refdown(pa)
		}
		return err
	}
	panic("wut")
}

/// Fork_cow clones this map into child: the VMA list is copied, every
/// live page is shared copy-on-write, and the source's writable pages
/// are downgraded in the same pass.
func (m *Vm_t) Fork_cow(child *Vm_t) defs.Err_t {
	m.Lock()
	defer m.Unlock()
	for _, v := range m.vmas {
		nv := &Vma_t{}
		*nv = *v
		if nv.Mtype == VFILE {
			if err := nv.File.Fops.Reopen(); err != 0 {
				return err
			}
		}
		child.vmas = append(child.vmas, nv)
		perms := v.Perms.Pte()
		if perms.W {
			perms = perms.Into_cow()
		}
		if err := m.As.Protect_and_clone_region(v.Region(), child.As, perms); err != 0 {
			return err
		}
	}
	return 0
}

/// Uvmfree tears down the address space and drops every VMA.
func (m *Vm_t) Uvmfree() {
	m.Lock()
	defer m.Unlock()
	m.As.Uvmfree()
	for _, v := range m.vmas {
		v.release()
	}
	m.vmas = nil
}

/// Userdmap8_inner returns a kernel slice over the user page at va,
/// faulting it in if needed. When k2u is true the page is prepared
/// for a kernel write.
func (m *Vm_t) Userdmap8_inner(va uintptr, k2u bool) ([]uint8, defs.Err_t) {
	m.Lockassert_pmap()
	voff := va & uintptr(mem.PGOFFSET)
	needfault := true
	if pte, ok := m.As.Pte(va); ok {
		p := pte.Perms()
		if k2u {
			if p.W {
				needfault = false
			}
		} else {
			if p.R {
				needfault = false
			}
		}
	}
	if needfault {
		acc := ACC_READ
		if k2u {
			acc = ACC_WRITE
		}
		if err := m.fault_inner(va, acc); err != 0 {
			return nil, err
		}
	}
	pte, ok := m.As.Pte(va)
	if !ok {
		// XXXPANIC
		panic("fault did not map")
	}
	return m.phys.Dmap8(pte.Pa() + mem.Pa_t(voff)), 0
}

/// Userreadn reads an n byte little-endian value from user memory.
func (m *Vm_t) Userreadn(va uintptr, n int) (int, defs.Err_t) {
	if n > 8 {
		panic("large n")
	}
	m.Lock_pmap()
	defer m.Unlock_pmap()
	var ret int
	var src []uint8
	var err defs.Err_t
	for i := 0; i < n; i += len(src) {
		src, err = m.Userdmap8_inner(va+uintptr(i), false)
		if err != 0 {
			return 0, err
		}
		l := util.Min(n-i, len(src))
		v := util.Readn(src, l, 0)
		ret |= v << (8 * uint(i))
	}
	return ret, 0
}

/// Userwriten stores an n byte value into user memory.
func (m *Vm_t) Userwriten(va uintptr, n, val int) defs.Err_t {
	if n > 8 {
		panic("large n")
	}
	m.Lock_pmap()
	defer m.Unlock_pmap()
	var dst []uint8
	for i := 0; i < n; i += len(dst) {
		v := val >> (8 * uint(i))
		t, err := m.Userdmap8_inner(va+uintptr(i), true)
		dst = t
		if err != 0 {
			return err
		}
		util.Writen(dst, util.Min(n-i, len(dst)), 0, v)
	}
	return 0
}

/// K2user copies src into the user address space starting at uva.
func (m *Vm_t) K2user(src []uint8, uva uintptr) defs.Err_t {
	m.Lock_pmap()
	defer m.Unlock_pmap()
	cnt := 0
	for len(src) != 0 {
		dst, err := m.Userdmap8_inner(uva+uintptr(cnt), true)
		if err != 0 {
			return err
		}
		did := copy(dst, src)
		src = src[did:]
		cnt += did
	}
	return 0
}

/// Userstr copies a NUL terminated string from user space, up to
/// lenmax bytes.
func (m *Vm_t) Userstr(uva uintptr, lenmax int) ([]uint8, defs.Err_t) {
	if lenmax < 0 {
		return nil, 0
	}
	m.Lock_pmap()
	defer m.Unlock_pmap()
	i := 0
	s := make([]uint8, 0)
	for {
		str, err := m.Userdmap8_inner(uva+uintptr(i), false)
		if err != 0 {
			return s, err
		}
		for j, c := range str {
			if c == 0 {
				s = append(s, str[:j]...)
				if len(s) >= lenmax {
					return nil, -defs.ENAMETOOLONG
				}
				return s, 0
			}
		}
		s = append(s, str...)
		i += len(str)
		if len(s) >= lenmax {
			return nil, -defs.ENAMETOOLONG
		}
	}
}

/// User2k copies len(dst) bytes from the user address uva into dst.
func (m *Vm_t) User2k(dst []uint8, uva uintptr) defs.Err_t {
	m.Lock_pmap()
	defer m.Unlock_pmap()
	cnt := 0
	for len(dst) != 0 {
		src, err := m.Userdmap8_inner(uva+uintptr(cnt), false)
		if err != 0 {
			return err
		}
		did := copy(dst, src)
		dst = dst[did:]
		cnt += did
	}
	return 0
}
