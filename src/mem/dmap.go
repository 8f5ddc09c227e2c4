package mem

import "unsafe"

/// Translator_i converts between physical addresses and kernel-visible
/// pointers. The hosted kernel and the test harness run with the
/// identity translation; a bare-metal port supplies a page-offset
/// translation over its direct map.
type Translator_i interface {
	Va(Pa_t) unsafe.Pointer
	Pa(unsafe.Pointer) Pa_t
}

/// Identity_t is the identity translation: a Pa_t is the address of
/// the backing memory.
type Identity_t struct{}

func (Identity_t) Va(p Pa_t) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p))
}

func (Identity_t) Pa(v unsafe.Pointer) Pa_t {
	return Pa_t(uintptr(v))
}

/// Pgoffset_t translates by a fixed offset, the shape of a kernel
/// direct map.
type Pgoffset_t struct {
	Off uintptr
}

func (t Pgoffset_t) Va(p Pa_t) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) + t.Off)
}

func (t Pgoffset_t) Pa(v unsafe.Pointer) Pa_t {
	return Pa_t(uintptr(v) - t.Off)
}

/// Dmap returns the page backing the given physical address.
func (phys *Physmem_t) Dmap(p Pa_t) *Bytepg_t {
	phys.checkpa(p)
	return (*Bytepg_t)(unsafe.Pointer(uintptr(p) &^ uintptr(PGOFFSET)))
}

/// Dmap8 returns a byte slice over the backing memory starting at p
/// and running to the end of p's page.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	return pg[off:]
}

/// Dmap_v2p converts a pointer into the direct map back to a physical
/// address.
func (phys *Physmem_t) Dmap_v2p(v unsafe.Pointer) Pa_t {
	p := Pa_t(uintptr(v))
	phys.checkpa(p)
	return p
}

func (phys *Physmem_t) checkpa(p Pa_t) {
	pgn := uintptr(p) >> PGSHIFT
	if pgn < uintptr(phys.startn) || pgn >= uintptr(phys.startn)+uintptr(phys.npages) {
		panic("pa outside managed memory")
	}
}

/// Zeropg is a pinned, always-zero page shared by anonymous demand
/// paging.
var Zeropg *Bytepg_t

/// P_zeropg is the physical address of Zeropg.
var P_zeropg Pa_t
