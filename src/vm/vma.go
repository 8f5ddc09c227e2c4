package vm

import "fdops"
import "mem"
import "pmap"

/// Mtype_t is the backing kind of a virtual memory area.
type Mtype_t int

const (
	/// VANON is a private anonymous mapping, zero on demand.
	VANON Mtype_t = iota
	/// VFILE is a private file-backed mapping.
	VFILE
)

/// Vmaperm_t is the permission set of a VMA. VMAs only describe user
/// address spaces, so there is no user bit here.
type Vmaperm_t struct {
	R bool
	W bool
	X bool
}

/// Ro is a read-only VMA permission set.
func Ro() Vmaperm_t {
	return Vmaperm_t{R: true}
}

/// Rw is a read-write VMA permission set.
func Rw() Vmaperm_t {
	return Vmaperm_t{R: true, W: true}
}

/// Rx is a read-execute VMA permission set.
func Rx() Vmaperm_t {
	return Vmaperm_t{R: true, X: true}
}

/// Pte converts VMA permissions to PTE permissions. The result is
/// never CoW; pages become CoW through cloning or through the fault
/// handler sharing the zero page or a private file copy.
func (p Vmaperm_t) Pte() pmap.Perms_t {
	return pmap.Perms_t{R: p.R, W: p.W, X: p.X, User: true}
}

/// Mfile_t records the file window behind a VFILE area.
type Mfile_t struct {
	Fops fdops.Fdops_i
	// file offset of the area's first byte
	Foff int
	// length of the mapped window
	Flen int
}

/// Vma_t is one virtual memory area: a page-aligned half-open region
/// with uniform permissions and backing.
type Vma_t struct {
	Start uintptr
	End   uintptr
	Mtype Mtype_t
	Perms Vmaperm_t
	File  Mfile_t
}

/// Region returns the area's address range.
func (v *Vma_t) Region() pmap.Region_t {
	return pmap.Region_t{Start: v.Start, End: v.End}
}

/// Size returns the area's length in bytes.
func (v *Vma_t) Size() int {
	return int(v.End - v.Start)
}

func mkvma(start uintptr, length int, mt Mtype_t, perms Vmaperm_t) *Vma_t {
	if length <= 0 {
		panic("bad vma len")
	}
	if (start|uintptr(length))&uintptr(mem.PGOFFSET) != 0 {
		panic("start and len must be aligned")
	}
	return &Vma_t{Start: start, End: start + uintptr(length), Mtype: mt,
		Perms: perms}
}

/// Mkvma_anon builds an anonymous area.
func Mkvma_anon(start uintptr, length int, perms Vmaperm_t) *Vma_t {
	return mkvma(start, length, VANON, perms)
}

/// Mkvma_file builds a file-backed area over the window starting at
/// foff.
func Mkvma_file(start uintptr, length int, perms Vmaperm_t, fops fdops.Fdops_i, foff int) *Vma_t {
	v := mkvma(start, length, VFILE, perms)
	v.File = Mfile_t{Fops: fops, Foff: foff, Flen: length}
	return v
}

// reports whether v and o, with o directly above v, may merge into
// one area: equal permissions, and for files the same inode with
// contiguous offsets inside the mapped window.
func (v *Vma_t) mergeable(o *Vma_t) bool {
	if v.End != o.Start || v.Perms != o.Perms || v.Mtype != o.Mtype {
		return false
	}
	if v.Mtype == VANON {
		return true
	}
	if v.File.Fops == nil || o.File.Fops == nil {
		return false
	}
	if v.File.Fops.Inode() != o.File.Fops.Inode() {
		return false
	}
	return v.File.Foff+v.Size() == o.File.Foff
}

// splits v at va, returning the upper part. va must be page aligned
// and interior. file offsets follow the split.
func (v *Vma_t) split(va uintptr) *Vma_t {
	if va <= v.Start || va >= v.End {
		panic("split outside vma")
	}
	if va&uintptr(mem.PGOFFSET) != 0 {
		panic("unaligned split")
	}
	hi := &Vma_t{Start: va, End: v.End, Mtype: v.Mtype, Perms: v.Perms}
	if v.Mtype == VFILE {
		delta := int(va - v.Start)
		hi.File = Mfile_t{
			Fops: v.File.Fops,
			Foff: v.File.Foff + delta,
			Flen: v.File.Flen - delta,
		}
		v.File.Flen = delta
		if v.File.Fops != nil {
			// both halves now reference the file
			if v.File.Fops.Reopen() != 0 {
				panic("must succeed")
			}
		}
	}
	v.End = va
	return hi
}

// shrinks v from the bottom so it starts at va.
func (v *Vma_t) trim_front(va uintptr) {
	if va <= v.Start || va >= v.End {
		panic("bad trim")
	}
	if v.Mtype == VFILE {
		delta := int(va - v.Start)
		v.File.Foff += delta
		v.File.Flen -= delta
	}
	v.Start = va
}

// shrinks v from the top so it ends at va.
func (v *Vma_t) trim_back(va uintptr) {
	if va <= v.Start || va >= v.End {
		panic("bad trim")
	}
	if v.Mtype == VFILE {
		v.File.Flen = int(va - v.Start)
	}
	v.End = va
}

// releases the file reference held by a VFILE area.
func (v *Vma_t) release() {
	if v.Mtype == VFILE && v.File.Fops != nil {
		if v.File.Fops.Close() != 0 {
			panic("must succeed")
		}
	}
}
