// Package fdops declares the file-operations contract the core
// consumes. Filesystem drivers implement it; the memory subsystem
// only needs enough of it to fill and release file-backed mappings.
package fdops

import "defs"

/// Fdops_i is the boundary between the core and a file
/// implementation. It is implemented via a pointer receiver, thus a
/// value of this type is a reference.
type Fdops_i interface {
	/// Read_at fills dst from the file starting at off. Short reads
	/// beyond end-of-file leave the remainder of dst untouched.
	Read_at(dst []uint8, off int) (int, defs.Err_t)
	/// Write_at stores src into the file starting at off.
	Write_at(src []uint8, off int) (int, defs.Err_t)
	/// Reopen takes another reference on the open file.
	Reopen() defs.Err_t
	/// Close drops a reference.
	Close() defs.Err_t
	/// Inode returns a stable identity for the backing inode, used to
	/// decide whether two mappings may merge.
	Inode() int
}
