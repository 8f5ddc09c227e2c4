package fd

import "defs"
import "fdops"
import "ksync"

/// File descriptor permission bits.
const (
	FD_READ    = 0x1 /// read permission
	FD_WRITE   = 0x2 /// write permission
	FD_CLOEXEC = 0x4 /// close-on-exec flag
)

/// Fd_t represents an open file descriptor.
type Fd_t struct {
	// fops is an interface implemented via a "pointer receiver", thus fops
	// is a reference, not a value
	Fops  fdops.Fdops_i /// descriptor operations
	Perms int           /// permission bits
}

/// Copyfd duplicates an open file descriptor by reopening it.
func Copyfd(f *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *f
	err := nfd.Fops.Reopen()
	if err != 0 {
		return nil, err
	}
	return nfd, 0
}

/// Close_panic closes the descriptor and panics on failure.
func Close_panic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("must succeed")
	}
}

/// Fdtable_t is a process's descriptor table. Syscall handlers may
/// suspend while holding it, so it is guarded by the blocking mutex
/// rather than a spinlock.
type Fdtable_t struct {
	Mu  ksync.Mutex_t
	fds []*Fd_t
}

/// Insert places f in the lowest free slot and returns its number.
func (ft *Fdtable_t) Insert(f *Fd_t) int {
	ft.Mu.Lock()
	defer ft.Mu.Unlock()
	for i, o := range ft.fds {
		if o == nil {
			ft.fds[i] = f
			return i
		}
	}
	ft.fds = append(ft.fds, f)
	return len(ft.fds) - 1
}

/// Get returns the descriptor for fdn, or nil.
func (ft *Fdtable_t) Get(fdn int) *Fd_t {
	ft.Mu.Lock()
	defer ft.Mu.Unlock()
	if fdn < 0 || fdn >= len(ft.fds) {
		return nil
	}
	return ft.fds[fdn]
}

/// Close removes and closes descriptor fdn.
func (ft *Fdtable_t) Close(fdn int) defs.Err_t {
	ft.Mu.Lock()
	if fdn < 0 || fdn >= len(ft.fds) || ft.fds[fdn] == nil {
		ft.Mu.Unlock()
		return -defs.EBADF
	}
	f := ft.fds[fdn]
	ft.fds[fdn] = nil
	ft.Mu.Unlock()
	return f.Fops.Close()
}

/// Close_all closes every open descriptor; used on exit.
func (ft *Fdtable_t) Close_all() {
	ft.Mu.Lock()
	fds := ft.fds
	ft.fds = nil
	ft.Mu.Unlock()
	for _, f := range fds {
		if f != nil {
			Close_panic(f)
		}
	}
}

/// Copy_table duplicates the table for fork, reopening every
/// descriptor.
func (ft *Fdtable_t) Copy_table() (*Fdtable_t, defs.Err_t) {
	ft.Mu.Lock()
	defer ft.Mu.Unlock()
	nt := &Fdtable_t{}
	nt.fds = make([]*Fd_t, len(ft.fds))
	for i, f := range ft.fds {
		if f == nil {
			continue
		}
		nf, err := Copyfd(f)
		if err != 0 {
			for _, g := range nt.fds {
				if g != nil {
					Close_panic(g)
				}
			}
			return nil, err
		}
		nt.fds[i] = nf
	}
	return nt, 0
}
