// Package kernel wires the core together at boot: physical memory,
// the kernel heap, the scheduler, and the first task.
package kernel

import "fmt"

import "defs"
import "mem"
import "proc"
import "slab"
import "vm"

/// Kernel_t is the assembled core.
type Kernel_t struct {
	Phys  *mem.Physmem_t
	Heap  *slab.Kheap_t
	Sched *proc.Sched_t
	Init  *proc.Task_t
}

/// Boot brings the core up with npages of RAM and ncpu CPUs and
/// creates the init task with an empty address space.
func Boot(npages, ncpu int) (*Kernel_t, defs.Err_t) {
	k := &Kernel_t{}
	k.Phys = mem.Phys_init(npages)
	k.Heap = slab.Mkkheap(k.Phys, mem.Identity_t{}, ncpu)
	k.Sched = proc.Mksched(ncpu)

	as, err := vm.Mkaspace(k.Phys)
	if err != 0 {
		return nil, err
	}
	k.Init = proc.Mktask(defs.TGID_INIT, "init", 0, vm.Mkvm(as, k.Phys))
	k.Sched.Cpus[0].Rq.Enqueue(k.Init)
	fmt.Printf("boot: init is %v\n", k.Init.Descriptor())
	return k, 0
}

/// Shutdown drains the executors.
func (k *Kernel_t) Shutdown() {
	k.Sched.Shutdown()
}
