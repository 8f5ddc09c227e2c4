// Hosted bring-up for the moss core: boots the kernel over an
// in-memory RAM arena, clones init, touches some memory through the
// demand pager, and reports allocator balance. Useful as a smoke test
// and as an example of driving the core's interfaces.
package main

import (
	"fmt"

	"defs"
	"kernel"
	"proc"
	"vm"
)

func main() {
	k, err := kernel.Boot(1<<15, 4)
	if err != 0 {
		panic("boot failed")
	}
	free0 := k.Phys.Free_pages()

	t := k.Init
	addr, err := t.Vm.Mmap(vm.Anyreq(), 16*4096, vm.Rw(), vm.VANON, nil, 0)
	if err != 0 {
		panic("mmap failed")
	}
	fmt.Printf("init: mapped 16 pages at %#x\n", addr)

	// write through the demand pager
	for i := 0; i < 16; i++ {
		if err := t.Vm.Userwriten(addr+uintptr(i*4096), 8, i+1); err != 0 {
			panic("store failed")
		}
	}

	child, err := t.Clone(k.Phys, "child")
	if err != 0 {
		panic("clone failed")
	}
	v, err := child.Vm.Userreadn(addr, 8)
	if err != 0 || v != 1 {
		panic("child does not see parent memory")
	}
	if err := child.Vm.Userwriten(addr, 8, 99); err != 0 {
		panic("cow write failed")
	}
	pv, _ := t.Vm.Userreadn(addr, 8)
	fmt.Printf("cow: parent=%v child=99\n", pv)

	child.Exit_group(0)
	if cs, err := t.Wait_child(); err == 0 {
		fmt.Printf("wait: child %v exited %v\n", cs.Tgid, cs.Status)
	}
	if err := t.Vm.Munmap(addr, 16*4096); err != 0 {
		panic("munmap failed")
	}
	t.Exit_group(0)
	k.Shutdown()

	if _, ok := proc.Find_task(defs.Mktaskdesc(child.Tgid, child.Tid)); ok {
		panic("finished task still listed")
	}
	fmt.Printf("free pages: boot %v now %v\n", free0, k.Phys.Free_pages())
}
