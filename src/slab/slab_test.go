package slab

import "math/rand"
import "sync"
import "testing"
import "unsafe"

import "mem"

const testpages = 1 << 14

var initonce sync.Once
var theap *Kheap_t

func theapinit(t *testing.T) (*mem.Physmem_t, *Kheap_t) {
	initonce.Do(func() {
		mem.Phys_init(testpages)
		theap = Mkkheap(mem.Physmem, mem.Identity_t{}, 8)
	})
	return mem.Physmem, theap
}

func TestClassshift(t *testing.T) {
	for _, tc := range []struct {
		size, align int
		shift       uint
		ok          bool
	}{
		{1, 1, 1, true},
		{2, 1, 1, true},
		{3, 1, 2, true},
		{64, 64, 6, true},
		{65, 1, 7, true},
		{100, 128, 7, true},
		{1 << 13, 1, 13, true},
		{1<<13 + 1, 1, 0, false},
		{1, 1 << 13, 13, true},
	} {
		shift, ok := Classshift(tc.size, tc.align)
		if ok != tc.ok || (ok && shift != tc.shift) {
			t.Fatalf("classshift(%v, %v) = %v, %v", tc.size, tc.align, shift, ok)
		}
	}
}

func TestSizeclassAllocFree(t *testing.T) {
	phys, heap := theapinit(t)
	start := phys.Free_pages()
	sc := heap.Slaballoc().Class(6)

	var ptrs []unsafe.Pointer
	// more than one slab's worth of 64 byte objects
	n := (mem.SLABSZ >> 6) + 10
	for i := 0; i < n; i++ {
		p, ok := sc.Alloc()
		if !ok {
			t.Fatalf("oom")
		}
		if uintptr(p)%64 != 0 {
			t.Fatalf("object %#x not aligned", p)
		}
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		sc.Free(p)
	}
	sc.Reap()
	if got := phys.Free_pages(); got != start {
		t.Fatalf("free pages %v, started with %v", got, start)
	}
}

func TestFullSlabFloatsAndRelinks(t *testing.T) {
	phys, heap := theapinit(t)
	start := phys.Free_pages()
	// a class with page-sized objects fills a slab in 4 allocations
	sc := heap.Slaballoc().Class(12)
	var ptrs []unsafe.Pointer
	for i := 0; i < 4; i++ {
		p, ok := sc.Alloc()
		if !ok {
			t.Fatalf("oom")
		}
		ptrs = append(ptrs, p)
	}
	if sc.Npartial() != 0 {
		t.Fatalf("full slab still on partial list")
	}
	// freeing one object re-links the floating slab
	sc.Free(ptrs[0])
	if sc.Npartial() != 1 {
		t.Fatalf("full->partial transition did not relink")
	}
	for _, p := range ptrs[1:] {
		sc.Free(p)
	}
	sc.Reap()
	if got := phys.Free_pages(); got != start {
		t.Fatalf("free pages %v, started with %v", got, start)
	}
}

func TestLayoutMismatchPanics(t *testing.T) {
	_, heap := theapinit(t)
	sc6 := heap.Slaballoc().Class(6)
	sc7 := heap.Slaballoc().Class(7)
	p, ok := sc6.Alloc()
	if !ok {
		t.Fatalf("oom")
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("mismatched free did not panic")
		}
		sc6.Free(p)
	}()
	sc7.Free(p)
}

func TestHeapAlignment(t *testing.T) {
	_, heap := theapinit(t)
	for _, layout := range [][2]int{
		{1, 1}, {7, 4}, {24, 8}, {100, 64}, {1000, 1024},
		{4096, 4096}, {3 * 4096, 4096}, {9 * 4096, 4096},
	} {
		p := heap.Alloc(layout[0], layout[1])
		if p == nil {
			t.Fatalf("oom for %v", layout)
		}
		if uintptr(p)%uintptr(layout[1]) != 0 {
			t.Fatalf("layout %v alignment violated: %#x", layout, p)
		}
		heap.Free(p, layout[0], layout[1])
	}
}

func TestHeapStress(t *testing.T) {
	phys, heap := theapinit(t)
	heap.Purge()
	start := phys.Free_pages()

	nthreads := 8
	ops := 20000
	var wg sync.WaitGroup
	for tid := 0; tid < nthreads; tid++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(tid)))
			type alloc struct {
				p       unsafe.Pointer
				size    int
				pattern uint8
			}
			var live []alloc
			check := func(a alloc) {
				s := unsafe.Slice((*uint8)(a.p), a.size)
				for i, b := range s {
					if b != a.pattern {
						t.Errorf("thread %v: corruption at byte %v", tid, i)
						return
					}
				}
			}
			for i := 0; i < ops; i++ {
				if rnd.Intn(10) < 6 || len(live) == 0 {
					size := 1 << (1 + rnd.Intn(10))
					p := heap.Alloc(size, 8)
					if p == nil {
						t.Errorf("oom")
						return
					}
					pat := uint8(rnd.Intn(255) + 1)
					s := unsafe.Slice((*uint8)(p), size)
					for j := range s {
						s[j] = pat
					}
					live = append(live, alloc{p, size, pat})
				} else {
					n := rnd.Intn(len(live))
					a := live[n]
					check(a)
					heap.Free(a.p, a.size, 8)
					live[n] = live[len(live)-1]
					live = live[:len(live)-1]
				}
			}
			for _, a := range live {
				check(a)
				heap.Free(a.p, a.size, 8)
			}
		}(tid)
	}
	wg.Wait()

	// every allocation was freed: after draining the caches and the
	// free slab lists, the page pool balances exactly
	heap.Purge()
	for k := uint(1); k <= mem.SLABMAXSHIFT; k++ {
		if n := heap.Slaballoc().Class(k).Npartial(); n != 0 {
			t.Fatalf("class %v still has %v partial slabs", k, n)
		}
	}
	if got := phys.Free_pages(); got != start {
		t.Fatalf("free pages %v, started with %v", got, start)
	}
}

func TestHugeAllocations(t *testing.T) {
	phys, heap := theapinit(t)
	start := phys.Free_pages()
	// past the slab ceiling the heap takes whole buddy runs
	p := heap.Alloc(5*mem.PGSIZE, mem.PGSIZE)
	if p == nil {
		t.Fatalf("oom")
	}
	s := unsafe.Slice((*uint8)(p), 5*mem.PGSIZE)
	for i := range s {
		s[i] = 0x5a
	}
	heap.Free(p, 5*mem.PGSIZE, mem.PGSIZE)
	if got := phys.Free_pages(); got != start {
		t.Fatalf("free pages %v, started with %v", got, start)
	}
}
