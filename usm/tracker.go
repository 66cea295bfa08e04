package usm

import (
	"runtime"
	"sort"
	"sync"
	"unsafe"

	"k8s.io/klog/v2"
)

// Allocation describes one live USM allocation.
type Allocation struct {
	Ptr             unsafe.Pointer
	Size, Alignment uintptr
	Kind            Kind
	Context         ContextRef
	Device          DeviceRef

	// Stack where the allocation was created, only filled if the Tracker was created with stacks enabled.
	Stack []byte

	storage []byte
}

// Tracker keeps the set of live allocations of an allocator, keyed by their pointer.
//
// It is used to detect invalid frees and to report leaked memory.
type Tracker struct {
	withStack bool

	mu   sync.Mutex
	live map[unsafe.Pointer]*Allocation
}

// NewTracker creates an empty Tracker.
//
// If withStack is set to true, it also stores the stack of where each allocation was created.
// This is used for debugging leaks.
func NewTracker(withStack bool) *Tracker {
	return &Tracker{
		withStack: withStack,
		live:      make(map[unsafe.Pointer]*Allocation),
	}
}

func (t *Tracker) add(a *Allocation) {
	if t.withStack {
		buf := make([]byte, 10*1024)
		n := runtime.Stack(buf, false)
		a.Stack = buf[:n]
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[a.Ptr] = a
}

func (t *Tracker) remove(ptr unsafe.Pointer) (*Allocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, found := t.live[ptr]
	if found {
		delete(t.live, ptr)
	}
	return a, found
}

// Lookup returns the description of the live allocation at ptr, if there is one.
func (t *Tracker) Lookup(ptr unsafe.Pointer) (Allocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, found := t.live[ptr]
	if !found {
		return Allocation{}, false
	}
	return *a, true
}

// Len returns the number of live allocations.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Live returns a copy of the live allocations, sorted by address.
func (t *Tracker) Live() []Allocation {
	t.mu.Lock()
	allocations := make([]Allocation, 0, len(t.live))
	for _, a := range t.live {
		allocations = append(allocations, *a)
	}
	t.mu.Unlock()
	sort.Slice(allocations, func(i, j int) bool {
		return uintptr(allocations[i].Ptr) < uintptr(allocations[j].Ptr)
	})
	return allocations
}

// ReportLeaks logs every live allocation as an error and returns how many there were.
func (t *Tracker) ReportLeaks() int {
	leaks := t.Live()
	for _, a := range leaks {
		if a.Stack == nil {
			klog.Errorf("USM %s allocation of %d bytes at %p was never freed", a.Kind, a.Size, a.Ptr)
		} else {
			klog.Errorf("USM %s allocation of %d bytes at %p was never freed. Stack:\n%s\n", a.Kind, a.Size, a.Ptr, a.Stack)
		}
	}
	return len(leaks)
}
