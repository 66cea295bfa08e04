package xpu

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"
)

var (
	processRegistry     *Registry
	processRegistryOnce sync.Once
)

// DeviceGlobals returns the process-wide registry of device globals.
//
// It is created on first use (safe to call concurrently) and lives until the process exits.
func DeviceGlobals() *Registry {
	processRegistryOnce.Do(func() {
		processRegistry = NewRegistry()
	})
	return processRegistry
}

// Registry of device globals, keyed by their unique id and indexed by their host pointer.
//
// Entries are created by whichever registration comes first, the host side (RegisterFromHost) or a device image
// (RegisterFromImage), and completed by the other.
type Registry struct {
	mu        sync.Mutex
	byID      map[string]*DeviceGlobalEntry
	byHostPtr map[unsafe.Pointer]*DeviceGlobalEntry
}

// NewRegistry creates an empty registry. Most users should use the process-wide DeviceGlobals instead.
func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[string]*DeviceGlobalEntry),
		byHostPtr: make(map[unsafe.Pointer]*DeviceGlobalEntry),
	}
}

// getOrCreateLocked must be called with r.mu held.
func (r *Registry) getOrCreateLocked(uniqueID string) *DeviceGlobalEntry {
	e, found := r.byID[uniqueID]
	if !found {
		e = newDeviceGlobalEntry(uniqueID)
		r.byID[uniqueID] = e
	}
	return e
}

// RegisterFromHost binds the host pointer of the device global uniqueID, creating its entry if needed.
//
// It panics if the entry already has a host pointer, or if hostPtr is already bound to another device global.
func (r *Registry) RegisterFromHost(uniqueID string, hostPtr unsafe.Pointer) *DeviceGlobalEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.getOrCreateLocked(uniqueID)
	if other, found := r.byHostPtr[hostPtr]; found && other != e {
		panic(errors.Errorf("host pointer %p is already registered as %s, can't register it as %s", hostPtr, other, e))
	}
	e.InitializeIdentity(hostPtr)
	r.byHostPtr[hostPtr] = e
	klog.V(2).Infof("registered host side of %s at %p", e, hostPtr)
	return e
}

// RegisterFromImage binds the metadata of the device global uniqueID, as declared by a device image, creating its
// entry if needed.
//
// Several images may declare the same device global: later declarations with the same size and scope are
// ignored, conflicting ones panic.
func (r *Registry) RegisterFromImage(uniqueID string, kernelSetID KernelSetID, size uintptr, imageScope bool) *DeviceGlobalEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.getOrCreateLocked(uniqueID)
	if existingSize := e.ElementSize(); existingSize != 0 {
		if existingSize != size || e.IsImageScoped() != imageScope {
			panic(errors.Errorf("%s declared by kernel set %d with size=%d, image_scope=%v, but it was already "+
				"declared with size=%d, image_scope=%v", e, kernelSetID, size, imageScope, existingSize, e.IsImageScoped()))
		}
		klog.V(2).Infof("%s already declared by kernel set %d, ignoring declaration from kernel set %d",
			e, e.KernelSetID(), kernelSetID)
		return e
	}
	e.InitializeMetadata(kernelSetID, size, imageScope)
	klog.V(2).Infof("registered %s from kernel set %d: size=%d, image_scope=%v", e, kernelSetID, size, imageScope)
	return e
}

// Lookup returns the entry with the given unique id, or nil.
func (r *Registry) Lookup(uniqueID string) *DeviceGlobalEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[uniqueID]
}

// LookupByHostPtr returns the entry bound to the host pointer, or nil.
func (r *Registry) LookupByHostPtr(hostPtr unsafe.Pointer) *DeviceGlobalEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byHostPtr[hostPtr]
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Entries returns all entries, sorted by unique id.
func (r *Registry) Entries() []*DeviceGlobalEntry {
	r.mu.Lock()
	entries := make([]*DeviceGlobalEntry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].uniqueID < entries[j].uniqueID })
	return entries
}

// Snapshot returns a description of the registry entries, for debugging and reporting.
func (r *Registry) Snapshot() (*structpb.Struct, error) {
	entries := r.Entries()
	list := make([]any, 0, len(entries))
	for _, e := range entries {
		list = append(list, map[string]any{
			"unique_id":     e.UniqueID(),
			"kernel_set_id": uint64(e.KernelSetID()),
			"size":          uint64(e.ElementSize()),
			"image_scope":   e.IsImageScoped(),
			"initialized":   e.IsInitialized(),
			"allocations":   e.NumAllocations(),
		})
	}
	s, err := structpb.NewStruct(map[string]any{"device_globals": list})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build registry snapshot")
	}
	return s, nil
}
