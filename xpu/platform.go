package xpu

import (
	"fmt"

	"github.com/gomlx/devglobals/usm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Platform groups a set of devices sharing one USM allocator, and the registry of device globals their contexts use.
type Platform struct {
	name      string
	devices   []*Device
	allocator usm.Allocator
	registry  *Registry
}

// NewPlatform creates a Platform from the given configuration. Zero values of config are filled with the
// DefaultConfig values.
func NewPlatform(config Config) (*Platform, error) {
	defaults := DefaultConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.NumDevices == 0 {
		config.NumDevices = defaults.NumDevices
	}
	if config.NumDevices < 0 {
		return nil, errors.Errorf("invalid number of devices %d for platform %q", config.NumDevices, config.Name)
	}
	p := &Platform{
		name:      config.Name,
		allocator: config.Allocator,
		registry:  config.Registry,
	}
	if p.allocator == nil {
		p.allocator = usm.NewHostAllocator(config.DeviceMemoryLimit, config.TrackAllocations)
	}
	if p.registry == nil {
		p.registry = DeviceGlobals()
	}
	p.devices = make([]*Device, config.NumDevices)
	for ii := range p.devices {
		p.devices[ii] = newDevice(p, ii)
	}
	klog.V(1).Infof("created platform %s", p)
	return p, nil
}

// Name of the platform.
func (p *Platform) Name() string {
	return p.name
}

// String implements fmt.Stringer.
func (p *Platform) String() string {
	return fmt.Sprintf("%q (%d devices)", p.name, len(p.devices))
}

// Devices returns the devices of the platform.
func (p *Platform) Devices() []*Device {
	return p.devices
}

// Allocator returns the USM allocator used by the platform.
func (p *Platform) Allocator() usm.Allocator {
	return p.allocator
}

// Registry returns the device globals registry used by the platform.
func (p *Platform) Registry() *Registry {
	return p.registry
}

// NewContext creates a context over the given devices, or over all devices of the platform if none is given.
func (p *Platform) NewContext(devices ...*Device) (*Context, error) {
	if len(devices) == 0 {
		devices = p.devices
	}
	seen := make(map[*Device]bool, len(devices))
	for _, d := range devices {
		if d == nil || d.platform != p {
			return nil, errors.Errorf("device %v doesn't belong to platform %s", d, p)
		}
		if seen[d] {
			return nil, errors.Errorf("device %s given more than once to NewContext", d)
		}
		seen[d] = true
	}
	return newContext(p, devices), nil
}

// LoadImage registers the device globals declared by a device image with the platform's registry.
//
// Several images may declare the same device global: they share the same registry entry.
func (p *Platform) LoadImage(img *Image) error {
	if img == nil {
		return errors.Errorf("nil image given to platform %s", p)
	}
	if err := img.validate(); err != nil {
		return errors.WithMessagef(err, "failed to load image %q on platform %s", img.Name, p)
	}
	for _, dg := range img.DeviceGlobals {
		p.registry.RegisterFromImage(dg.UniqueID, img.KernelSetID, dg.Size, dg.ImageScope)
	}
	klog.V(1).Infof("loaded image %q (kernel set %d) with %d device globals on platform %s",
		img.Name, img.KernelSetID, len(img.DeviceGlobals), p)
	return nil
}
