package xpu

import (
	"fmt"
	"sync/atomic"
)

// nextObjectID generates process-unique identifiers for devices and contexts.
var nextObjectID atomic.Uint64

// Device is a unit of processing of a Platform, able to execute kernels and own USM device memory.
//
// Devices are created with their Platform and live as long as it does.
type Device struct {
	platform *Platform
	id       uint64
	index    int
}

func newDevice(platform *Platform, index int) *Device {
	return &Device{
		platform: platform,
		id:       nextObjectID.Add(1),
		index:    index,
	}
}

// DeviceID implements usm.DeviceRef. It is unique in the process.
func (d *Device) DeviceID() uint64 {
	return d.id
}

// Index of the device in its platform.
func (d *Device) Index() int {
	return d.index
}

// Platform returns the platform that owns the device.
func (d *Device) Platform() *Platform {
	return d.platform
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("%s:%d", d.platform.name, d.index)
}
