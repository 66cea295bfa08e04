package xpu

import "github.com/pkg/errors"

// KernelSetID groups a device global with the compiled kernel modules that reference it.
type KernelSetID uint64

// Image describes a compiled device image: the device globals it declares and the kernel set they belong to.
type Image struct {
	Name          string
	KernelSetID   KernelSetID
	DeviceGlobals []ImageDeviceGlobal
}

// ImageDeviceGlobal is the declaration of a device global in an Image.
type ImageDeviceGlobal struct {
	// UniqueID matching the one used by the host declaration (see Declare).
	UniqueID string

	// Size in bytes of the underlying value. It must be > 0.
	Size uintptr

	// ImageScope is true if the device global has the device_image_scope property: its storage lives in the
	// image itself and is never allocated from USM.
	ImageScope bool
}

func (img *Image) validate() error {
	seen := make(map[string]bool, len(img.DeviceGlobals))
	for ii, dg := range img.DeviceGlobals {
		if dg.UniqueID == "" {
			return errors.Errorf("device global #%d has an empty unique id", ii)
		}
		if dg.Size == 0 {
			return errors.Errorf("device global %q declared with size 0", dg.UniqueID)
		}
		if seen[dg.UniqueID] {
			return errors.Errorf("device global %q declared more than once", dg.UniqueID)
		}
		seen[dg.UniqueID] = true
	}
	return nil
}
