package xpu

import (
	"os"
	"strconv"

	"github.com/gomlx/devglobals/usm"
	"github.com/pkg/errors"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvNumDevices        = "DEVGLOBALS_NUM_DEVICES"
	EnvDeviceMemoryLimit = "DEVGLOBALS_DEVICE_MEMORY_LIMIT"
	EnvTrackAllocations  = "DEVGLOBALS_TRACK_ALLOCATIONS"
)

// Config for NewPlatform.
type Config struct {
	// Name of the platform, used in logs. Default is "cpu".
	Name string

	// NumDevices exposed by the platform. Default is 1.
	NumDevices int

	// DeviceMemoryLimit caps the USM memory (in bytes) of the default allocator. 0 means unlimited.
	DeviceMemoryLimit uintptr

	// TrackAllocations keeps the stack of each allocation of the default allocator, to debug leaks.
	TrackAllocations bool

	// Allocator used for USM memory. If nil, a usm.HostAllocator is created using DeviceMemoryLimit and
	// TrackAllocations.
	Allocator usm.Allocator

	// Registry of device globals used by the platform's contexts and images. If nil, the process-wide registry
	// returned by DeviceGlobals is used.
	Registry *Registry
}

// DefaultConfig returns the configuration of a single device CPU platform.
func DefaultConfig() Config {
	return Config{Name: "cpu", NumDevices: 1}
}

// ConfigFromEnv returns DefaultConfig overridden by the DEVGLOBALS_* environment variables.
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig()
	if v := os.Getenv(EnvNumDevices); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return config, errors.Errorf("invalid $%s=%q, it must be a positive integer", EnvNumDevices, v)
		}
		config.NumDevices = n
	}
	if v := os.Getenv(EnvDeviceMemoryLimit); v != "" {
		limit, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return config, errors.Wrapf(err, "invalid $%s=%q", EnvDeviceMemoryLimit, v)
		}
		config.DeviceMemoryLimit = uintptr(limit)
	}
	if v := os.Getenv(EnvTrackAllocations); v != "" {
		track, err := strconv.ParseBool(v)
		if err != nil {
			return config, errors.Wrapf(err, "invalid $%s=%q", EnvTrackAllocations, v)
		}
		config.TrackAllocations = track
	}
	return config, nil
}
