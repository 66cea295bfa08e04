// devglobals_demo runs concurrent kernels that update device globals over several contexts, and prints the state
// of the device globals registry before and after the contexts are destroyed.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gomlx/devglobals/usm"
	"github.com/gomlx/devglobals/xpu"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"k8s.io/klog/v2"
)

var (
	flagNumDevices  = flag.Int("devices", 0, "Number of devices of the platform. If 0, $"+xpu.EnvNumDevices+" or 1 is used.")
	flagNumContexts = flag.Int("contexts", 2, "Number of contexts to create, each over all devices.")
	flagWorkers     = flag.Int("workers", 4, "Number of goroutines submitting kernels on each context.")
	flagSubmissions = flag.Int("submissions", 100, "Number of kernels submitted by each worker, round-robin over the devices.")
	flagMemoryLimit = flag.Uint64("memory_limit", 0, "USM memory limit in bytes. If 0, $"+xpu.EnvDeviceMemoryLimit+" or unlimited is used.")
)

// Device globals declared by this program: their sizes come from the images loaded in main.
var (
	hits  = xpu.Declare[int64](xpu.DeviceGlobals(), "devglobals_demo::hits")
	scale = xpu.Declare[float32](xpu.DeviceGlobals(), "devglobals_demo::scale")
	lut   = xpu.Declare[[16]int32](xpu.DeviceGlobals(), "devglobals_demo::lut")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `devglobals_demo submits kernels that increment a device global on every (device, context)
pair, concurrently from several goroutines, and then destroys the contexts.

The device globals registry is printed (as JSON) before and after the contexts are destroyed.

Usage:
`)
		flag.PrintDefaults()
	}
	klog.InitFlags(flag.CommandLine)
	flag.Parse()

	config := must.M1(xpu.ConfigFromEnv())
	if *flagNumDevices > 0 {
		config.NumDevices = *flagNumDevices
	}
	if *flagMemoryLimit > 0 {
		config.DeviceMemoryLimit = uintptr(*flagMemoryLimit)
	}
	platform := must.M1(xpu.NewPlatform(config))

	// Two images referencing the same "hits" device global.
	must.M(platform.LoadImage(&xpu.Image{
		Name:        "kernels_a",
		KernelSetID: 1,
		DeviceGlobals: []xpu.ImageDeviceGlobal{
			{UniqueID: hits.Entry().UniqueID(), Size: 8},
			{UniqueID: scale.Entry().UniqueID(), Size: 4},
		},
	}))
	must.M(platform.LoadImage(&xpu.Image{
		Name:        "kernels_b",
		KernelSetID: 2,
		DeviceGlobals: []xpu.ImageDeviceGlobal{
			{UniqueID: hits.Entry().UniqueID(), Size: 8},
			{UniqueID: lut.Entry().UniqueID(), Size: 64, ImageScope: true},
		},
	}))

	contexts := make([]*xpu.Context, *flagNumContexts)
	for ii := range contexts {
		contexts[ii] = must.M1(platform.NewContext())
	}
	var total atomic.Int64
	var wg sync.WaitGroup
	for _, ctx := range contexts {
		for range *flagWorkers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := submitKernels(ctx, *flagSubmissions, &total); err != nil {
					klog.Fatalf("Failed to submit kernels on %s: %+v", ctx, err)
				}
			}()
		}
	}
	wg.Wait()

	for _, ctx := range contexts {
		for _, dev := range ctx.Devices() {
			q := must.M1(ctx.Queue(dev))
			count := must.M1(hits.Read(q))
			fmt.Printf("%s on %s: hits=%d\n", ctx, dev, count)
		}
	}
	fmt.Printf("Total kernels executed: %d\n", total.Load())
	printRegistry("Registry with live contexts")

	for _, ctx := range contexts {
		must.M(ctx.Destroy())
	}
	printRegistry("Registry after destroying contexts")
	if hostAllocator, ok := platform.Allocator().(*usm.HostAllocator); ok {
		if leaks := hostAllocator.Close(); leaks > 0 {
			klog.Fatalf("%d USM allocations leaked", leaks)
		}
	}
	fmt.Printf("USM allocations alive: %d\n", usm.AllocationsAlive())
}

// submitKernels submits numKernels increments of the "hits" device global, round-robin over the devices of ctx.
func submitKernels(ctx *xpu.Context, numKernels int, total *atomic.Int64) error {
	devices := ctx.Devices()
	events := make([]*xpu.Event, 0, numKernels)
	for ii := range numKernels {
		dev := devices[ii%len(devices)]
		mem, err := hits.Entry().GetOrAllocate(dev, ctx, true)
		if err != nil {
			return err
		}
		q, err := ctx.Queue(dev)
		if err != nil {
			return err
		}
		initEvent := mem.ZeroInitEvent()
		counter := (*int64)(mem.Ptr())
		events = append(events, q.SubmitKernel("increment_hits", func() error {
			if err := xpu.AwaitAll(initEvent); err != nil {
				return errors.WithMessage(err, "zero-initialization of hits failed")
			}
			atomic.AddInt64(counter, 1)
			total.Add(1)
			return nil
		}))
	}
	return xpu.AwaitAll(events...)
}

func printRegistry(title string) {
	snapshot := must.M1(xpu.DeviceGlobals().Snapshot())
	fmt.Printf("%s:\n%s\n", title, protojson.MarshalOptions{Multiline: true, Indent: "  "}.Format(snapshot))
}
