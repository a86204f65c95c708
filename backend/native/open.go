package native

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// The empty backend is always available as a last resort.
	_ "github.com/gogpu/wgpu/hal/noop"
)

// Open creates a kernel on the first adapter of the first registered HAL
// backend in the preference list. The kernel owns the device and releases
// it on Close. Other backends become available by importing their
// packages, for example github.com/gogpu/wgpu/hal/allbackends.
func Open(opts ...Option) (*Kernel, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	var errs []error
	for _, variant := range o.backends {
		b, ok := hal.GetBackend(variant)
		if !ok {
			continue
		}
		k, err := openBackend(b, opts)
		if err != nil {
			slogger().Debug("native: backend unavailable", "backend", variant, "err", err)
			errs = append(errs, fmt.Errorf("%v: %w", variant, err))
			continue
		}
		return k, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoAdapter, errors.Join(errs...))
}

func openBackend(b hal.Backend, opts []Option) (*Kernel, error) {
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{
		Backends: gputypes.Backends(1) << b.Variant(),
	})
	if err != nil {
		return nil, err
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, errors.New("no adapters")
	}
	exposed := adapters[0]
	dev, err := exposed.Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, err
	}
	k, err := New(dev.Device, dev.Queue, opts...)
	if err != nil {
		dev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	k.adapter = adapterInfo(exposed.Info)
	k.release = func() {
		dev.Device.Destroy()
		instance.Destroy()
	}
	slogger().Info("native: device opened", "adapter", exposed.Info.Name, "backend", b.Variant(),
		"copies", k.RecordsCopies())
	return k, nil
}

// FromProvider creates a kernel on the HAL device and queue of a host
// application's device provider. The provider must implement
// HalDevice() any and HalQueue() any returning hal.Device and hal.Queue.
// Providers that also implement gpucontext.DeviceProvider report their
// adapter through AdapterInfo.
func FromProvider(provider any, opts ...Option) (*Kernel, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHAL)
	}
	k, err := New(device, queue, opts...)
	if err != nil {
		return nil, err
	}
	if dp, ok := provider.(gpucontext.DeviceProvider); ok {
		k.adapter = dp.AdapterInfo()
	}
	return k, nil
}

// adapterInfo converts HAL adapter metadata.
func adapterInfo(info gputypes.AdapterInfo) gpucontext.AdapterInfo {
	t := gpucontext.AdapterTypeUnknown
	switch info.DeviceType {
	case gputypes.DeviceTypeDiscreteGPU:
		t = gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		t = gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		t = gpucontext.AdapterTypeSoftware
	}
	return gpucontext.AdapterInfo{Name: info.Name, Type: t}
}
