package ethnl

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// registryBuckets is the number of hash buckets devices are spread
// across. Dumps walk the buckets in order and resume by position.
const registryBuckets = 8

// A DeviceEvent describes a device lifecycle change announced on the
// monitor multicast group.
type DeviceEvent int

// Possible DeviceEvent values.
const (
	DeviceRegistered DeviceEvent = iota
	DeviceUnregistered
	DeviceRenamed
)

// A Device is a network device known to the engine. Index and Ops are
// fixed for the lifetime of the device; the name may change through
// Registry.Rename.
//
// Devices are reference counted. The engine holds a reference for as
// long as a request needs the device, so a driver can observe through
// refCount that no request outlives its resolution.
type Device struct {
	Index uint32
	Ops   *DriverOps

	name    atomic.Value // string
	present atomic.Bool
	refs    atomic.Int64
}

// NewDevice creates a Device with the given interface index, name and
// driver callbacks. A nil ops means a device without driver support.
// The device is marked present.
func NewDevice(index uint32, name string, ops *DriverOps) *Device {
	if ops == nil {
		ops = &DriverOps{}
	}

	d := &Device{
		Index: index,
		Ops:   ops,
	}
	d.name.Store(name)
	d.present.Store(true)
	return d
}

// Name returns the device's current name.
func (d *Device) Name() string { return d.name.Load().(string) }

// Present reports whether the device's hardware is reachable. Requests
// resolving a device which is not present fail with ENODEV.
func (d *Device) Present() bool { return d.present.Load() }

// SetPresent marks the device's hardware reachable or unreachable.
func (d *Device) SetPresent(present bool) { d.present.Store(present) }

// hold takes a reference on the device.
func (d *Device) hold() { d.refs.Add(1) }

// put drops a reference taken with hold.
func (d *Device) put() {
	if d.refs.Add(-1) < 0 {
		panicf("ethnl: reference underflow on device %q", d.Name())
	}
}

// refCount returns the number of outstanding references.
func (d *Device) refCount() int64 { return d.refs.Load() }

// A Registry tracks the devices the engine serves. Devices are hashed
// into buckets by interface index and kept in insertion order within
// each bucket; a generation counter advances on every mutation so dump
// consumers can detect that they raced a change.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	buckets  [registryBuckets][]*Device
	byIndex  map[uint32]*Device
	byName   map[string]*Device
	gen      uint32
	watchers []func(DeviceEvent, *Device)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byIndex: make(map[uint32]*Device),
		byName:  make(map[string]*Device),
	}
}

// Watch registers fn to be invoked after every device lifecycle change.
// fn is called without registry locks held.
func (r *Registry) Watch(fn func(DeviceEvent, *Device)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Register adds a device to the registry and announces it.
func (r *Registry) Register(d *Device) error {
	r.mu.Lock()
	if _, ok := r.byIndex[d.Index]; ok {
		r.mu.Unlock()
		return fmt.Errorf("ethnl: device index %d already registered", d.Index)
	}
	name := d.Name()
	if _, ok := r.byName[name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("ethnl: device name %q already registered", name)
	}

	h := d.Index % registryBuckets
	r.buckets[h] = append(r.buckets[h], d)
	r.byIndex[d.Index] = d
	r.byName[name] = d
	r.gen++
	watchers := r.watchers
	r.mu.Unlock()

	for _, fn := range watchers {
		fn(DeviceRegistered, d)
	}
	return nil
}

// Unregister removes a device from the registry and announces its
// departure. Removing a device which is not registered is a no-op.
func (r *Registry) Unregister(d *Device) {
	r.mu.Lock()
	if r.byIndex[d.Index] != d {
		r.mu.Unlock()
		return
	}

	delete(r.byIndex, d.Index)
	delete(r.byName, d.Name())

	h := d.Index % registryBuckets
	for i, dev := range r.buckets[h] {
		if dev == d {
			r.buckets[h] = append(r.buckets[h][:i:i], r.buckets[h][i+1:]...)
			break
		}
	}
	r.gen++
	watchers := r.watchers
	r.mu.Unlock()

	for _, fn := range watchers {
		fn(DeviceUnregistered, d)
	}
}

// Rename changes a device's name and announces the change.
func (r *Registry) Rename(d *Device, name string) error {
	r.mu.Lock()
	if r.byIndex[d.Index] != d {
		r.mu.Unlock()
		return fmt.Errorf("ethnl: device %q is not registered", d.Name())
	}
	if other, ok := r.byName[name]; ok && other != d {
		r.mu.Unlock()
		return fmt.Errorf("ethnl: device name %q already registered", name)
	}

	delete(r.byName, d.Name())
	d.name.Store(name)
	r.byName[name] = d
	r.gen++
	watchers := r.watchers
	r.mu.Unlock()

	for _, fn := range watchers {
		fn(DeviceRenamed, d)
	}
	return nil
}

// deviceByIndex returns the device with the given interface index with
// a reference held, or nil.
func (r *Registry) deviceByIndex(index uint32) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byIndex[index]
	if !ok {
		return nil
	}
	d.hold()
	return d
}

// deviceByName returns the device with the given name with a reference
// held, or nil.
func (r *Registry) deviceByName(name string) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byName[name]
	if !ok {
		return nil
	}
	d.hold()
	return d
}

// bucketDevices returns a snapshot of bucket h in insertion order.
func (r *Registry) bucketDevices(h int) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devs := make([]*Device, len(r.buckets[h]))
	copy(devs, r.buckets[h])
	return devs
}

// Generation returns the registry's mutation counter. Two equal reads
// bracketing a dump mean the dump saw a consistent device list.
func (r *Registry) Generation() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIndex)
}
