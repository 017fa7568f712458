package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"skybus/pkg/errcode"
	"skybus/pkg/property"
	"skybus/pkg/timer"
)

// DeviceState is the lifecycle state of a device record.
type DeviceState int

const (
	Unattached DeviceState = iota
	Attached
	Connected
	Disconnected
	Detached
)

func (s DeviceState) String() string {
	switch s {
	case Attached:
		return "attached"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Detached:
		return "detached"
	}
	return "unattached"
}

// Device is the bus record of one device. Drivers receive it on Attach and
// use it to emit property events, take resource locks and schedule timers.
type Device struct {
	name    string
	address string
	remote  bool
	driver  Driver
	version property.Version
	iface   atomic.Uint32

	bus    *Bus
	logger log.Ext1FieldLogger

	mu         sync.Mutex
	drained    *sync.Cond
	state      DeviceState
	detaching  bool
	inflight   int
	lastResult errcode.Code

	io sync.Mutex
}

// NewDevice creates a local device record for driver.
func NewDevice(name string, iface Interface, driver Driver) *Device {
	d := &Device{
		name:    name,
		driver:  driver,
		version: property.VersionCurrent,
		logger:  log.WithField("device", name),
	}
	d.drained = sync.NewCond(&d.mu)
	d.iface.Store(uint32(iface))
	return d
}

// NewRemoteDevice creates a record for a device mirrored from the server at address.
func NewRemoteDevice(name, address string, driver Driver) *Device {
	d := NewDevice(name, 0, driver)
	d.address = address
	d.remote = true
	return d
}

func (d *Device) Name() string                { return d.name }
func (d *Device) Address() string             { return d.address }
func (d *Device) IsRemote() bool              { return d.remote }
func (d *Device) Driver() Driver              { return d.driver }
func (d *Device) Version() property.Version   { return d.version }
func (d *Device) Interfaces() Interface       { return Interface(d.iface.Load()) }
func (d *Device) SetInterfaces(i Interface)   { d.iface.Store(uint32(i)) }
func (d *Device) Logger() log.Ext1FieldLogger { return d.logger }
func (d *Device) String() string              { return d.name }

// State returns the lifecycle state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// LastResult returns the result code of the last routed change request.
func (d *Device) LastResult() errcode.Code {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastResult
}

// SetConnected records the outcome of a connection change.
func (d *Device) SetConnected(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Unattached || d.state == Detached {
		return
	}
	if connected {
		d.state = Connected
	} else {
		d.state = Disconnected
	}
}

// DefineProperty announces p to every client.
func (d *Device) DefineProperty(p *property.Property, message string) {
	d.DefinePropertyFor(nil, p, message)
}

// DefinePropertyFor announces p to c, or to every client when c is nil.
func (d *Device) DefinePropertyFor(c Client, p *property.Property, message string) {
	if b := d.bus; b != nil {
		b.emit(d, c, evDefine, p, message)
	}
}

// UpdateProperty publishes the current values of p.
func (d *Device) UpdateProperty(p *property.Property, message string) {
	if b := d.bus; b != nil {
		b.emit(d, nil, evUpdate, p, message)
	}
}

// DeleteProperty withdraws p. A property with an empty name withdraws every
// property of the device.
func (d *Device) DeleteProperty(p *property.Property, message string) {
	if b := d.bus; b != nil {
		b.emit(d, nil, evDelete, p, message)
	}
}

// SendMessage sends a free text message from the device to every client.
func (d *Device) SendMessage(message string) {
	if b := d.bus; b != nil {
		b.emit(d, nil, evMessage, nil, message)
	}
}

// TryLock takes the exclusive lock on resource (a port path, a USB address)
// without blocking. It fails with errcode.LockError if another device holds it.
func (d *Device) TryLock(resource string) error {
	if d.bus == nil {
		return errcode.New(errcode.Failed, "lock "+resource, "device not attached")
	}
	return d.bus.locks.tryLock(resource, d)
}

// Unlock releases every resource lock held by the device.
func (d *Device) Unlock() {
	if d.bus != nil {
		d.bus.locks.release(d)
	}
}

// Guard runs fn holding the device transport guard.
func (d *Device) Guard(fn func() error) error {
	d.io.Lock()
	defer d.io.Unlock()
	return fn()
}

// Schedule runs fn on the bus timer pool after delay.
func (d *Device) Schedule(delay time.Duration, fn timer.Func) (*timer.Timer, error) {
	if d.bus == nil {
		return nil, fmt.Errorf("device %s not attached", d.name)
	}
	return d.bus.timers.Schedule(d.name, delay, fn)
}

// CancelTimers cancels every pending timer of the device.
func (d *Device) CancelTimers() int {
	if d.bus == nil {
		return 0
	}
	return d.bus.timers.CancelOwner(d.name)
}

func (d *Device) accepting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.detaching && d.state != Unattached && d.state != Detached
}

func (d *Device) setState(s DeviceState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

func (d *Device) setLastResult(c errcode.Code) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastResult = c
}

func (d *Device) live() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state != Unattached && d.state != Detached
}

// acquire accounts for an event queued on behalf of the device. It fails once
// the device has been retired.
func (d *Device) acquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Unattached || d.state == Detached {
		return false
	}
	d.inflight++
	return true
}

func (d *Device) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight--
	if d.inflight == 0 {
		d.drained.Broadcast()
	}
}

// retire marks the device detached and waits until no client callback
// referencing it is queued or running.
func (d *Device) retire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = Detached
	for d.inflight > 0 {
		d.drained.Wait()
	}
}
