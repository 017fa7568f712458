// Package bus connects device drivers to clients through the property model.
// It owns the device and client registries, routes client requests to the
// owning driver, fans property events out to subscribed clients and manages
// device hot-plug, resource locks and timers.
package bus

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"skybus/pkg/errcode"
	"skybus/pkg/property"
	"skybus/pkg/timer"
)

// Bus is the in-process registry and dispatcher.
type Bus struct {
	logger     log.Ext1FieldLogger
	timers     *timer.Scheduler
	ownsTimers bool
	locks      resourceLocks
	blobs      blobCache
	resolver   atomic.Pointer[URLResolver]

	mu      sync.RWMutex
	devices map[string]*Device
	clients map[Client]*clientRecord
	closed  bool
}

type Option func(*Bus)

func WithLogger(logger log.Ext1FieldLogger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithScheduler makes the bus use an externally owned timer scheduler.
func WithScheduler(s *timer.Scheduler) Option {
	return func(b *Bus) {
		b.timers = s
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:  log.WithField("component", "bus"),
		devices: make(map[string]*Device),
		clients: make(map[Client]*clientRecord),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.timers == nil {
		b.timers = timer.NewScheduler(timer.DefaultWorkers, b.logger.WithField("component", "timer"))
		b.ownsTimers = true
	}
	return b
}

// Scheduler returns the timer scheduler devices use.
func (b *Bus) Scheduler() *timer.Scheduler {
	return b.timers
}

// Close detaches every device and client.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	names := make([]string, 0, len(b.devices))
	for name := range b.devices {
		names = append(names, name)
	}
	clients := make([]Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, name := range names {
		if err := b.DetachDevice(name); err != nil {
			b.logger.Errorf("Error detaching %s: %v", name, err)
		}
	}
	for _, c := range clients {
		if err := b.DetachClient(c); err != nil {
			b.logger.Errorf("Error detaching client %s: %v", c.Info().Name, err)
		}
	}
	if b.ownsTimers {
		b.timers.Stop()
	}
	return nil
}

// AttachDevice registers d, runs its driver Attach and announces its initial
// properties to every attached client.
func (b *Bus) AttachDevice(d *Device) error {
	if d == nil || d.driver == nil || d.name == "" {
		return errcode.New(errcode.Failed, "attach device", "invalid device")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errcode.New(errcode.Failed, "attach device", "bus closed")
	}
	if _, ok := b.devices[d.name]; ok {
		b.mu.Unlock()
		return errcode.New(errcode.Duplicated, "attach device", d.name)
	}
	b.devices[d.name] = d
	b.mu.Unlock()

	d.bus = b
	d.logger = b.logger.WithField("device", d.name)

	if err := b.call(d, "attach", func() error { return d.driver.Attach(d) }); err != nil {
		b.timers.CancelOwner(d.name)
		b.locks.release(d)
		b.mu.Lock()
		delete(b.devices, d.name)
		b.mu.Unlock()
		return fmt.Errorf("failed to attach %s: %w", d.name, err)
	}

	d.setState(Attached)
	b.logger.Infof("Device %s attached (%s)", d.name, d.Interfaces())

	if err := b.call(d, "enumerate", func() error { return d.driver.EnumerateProperties(nil, nil) }); err != nil {
		b.logger.Errorf("Error announcing %s: %v", d.name, err)
	}
	return nil
}

// DetachDevice removes the device called name. Pending timers are cancelled,
// new ones refused and running ones waited for before the driver detaches; when DetachDevice
// returns no client callback for the device is queued or running. It must
// not be called from a client callback or from one of the device's timers.
func (b *Bus) DetachDevice(name string) error {
	b.mu.RLock()
	d, ok := b.devices[name]
	b.mu.RUnlock()
	if !ok {
		return errcode.New(errcode.NotFound, "detach device", name)
	}

	d.mu.Lock()
	if d.detaching {
		d.mu.Unlock()
		return errcode.New(errcode.NotFound, "detach device", name)
	}
	d.detaching = true
	d.mu.Unlock()

	b.timers.Retire(name)
	b.timers.Wait(name)

	err := b.call(d, "detach", d.driver.Detach)
	if err != nil {
		b.logger.Errorf("Error detaching %s: %v", name, err)
	}

	// Withdraw anything the driver left defined.
	b.emit(d, nil, evDelete, &property.Property{Device: name}, "")
	d.retire()

	b.mu.Lock()
	delete(b.devices, name)
	b.mu.Unlock()
	b.timers.Restore(name)

	b.locks.release(d)
	b.blobs.drop(name, "")
	b.logger.Infof("Device %s detached", name)
	return err
}

// Device returns the attached device called name, or nil.
func (b *Bus) Device(name string) *Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.devices[name]
}

// Devices returns the attached devices ordered by name.
func (b *Bus) Devices() []*Device {
	b.mu.RLock()
	devices := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		devices = append(devices, d)
	}
	b.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].name < devices[j].name
	})
	return devices
}

// AttachClient registers c and runs its Attach. Events start flowing to c
// once it enumerates properties.
func (b *Bus) AttachClient(c Client) error {
	if c == nil {
		return errcode.New(errcode.Failed, "attach client", "nil client")
	}

	r := newClientRecord(b, c)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errcode.New(errcode.Failed, "attach client", "bus closed")
	}
	if _, ok := b.clients[c]; ok {
		b.mu.Unlock()
		return errcode.New(errcode.Duplicated, "attach client", r.info.Name)
	}
	b.clients[c] = r
	b.mu.Unlock()

	go r.run()

	if err := c.Attach(b); err != nil {
		b.removeClient(c)
		r.close("")
		<-r.done
		return fmt.Errorf("failed to attach client %s: %w", r.info.Name, err)
	}

	b.logger.Infof("Client %s attached", r.info.Name)
	return nil
}

// DetachClient removes c. A delete for every property visible to c is
// delivered before its Detach runs. It must not be called from one of c's
// own callbacks.
func (b *Bus) DetachClient(c Client) error {
	r := b.removeClient(c)
	if r == nil {
		return errcode.New(errcode.NotFound, "detach client", "")
	}

	r.close("")
	<-r.done

	b.logger.Infof("Client %s detached", r.info.Name)
	return c.Detach()
}

// Clients returns information about the attached clients.
func (b *Bus) Clients() []ClientInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]ClientInfo, 0, len(b.clients))
	for _, r := range b.clients {
		infos = append(infos, r.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Flush waits until every event queued for c so far has been delivered.
func (b *Bus) Flush(c Client) {
	if r := b.record(c); r != nil {
		<-r.barrier()
	}
}

// EnumerateProperties asks every device matching filter to define its
// visible properties to c.
func (b *Bus) EnumerateProperties(c Client, filter *property.Property) error {
	devices := b.matching(filter)
	if len(devices) == 0 && filter != nil && filter.Device != "" {
		return errcode.New(errcode.NotFound, "enumerate properties", filter.Device)
	}
	for _, d := range devices {
		if err := b.call(d, "enumerate", func() error { return d.driver.EnumerateProperties(c, filter) }); err != nil {
			d.logger.Errorf("Error enumerating properties: %v", err)
		}
	}
	return nil
}

// ChangeProperty routes req to the driver of the device it addresses. A
// request without a device is a no-op and a request without a property name
// is rejected.
func (b *Bus) ChangeProperty(c Client, req *property.Property) error {
	if req == nil || req.Device == "" {
		return nil
	}
	if req.Name == "" {
		return errcode.New(errcode.Failed, "change property", "wildcard request for "+req.Device)
	}

	d := b.Device(req.Device)
	if d == nil {
		return errcode.New(errcode.NotFound, "change property", req.Device)
	}
	if !d.accepting() {
		return errcode.New(errcode.Failed, "change property", req.Device+" is not attached")
	}

	err := b.call(d, "change", func() error { return d.driver.ChangeProperty(c, req) })
	d.setLastResult(errcode.Of(err))
	return err
}

// EnableBlob records how c wants BLOBs matching filter delivered and
// forwards the preference to the matching devices.
func (b *Bus) EnableBlob(c Client, filter *property.Property, mode property.BlobMode) error {
	if r := b.record(c); r != nil {
		r.setBlobMode(filter, mode)
	}
	for _, d := range b.matching(filter) {
		if err := b.call(d, "enable blob", func() error { return d.driver.EnableBlob(c, filter, mode) }); err != nil {
			d.logger.Errorf("Error enabling BLOB: %v", err)
		}
	}
	return nil
}

// BlobMode returns the BLOB delivery mode c configured for device/name.
func (b *Bus) BlobMode(c Client, device, name string) property.BlobMode {
	if r := b.record(c); r != nil {
		return r.currentBlobMode(device, name)
	}
	return property.BlobAlso
}

// SetBlobURLResolver installs the function producing URLs for BLOB items
// delivered in URL mode.
func (b *Bus) SetBlobURLResolver(fn URLResolver) {
	if fn == nil {
		b.resolver.Store(nil)
		return
	}
	b.resolver.Store(&fn)
}

func (b *Bus) blobURLResolver() URLResolver {
	if fn := b.resolver.Load(); fn != nil {
		return *fn
	}
	return nil
}

// Blob returns the latest content of a BLOB item.
func (b *Bus) Blob(device, prop, item string) (property.BlobValue, bool) {
	return b.blobs.get(device, prop, item)
}

// LockHolder returns the name of the device holding resource, or "".
func (b *Bus) LockHolder(resource string) string {
	return b.locks.holder(resource)
}

func (b *Bus) emit(d *Device, target Client, kind eventKind, p *property.Property, message string) {
	var snap *property.Property
	switch {
	case p != nil:
		snap = p.Clone()
		if snap.Device == "" {
			snap.Device = d.name
		}
	case kind == evDelete:
		snap = &property.Property{Device: d.name}
	case kind != evMessage:
		return
	}

	if snap != nil && snap.Type == property.Blob {
		switch kind {
		case evDefine, evUpdate:
			b.blobs.store(snap)
		}
	}
	if kind == evDelete {
		b.blobs.drop(snap.Device, snap.Name)
	}

	ev := event{kind: kind, device: d, prop: snap, message: message}
	for _, r := range b.records(target) {
		r.post(ev)
	}
}

func (b *Bus) records(target Client) []*clientRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if target != nil {
		if r, ok := b.clients[target]; ok {
			return []*clientRecord{r}
		}
		return nil
	}
	records := make([]*clientRecord, 0, len(b.clients))
	for _, r := range b.clients {
		records = append(records, r)
	}
	return records
}

func (b *Bus) record(c Client) *clientRecord {
	if c == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.clients[c]
}

func (b *Bus) removeClient(c Client) *clientRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.clients[c]
	if !ok {
		return nil
	}
	delete(b.clients, c)
	return r
}

// matching returns the attached devices a filter addresses.
func (b *Bus) matching(filter *property.Property) []*Device {
	if filter != nil && filter.Device != "" {
		if d := b.Device(filter.Device); d != nil && d.accepting() {
			return []*Device{d}
		}
		return nil
	}
	var devices []*Device
	for _, d := range b.Devices() {
		if d.accepting() {
			devices = append(devices, d)
		}
	}
	return devices
}

// call runs a driver callback, turning a panic into a Failed error so that a
// misbehaving driver never unwinds the dispatcher.
func (b *Bus) call(d *Device, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("Driver %s panicked: %v", op, r)
			err = errcode.New(errcode.Failed, op, fmt.Sprintf("panic: %v", r))
		}
	}()
	return fn()
}
